package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/eljapi/code-talk-reviwer/adapters/agent"
	"github.com/eljapi/code-talk-reviwer/adapters/speech"
	"github.com/eljapi/code-talk-reviwer/adapters/stt"
	"github.com/eljapi/code-talk-reviwer/adapters/tts"
	"github.com/eljapi/code-talk-reviwer/domain/repositories"
	"github.com/eljapi/code-talk-reviwer/internal/api"
	"github.com/eljapi/code-talk-reviwer/internal/auth"
	"github.com/eljapi/code-talk-reviwer/internal/config"
	"github.com/eljapi/code-talk-reviwer/internal/orchestrator"
	"github.com/eljapi/code-talk-reviwer/internal/websocket"
)

const liveOutputSampleRate = 24000

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := newLogger(cfg.LogLevel)
	defer logger.Sync()

	ctx := context.Background()

	// Initialize adapters
	audioFactory, closeAudio, err := newAudioFactory(ctx, &cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize audio provider", zap.String("provider", cfg.AudioProvider), zap.Error(err))
	}
	defer closeAudio()

	agentFactory, err := newAgentFactory(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize agent provider", zap.String("provider", cfg.AgentProvider), zap.Error(err))
	}

	secret := cfg.JWTSecret
	if secret == "" {
		secret = uuid.NewString()
		logger.Warn("JWT_SECRET not set, using an ephemeral secret; tokens will not survive a restart")
	}
	issuer, err := auth.NewIssuer(secret, 0)
	if err != nil {
		logger.Fatal("Failed to initialize token issuer", zap.Error(err))
	}

	orch := orchestrator.New(cfg, audioFactory, agentFactory, logger)
	cleanup := orchestrator.NewCleanupService(orch, cfg.CleanupInterval, logger)
	cleanup.Start()

	hub := websocket.NewHub(orch, logger)

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Initialize API routes
	api.InitRoutes(e, hub, orch, issuer, logger)

	// Graceful shutdown
	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Server started",
		zap.String("port", cfg.Port),
		zap.String("audioProvider", cfg.AudioProvider),
		zap.String("agentProvider", cfg.AgentProvider),
		zap.Int("maxSessions", cfg.MaxConcurrentSessions))

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Server is shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cleanup.Stop()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("Sessions did not end cleanly", zap.Error(err))
	}
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

func newLogger(level string) *zap.Logger {
	var logger *zap.Logger
	var err error
	if level == "debug" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// newAudioFactory selects the AudioChannel implementation. It may adjust
// the output sample rate to what the provider produces.
func newAudioFactory(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repositories.AudioChannelFactory, func(), error) {
	vadCfg := speech.DefaultVADConfig()
	vadCfg.Threshold = cfg.VADThreshold
	vadCfg.SilenceTimeout = cfg.VADSilence
	vadCfg.SampleRate = cfg.InputSampleRate

	switch cfg.AudioProvider {
	case "gemini-live":
		cfg.OutputSampleRate = liveOutputSampleRate
		factory, err := speech.NewGeminiLiveFactory(ctx, speech.GeminiLiveConfig{
			APIKey: cfg.GeminiAPIKey,
			Model:  cfg.GeminiLiveModel,
			Voice:  cfg.GeminiVoice,
		}, vadCfg, logger)
		return factory, func() {}, err

	case "google":
		recognizer, err := stt.NewGoogleSpeechToText(ctx, logger)
		if err != nil {
			return nil, nil, err
		}
		synthesizer, err := tts.NewElevenLabsTTS(tts.ElevenLabsConfig{
			APIKey:     cfg.ElevenLabsAPIKey,
			VoiceID:    cfg.ElevenLabsVoiceID,
			ModelID:    cfg.ElevenLabsModelID,
			SampleRate: cfg.OutputSampleRate,
		}, logger)
		if err != nil {
			recognizer.Close()
			return nil, nil, err
		}
		cfg.OutputSampleRate = synthesizer.SampleRate()
		closeFn := func() {
			if err := recognizer.Close(); err != nil {
				logger.Warn("Failed to close speech client", zap.Error(err))
			}
		}
		return speech.NewCascadeFactory(recognizer, synthesizer, vadCfg, logger), closeFn, nil

	case "mock":
		synthesizer := tts.NewMockTextToSpeech(cfg.OutputSampleRate, logger)
		return speech.NewCascadeFactory(stt.NewMockSpeechToText(logger), synthesizer, vadCfg, logger), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown AUDIO_PROVIDER %q", cfg.AudioProvider)
}

func newAgentFactory(ctx context.Context, cfg config.Config, logger *zap.Logger) (repositories.AgentChannelFactory, error) {
	switch cfg.AgentProvider {
	case "gemini":
		return agent.NewGeminiFactory(ctx, agent.GeminiConfig{
			APIKey:       cfg.GeminiAPIKey,
			Model:        cfg.GeminiAgentModel,
			SystemPrompt: cfg.SystemPrompt,
			MaxTokens:    cfg.AgentMaxTokens,
		}, logger)
	case "anthropic":
		return agent.NewAnthropicFactory(agent.AnthropicConfig{
			APIKey:       cfg.AnthropicAPIKey,
			Model:        cfg.AnthropicModel,
			SystemPrompt: cfg.SystemPrompt,
			MaxTokens:    cfg.AgentMaxTokens,
		}, logger)
	case "openai":
		return agent.NewOpenAIFactory(agent.OpenAIConfig{
			APIKey:       cfg.OpenAIAPIKey,
			Model:        cfg.OpenAIModel,
			SystemPrompt: cfg.SystemPrompt,
			MaxTokens:    cfg.AgentMaxTokens,
		}, logger)
	case "mock":
		return agent.NewMockFactory(50*time.Millisecond, logger), nil
	}
	return nil, fmt.Errorf("unknown AGENT_PROVIDER %q", cfg.AgentProvider)
}
