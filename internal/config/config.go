// Package config loads the orchestrator and server settings from the
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// HistoryEviction selects what happens to turns pushed out of the bounded history
type HistoryEviction string

const (
	EvictDrop      HistoryEviction = "drop"
	EvictSummarize HistoryEviction = "summarize"
)

// LatencyThresholds bounds the p95 queueing latency per alert level
type LatencyThresholds struct {
	Degraded time.Duration
	Critical time.Duration
}

// Config is the full configuration surface of the service
type Config struct {
	Port      string
	LogLevel  string
	JWTSecret string

	MaxConcurrentSessions int
	SessionIdleTimeout    time.Duration
	SessionMaxDuration    time.Duration
	CleanupInterval       time.Duration

	ReconnectMaxAttempts     int
	ReconnectBackoffInitial  time.Duration
	ReconnectBackoffCap      time.Duration
	ReconnectStalenessWindow time.Duration

	PipelineBufferCapacity int
	LatencyWindowSize      int
	LatencyAlertWindows    int
	LatencyAlertThresholds LatencyThresholds
	TargetLatency          time.Duration
	ShedAfterOverflows     int
	MonitorInterval        time.Duration

	ContextWindowTurns   int
	HistoryCapacity      int
	HistoryEviction      HistoryEviction
	CancelTimeout        time.Duration
	MaxConversationTurns int
	BargeInEnabled       bool

	InputSampleRate  int
	OutputSampleRate int
	Language         string

	AudioProvider string
	AgentProvider string
	SystemPrompt  string

	GeminiAPIKey     string
	GeminiLiveModel  string
	GeminiAgentModel string
	AnthropicAPIKey  string
	AnthropicModel   string
	OpenAIAPIKey     string
	OpenAIModel      string
	AgentMaxTokens   int

	GeminiVoice       string
	ElevenLabsAPIKey  string
	ElevenLabsVoiceID string
	ElevenLabsModelID string

	// VADThreshold is the RMS energy (0..1) above which a frame counts as
	// speech for the cascade audio provider
	VADThreshold float64
	VADSilence   time.Duration
}

const defaultSystemPrompt = "You are a helpful voice assistant for code review. Keep answers short and conversational; they are spoken aloud."

// Load reads a .env file when present, then the process environment
func Load() (Config, error) {
	// a missing .env is fine outside local development
	_ = godotenv.Load()

	cfg := Config{
		Port:      envStr("PORT", "8080"),
		LogLevel:  envStr("LOG_LEVEL", "info"),
		JWTSecret: envStr("JWT_SECRET", ""),

		MaxConcurrentSessions: envInt("MAX_CONCURRENT_SESSIONS", 10),
		SessionIdleTimeout:    envDuration("SESSION_IDLE_TIMEOUT", 2*time.Minute),
		SessionMaxDuration:    envDuration("SESSION_MAX_DURATION", 30*time.Minute),
		CleanupInterval:       envDuration("SESSION_CLEANUP_INTERVAL", time.Minute),

		ReconnectMaxAttempts:     envInt("RECONNECT_MAX_ATTEMPTS", 3),
		ReconnectBackoffInitial:  envDuration("RECONNECT_BACKOFF_INITIAL", time.Second),
		ReconnectBackoffCap:      envDuration("RECONNECT_BACKOFF_CAP", 8*time.Second),
		ReconnectStalenessWindow: envDuration("RECONNECT_STALENESS_WINDOW", 3*time.Second),

		PipelineBufferCapacity: envInt("PIPELINE_BUFFER_CAPACITY", 256),
		LatencyWindowSize:      envInt("LATENCY_WINDOW_SIZE", 20),
		LatencyAlertWindows:    envInt("LATENCY_ALERT_CONSECUTIVE", 3),
		LatencyAlertThresholds: LatencyThresholds{
			Degraded: envDuration("LATENCY_DEGRADED", 300*time.Millisecond),
			Critical: envDuration("LATENCY_CRITICAL", 800*time.Millisecond),
		},
		TargetLatency:      envDuration("TARGET_LATENCY", 300*time.Millisecond),
		ShedAfterOverflows: envInt("SHED_AFTER_OVERFLOWS", 8),
		MonitorInterval:    envDuration("MONITOR_INTERVAL", 5*time.Second),

		ContextWindowTurns:   envInt("CONTEXT_WINDOW_TURNS", 10),
		HistoryCapacity:      envInt("HISTORY_CAPACITY", 50),
		HistoryEviction:      HistoryEviction(strings.ToLower(envStr("HISTORY_EVICTION", string(EvictSummarize)))),
		CancelTimeout:        envDuration("CANCEL_TIMEOUT", 500*time.Millisecond),
		MaxConversationTurns: envInt("MAX_CONVERSATION_TURNS", 50),
		BargeInEnabled:       envBool("BARGE_IN_ENABLED", true),

		InputSampleRate:  envInt("INPUT_SAMPLE_RATE", 16000),
		OutputSampleRate: envInt("OUTPUT_SAMPLE_RATE", 24000),
		Language:         envStr("SPEECH_LANGUAGE", "en-US"),

		AudioProvider: envStr("AUDIO_PROVIDER", "mock"),
		AgentProvider: envStr("AGENT_PROVIDER", "mock"),
		SystemPrompt:  envStr("AGENT_SYSTEM_PROMPT", defaultSystemPrompt),

		GeminiAPIKey:     envStr("GEMINI_API_KEY", ""),
		GeminiLiveModel:  envStr("GEMINI_LIVE_MODEL", "gemini-2.0-flash-live-001"),
		GeminiAgentModel: envStr("GEMINI_AGENT_MODEL", "gemini-2.0-flash"),
		AnthropicAPIKey:  envStr("ANTHROPIC_API_KEY", ""),
		AnthropicModel:   envStr("ANTHROPIC_MODEL", "claude-3-5-haiku-latest"),
		OpenAIAPIKey:     envStr("OPENAI_API_KEY", ""),
		OpenAIModel:      envStr("OPENAI_MODEL", "gpt-4o-mini"),
		AgentMaxTokens:   envInt("AGENT_MAX_TOKENS", 300),

		GeminiVoice:       envStr("GEMINI_VOICE", "Puck"),
		ElevenLabsAPIKey:  envStr("ELEVENLABS_API_KEY", ""),
		ElevenLabsVoiceID: envStr("ELEVENLABS_VOICE_ID", ""),
		ElevenLabsModelID: envStr("ELEVENLABS_MODEL_ID", ""),

		VADThreshold: envFloat("VAD_THRESHOLD", 0.02),
		VADSilence:   envDuration("VAD_SILENCE", 700*time.Millisecond),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the built-in defaults without touching the environment
func Default() Config {
	return Config{
		Port:                     "8080",
		LogLevel:                 "info",
		MaxConcurrentSessions:    10,
		SessionIdleTimeout:       2 * time.Minute,
		SessionMaxDuration:       30 * time.Minute,
		CleanupInterval:          time.Minute,
		ReconnectMaxAttempts:     3,
		ReconnectBackoffInitial:  time.Second,
		ReconnectBackoffCap:      8 * time.Second,
		ReconnectStalenessWindow: 3 * time.Second,
		PipelineBufferCapacity:   256,
		LatencyWindowSize:        20,
		LatencyAlertWindows:      3,
		LatencyAlertThresholds:   LatencyThresholds{Degraded: 300 * time.Millisecond, Critical: 800 * time.Millisecond},
		TargetLatency:            300 * time.Millisecond,
		ShedAfterOverflows:       8,
		MonitorInterval:          5 * time.Second,
		ContextWindowTurns:       10,
		HistoryCapacity:          50,
		HistoryEviction:          EvictSummarize,
		CancelTimeout:            500 * time.Millisecond,
		MaxConversationTurns:     50,
		BargeInEnabled:           true,
		InputSampleRate:          16000,
		OutputSampleRate:         24000,
		Language:                 "en-US",
		AudioProvider:            "mock",
		AgentProvider:            "mock",
		SystemPrompt:             defaultSystemPrompt,
		AgentMaxTokens:           300,
		GeminiVoice:              "Puck",
		VADThreshold:             0.02,
		VADSilence:               700 * time.Millisecond,
	}
}

// Validate rejects settings the orchestrator cannot run with
func (c Config) Validate() error {
	switch {
	case c.MaxConcurrentSessions <= 0:
		return fmt.Errorf("MAX_CONCURRENT_SESSIONS must be positive, got %d", c.MaxConcurrentSessions)
	case c.PipelineBufferCapacity <= 0:
		return fmt.Errorf("PIPELINE_BUFFER_CAPACITY must be positive, got %d", c.PipelineBufferCapacity)
	case c.ContextWindowTurns <= 0:
		return fmt.Errorf("CONTEXT_WINDOW_TURNS must be positive, got %d", c.ContextWindowTurns)
	case c.HistoryCapacity < c.ContextWindowTurns:
		return fmt.Errorf("HISTORY_CAPACITY (%d) must be at least CONTEXT_WINDOW_TURNS (%d)", c.HistoryCapacity, c.ContextWindowTurns)
	case c.ReconnectMaxAttempts < 0:
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must not be negative, got %d", c.ReconnectMaxAttempts)
	case c.ReconnectBackoffCap < c.ReconnectBackoffInitial:
		return fmt.Errorf("RECONNECT_BACKOFF_CAP must be >= RECONNECT_BACKOFF_INITIAL")
	case c.LatencyWindowSize <= 0 || c.LatencyAlertWindows <= 0:
		return fmt.Errorf("latency window size and consecutive windows must be positive")
	case c.LatencyAlertThresholds.Degraded <= 0 || c.LatencyAlertThresholds.Critical < c.LatencyAlertThresholds.Degraded:
		return fmt.Errorf("latency thresholds must satisfy 0 < degraded <= critical")
	case c.HistoryEviction != EvictDrop && c.HistoryEviction != EvictSummarize:
		return fmt.Errorf("HISTORY_EVICTION must be %q or %q, got %q", EvictDrop, EvictSummarize, c.HistoryEviction)
	case c.InputSampleRate <= 0:
		return fmt.Errorf("INPUT_SAMPLE_RATE must be positive")
	case c.VADThreshold <= 0 || c.VADThreshold >= 1:
		return fmt.Errorf("VAD_THRESHOLD must be between 0 and 1, got %v", c.VADThreshold)
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

// envDuration accepts Go durations ("250ms") or bare integers as milliseconds
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
