package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eljapi/code-talk-reviwer/domain/repositories"
)

const (
	defaultAPIBaseURL = "https://api.elevenlabs.io/v1"
	defaultVoiceID    = "21m00Tcm4TlvDq8ikWAM" // Rachel
	defaultModelID    = "eleven_flash_v2_5"
	defaultChunkSize  = 4096
	defaultSampleRate = 24000
	defaultStability  = 0.5
	defaultClarity    = 0.75
)

// ElevenLabsConfig holds configuration for the ElevenLabsTTS adapter.
// Only APIKey is required.
type ElevenLabsConfig struct {
	APIKey     string
	APIBaseURL string
	VoiceID    string
	ModelID    string
	SampleRate int // PCM output rate: 16000, 22050, 24000 or 44100
	ChunkSize  int
	Stability  float64
	Clarity    float64
	HTTPClient *http.Client
}

// ElevenLabsTTS streams PCM speech from the ElevenLabs text-to-speech API
type ElevenLabsTTS struct {
	cfg    ElevenLabsConfig
	client *http.Client
	logger *zap.Logger
}

var _ repositories.TextToSpeech = (*ElevenLabsTTS)(nil)

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	UseSpeakerBoost bool    `json:"use_speaker_boost,omitempty"`
}

type synthesisRequest struct {
	Text                   string        `json:"text"`
	ModelID                string        `json:"model_id"`
	VoiceSettings          voiceSettings `json:"voice_settings"`
	ApplyTextNormalization string        `json:"apply_text_normalization,omitempty"`
}

// ValidateElevenLabsConfig validates the ElevenLabsConfig
func ValidateElevenLabsConfig(config ElevenLabsConfig) error {
	if config.APIKey == "" {
		return fmt.Errorf("eleven labs API key is required")
	}
	if config.Stability < 0 || config.Stability > 1 {
		return fmt.Errorf("stability must be between 0 and 1, got %f", config.Stability)
	}
	if config.Clarity < 0 || config.Clarity > 1 {
		return fmt.Errorf("clarity must be between 0 and 1, got %f", config.Clarity)
	}
	if config.ChunkSize < 0 {
		return fmt.Errorf("chunk size must be positive, got %d", config.ChunkSize)
	}
	switch config.SampleRate {
	case 0, 16000, 22050, 24000, 44100:
	default:
		return fmt.Errorf("unsupported PCM sample rate %d", config.SampleRate)
	}
	return nil
}

// NewElevenLabsTTS creates a new Eleven Labs TTS instance, filling in
// defaults for every optional field
func NewElevenLabsTTS(config ElevenLabsConfig, logger *zap.Logger) (*ElevenLabsTTS, error) {
	if err := ValidateElevenLabsConfig(config); err != nil {
		return nil, err
	}

	if config.APIBaseURL == "" {
		config.APIBaseURL = defaultAPIBaseURL
	}
	if config.VoiceID == "" {
		config.VoiceID = defaultVoiceID
	}
	if config.ModelID == "" {
		config.ModelID = defaultModelID
	}
	if config.SampleRate == 0 {
		config.SampleRate = defaultSampleRate
	}
	if config.ChunkSize == 0 {
		config.ChunkSize = defaultChunkSize
	}
	config.ChunkSize += config.ChunkSize % 2
	if config.Stability == 0 {
		config.Stability = defaultStability
	}
	if config.Clarity == 0 {
		config.Clarity = defaultClarity
	}

	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}

	logger.Info("ElevenLabs TTS configured",
		zap.String("voiceID", config.VoiceID),
		zap.String("modelID", config.ModelID),
		zap.Int("sampleRate", config.SampleRate))

	return &ElevenLabsTTS{cfg: config, client: client, logger: logger}, nil
}

// SampleRate is the rate of the PCM the adapter produces
func (e *ElevenLabsTTS) SampleRate() int {
	return e.cfg.SampleRate
}

// ConvertTextToSpeech starts synthesis and returns once the API accepted
// the request. Audio arrives on the channel as the response streams in.
func (e *ElevenLabsTTS) ConvertTextToSpeech(ctx context.Context, text string) (<-chan []byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}

	body, err := json.Marshal(synthesisRequest{
		Text:                   text,
		ModelID:                e.cfg.ModelID,
		ApplyTextNormalization: "auto",
		VoiceSettings: voiceSettings{
			Stability:       e.cfg.Stability,
			SimilarityBoost: e.cfg.Clarity,
			UseSpeakerBoost: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/text-to-speech/%s/stream?output_format=pcm_%d&enable_logging=false",
		e.cfg.APIBaseURL, e.cfg.VoiceID, e.cfg.SampleRate)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Accept", "audio/pcm")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", e.cfg.APIKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute HTTP request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("eleven labs API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(errorBody)))
	}

	audio := make(chan []byte, 16)
	go e.stream(ctx, resp.Body, audio)
	return audio, nil
}

func (e *ElevenLabsTTS) stream(ctx context.Context, body io.ReadCloser, audio chan<- []byte) {
	defer close(audio)
	defer body.Close()

	// ReadFull keeps every chunk but the last at ChunkSize, so 16-bit
	// samples never straddle two chunks
	buffer := make([]byte, e.cfg.ChunkSize)
	total := 0
	for {
		n, err := io.ReadFull(body, buffer)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buffer[:n])
			total += n
			select {
			case audio <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && ctx.Err() == nil {
				e.logger.Warn("Error reading synthesis stream", zap.Error(err))
			}
			e.logger.Debug("Finished streaming synthesized audio", zap.Int("totalBytes", total))
			return
		}
	}
}
