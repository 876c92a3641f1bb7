package tts

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/eljapi/code-talk-reviwer/domain/repositories"
)

// MockTextToSpeech produces a synthetic tone instead of speech. The amount
// of audio grows with the length of the text.
type MockTextToSpeech struct {
	logger     *zap.Logger
	sampleRate int
}

// NewMockTextToSpeech creates a new mock text-to-speech service
func NewMockTextToSpeech(sampleRate int, logger *zap.Logger) *MockTextToSpeech {
	if sampleRate <= 0 {
		sampleRate = defaultSampleRate
	}
	return &MockTextToSpeech{logger: logger, sampleRate: sampleRate}
}

var _ repositories.TextToSpeech = (*MockTextToSpeech)(nil)

func (t *MockTextToSpeech) SampleRate() int {
	return t.sampleRate
}

// ConvertTextToSpeech emits 10ms of PCM per character in 100ms chunks
func (t *MockTextToSpeech) ConvertTextToSpeech(ctx context.Context, text string) (<-chan []byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}
	t.logger.Debug("Synthesizing mock audio", zap.Int("characters", len(text)))

	perChar := t.sampleRate / 100 * 2
	total := len(text) * perChar
	chunkSize := perChar * 10

	audio := make(chan []byte, 4)
	go func() {
		defer close(audio)
		for sent := 0; sent < total; sent += chunkSize {
			n := min(chunkSize, total-sent)
			chunk := make([]byte, n)
			for i := range chunk {
				chunk[i] = byte((sent + i) % 256)
			}
			select {
			case audio <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return audio, nil
}
