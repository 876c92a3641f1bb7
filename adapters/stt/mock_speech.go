package stt

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/eljapi/code-talk-reviwer/domain/repositories"
)

// MockSpeechToText pretends to recognize speech. The transcript depends
// only on how much audio a stream received.
type MockSpeechToText struct {
	logger *zap.Logger
}

// NewMockSpeechToText creates a new mock speech-to-text service
func NewMockSpeechToText(logger *zap.Logger) *MockSpeechToText {
	return &MockSpeechToText{logger: logger}
}

var _ repositories.SpeechToText = (*MockSpeechToText)(nil)

// InitTranscribeStreaming creates a new mock streaming session
func (s *MockSpeechToText) InitTranscribeStreaming(ctx context.Context, config repositories.AudioConfig) (repositories.SpeechToTextStreaming, error) {
	s.logger.Debug("Initializing mock streaming transcription",
		zap.Int("sampleRate", config.SampleRate),
		zap.String("language", config.Language))

	return &MockSpeechToTextStream{results: make(chan repositories.Recognition, 32)}, nil
}

// MockSpeechToTextStream emits an interim result per audio chunk and a
// final result plus end of utterance when the stream ends
type MockSpeechToTextStream struct {
	mu       sync.Mutex
	received int
	ended    bool
	results  chan repositories.Recognition
}

// Stream records the chunk and reports an interim transcript
func (m *MockSpeechToTextStream) Stream(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended || len(data) == 0 {
		return nil
	}
	m.received += len(data)
	select {
	case m.results <- repositories.Recognition{Text: MockTranscript(m.received)}:
	default:
	}
	return nil
}

func (m *MockSpeechToTextStream) Results() <-chan repositories.Recognition {
	return m.results
}

func (m *MockSpeechToTextStream) Err() error {
	return nil
}

// End publishes the final transcript, if any audio was received, and
// closes Results
func (m *MockSpeechToTextStream) End() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return nil
	}
	m.ended = true
	if m.received > 0 {
		// drop interim results so the final ones always fit
	drain:
		for len(m.results) > cap(m.results)-2 {
			select {
			case <-m.results:
			default:
				break drain
			}
		}
		m.results <- repositories.Recognition{Text: MockTranscript(m.received), Final: true}
		m.results <- repositories.Recognition{EndOfUtterance: true}
	}
	close(m.results)
	return nil
}

// MockTranscript maps an amount of audio to a canned utterance
func MockTranscript(size int) string {
	switch {
	case size > 64000:
		return "Can you walk me through the changes in this pull request?"
	case size > 32000:
		return "Why does this function hold the lock while logging?"
	case size > 8000:
		return "Looks good to me."
	default:
		return "Hello"
	}
}
