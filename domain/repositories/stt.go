package repositories

import "context"

// SpeechToText abstracts streaming speech recognition services
type SpeechToText interface {
	InitTranscribeStreaming(ctx context.Context, config AudioConfig) (SpeechToTextStreaming, error)
}

// AudioConfig represents audio configuration for a speech session
type AudioConfig struct {
	SampleRate       int    `json:"sample_rate"`
	OutputSampleRate int    `json:"output_sample_rate"`
	Encoding         string `json:"encoding"`
	Language         string `json:"language"`
}

// Recognition is a partial or final transcription result.
// EndOfUtterance is set when the recognizer detected the speaker stopped.
type Recognition struct {
	Text           string
	Final          bool
	EndOfUtterance bool
}

// SpeechToTextStreaming is one recognition stream. Results is closed when
// the stream ends; End half-closes the stream and releases its resources.
type SpeechToTextStreaming interface {
	Stream(data []byte) error
	Results() <-chan Recognition
	Err() error
	End() error
}
