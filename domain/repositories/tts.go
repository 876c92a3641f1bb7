package repositories

import "context"

// TextToSpeech converts text into a stream of PCM chunks. The returned
// channel is closed when synthesis finishes or ctx is cancelled.
type TextToSpeech interface {
	ConvertTextToSpeech(ctx context.Context, text string) (<-chan []byte, error)
}
