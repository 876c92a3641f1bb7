package repositories

import (
	"context"
	"time"
)

// AudioEventType enumerates what the speech service can report
type AudioEventType string

const (
	AudioEventTranscript    AudioEventType = "transcript"
	AudioEventSpeechStart   AudioEventType = "speechStart"
	AudioEventSpeechEnd     AudioEventType = "speechEnd"
	AudioEventAudioFragment AudioEventType = "audioFragment"
	AudioEventError         AudioEventType = "error"
)

// AudioEvent is a single event produced by an AudioChannel
type AudioEvent struct {
	Type       AudioEventType
	Text       string
	Final      bool
	Audio      []byte
	SampleRate int
	Err        error
	At         time.Time
}

// OutboundFrame is something the speech service should speak: text to
// synthesize, ready PCM, or both.
type OutboundFrame struct {
	TurnID     string
	Text       string
	PCM        []byte
	SampleRate int
}

// AudioChannel abstracts the duplex stream to a speech service.
//
// Events returns the event stream of the current connection. The channel is
// closed when the connection drops or Close is called; after a successful
// Connect the caller must call Events again. Play may report synthesized
// audio as audioFragment events but must not wait for them to be consumed.
type AudioChannel interface {
	Connect(ctx context.Context, config AudioConfig) error
	SendFrame(ctx context.Context, pcm []byte, sampleRate int) error
	Play(ctx context.Context, frame OutboundFrame) error
	Events() <-chan AudioEvent
	Close() error
}

// AudioChannelFactory opens a dedicated AudioChannel per session
type AudioChannelFactory interface {
	NewAudioChannel(sessionID string) (AudioChannel, error)
}
