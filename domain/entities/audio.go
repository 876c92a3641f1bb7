package entities

import "time"

// Direction tags a chunk as flowing from the caller or towards the caller
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Priority marks outbound chunks that may be shed under load
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityLow
)

// AudioChunk is a unit of audio (or text awaiting synthesis) moving through the pipeline
type AudioChunk struct {
	Direction  Direction
	Seq        uint64
	TurnID     string
	PCM        []byte
	Text       string
	SampleRate int
	Priority   Priority
	EnqueuedAt time.Time
	DequeuedAt time.Time
}

// Latency returns the time spent queued, or zero before dequeue
func (c AudioChunk) Latency() time.Duration {
	if c.DequeuedAt.IsZero() {
		return 0
	}
	return c.DequeuedAt.Sub(c.EnqueuedAt)
}

// Duration computes the playback length of 16-bit mono PCM
func (c AudioChunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	samples := len(c.PCM) / 2
	return time.Duration(samples) * time.Second / time.Duration(c.SampleRate)
}
