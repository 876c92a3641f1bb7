// Package speech holds the AudioChannel implementations: a cascade of
// streaming speech recognition and text-to-speech, and Gemini Live.
package speech

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/eljapi/code-talk-reviwer/domain/repositories"
)

var errNotConnected = errors.New("audio channel not connected")

const eventBuffer = 256

// Synthesizer is a TextToSpeech that knows its output rate
type Synthesizer interface {
	repositories.TextToSpeech
	SampleRate() int
}

// Cascade is an AudioChannel built from a streaming recognizer and a
// synthesizer. A local VAD finds utterance boundaries; every utterance gets
// its own recognition stream.
type Cascade struct {
	stt    repositories.SpeechToText
	tts    Synthesizer
	vadCfg VADConfig
	logger *zap.Logger

	// mu serializes Connect, SendFrame and Close. Play only reads conn.
	mu     sync.Mutex
	conn   atomic.Pointer[cascadeConn]
	closed bool
}

// cascadeConn is one Connect..Close span
type cascadeConn struct {
	cfg    repositories.AudioConfig
	ctx    context.Context
	cancel context.CancelFunc
	events chan repositories.AudioEvent
	vad    *VAD
	stream repositories.SpeechToTextStreaming
	wg     sync.WaitGroup

	sendMu sync.RWMutex
	done   bool
}

var _ repositories.AudioChannel = (*Cascade)(nil)

// NewCascade creates a cascade channel. stt and tts may be shared between
// channels.
func NewCascade(stt repositories.SpeechToText, tts Synthesizer, vadCfg VADConfig, logger *zap.Logger) *Cascade {
	return &Cascade{stt: stt, tts: tts, vadCfg: vadCfg, logger: logger}
}

func (c *Cascade) Connect(ctx context.Context, cfg repositories.AudioConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("audio channel closed")
	}
	c.teardownLocked()

	vadCfg := c.vadCfg
	vadCfg.SampleRate = cfg.SampleRate
	connCtx, cancel := context.WithCancel(context.Background())
	c.conn.Store(&cascadeConn{
		cfg:    cfg,
		ctx:    connCtx,
		cancel: cancel,
		events: make(chan repositories.AudioEvent, eventBuffer),
		vad:    NewVAD(vadCfg),
	})
	c.logger.Debug("Cascade audio channel connected", zap.Int("sampleRate", cfg.SampleRate))
	return nil
}

// SendFrame runs the VAD over the frame and forwards speech to the current
// recognition stream
func (c *Cascade) SendFrame(ctx context.Context, pcm []byte, sampleRate int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn := c.conn.Load()
	if conn == nil {
		return errNotConnected
	}

	event, speech := conn.vad.Process(pcm)
	switch event {
	case VADSpeechStart:
		stream, err := c.stt.InitTranscribeStreaming(conn.ctx, conn.cfg)
		if err != nil {
			conn.vad.Reset()
			return fmt.Errorf("failed to open recognition stream: %w", err)
		}
		conn.stream = stream
		conn.send(ctx, repositories.AudioEvent{Type: repositories.AudioEventSpeechStart, At: time.Now()})
		conn.wg.Add(1)
		go c.forward(conn, stream)
	case VADSpeechEnd:
		defer c.endUtteranceLocked(conn)
	}

	if conn.stream != nil && len(speech) > 0 {
		if err := conn.stream.Stream(speech); err != nil {
			// the recognizer may stop listening on its own end of utterance
			c.logger.Debug("Recognition stream refused audio", zap.Error(err))
		}
	}
	return nil
}

func (c *Cascade) endUtteranceLocked(conn *cascadeConn) {
	if conn.stream == nil {
		return
	}
	if err := conn.stream.End(); err != nil {
		c.logger.Warn("Failed to end recognition stream", zap.Error(err))
	}
	conn.stream = nil
}

// forward turns recognition results into transcript events and ends the
// utterance with speechEnd once the stream is done
func (c *Cascade) forward(conn *cascadeConn, stream repositories.SpeechToTextStreaming) {
	defer conn.wg.Done()

	var final []string
	for r := range stream.Results() {
		if r.EndOfUtterance || r.Text == "" {
			continue
		}
		if r.Final {
			final = append(final, strings.TrimSpace(r.Text))
		}
		conn.send(conn.ctx, repositories.AudioEvent{
			Type:  repositories.AudioEventTranscript,
			Text:  r.Text,
			Final: r.Final,
			At:    time.Now(),
		})
	}

	if err := stream.Err(); err != nil {
		conn.send(conn.ctx, repositories.AudioEvent{Type: repositories.AudioEventError, Err: err, At: time.Now()})
		return
	}
	conn.send(conn.ctx, repositories.AudioEvent{
		Type: repositories.AudioEventSpeechEnd,
		Text: strings.Join(final, " "),
		At:   time.Now(),
	})
}

// Play synthesizes frame.Text, or passes frame.PCM through, and reports the
// audio as audioFragment events
func (c *Cascade) Play(ctx context.Context, frame repositories.OutboundFrame) error {
	conn := c.conn.Load()
	if conn == nil {
		return errNotConnected
	}

	if len(frame.PCM) > 0 {
		c.offer(conn, repositories.AudioEvent{
			Type:       repositories.AudioEventAudioFragment,
			Audio:      frame.PCM,
			SampleRate: frame.SampleRate,
			At:         time.Now(),
		})
		return nil
	}
	if strings.TrimSpace(frame.Text) == "" {
		return nil
	}

	audio, err := c.tts.ConvertTextToSpeech(ctx, frame.Text)
	if err != nil {
		return fmt.Errorf("failed to synthesize speech: %w", err)
	}
	for chunk := range audio {
		// drain what was buffered before cancellation without offering it
		if ctx.Err() != nil {
			continue
		}
		c.offer(conn, repositories.AudioEvent{
			Type:       repositories.AudioEventAudioFragment,
			Audio:      chunk,
			SampleRate: c.tts.SampleRate(),
			At:         time.Now(),
		})
	}
	return ctx.Err()
}

func (c *Cascade) Events() <-chan repositories.AudioEvent {
	if conn := c.conn.Load(); conn != nil {
		return conn.events
	}
	return nil
}

func (c *Cascade) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.teardownLocked()
	return nil
}

func (c *Cascade) teardownLocked() {
	conn := c.conn.Swap(nil)
	if conn == nil {
		return
	}
	c.endUtteranceLocked(conn)
	conn.cancel()
	conn.wg.Wait()

	conn.sendMu.Lock()
	conn.done = true
	close(conn.events)
	conn.sendMu.Unlock()
}

// send delivers an event unless the connection or ctx is gone
func (conn *cascadeConn) send(ctx context.Context, ev repositories.AudioEvent) {
	conn.sendMu.RLock()
	defer conn.sendMu.RUnlock()
	if conn.done {
		return
	}
	select {
	case conn.events <- ev:
	case <-conn.ctx.Done():
	case <-ctx.Done():
	}
}

// offer delivers without waiting; playback must never block on the reader
func (c *Cascade) offer(conn *cascadeConn, ev repositories.AudioEvent) {
	conn.sendMu.RLock()
	defer conn.sendMu.RUnlock()
	if conn.done || conn.ctx.Err() != nil {
		return
	}
	select {
	case conn.events <- ev:
	default:
		c.logger.Warn("Audio event buffer full, dropping synthesized audio", zap.Int("bytes", len(ev.Audio)))
	}
}

// CascadeFactory opens one Cascade per session over shared recognizer and
// synthesizer clients
type CascadeFactory struct {
	stt    repositories.SpeechToText
	tts    Synthesizer
	vadCfg VADConfig
	logger *zap.Logger
}

func NewCascadeFactory(stt repositories.SpeechToText, tts Synthesizer, vadCfg VADConfig, logger *zap.Logger) *CascadeFactory {
	return &CascadeFactory{stt: stt, tts: tts, vadCfg: vadCfg, logger: logger}
}

func (f *CascadeFactory) NewAudioChannel(sessionID string) (repositories.AudioChannel, error) {
	return NewCascade(f.stt, f.tts, f.vadCfg, f.logger.With(zap.String("sessionID", sessionID))), nil
}
