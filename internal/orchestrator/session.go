package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/eljapi/code-talk-reviwer/domain"
	"github.com/eljapi/code-talk-reviwer/domain/entities"
	"github.com/eljapi/code-talk-reviwer/domain/repositories"
	"github.com/eljapi/code-talk-reviwer/internal/flow"
	"github.com/eljapi/code-talk-reviwer/internal/metrics"
	"github.com/eljapi/code-talk-reviwer/internal/pipeline"
)

var errCutOff = errors.New("turn cut off by barge-in")

type playback struct {
	turnID string
	cancel context.CancelCauseFunc
}

// session is the runtime of one conversation: its channels, its pipeline
// and flow manager, and the tasks moving data between them.
type session struct {
	id     string
	o      *Orchestrator
	logger *zap.Logger

	audioCfg repositories.AudioConfig
	audio    repositories.AudioChannel
	agent    repositories.AgentChannel
	pipe     *pipeline.Manager
	flow     *flow.Manager
	events   *dispatcher
	release  func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// playMu serializes playback with barge-in so nothing of an
	// interrupted turn is played once the interrupt returned
	playMu     sync.Mutex
	lastPlayed atomic.Pointer[string]

	// playingMu guards the Play call in progress, cancelled on barge-in
	playingMu sync.Mutex
	playing   *playback

	mu        sync.Mutex
	entity    *entities.Session
	utterance strings.Builder
	ready     bool

	endOnce sync.Once
	done    chan struct{}
}

func (s *session) snapshotEntity() entities.Session {
	stats := s.flow.Stats()
	s.mu.Lock()
	e := *s.entity
	s.mu.Unlock()
	stats.ReconnectAttempts = e.Stats.ReconnectAttempts
	e.Stats = stats
	return e
}

func (s *session) isEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entity.IsEnded()
}

func (s *session) touch() {
	s.mu.Lock()
	s.entity.UpdateLastActive()
	s.mu.Unlock()
}

func (s *session) exceeds(max time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.entity.IsEnded() && s.entity.ExceedsDuration(max)
}

func (s *session) emit(ev domain.Event) {
	ev.SessionID = s.id
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.events.emit(ev)
}

// start launches the session tasks. Connecting happens in the background;
// sessionReady is emitted once the audio channel is up.
func (s *session) start() {
	s.flow.Start()
	s.wg.Add(3)
	go s.run()
	go s.playOutbound()
	go s.monitor()
}

// run owns the audio connection: it connects, pumps the connection until
// it drops, then reconnects until attempts are exhausted.
func (s *session) run() {
	defer s.wg.Done()

	if err := s.connect(false); err != nil {
		s.connectionLost(err)
		return
	}
	s.markReady()

	for {
		cause := s.serveConnection()
		if s.ctx.Err() != nil {
			return
		}
		if err := s.reconnect(cause); err != nil {
			s.connectionLost(err)
			return
		}
	}
}

func (s *session) markReady() {
	s.mu.Lock()
	first := !s.ready
	s.ready = true
	s.mu.Unlock()
	if first {
		s.logger.Info("Audio channel connected")
	}
	s.emit(domain.Event{Type: domain.EventSessionReady})
}

func (s *session) connectionLost(err error) {
	if s.ctx.Err() != nil {
		return
	}
	s.logger.Error("Audio channel lost", zap.Error(err))
	go s.o.endSession(context.Background(), s, entities.EndReasonConnectivity, err)
}

// serveConnection pumps one audio connection and returns why it ended
func (s *session) serveConnection() error {
	ctx, cancel := context.WithCancelCause(s.ctx)
	events := s.audio.Events()

	var senders sync.WaitGroup
	senders.Add(1)
	go func() {
		defer senders.Done()
		if err := s.sendInbound(ctx); err != nil {
			cancel(err)
		}
	}()
	defer func() {
		cancel(nil)
		senders.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case ev, ok := <-events:
			if !ok {
				return errConnectionClosed
			}
			if ev.Type == repositories.AudioEventError {
				s.pipe.RecordError()
				metrics.Errors.WithLabelValues("audio", "channel_error").Inc()
				if ev.Err != nil {
					return ev.Err
				}
				return errAudioChannel
			}
			s.handleAudioEvent(ctx, ev)
		}
	}
}

// sendInbound forwards queued caller audio to the speech service in
// sequence order. Chunks stay unacknowledged until the service reports on
// them, so a failed send is re-sent after reconnecting.
func (s *session) sendInbound(ctx context.Context) error {
	for chunk := range s.pipe.Drain(ctx, entities.Inbound) {
		s.flow.OnInboundAudio(chunk)
		if err := s.audio.SendFrame(ctx, chunk.PCM, chunk.SampleRate); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.pipe.RecordError()
			s.logger.Warn("Failed to send audio frame", zap.Uint64("seq", chunk.Seq), zap.Error(err))
			return err
		}
	}
	return nil
}

func (s *session) handleAudioEvent(ctx context.Context, ev repositories.AudioEvent) {
	switch ev.Type {
	case repositories.AudioEventSpeechStart:
		s.mu.Lock()
		s.utterance.Reset()
		s.mu.Unlock()
		s.touch()
		s.flow.OnSpeechStart(ctx)
		s.playBarrier()

	case repositories.AudioEventTranscript:
		s.pipe.AckAll()
		s.touch()
		if ev.Final && ev.Text != "" {
			s.mu.Lock()
			if s.utterance.Len() > 0 {
				s.utterance.WriteString(" ")
			}
			s.utterance.WriteString(strings.TrimSpace(ev.Text))
			s.mu.Unlock()
		}
		if s.flow.State() == entities.StateIdle && ev.Text != "" {
			s.flow.OnSpeechStart(ctx)
		}
		s.emit(domain.Event{Type: domain.EventTranscript, Text: ev.Text, Final: ev.Final, At: ev.At})

	case repositories.AudioEventSpeechEnd:
		s.pipe.AckAll()
		s.mu.Lock()
		text := strings.TrimSpace(ev.Text)
		if text == "" {
			text = s.utterance.String()
		}
		s.utterance.Reset()
		s.mu.Unlock()

		handle, err := s.flow.OnSpeechEnd(ctx, text)
		if err != nil {
			metrics.Errors.WithLabelValues("agent", domain.ErrorCode(err)).Inc()
			return
		}
		if handle != nil {
			s.wg.Add(1)
			go s.pumpTurn(handle)
		}

	case repositories.AudioEventAudioFragment:
		turnID := s.lastPlayed.Load()
		if turnID == nil || !s.flow.Playable(*turnID) {
			return
		}
		s.emit(domain.Event{Type: domain.EventAgentFragment, TurnID: *turnID, Audio: ev.Audio, At: ev.At})
	}
}

// pumpTurn feeds one agent turn's fragments into the flow manager
func (s *session) pumpTurn(handle repositories.AgentTurn) {
	defer s.wg.Done()
	events := handle.Events()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				s.flow.OnAgentStreamClosed(handle.ID())
				return
			}
			s.flow.OnAgentEvent(handle.ID(), ev)
		}
	}
}

// playOutbound hands queued agent output to the audio channel in order
func (s *session) playOutbound() {
	defer s.wg.Done()
	for chunk := range s.pipe.Drain(s.ctx, entities.Outbound) {
		s.play(chunk)
	}
}

func (s *session) play(chunk entities.AudioChunk) {
	s.playMu.Lock()
	defer s.playMu.Unlock()

	// registered before the cutoff check so a concurrent barge-in either
	// sees this call or this call sees the cutoff
	ctx, cancel := context.WithCancelCause(s.ctx)
	defer cancel(nil)
	s.setPlaying(&playback{turnID: chunk.TurnID, cancel: cancel})
	defer s.setPlaying(nil)

	if !s.flow.Playable(chunk.TurnID) {
		return
	}
	turnID := chunk.TurnID
	s.lastPlayed.Store(&turnID)
	frame := repositories.OutboundFrame{
		TurnID:     chunk.TurnID,
		Text:       chunk.Text,
		PCM:        chunk.PCM,
		SampleRate: chunk.SampleRate,
	}
	if err := s.audio.Play(ctx, frame); err != nil && ctx.Err() == nil {
		s.pipe.RecordError()
		s.logger.Warn("Failed to play agent output", zap.String("turnID", chunk.TurnID), zap.Error(err))
	}
}

func (s *session) setPlaying(p *playback) {
	s.playingMu.Lock()
	s.playing = p
	s.playingMu.Unlock()
}

// stopPlayback cancels the Play call in progress if its turn was cut off
func (s *session) stopPlayback() bool {
	s.playingMu.Lock()
	p := s.playing
	s.playingMu.Unlock()
	if p == nil || s.flow.Playable(p.turnID) {
		return false
	}
	s.logger.Debug("Cancelling playback of interrupted turn", zap.String("turnID", p.turnID))
	p.cancel(errCutOff)
	return true
}

// playBarrier cancels playback of a cut-off turn and waits for that Play
// call to return. Playback of a turn that is still current is left alone.
func (s *session) playBarrier() {
	if s.stopPlayback() {
		s.playMu.Lock()
		s.playMu.Unlock()
	}
}

// monitor periodically exports the pipeline snapshot
func (s *session) monitor() {
	defer s.wg.Done()
	interval := s.o.cfg.MonitorInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *session) sample() {
	snap := s.pipe.Snapshot()
	metrics.SampledP95.Observe(snap.P95Latency.Seconds())
	metrics.BufferOccupancy.WithLabelValues(string(entities.Inbound)).Observe(float64(snap.InboundOccupancy))
	metrics.BufferOccupancy.WithLabelValues(string(entities.Outbound)).Observe(float64(snap.OutboundOccupancy))

	target := s.o.cfg.TargetLatency
	if target > 0 && snap.P95Latency > target*3/2 {
		s.logger.Warn("Pipeline latency above target",
			zap.Duration("p95", snap.P95Latency),
			zap.Duration("target", target),
			zap.Float64("throughput", snap.Throughput))
	}
}

// onAlert is the pipeline quality hook. Critical latency shrinks the
// agent context and the outbound buffer; recovery restores both.
func (s *session) onAlert(state entities.AlertState, snap entities.PipelineMetrics) {
	switch state {
	case entities.AlertCritical:
		window := s.flow.ShrinkContext()
		s.pipe.SetOutboundDepth(s.o.cfg.PipelineBufferCapacity / 2)
		s.logger.Warn("Critical pipeline latency, reducing load",
			zap.Int("contextWindow", window),
			zap.Duration("p95", snap.P95Latency))
	case entities.AlertNominal:
		s.flow.RestoreContext()
		s.pipe.SetOutboundDepth(0)
	}
	snapshot := snap
	s.emit(domain.Event{Type: domain.EventQualityAlert, Alert: state, Metrics: &snapshot})
}

func (s *session) onShed(active bool) {
	s.flow.SetShedding(active)
}
