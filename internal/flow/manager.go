// Package flow implements per-session turn-taking: when the user finished
// speaking, when the agent is asked, and what happens when the user talks
// over the agent.
package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/eljapi/code-talk-reviwer/domain"
	"github.com/eljapi/code-talk-reviwer/domain/entities"
	"github.com/eljapi/code-talk-reviwer/domain/repositories"
	"github.com/eljapi/code-talk-reviwer/internal/metrics"
)

// Config tunes one session's flow manager
type Config struct {
	SessionID          string
	ContextWindowTurns int
	HistoryCapacity    int
	Eviction           EvictionPolicy
	Summarizer         Summarizer
	CancelTimeout      time.Duration
	IdleTimeout        time.Duration
	MaxTurns           int
	BargeIn            bool
	ToolCue            string
	OutputSampleRate   int
}

// Agent is the part of an AgentChannel the flow manager drives
type Agent interface {
	SubmitTurn(ctx context.Context, req repositories.TurnRequest) (repositories.AgentTurn, error)
	Cancel(ctx context.Context, turnID string) error
}

// Outbound is where agent fragments are queued for playback
type Outbound interface {
	Enqueue(dir entities.Direction, chunk entities.AudioChunk) (entities.AudioChunk, error)
	PurgeTurn(turnID string) int
}

// Sink collects events under the flow lock and delivers them after it is
// released, preserving order.
type Sink interface {
	Enqueue(ev domain.Event)
	Flush()
}

// Callbacks let the owner react to conditions that end the session. They
// run without the flow lock held.
type Callbacks struct {
	OnIdleTimeout func()
	OnTurnLimit   func()
	OnFatalError  func(err error)
	// OnInterrupt runs once a turn is cut off, before its output is purged
	// and the agent is asked to cancel
	OnInterrupt func(turnID string)
}

var transitions = map[entities.ConversationState][]entities.ConversationState{
	entities.StateIdle:        {entities.StateListening},
	entities.StateListening:   {entities.StateProcessing, entities.StateIdle},
	entities.StateProcessing:  {entities.StateResponding, entities.StateInterrupted, entities.StateIdle},
	entities.StateResponding:  {entities.StateIdle, entities.StateInterrupted},
	entities.StateInterrupted: {entities.StateListening},
}

// CanTransition reports whether from -> to is an edge of the state machine.
// Ending a session may move any state to idle.
func CanTransition(from, to entities.ConversationState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Manager is the turn-taking state machine of one session
type Manager struct {
	cfg       Config
	agent     Agent
	out       Outbound
	sink      Sink
	callbacks Callbacks
	logger    *zap.Logger

	shedding atomic.Bool
	window   atomic.Int32

	mu          sync.Mutex
	state       entities.ConversationState
	turn        *entities.Turn
	turnCount   int
	history     *history
	completed   int
	interrupted int
	answered    int
	processing  time.Duration
	firstBytes  int
	lastSeq     uint64
	audio       time.Duration
	chunks      int64
	startedAt   time.Time
	cutoff      int
	idleTimer   *time.Timer
	idleGen     uint64
	ended       bool
}

// New creates a flow manager in the idle state
func New(cfg Config, agent Agent, out Outbound, sink Sink, callbacks Callbacks, logger *zap.Logger) *Manager {
	if cfg.ContextWindowTurns <= 0 {
		cfg.ContextWindowTurns = 1
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = 500 * time.Millisecond
	}
	if cfg.HistoryCapacity < cfg.ContextWindowTurns {
		cfg.HistoryCapacity = cfg.ContextWindowTurns
	}
	m := &Manager{
		cfg:       cfg,
		agent:     agent,
		out:       out,
		sink:      sink,
		callbacks: callbacks,
		logger:    logger,
		state:     entities.StateIdle,
		history:   newHistory(cfg.HistoryCapacity, cfg.Eviction, cfg.Summarizer),
		startedAt: time.Now(),
	}
	m.window.Store(int32(cfg.ContextWindowTurns))
	return m
}

// Start arms the idle timer
func (m *Manager) Start() {
	m.mu.Lock()
	m.armIdleLocked()
	m.mu.Unlock()
}

func (m *Manager) transitionLocked(to entities.ConversationState) bool {
	if m.state == to {
		return true
	}
	if !CanTransition(m.state, to) {
		m.logger.Warn("Rejected state transition",
			zap.String("from", string(m.state)),
			zap.String("to", string(to)))
		return false
	}
	m.logger.Debug("State transition",
		zap.String("from", string(m.state)),
		zap.String("to", string(to)))
	m.state = to

	if to == entities.StateIdle {
		m.armIdleLocked()
	} else {
		m.stopIdleLocked()
	}
	m.emitLocked(domain.Event{Type: domain.EventStateChanged, State: to})
	return true
}

func (m *Manager) emitLocked(ev domain.Event) {
	ev.SessionID = m.cfg.SessionID
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	m.sink.Enqueue(ev)
}

// OnSpeechStart handles a voice-activity start. While the agent is
// processing or responding this is a barge-in.
func (m *Manager) OnSpeechStart(ctx context.Context) {
	m.mu.Lock()
	if m.ended {
		m.mu.Unlock()
		return
	}
	switch m.state {
	case entities.StateIdle:
		m.transitionLocked(entities.StateListening)
	case entities.StateProcessing, entities.StateResponding:
		if m.cfg.BargeIn {
			m.interruptLocked(ctx)
			return
		}
	}
	m.mu.Unlock()
	m.sink.Flush()
}

// Interrupt is a caller-initiated barge-in. It reports whether a turn was cut.
func (m *Manager) Interrupt(ctx context.Context) bool {
	m.mu.Lock()
	if m.ended || (m.state != entities.StateProcessing && m.state != entities.StateResponding) {
		m.mu.Unlock()
		return false
	}
	m.interruptLocked(ctx)
	return true
}

// interruptLocked records the active turn as interrupted, stops its audio
// and cancels it. It is entered with m.mu held and returns with it released.
func (m *Manager) interruptLocked(ctx context.Context) {
	turn := m.turn
	m.turn = nil
	m.cutoff = turn.Index

	turn.Finish(entities.TurnInterrupted)
	m.recordLocked(turn)
	m.transitionLocked(entities.StateInterrupted)
	m.emitLocked(domain.Event{Type: domain.EventInterrupted, TurnID: turn.ID, Turn: cloneTurn(turn)})
	limit := m.turnLimitLocked()
	m.mu.Unlock()
	m.sink.Flush()

	if m.callbacks.OnInterrupt != nil {
		m.callbacks.OnInterrupt(turn.ID)
	}
	metrics.Interruptions.Inc()
	metrics.TurnsTotal.WithLabelValues(string(entities.TurnInterrupted)).Inc()

	purged := m.out.PurgeTurn(turn.ID)
	m.logger.Info("Barge-in, cancelling agent turn",
		zap.String("turnID", turn.ID),
		zap.Int("purgedChunks", purged))

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CancelTimeout)
	err := m.agent.Cancel(cctx, turn.ID)
	if err == nil && cctx.Err() != nil {
		err = cctx.Err()
	}
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", domain.ErrCancellationTimeout, err)
		}
		metrics.StaleCancellations.Inc()
		m.logger.Warn("Stale cancellation, continuing without acknowledgement",
			zap.String("turnID", turn.ID),
			zap.Error(err))
	}

	m.mu.Lock()
	if m.state == entities.StateInterrupted {
		m.transitionLocked(entities.StateListening)
	}
	m.mu.Unlock()
	m.sink.Flush()

	if limit && m.callbacks.OnTurnLimit != nil {
		m.callbacks.OnTurnLimit()
	}
}

// OnSpeechEnd closes the user's utterance and submits the turn. The returned
// handle is nil when no turn was started.
func (m *Manager) OnSpeechEnd(ctx context.Context, transcript string) (repositories.AgentTurn, error) {
	m.mu.Lock()
	if m.ended {
		m.mu.Unlock()
		return nil, nil
	}
	// some speech services only report the finished utterance
	if m.state == entities.StateIdle && strings.TrimSpace(transcript) != "" {
		m.transitionLocked(entities.StateListening)
	}
	if m.state != entities.StateListening {
		m.mu.Unlock()
		m.sink.Flush()
		return nil, nil
	}
	if strings.TrimSpace(transcript) == "" {
		m.transitionLocked(entities.StateIdle)
		m.mu.Unlock()
		m.sink.Flush()
		return nil, nil
	}

	m.turnCount++
	turn := entities.NewTurn(m.cfg.SessionID, m.turnCount, transcript)
	m.turn = turn
	m.transitionLocked(entities.StateProcessing)
	turns, summary := m.history.window(int(m.window.Load()))
	req := repositories.TurnRequest{
		TurnID:    turn.ID,
		SessionID: m.cfg.SessionID,
		Summary:   summary,
		History:   turns,
		Input:     transcript,
	}
	m.mu.Unlock()
	m.sink.Flush()

	handle, err := m.agent.SubmitTurn(ctx, req)

	m.mu.Lock()
	if m.turn != turn {
		// interrupted or ended while the request was in flight
		m.mu.Unlock()
		if handle != nil {
			go m.cancelDetached(turn.ID)
		}
		return nil, nil
	}
	if err != nil {
		agentErr := &domain.AgentError{TurnID: turn.ID, Err: err}
		var ae *domain.AgentError
		if errors.As(err, &ae) {
			agentErr.Fatal = ae.Fatal
		}
		m.failTurnLocked(agentErr)
		m.mu.Unlock()
		m.sink.Flush()
		m.afterFailure(agentErr)
		return nil, agentErr
	}
	m.mu.Unlock()
	return handle, nil
}

func (m *Manager) cancelDetached(turnID string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CancelTimeout)
	defer cancel()
	if err := m.agent.Cancel(ctx, turnID); err != nil {
		m.logger.Warn("Failed to cancel superseded turn", zap.String("turnID", turnID), zap.Error(err))
	}
}

// OnAgentEvent applies one fragment of the agent response. Events for any
// turn other than the active one are ignored.
func (m *Manager) OnAgentEvent(turnID string, ev repositories.AgentEvent) {
	m.mu.Lock()
	if m.ended || m.turn == nil || m.turn.ID != turnID {
		m.mu.Unlock()
		return
	}
	turn := m.turn

	var chunk *entities.AudioChunk
	var failure *domain.AgentError
	limit := false

	switch ev.Type {
	case repositories.AgentEventTextFragment, repositories.AgentEventAudioFragment:
		first := turn.FirstByteAt == nil
		m.transitionLocked(entities.StateResponding)
		turn.AppendOutput(ev.Text)
		if first {
			m.processing += turn.ProcessingTime()
			m.firstBytes++
			metrics.TurnProcessing.Observe(turn.ProcessingTime().Seconds())
		}
		chunk = &entities.AudioChunk{TurnID: turnID, Text: ev.Text, PCM: ev.Audio}
		if len(ev.Audio) > 0 {
			chunk.SampleRate = m.cfg.OutputSampleRate
		}
		// audio reaches observers once it has been played
		if ev.Text != "" {
			m.emitLocked(domain.Event{Type: domain.EventAgentFragment, TurnID: turnID, Text: ev.Text})
		}

	case repositories.AgentEventToolInvoked:
		turn.Tools = append(turn.Tools, ev.Tool)
		m.emitLocked(domain.Event{Type: domain.EventAgentFragment, TurnID: turnID, Tool: ev.Tool})
		if m.cfg.ToolCue != "" && !m.shedding.Load() {
			chunk = &entities.AudioChunk{TurnID: turnID, Text: m.cfg.ToolCue, Priority: entities.PriorityLow}
		}

	case repositories.AgentEventTurnComplete:
		turn.Finish(entities.TurnCompleted)
		m.recordLocked(turn)
		m.turn = nil
		m.transitionLocked(entities.StateIdle)
		m.emitLocked(domain.Event{Type: domain.EventTurnCompleted, TurnID: turnID, Text: turn.Response(), Turn: cloneTurn(turn)})
		metrics.TurnsTotal.WithLabelValues(string(entities.TurnCompleted)).Inc()
		limit = m.turnLimitLocked()

	case repositories.AgentEventError:
		err := ev.Err
		if err == nil {
			err = errors.New("agent reported an error")
		}
		failure = &domain.AgentError{TurnID: turnID, Fatal: ev.Fatal, Err: err}
		m.failTurnLocked(failure)
	}
	m.mu.Unlock()
	m.sink.Flush()

	if chunk != nil {
		if chunk.Priority == entities.PriorityLow && m.shedding.Load() {
			chunk = nil
		} else if _, err := m.out.Enqueue(entities.Outbound, *chunk); err != nil {
			m.logger.Debug("Outbound overflow", zap.String("turnID", turnID), zap.Error(err))
		}
	}
	if failure != nil {
		m.afterFailure(failure)
	}
	if limit && m.callbacks.OnTurnLimit != nil {
		m.callbacks.OnTurnLimit()
	}
}

// OnAgentStreamClosed treats a stream that ended without turnComplete as a failure
func (m *Manager) OnAgentStreamClosed(turnID string) {
	m.mu.Lock()
	active := !m.ended && m.turn != nil && m.turn.ID == turnID
	m.mu.Unlock()
	if active {
		m.OnAgentEvent(turnID, repositories.AgentEvent{
			Type: repositories.AgentEventError,
			Err:  errors.New("agent stream closed before turn completed"),
		})
	}
}

func (m *Manager) failTurnLocked(err *domain.AgentError) {
	turn := m.turn
	m.turn = nil
	if turn != nil {
		turn.Finish(entities.TurnFailed)
	}
	if m.state == entities.StateProcessing || m.state == entities.StateResponding {
		m.transitionLocked(entities.StateIdle)
	}
	m.emitLocked(domain.Event{
		Type:   domain.EventSessionError,
		TurnID: err.TurnID,
		Code:   domain.ErrorCode(err),
		Err:    err,
		Fatal:  err.Fatal,
	})
	metrics.TurnsTotal.WithLabelValues(string(entities.TurnFailed)).Inc()
	metrics.Errors.WithLabelValues("agent", domain.ErrorCode(err)).Inc()
}

func (m *Manager) afterFailure(err *domain.AgentError) {
	m.logger.Warn("Agent turn failed", zap.String("turnID", err.TurnID), zap.Bool("fatal", err.Fatal), zap.Error(err.Err))
	if err.Fatal && m.callbacks.OnFatalError != nil {
		m.callbacks.OnFatalError(err)
	}
}

func (m *Manager) recordLocked(turn *entities.Turn) {
	switch turn.Outcome {
	case entities.TurnCompleted:
		m.completed++
	case entities.TurnInterrupted:
		m.interrupted++
	}
	if len(turn.AgentOutput) > 0 {
		m.answered++
	}
	m.history.add(turn.Clone())
}

// turnLimitLocked counts finished turns only; failed turns do not count
func (m *Manager) turnLimitLocked() bool {
	return m.cfg.MaxTurns > 0 && m.completed+m.interrupted >= m.cfg.MaxTurns
}

// OnInboundAudio accounts for a chunk handed to the speech service. Chunks
// at or below the last seen sequence (re-sends after a reconnect) are not
// counted twice.
func (m *Manager) OnInboundAudio(chunk entities.AudioChunk) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if chunk.Seq <= m.lastSeq {
		return false
	}
	m.lastSeq = chunk.Seq
	m.audio += chunk.Duration()
	m.chunks++
	return true
}

// IsActiveTurn reports whether outbound audio for turnID may still play
func (m *Manager) IsActiveTurn(turnID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.ended && m.turn != nil && m.turn.ID == turnID &&
		(m.state == entities.StateProcessing || m.state == entities.StateResponding)
}

// Playable reports whether queued output of turnID may still be played. A
// barge-in silences the interrupted turn and everything before it.
func (m *Manager) Playable(turnID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.ended && entities.TurnIndex(turnID) > m.cutoff
}

// Responding reports whether agent output is currently being delivered
func (m *Manager) Responding() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.ended && (m.state == entities.StateProcessing || m.state == entities.StateResponding)
}

// ActiveTurnID returns the in-flight turn, if any
func (m *Manager) ActiveTurnID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.turn == nil {
		return ""
	}
	return m.turn.ID
}

func (m *Manager) State() entities.ConversationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// History returns a copy of the retained turns, oldest first
func (m *Manager) History() []entities.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.all()
}

// Stats reports counters for the session entity
func (m *Manager) Stats() entities.SessionStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return entities.SessionStats{
		Turns:          m.turnCount,
		CompletedTurns: m.completed,
		Interruptions:  m.interrupted,
		AudioSeconds:   m.audio.Seconds(),
		InboundChunks:  m.chunks,
	}
}

// Summary aggregates conversation statistics
func (m *Manager) Summary() entities.ConversationSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.summaryLocked()
}

func (m *Manager) summaryLocked() entities.ConversationSummary {
	var avg time.Duration
	if m.firstBytes > 0 {
		avg = m.processing / time.Duration(m.firstBytes)
	}
	return entities.ConversationSummary{
		SessionID:         m.cfg.SessionID,
		State:             m.state,
		TotalTurns:        m.turnCount,
		UserTurns:         m.turnCount,
		AssistantTurns:    m.answered,
		Interruptions:     m.interrupted,
		EvictedTurns:      m.history.evicted,
		AvgProcessingTime: avg,
		Duration:          time.Since(m.startedAt),
	}
}

// ShrinkContext halves the context window, used to recover latency
func (m *Manager) ShrinkContext() int {
	for {
		cur := m.window.Load()
		next := cur / 2
		if next < 1 {
			next = 1
		}
		if m.window.CompareAndSwap(cur, next) {
			return int(next)
		}
	}
}

// RestoreContext resets the context window to its configured size
func (m *Manager) RestoreContext() {
	m.window.Store(int32(m.cfg.ContextWindowTurns))
}

// ContextWindow is the number of turns submitted with the next request
func (m *Manager) ContextWindow() int {
	return int(m.window.Load())
}

// SetShedding toggles skipping of low-priority outbound fragments
func (m *Manager) SetShedding(active bool) {
	m.shedding.Store(active)
}

// End moves the session to its terminal idle state. An in-flight turn is
// recorded as interrupted so its partial output stays in history.
func (m *Manager) End() entities.ConversationSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return m.summaryLocked()
	}
	if m.turn != nil {
		m.turn.Finish(entities.TurnInterrupted)
		m.recordLocked(m.turn)
		m.turn = nil
	}
	m.ended = true
	m.stopIdleLocked()
	m.state = entities.StateIdle
	return m.summaryLocked()
}

func (m *Manager) armIdleLocked() {
	m.stopIdleLocked()
	if m.cfg.IdleTimeout <= 0 || m.ended {
		return
	}
	m.idleGen++
	gen := m.idleGen
	m.idleTimer = time.AfterFunc(m.cfg.IdleTimeout, func() { m.idleFired(gen) })
}

func (m *Manager) stopIdleLocked() {
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
	m.idleGen++
}

func (m *Manager) idleFired(gen uint64) {
	m.mu.Lock()
	fire := !m.ended && gen == m.idleGen && m.state == entities.StateIdle
	m.mu.Unlock()
	if !fire {
		return
	}
	m.logger.Info("Session idle timeout", zap.Duration("timeout", m.cfg.IdleTimeout))
	if m.callbacks.OnIdleTimeout != nil {
		m.callbacks.OnIdleTimeout()
	}
}

func cloneTurn(t *entities.Turn) *entities.Turn {
	c := t.Clone()
	return &c
}
