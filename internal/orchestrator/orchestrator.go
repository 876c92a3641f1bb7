// Package orchestrator coordinates many concurrent voice conversations. Each
// session owns its audio and agent channels, a pipeline and a flow manager;
// the orchestrator starts, supervises, reconnects and tears them down.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eljapi/code-talk-reviwer/domain"
	"github.com/eljapi/code-talk-reviwer/domain/entities"
	"github.com/eljapi/code-talk-reviwer/domain/repositories"
	"github.com/eljapi/code-talk-reviwer/internal/config"
	"github.com/eljapi/code-talk-reviwer/internal/flow"
	"github.com/eljapi/code-talk-reviwer/internal/metrics"
	"github.com/eljapi/code-talk-reviwer/internal/pipeline"
	"github.com/eljapi/code-talk-reviwer/internal/registry"
)

var ErrShuttingDown = errors.New("orchestrator is shutting down")

const (
	teardownTimeout = 5 * time.Second
	tombstoneTTL    = time.Hour
	toolCue         = "One moment."
)

// SessionOptions customizes one conversation
type SessionOptions struct {
	// Observers receive this session's events after the global subscribers
	Observers []Observer
	// Language and SampleRate override the configured audio defaults
	Language   string
	SampleRate int
}

// SessionSnapshot is the supervisory view of a session
type SessionSnapshot struct {
	Session       entities.Session           `json:"session"`
	State         entities.ConversationState `json:"state"`
	Metrics       entities.PipelineMetrics   `json:"metrics"`
	ContextWindow int                        `json:"context_window"`
}

// Orchestrator is the caller-facing entry point
type Orchestrator struct {
	cfg          config.Config
	audioFactory repositories.AudioChannelFactory
	agentFactory repositories.AgentChannelFactory
	logger       *zap.Logger

	sessions *registry.Registry[*session]
	subs     *subscribers
	closing  atomic.Bool

	mu    sync.Mutex
	ended map[string]time.Time
}

// New creates an orchestrator. Channels are opened per session through the
// factories.
func New(
	cfg config.Config,
	audioFactory repositories.AudioChannelFactory,
	agentFactory repositories.AgentChannelFactory,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:          cfg,
		audioFactory: audioFactory,
		agentFactory: agentFactory,
		logger:       logger,
		sessions:     registry.New[*session](cfg.MaxConcurrentSessions),
		subs:         newSubscribers(),
		ended:        make(map[string]time.Time),
	}
}

// StartConversation allocates a session and returns its ID without waiting
// for the audio channel; sessionReady follows once it is connected.
func (o *Orchestrator) StartConversation(ctx context.Context, userID string, opts SessionOptions) (string, error) {
	if o.closing.Load() {
		return "", ErrShuttingDown
	}
	if o.sessions.Len() >= o.sessions.Capacity() {
		return "", o.rejected(userID)
	}

	entity := entities.NewSession(userID)
	if err := entity.Validate(); err != nil {
		return "", fmt.Errorf("invalid session: %w", err)
	}

	s, err := o.newSession(entity, opts)
	if err != nil {
		return "", err
	}

	release, err := o.sessions.Add(s.id, s)
	if err != nil {
		s.closeChannels()
		if errors.Is(err, domain.ErrCapacityExceeded) {
			return "", o.rejected(userID)
		}
		return "", err
	}
	s.release = release
	s.start()

	metrics.SessionsTotal.Inc()
	metrics.SessionsActive.Inc()
	s.logger.Info("Conversation started",
		zap.String("userID", userID),
		zap.Int("activeSessions", o.sessions.Len()))
	return s.id, nil
}

func (o *Orchestrator) rejected(userID string) error {
	metrics.SessionsRejected.Inc()
	o.logger.Warn("Session rejected, concurrency ceiling reached",
		zap.String("userID", userID),
		zap.Int("maxSessions", o.sessions.Capacity()))
	return domain.ErrCapacityExceeded
}

func (o *Orchestrator) newSession(entity *entities.Session, opts SessionOptions) (*session, error) {
	cfg := o.cfg
	s := &session{
		id:     entity.ID,
		o:      o,
		logger: o.logger.With(zap.String("sessionID", entity.ID)),
		entity: entity,
		done:   make(chan struct{}),
		audioCfg: repositories.AudioConfig{
			SampleRate:       cfg.InputSampleRate,
			OutputSampleRate: cfg.OutputSampleRate,
			Encoding:         "LINEAR16",
			Language:         cfg.Language,
		},
	}
	if opts.Language != "" {
		s.audioCfg.Language = opts.Language
	}
	if opts.SampleRate > 0 {
		s.audioCfg.SampleRate = opts.SampleRate
	}

	audio, err := o.audioFactory.NewAudioChannel(s.id)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio channel: %w", err)
	}
	agent, err := o.agentFactory.NewAgentChannel(s.id)
	if err != nil {
		if cerr := audio.Close(); cerr != nil {
			s.logger.Warn("Failed to close audio channel", zap.Error(cerr))
		}
		return nil, fmt.Errorf("failed to open agent channel: %w", err)
	}
	s.audio = audio
	s.agent = agent

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.events = newDispatcher(o.subs, opts.Observers)
	s.pipe = pipeline.New(pipeline.Config{
		Capacity:           cfg.PipelineBufferCapacity,
		WindowSize:         cfg.LatencyWindowSize,
		AlertWindows:       cfg.LatencyAlertWindows,
		Degraded:           cfg.LatencyAlertThresholds.Degraded,
		Critical:           cfg.LatencyAlertThresholds.Critical,
		ShedAfterOverflows: cfg.ShedAfterOverflows,
	}, pipeline.Hooks{
		OnAlert: s.onAlert,
		OnOverflow: func(dropped entities.AudioChunk) {
			s.logger.Debug("Dropped chunk on overflow",
				zap.String("direction", string(dropped.Direction)),
				zap.Uint64("seq", dropped.Seq))
		},
		OnShed: s.onShed,
	}, s.logger)

	s.flow = flow.New(flow.Config{
		SessionID:          s.id,
		ContextWindowTurns: cfg.ContextWindowTurns,
		HistoryCapacity:    cfg.HistoryCapacity,
		Eviction:           flow.EvictionPolicy(cfg.HistoryEviction),
		CancelTimeout:      cfg.CancelTimeout,
		IdleTimeout:        cfg.SessionIdleTimeout,
		MaxTurns:           cfg.MaxConversationTurns,
		BargeIn:            cfg.BargeInEnabled,
		ToolCue:            toolCue,
		OutputSampleRate:   cfg.OutputSampleRate,
	}, agent, s.pipe, s.events, flow.Callbacks{
		OnIdleTimeout: func() {
			go o.endSession(context.Background(), s, entities.EndReasonIdleTimeout, nil)
		},
		OnTurnLimit: func() {
			go o.endSession(context.Background(), s, entities.EndReasonTurnLimit, nil)
		},
		OnFatalError: func(err error) {
			go o.endSession(context.Background(), s, entities.EndReasonAgentError, err)
		},
		OnInterrupt: func(string) {
			s.stopPlayback()
		},
	}, s.logger)

	return s, nil
}

// SendAudioChunk queues caller audio for the speech service. It never
// blocks; under overflow the oldest audio is dropped and a quality alert is
// raised instead of an error.
func (o *Orchestrator) SendAudioChunk(ctx context.Context, sessionID string, pcm []byte) error {
	s, err := o.lookup(sessionID)
	if err != nil {
		return err
	}
	if len(pcm) == 0 {
		return nil
	}

	chunk := entities.AudioChunk{
		PCM:        append([]byte(nil), pcm...),
		SampleRate: s.audioCfg.SampleRate,
	}
	if _, err := s.pipe.Enqueue(entities.Inbound, chunk); err != nil {
		if !errors.Is(err, domain.ErrBufferOverflow) {
			return err
		}
		s.logger.Debug("Inbound overflow", zap.Error(err))
	}
	s.touch()
	return nil
}

// EndConversation tears a session down. Ending an already ended session is
// a no-op.
func (o *Orchestrator) EndConversation(ctx context.Context, sessionID string) error {
	s, ok := o.sessions.Get(sessionID)
	if !ok {
		if o.wasEnded(sessionID) {
			return nil
		}
		return domain.ErrSessionNotFound
	}
	return o.endSession(ctx, s, entities.EndReasonCaller, nil)
}

// InterruptConversation cuts off the agent response in progress, exactly
// like the caller speaking over it.
func (o *Orchestrator) InterruptConversation(ctx context.Context, sessionID string) error {
	s, err := o.lookup(sessionID)
	if err != nil {
		return err
	}
	if s.flow.Interrupt(ctx) {
		s.playBarrier()
	}
	return nil
}

// SessionState reports the current state of one session
func (o *Orchestrator) SessionState(sessionID string) (SessionSnapshot, error) {
	s, err := o.lookup(sessionID)
	if err != nil {
		return SessionSnapshot{}, err
	}
	return s.snapshot(), nil
}

// ListSessions returns every live session, oldest first
func (o *Orchestrator) ListSessions() []SessionSnapshot {
	sessions := o.sessions.List()
	out := make([]SessionSnapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Session.CreatedAt.Before(out[j].Session.CreatedAt)
	})
	return out
}

// Subscribe registers a process-wide observer, optionally filtered by event
// type. Events of one session arrive in order.
func (o *Orchestrator) Subscribe(obs Observer, types ...domain.EventType) (unsubscribe func()) {
	return o.subs.add(obs, types)
}

// ActiveSessions is the number of registered sessions
func (o *Orchestrator) ActiveSessions() int {
	return o.sessions.Len()
}

// Shutdown ends every session concurrently and waits for their release
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.closing.Store(true)
	sessions := o.sessions.List()
	o.logger.Info("Shutting down orchestrator", zap.Int("sessions", len(sessions)))

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		g.Go(func() error {
			return o.endSession(gctx, s, entities.EndReasonShutdown, nil)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to end sessions: %w", err)
	}
	if !o.sessions.Wait(ctx) {
		return fmt.Errorf("sessions still registered: %w", ctx.Err())
	}
	return nil
}

// Sweep ends sessions older than the configured maximum duration and
// forgets old tombstones. It returns how many sessions it ended.
func (o *Orchestrator) Sweep(ctx context.Context) int {
	n := 0
	if max := o.cfg.SessionMaxDuration; max > 0 {
		for _, s := range o.sessions.List() {
			if !s.exceeds(max) {
				continue
			}
			s.logger.Info("Session exceeded maximum duration", zap.Duration("max", max))
			if err := o.endSession(ctx, s, entities.EndReasonMaxDuration, nil); err != nil {
				s.logger.Warn("Failed to end expired session", zap.Error(err))
				continue
			}
			n++
		}
	}

	o.mu.Lock()
	for id, at := range o.ended {
		if time.Since(at) > tombstoneTTL {
			delete(o.ended, id)
		}
	}
	o.mu.Unlock()
	return n
}

func (o *Orchestrator) lookup(sessionID string) (*session, error) {
	s, ok := o.sessions.Get(sessionID)
	if !ok {
		if o.wasEnded(sessionID) {
			return nil, domain.ErrSessionEnded
		}
		return nil, domain.ErrSessionNotFound
	}
	if s.isEnded() {
		return nil, domain.ErrSessionEnded
	}
	return s, nil
}

func (o *Orchestrator) wasEnded(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.ended[sessionID]
	return ok
}

// endSession runs the teardown once and waits for it to finish or ctx
func (o *Orchestrator) endSession(ctx context.Context, s *session, reason entities.EndReason, cause error) error {
	s.endOnce.Do(func() {
		go func() {
			defer close(s.done)
			o.teardown(s, reason, cause)
		}()
	})
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// teardown releases everything a session holds. Close failures are logged;
// the registry slot is always released.
func (o *Orchestrator) teardown(s *session, reason entities.EndReason, cause error) {
	o.mu.Lock()
	o.ended[s.id] = time.Now()
	o.mu.Unlock()

	s.mu.Lock()
	s.entity.End(reason)
	s.mu.Unlock()

	summary := s.flow.End()
	s.cancel()
	s.closeChannels()

	if !waitTimeout(&s.wg, teardownTimeout) {
		s.logger.Warn("Session tasks did not stop in time", zap.Duration("timeout", teardownTimeout))
	}

	snap := s.pipe.Snapshot()
	s.pipe.Reset()
	entity := s.snapshotEntity()
	s.release()

	metrics.SessionsActive.Dec()
	metrics.SessionsEnded.WithLabelValues(string(reason)).Inc()

	fields := []zap.Field{
		zap.String("reason", string(reason)),
		zap.Int("userTurns", summary.UserTurns),
		zap.Int("assistantTurns", summary.AssistantTurns),
		zap.Int("interruptions", summary.Interruptions),
		zap.Duration("avgProcessingTime", summary.AvgProcessingTime),
		zap.Duration("duration", summary.Duration),
		zap.Float64("audioSeconds", entity.Stats.AudioSeconds),
		zap.Int64("droppedChunks", snap.Dropped),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	s.logger.Info("Conversation ended", fields...)

	ev := domain.Event{
		Type:    domain.EventSessionEnded,
		Reason:  reason,
		Summary: &summary,
		Metrics: &snap,
	}
	if cause != nil {
		ev.Err = cause
		ev.Code = domain.ErrorCode(cause)
		ev.Fatal = true
	}
	s.emit(ev)
}

func (s *session) closeChannels() {
	if err := s.agent.Close(); err != nil {
		s.logger.Warn("Failed to close agent channel", zap.Error(err))
	}
	if err := s.audio.Close(); err != nil {
		s.logger.Warn("Failed to close audio channel", zap.Error(err))
	}
}

func (s *session) snapshot() SessionSnapshot {
	return SessionSnapshot{
		Session:       s.snapshotEntity(),
		State:         s.flow.State(),
		Metrics:       s.pipe.Snapshot(),
		ContextWindow: s.flow.ContextWindow(),
	}
}

func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
