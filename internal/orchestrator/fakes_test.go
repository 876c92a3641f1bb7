package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eljapi/code-talk-reviwer/domain"
	"github.com/eljapi/code-talk-reviwer/domain/repositories"
	"github.com/eljapi/code-talk-reviwer/internal/config"
)

var errDial = errors.New("dial failed")

type fakeAudio struct {
	mu        sync.Mutex
	events    chan repositories.AudioEvent
	connects  int
	failNext  int
	sent      [][]byte
	played    []repositories.OutboundFrame
	closed    bool
	connected chan struct{}

	// playDelay makes Play take that long unless its ctx is cancelled
	playDelay  time.Duration
	cancelled  []repositories.OutboundFrame
	playCauses []error
}

func newFakeAudio() *fakeAudio {
	return &fakeAudio{connected: make(chan struct{}, 16)}
}

func (a *fakeAudio) Connect(ctx context.Context, cfg repositories.AudioConfig) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connects++
	if a.failNext > 0 {
		a.failNext--
		return errDial
	}
	a.events = make(chan repositories.AudioEvent, 64)
	a.connected <- struct{}{}
	return nil
}

func (a *fakeAudio) SendFrame(ctx context.Context, pcm []byte, sampleRate int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, pcm)
	return nil
}

func (a *fakeAudio) Play(ctx context.Context, frame repositories.OutboundFrame) error {
	a.mu.Lock()
	a.played = append(a.played, frame)
	events := a.events
	delay := a.playDelay
	a.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			a.mu.Lock()
			a.cancelled = append(a.cancelled, frame)
			a.playCauses = append(a.playCauses, context.Cause(ctx))
			a.mu.Unlock()
			return ctx.Err()
		}
	}
	if events != nil && len(frame.Text) > 0 {
		select {
		case events <- repositories.AudioEvent{Type: repositories.AudioEventAudioFragment, Audio: []byte(frame.Text)}:
		default:
		}
	}
	return nil
}

func (a *fakeAudio) Events() <-chan repositories.AudioEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.events
}

func (a *fakeAudio) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed && a.events != nil {
		close(a.events)
		a.events = nil
	}
	a.closed = true
	return nil
}

// drop simulates the speech service hanging up, failing the next n connects
func (a *fakeAudio) drop(failNext int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failNext = failNext
	close(a.events)
	a.events = nil
}

func (a *fakeAudio) push(t *testing.T, ev repositories.AudioEvent) {
	t.Helper()
	a.mu.Lock()
	events := a.events
	a.mu.Unlock()
	require.NotNil(t, events, "audio channel not connected")
	events <- ev
}

func (a *fakeAudio) sentFrames() [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][]byte(nil), a.sent...)
}

func (a *fakeAudio) playedFrames() []repositories.OutboundFrame {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]repositories.OutboundFrame(nil), a.played...)
}

func (a *fakeAudio) cancelledPlays() ([]repositories.OutboundFrame, []error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]repositories.OutboundFrame(nil), a.cancelled...), append([]error(nil), a.playCauses...)
}

func (a *fakeAudio) connectCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects
}

type fakeAudioFactory struct {
	playDelay time.Duration

	mu       sync.Mutex
	channels map[string]*fakeAudio
}

func (f *fakeAudioFactory) NewAudioChannel(sessionID string) (repositories.AudioChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.channels == nil {
		f.channels = map[string]*fakeAudio{}
	}
	a := newFakeAudio()
	a.playDelay = f.playDelay
	f.channels[sessionID] = a
	return a, nil
}

func (f *fakeAudioFactory) get(sessionID string) *fakeAudio {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels[sessionID]
}

type agentTurn struct {
	id     string
	events chan repositories.AgentEvent
}

func (t *agentTurn) ID() string { return t.id }
func (t *agentTurn) Events() <-chan repositories.AgentEvent { return t.events }

// fakeAgent answers every turn with reply, or holds the turn open when
// reply is empty
type fakeAgent struct {
	reply []string

	mu        sync.Mutex
	turns     map[string]*agentTurn
	requests  []repositories.TurnRequest
	cancelled []string
	closed    bool
}

func (a *fakeAgent) SubmitTurn(ctx context.Context, req repositories.TurnRequest) (repositories.AgentTurn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.turns == nil {
		a.turns = map[string]*agentTurn{}
	}
	a.requests = append(a.requests, req)
	t := &agentTurn{id: req.TurnID, events: make(chan repositories.AgentEvent, len(a.reply)+2)}
	a.turns[req.TurnID] = t
	if len(a.reply) > 0 {
		for _, text := range a.reply {
			t.events <- repositories.AgentEvent{Type: repositories.AgentEventTextFragment, Text: text}
		}
		t.events <- repositories.AgentEvent{Type: repositories.AgentEventTurnComplete}
		close(t.events)
	}
	return t, nil
}

func (a *fakeAgent) Cancel(ctx context.Context, turnID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelled = append(a.cancelled, turnID)
	return nil
}

func (a *fakeAgent) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	return nil
}

func (a *fakeAgent) send(turnID string, ev repositories.AgentEvent) {
	a.mu.Lock()
	t := a.turns[turnID]
	a.mu.Unlock()
	t.events <- ev
}

func (a *fakeAgent) submitted() []repositories.TurnRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]repositories.TurnRequest(nil), a.requests...)
}

func (a *fakeAgent) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *fakeAgent) cancelledTurns() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.cancelled...)
}

type fakeAgentFactory struct {
	reply []string

	mu     sync.Mutex
	agents map[string]*fakeAgent
}

func (f *fakeAgentFactory) NewAgentChannel(sessionID string) (repositories.AgentChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.agents == nil {
		f.agents = map[string]*fakeAgent{}
	}
	a := &fakeAgent{reply: f.reply}
	f.agents[sessionID] = a
	return a, nil
}

func (f *fakeAgentFactory) get(sessionID string) *fakeAgent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.agents[sessionID]
}

// eventLog is an observer recording everything it sees
type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (l *eventLog) observe(ev domain.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) ofType(t domain.EventType) []domain.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) waitFor(t *testing.T, typ domain.EventType, n int) []domain.Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(l.ofType(typ)) >= n }, 2*time.Second, 5*time.Millisecond,
		"waiting for %d %s events", n, typ)
	return l.ofType(typ)
}

type harness struct {
	o      *Orchestrator
	audio  *fakeAudioFactory
	agents *fakeAgentFactory
	log    *eventLog
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.ReconnectBackoffInitial = 5 * time.Millisecond
	cfg.ReconnectBackoffCap = 20 * time.Millisecond
	cfg.CancelTimeout = 50 * time.Millisecond
	cfg.MonitorInterval = 0
	return cfg
}

func newHarness(t *testing.T, cfg config.Config, reply ...string) *harness {
	t.Helper()
	h := &harness{
		audio:  &fakeAudioFactory{},
		agents: &fakeAgentFactory{reply: reply},
		log:    &eventLog{},
	}
	h.o = New(cfg, h.audio, h.agents, zap.NewNop())
	h.o.Subscribe(h.log.observe)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.o.Shutdown(ctx)
	})
	return h
}

// start opens a session and waits until its audio channel is connected
func (h *harness) start(t *testing.T) (string, *fakeAudio, *fakeAgent) {
	t.Helper()
	id, err := h.o.StartConversation(context.Background(), "user-1", SessionOptions{})
	require.NoError(t, err)
	audio := h.audio.get(id)
	select {
	case <-audio.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("audio channel never connected")
	}
	require.Eventually(t, func() bool {
		for _, ev := range h.log.ofType(domain.EventSessionReady) {
			if ev.SessionID == id {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return id, audio, h.agents.get(id)
}
