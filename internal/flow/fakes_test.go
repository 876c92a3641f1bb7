package flow

import (
	"context"
	"sync"

	"github.com/eljapi/code-talk-reviwer/domain"
	"github.com/eljapi/code-talk-reviwer/domain/repositories"
)

type fakeTurn struct {
	id     string
	events chan repositories.AgentEvent
}

func (t *fakeTurn) ID() string { return t.id }
func (t *fakeTurn) Events() <-chan repositories.AgentEvent { return t.events }

type fakeAgent struct {
	mu        sync.Mutex
	requests  []repositories.TurnRequest
	turns     map[string]*fakeTurn
	cancelled []string
	submitErr error
	// blockCancel makes Cancel wait for ctx, simulating a slow agent
	blockCancel bool
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{turns: map[string]*fakeTurn{}}
}

func (a *fakeAgent) SubmitTurn(ctx context.Context, req repositories.TurnRequest) (repositories.AgentTurn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, req)
	if a.submitErr != nil {
		return nil, a.submitErr
	}
	t := &fakeTurn{id: req.TurnID, events: make(chan repositories.AgentEvent, 16)}
	a.turns[req.TurnID] = t
	return t, nil
}

func (a *fakeAgent) Cancel(ctx context.Context, turnID string) error {
	a.mu.Lock()
	a.cancelled = append(a.cancelled, turnID)
	block := a.blockCancel
	a.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (a *fakeAgent) lastRequest() repositories.TurnRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requests[len(a.requests)-1]
}

func (a *fakeAgent) cancelledTurns() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.cancelled...)
}

type recordingSink struct {
	mu        sync.Mutex
	pending   []domain.Event
	delivered []domain.Event
}

func (s *recordingSink) Enqueue(ev domain.Event) {
	s.mu.Lock()
	s.pending = append(s.pending, ev)
	s.mu.Unlock()
}

func (s *recordingSink) Flush() {
	s.mu.Lock()
	s.delivered = append(s.delivered, s.pending...)
	s.pending = nil
	s.mu.Unlock()
}

func (s *recordingSink) types() []domain.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.EventType
	for _, ev := range s.delivered {
		if ev.Type != domain.EventStateChanged {
			out = append(out, ev.Type)
		}
	}
	return out
}

func (s *recordingSink) count(t domain.EventType) int {
	n := 0
	for _, got := range s.types() {
		if got == t {
			n++
		}
	}
	return n
}
