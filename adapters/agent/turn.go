// Package agent holds the AgentChannel implementations. Every provider
// streams a turn from its own goroutine; turn.go owns the bookkeeping they
// share: cancellation, completion and the event channel.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eljapi/code-talk-reviwer/domain/entities"
	"github.com/eljapi/code-talk-reviwer/domain/repositories"
)

const closeTimeout = 2 * time.Second

var errChannelClosed = errors.New("agent channel closed")

// producer streams one turn. It reports fragments through emit and returns
// when the response is complete; a non-nil error fails the turn.
type producer func(ctx context.Context, emit func(repositories.AgentEvent) bool) error

// streamTurn is the handle of one in-flight response
type streamTurn struct {
	id     string
	events chan repositories.AgentEvent
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *streamTurn) ID() string                               { return t.id }
func (t *streamTurn) Events() <-chan repositories.AgentEvent { return t.events }

// turnRunner runs the turns of one AgentChannel
type turnRunner struct {
	logger *zap.Logger
	fatal  func(error) bool

	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	turns  map[string]*streamTurn
	closed bool
}

func newTurnRunner(logger *zap.Logger, fatal func(error) bool) *turnRunner {
	base, cancel := context.WithCancel(context.Background())
	if fatal == nil {
		fatal = func(error) bool { return false }
	}
	return &turnRunner{
		logger: logger,
		fatal:  fatal,
		base:   base,
		cancel: cancel,
		turns:  make(map[string]*streamTurn),
	}
}

// start launches produce for turnID. The turn outlives the caller's ctx;
// it ends on completion, Cancel or Close.
func (r *turnRunner) start(turnID string, produce producer) (repositories.AgentTurn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errChannelClosed
	}
	if _, ok := r.turns[turnID]; ok {
		return nil, fmt.Errorf("turn %s already in flight", turnID)
	}

	ctx, cancel := context.WithCancel(r.base)
	t := &streamTurn{
		id:     turnID,
		events: make(chan repositories.AgentEvent, 32),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.turns[turnID] = t
	go r.run(ctx, t, produce)
	return t, nil
}

func (r *turnRunner) run(ctx context.Context, t *streamTurn, produce producer) {
	defer func() {
		t.cancel()
		close(t.events)
		r.mu.Lock()
		delete(r.turns, t.id)
		r.mu.Unlock()
		close(t.done)
	}()

	emit := func(ev repositories.AgentEvent) bool {
		select {
		case t.events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	err := produce(ctx, emit)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		fatal := r.fatal(err)
		r.logger.Warn("Agent turn failed", zap.String("turnID", t.id), zap.Bool("fatal", fatal), zap.Error(err))
		emit(repositories.AgentEvent{Type: repositories.AgentEventError, Err: err, Fatal: fatal})
		return
	}
	emit(repositories.AgentEvent{Type: repositories.AgentEventTurnComplete})
}

// cancelTurn stops turnID and waits for its producer to return
func (r *turnRunner) cancelTurn(ctx context.Context, turnID string) error {
	r.mu.Lock()
	t, ok := r.turns[turnID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	t.cancel()
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close cancels every turn and waits briefly for the producers
func (r *turnRunner) close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	pending := make([]*streamTurn, 0, len(r.turns))
	for _, t := range r.turns {
		pending = append(pending, t)
	}
	r.mu.Unlock()

	r.cancel()
	timeout := time.After(closeTimeout)
	for _, t := range pending {
		select {
		case <-t.done:
		case <-timeout:
			r.logger.Warn("Agent turn did not stop before close", zap.String("turnID", t.id))
			return
		}
	}
}

// transcript renders the context window as plain dialogue, for providers
// that take a single input string
func transcript(req repositories.TurnRequest) string {
	var b strings.Builder
	if req.Summary != "" {
		b.WriteString("Summary of the earlier conversation:\n")
		b.WriteString(req.Summary)
		b.WriteString("\n\n")
	}
	for _, turn := range req.History {
		writeTurn(&b, turn)
	}
	b.WriteString("User: ")
	b.WriteString(req.Input)
	return b.String()
}

func writeTurn(b *strings.Builder, turn entities.Turn) {
	b.WriteString("User: ")
	b.WriteString(turn.UserInput)
	b.WriteString("\n")
	if out := turn.Response(); out != "" {
		b.WriteString("Assistant: ")
		b.WriteString(out)
		if turn.Outcome == entities.TurnInterrupted {
			b.WriteString(" [interrupted]")
		}
		b.WriteString("\n")
	}
}

// systemPrompt appends the conversation summary to the base instructions
func systemPrompt(base string, req repositories.TurnRequest) string {
	if req.Summary == "" {
		return base
	}
	return base + "\n\nSummary of the earlier conversation:\n" + req.Summary
}
