package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eljapi/code-talk-reviwer/domain/repositories"
)

// Mock answers every turn with a canned reply streamed word by word
type Mock struct {
	delay  time.Duration
	logger *zap.Logger
	runner *turnRunner
}

var _ repositories.AgentChannel = (*Mock)(nil)

// MockReply is the canned answer to input
func MockReply(input string) string {
	if strings.TrimSpace(input) == "" {
		return "Hi! Which change would you like to review?"
	}
	return fmt.Sprintf("You said: %s. Let's look at that part of the diff together.", input)
}

func (m *Mock) SubmitTurn(ctx context.Context, req repositories.TurnRequest) (repositories.AgentTurn, error) {
	words := strings.Fields(MockReply(req.Input))

	return m.runner.start(req.TurnID, func(ctx context.Context, emit func(repositories.AgentEvent) bool) error {
		for i, word := range words {
			if i > 0 {
				word = " " + word
			}
			if m.delay > 0 {
				select {
				case <-time.After(m.delay):
				case <-ctx.Done():
					return nil
				}
			}
			if !emit(repositories.AgentEvent{Type: repositories.AgentEventTextFragment, Text: word}) {
				return nil
			}
		}
		return nil
	})
}

func (m *Mock) Cancel(ctx context.Context, turnID string) error {
	return m.runner.cancelTurn(ctx, turnID)
}

func (m *Mock) Close() error {
	m.runner.close()
	return nil
}

// MockFactory opens mock channels. delay spaces out the fragments the way
// a real model would.
type MockFactory struct {
	delay  time.Duration
	logger *zap.Logger
}

func NewMockFactory(delay time.Duration, logger *zap.Logger) *MockFactory {
	return &MockFactory{delay: delay, logger: logger}
}

func (f *MockFactory) NewAgentChannel(sessionID string) (repositories.AgentChannel, error) {
	logger := f.logger.With(zap.String("sessionID", sessionID), zap.String("agent", "mock"))
	return &Mock{delay: f.delay, logger: logger, runner: newTurnRunner(logger, nil)}, nil
}
