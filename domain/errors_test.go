package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"capacity", ErrCapacityExceeded, "capacity_exceeded"},
		{"wrapped not found", fmt.Errorf("lookup: %w", ErrSessionNotFound), "session_not_found"},
		{"ended", ErrSessionEnded, "session_ended"},
		{"agent", &AgentError{TurnID: "t", Err: errors.New("boom")}, "agent_error"},
		{"connectivity", &ConnectivityError{Attempts: 3, Err: errors.New("dial")}, "connectivity"},
		{"unknown", errors.New("x"), "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorCode(tt.err))
		})
	}
}

func TestAgentErrorUnwrap(t *testing.T) {
	cause := errors.New("rate limited")
	err := fmt.Errorf("turn: %w", &AgentError{TurnID: "s_1", Fatal: true, Err: cause})

	var agentErr *AgentError
	assert.True(t, errors.As(err, &agentErr))
	assert.True(t, agentErr.Fatal)
	assert.ErrorIs(t, err, cause)
}
