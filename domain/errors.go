package domain

import (
	"errors"
	"fmt"
)

var (
	ErrCapacityExceeded    = errors.New("concurrent session limit reached")
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionEnded        = errors.New("session ended")
	ErrBufferOverflow      = errors.New("pipeline buffer overflow")
	ErrCancellationTimeout = errors.New("agent cancellation timed out")
)

// AgentError aborts the current turn. Fatal errors end the session.
type AgentError struct {
	TurnID string
	Fatal  bool
	Err    error
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent turn %s failed: %v", e.TurnID, e.Err)
}

func (e *AgentError) Unwrap() error { return e.Err }

// ConnectivityError reports that the audio channel could not be (re)established
type ConnectivityError struct {
	Attempts int
	Err      error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("audio channel unavailable after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// ErrorCode maps an error onto the stable code reported to callers
func ErrorCode(err error) string {
	var agentErr *AgentError
	var connErr *ConnectivityError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, ErrSessionEnded):
		return "session_ended"
	case errors.Is(err, ErrBufferOverflow):
		return "buffer_overflow"
	case errors.Is(err, ErrCancellationTimeout):
		return "cancellation_timeout"
	case errors.As(err, &agentErr):
		return "agent_error"
	case errors.As(err, &connErr):
		return "connectivity"
	}
	return "internal"
}
