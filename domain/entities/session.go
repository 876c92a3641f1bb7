package entities

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// SessionStatus represents the lifecycle status of a session
type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusPaused SessionStatus = "paused"
	SessionStatusEnded  SessionStatus = "ended"
)

// EndReason explains why a session terminated
type EndReason string

const (
	EndReasonCaller       EndReason = "caller"
	EndReasonIdleTimeout  EndReason = "idle_timeout"
	EndReasonMaxDuration  EndReason = "max_duration"
	EndReasonTurnLimit    EndReason = "turn_limit"
	EndReasonConnectivity EndReason = "connectivity"
	EndReasonAgentError   EndReason = "agent_error"
	EndReasonShutdown     EndReason = "shutdown"
)

// SessionStats accumulates per-session counters
type SessionStats struct {
	Turns             int     `json:"turns"`
	CompletedTurns    int     `json:"completed_turns"`
	Interruptions     int     `json:"interruptions"`
	AudioSeconds      float64 `json:"audio_seconds"`
	InboundChunks     int64   `json:"inbound_chunks"`
	ReconnectAttempts int     `json:"reconnect_attempts"`
}

// Session represents one ongoing conversation between a caller and the agent
type Session struct {
	ID           string        `json:"id"`
	UserID       string        `json:"user_id"`
	Status       SessionStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActiveAt time.Time     `json:"last_active_at"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`
	EndReason    EndReason     `json:"end_reason,omitempty"`
	Stats        SessionStats  `json:"stats"`
}

// NewSession creates a new active session for a user
func NewSession(userID string) *Session {
	now := time.Now()
	return &Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		Status:       SessionStatusActive,
		CreatedAt:    now,
		LastActiveAt: now,
	}
}

// UpdateLastActive refreshes the activity timestamp
func (s *Session) UpdateLastActive() {
	s.LastActiveAt = time.Now()
}

// Pause marks the session as temporarily detached from its audio channel
func (s *Session) Pause() {
	if s.Status == SessionStatusActive {
		s.Status = SessionStatusPaused
	}
}

// Resume moves a paused session back to active
func (s *Session) Resume() {
	if s.Status == SessionStatusPaused {
		s.Status = SessionStatusActive
	}
}

// End marks the session as ended. Only the first reason is kept.
func (s *Session) End(reason EndReason) bool {
	if s.Status == SessionStatusEnded {
		return false
	}
	now := time.Now()
	s.Status = SessionStatusEnded
	s.EndedAt = &now
	s.EndReason = reason
	return true
}

// IsEnded reports whether the session has terminated
func (s *Session) IsEnded() bool {
	return s.Status == SessionStatusEnded
}

// Age returns how long the session has existed
func (s *Session) Age() time.Duration {
	return time.Since(s.CreatedAt)
}

// ExceedsDuration checks the session against a maximum lifetime
func (s *Session) ExceedsDuration(max time.Duration) bool {
	return max > 0 && s.Age() > max
}

// Validate validates the session data
func (s *Session) Validate() error {
	if s.ID == "" {
		return errors.New("id is required")
	}
	if s.UserID == "" {
		return errors.New("user_id is required")
	}

	switch s.Status {
	case SessionStatusActive, SessionStatusPaused, SessionStatusEnded:
	default:
		return errors.New("invalid session status")
	}

	return nil
}
