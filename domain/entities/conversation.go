package entities

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ConversationState is the turn-taking state of one session
type ConversationState string

const (
	StateIdle        ConversationState = "idle"
	StateListening   ConversationState = "listening"
	StateProcessing  ConversationState = "processing"
	StateResponding  ConversationState = "responding"
	StateInterrupted ConversationState = "interrupted"
)

// Valid reports whether s is one of the known states
func (s ConversationState) Valid() bool {
	switch s {
	case StateIdle, StateListening, StateProcessing, StateResponding, StateInterrupted:
		return true
	}
	return false
}

// TurnOutcome records how a turn finished
type TurnOutcome string

const (
	TurnPending     TurnOutcome = ""
	TurnCompleted   TurnOutcome = "completed"
	TurnInterrupted TurnOutcome = "interrupted"
	TurnFailed      TurnOutcome = "failed"
)

// Turn is one user-utterance/agent-response exchange
type Turn struct {
	ID          string      `json:"id"`
	Index       int         `json:"index"`
	UserInput   string      `json:"user_input"`
	AgentOutput []string    `json:"agent_output"`
	Tools       []string    `json:"tools,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	FirstByteAt *time.Time  `json:"first_byte_at,omitempty"`
	EndedAt     *time.Time  `json:"ended_at,omitempty"`
	Outcome     TurnOutcome `json:"outcome"`
}

// TurnID formats the identifier of the n-th turn of a session
func TurnID(sessionID string, n int) string {
	return fmt.Sprintf("%s_%d", sessionID, n)
}

// TurnIndex extracts the ordinal from an identifier built by TurnID. It
// returns 0 for identifiers it cannot parse.
func TurnIndex(turnID string) int {
	i := strings.LastIndexByte(turnID, '_')
	if i < 0 {
		return 0
	}
	n, err := strconv.Atoi(turnID[i+1:])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// NewTurn opens a turn for the given user input
func NewTurn(sessionID string, index int, input string) *Turn {
	return &Turn{
		ID:        TurnID(sessionID, index),
		Index:     index,
		UserInput: input,
		StartedAt: time.Now(),
	}
}

// AppendOutput records an agent fragment, stamping time-to-first-fragment
func (t *Turn) AppendOutput(text string) {
	if t.FirstByteAt == nil {
		now := time.Now()
		t.FirstByteAt = &now
	}
	if text != "" {
		t.AgentOutput = append(t.AgentOutput, text)
	}
}

// Finish closes the turn with the given outcome
func (t *Turn) Finish(outcome TurnOutcome) {
	now := time.Now()
	t.EndedAt = &now
	t.Outcome = outcome
}

// Response joins the agent output fragments
func (t *Turn) Response() string {
	return strings.Join(t.AgentOutput, "")
}

// ProcessingTime is the delay between the user finishing and the first agent fragment
func (t *Turn) ProcessingTime() time.Duration {
	if t.FirstByteAt == nil {
		return 0
	}
	return t.FirstByteAt.Sub(t.StartedAt)
}

// Clone returns a deep copy safe to hand across goroutines
func (t Turn) Clone() Turn {
	c := t
	c.AgentOutput = append([]string(nil), t.AgentOutput...)
	c.Tools = append([]string(nil), t.Tools...)
	return c
}

// ConversationSummary aggregates conversation statistics at teardown
type ConversationSummary struct {
	SessionID         string            `json:"session_id"`
	State             ConversationState `json:"state"`
	TotalTurns        int               `json:"total_turns"`
	UserTurns         int               `json:"user_turns"`
	AssistantTurns    int               `json:"assistant_turns"`
	Interruptions     int               `json:"interruption_count"`
	EvictedTurns      int               `json:"evicted_turns"`
	AvgProcessingTime time.Duration     `json:"avg_processing_time"`
	Duration          time.Duration     `json:"duration"`
}
