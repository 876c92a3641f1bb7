package repositories

import (
	"context"

	"github.com/eljapi/code-talk-reviwer/domain/entities"
)

// AgentEventType enumerates the fragments an agent turn can yield
type AgentEventType string

const (
	AgentEventTextFragment  AgentEventType = "textFragment"
	AgentEventAudioFragment AgentEventType = "audioFragment"
	AgentEventToolInvoked   AgentEventType = "toolInvoked"
	AgentEventTurnComplete  AgentEventType = "turnComplete"
	AgentEventError         AgentEventType = "error"
)

// AgentEvent is one incremental piece of an agent response
type AgentEvent struct {
	Type  AgentEventType
	Text  string
	Audio []byte
	Tool  string
	Err   error
	Fatal bool
}

// TurnRequest is the context window submitted for a new turn
type TurnRequest struct {
	TurnID    string
	SessionID string
	Summary   string
	History   []entities.Turn
	Input     string
}

// AgentTurn is the handle of an in-flight agent response
type AgentTurn interface {
	ID() string
	// Events is closed after turnComplete, error or cancellation
	Events() <-chan AgentEvent
}

// AgentChannel abstracts the conversational agent.
//
// Cancel is idempotent. It returns once the turn has stopped producing
// fragments or ctx expires, whichever is first.
type AgentChannel interface {
	SubmitTurn(ctx context.Context, req TurnRequest) (AgentTurn, error)
	Cancel(ctx context.Context, turnID string) error
	Close() error
}

// AgentChannelFactory opens a dedicated AgentChannel per session
type AgentChannelFactory interface {
	NewAgentChannel(sessionID string) (AgentChannel, error)
}
