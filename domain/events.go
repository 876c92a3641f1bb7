package domain

import (
	"time"

	"github.com/eljapi/code-talk-reviwer/domain/entities"
)

// EventType enumerates what observers can subscribe to
type EventType string

const (
	EventSessionReady  EventType = "sessionReady"
	EventStateChanged  EventType = "stateChanged"
	EventTranscript    EventType = "transcript"
	EventAgentFragment EventType = "agentFragment"
	EventTurnCompleted EventType = "turnCompleted"
	EventInterrupted   EventType = "interrupted"
	EventSessionError  EventType = "sessionError"
	EventSessionEnded  EventType = "sessionEnded"
	EventQualityAlert  EventType = "qualityAlert"
)

// Event is delivered to observers in the order it occurred within a session
type Event struct {
	Type      EventType
	SessionID string
	At        time.Time

	TurnID string
	Text   string
	Final  bool
	Audio  []byte
	Tool   string

	State   entities.ConversationState
	Alert   entities.AlertState
	Metrics *entities.PipelineMetrics

	Code   string
	Err    error
	Fatal  bool
	Reason entities.EndReason

	Turn    *entities.Turn
	Summary *entities.ConversationSummary
}
