package websocket

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eljapi/code-talk-reviwer/domain"
	"github.com/eljapi/code-talk-reviwer/domain/entities"
)

// Server-only message types, in addition to the session event types
const (
	MessageTypePong  = "pong"
	MessageTypeError = "error"
)

// WriteData is one outbound websocket frame
type WriteData struct {
	// Type is websocket.TextMessage, websocket.BinaryMessage or
	// websocket.CloseMessage
	Type    int
	Payload []byte
}

// StatePayload accompanies stateChanged
type StatePayload struct {
	State entities.ConversationState `json:"state"`
}

// InterruptedPayload accompanies interrupted
type InterruptedPayload struct {
	TurnID string         `json:"turn_id"`
	Turn   *entities.Turn `json:"turn,omitempty"`
}

// TurnPayload accompanies turnCompleted
type TurnPayload struct {
	TurnID string         `json:"turn_id"`
	Text   string         `json:"text"`
	Turn   *entities.Turn `json:"turn,omitempty"`
}

// AlertPayload accompanies qualityAlert
type AlertPayload struct {
	Alert   entities.AlertState       `json:"alert"`
	Metrics *entities.PipelineMetrics `json:"metrics,omitempty"`
}

// EndedPayload accompanies sessionEnded
type EndedPayload struct {
	Reason  entities.EndReason            `json:"reason"`
	Summary *entities.ConversationSummary `json:"summary,omitempty"`
	Metrics *entities.PipelineMetrics     `json:"metrics,omitempty"`
}

// SessionErrorPayload accompanies sessionError
type SessionErrorPayload struct {
	domain.ErrorPayload
	TurnID string `json:"turn_id,omitempty"`
	Fatal  bool   `json:"fatal"`
}

// ParseControlMessage decodes and validates a caller text frame
func ParseControlMessage(data []byte) (domain.ControlMessage, error) {
	var msg domain.ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("invalid JSON format: %w", err)
	}

	switch msg.Type {
	case domain.ControlEnd, domain.ControlInterrupt, domain.ControlPing:
	case "":
		return msg, fmt.Errorf("message missing type field")
	default:
		return msg, fmt.Errorf("unsupported message type: %s", msg.Type)
	}

	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().Format(time.RFC3339)
	}
	return msg, nil
}

// EncodeEvent renders a session event as outbound frames. Agent audio goes
// out as a binary frame carrying raw PCM.
func EncodeEvent(ev domain.Event) ([]WriteData, error) {
	if ev.Type == domain.EventAgentFragment && len(ev.Audio) > 0 {
		return []WriteData{{Type: websocket.BinaryMessage, Payload: ev.Audio}}, nil
	}

	msg := domain.EventMessage{
		Type:      string(ev.Type),
		SessionID: ev.SessionID,
		Timestamp: timestamp(ev.At),
		Payload:   eventPayload(ev),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", ev.Type, err)
	}
	return []WriteData{{Type: websocket.TextMessage, Payload: data}}, nil
}

func eventPayload(ev domain.Event) interface{} {
	switch ev.Type {
	case domain.EventStateChanged:
		return StatePayload{State: ev.State}
	case domain.EventTranscript:
		return domain.TranscriptPayload{Text: ev.Text, Final: ev.Final}
	case domain.EventAgentFragment:
		return domain.AgentFragmentPayload{TurnID: ev.TurnID, Text: ev.Text, Tool: ev.Tool}
	case domain.EventTurnCompleted:
		return TurnPayload{TurnID: ev.TurnID, Text: ev.Text, Turn: ev.Turn}
	case domain.EventInterrupted:
		return InterruptedPayload{TurnID: ev.TurnID, Turn: ev.Turn}
	case domain.EventSessionError:
		p := SessionErrorPayload{
			ErrorPayload: domain.ErrorPayload{Code: ev.Code},
			TurnID:       ev.TurnID,
			Fatal:        ev.Fatal,
		}
		if ev.Err != nil {
			p.Message = ev.Err.Error()
		}
		return p
	case domain.EventQualityAlert:
		return AlertPayload{Alert: ev.Alert, Metrics: ev.Metrics}
	case domain.EventSessionEnded:
		return EndedPayload{Reason: ev.Reason, Summary: ev.Summary, Metrics: ev.Metrics}
	}
	return nil
}

// CreateErrorMessage creates a standardized error frame
func CreateErrorMessage(sessionID, code, message string) WriteData {
	return textMessage(domain.EventMessage{
		Type:      MessageTypeError,
		SessionID: sessionID,
		Timestamp: timestamp(time.Time{}),
		Payload:   domain.ErrorPayload{Code: code, Message: message},
	})
}

// CreatePongMessage creates a pong response frame
func CreatePongMessage(sessionID string) WriteData {
	return textMessage(domain.EventMessage{
		Type:      MessageTypePong,
		SessionID: sessionID,
		Timestamp: timestamp(time.Time{}),
	})
}

func textMessage(msg domain.EventMessage) WriteData {
	// only plain structs are marshalled here
	data, _ := json.Marshal(msg)
	return WriteData{Type: websocket.TextMessage, Payload: data}
}

func timestamp(at time.Time) string {
	if at.IsZero() {
		at = time.Now()
	}
	return at.UTC().Format(time.RFC3339Nano)
}
