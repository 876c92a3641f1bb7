package websocket

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eljapi/code-talk-reviwer/domain"
	"github.com/eljapi/code-talk-reviwer/domain/entities"
)

func TestParseControlMessage(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    string
		wantErr bool
	}{
		{name: "ping", message: `{"type":"ping"}`, want: domain.ControlPing},
		{name: "interrupt", message: `{"type":"interrupt","session_id":"abc"}`, want: domain.ControlInterrupt},
		{name: "end", message: `{"type":"end","timestamp":"2024-01-01T00:00:00Z"}`, want: domain.ControlEnd},
		{name: "missing type", message: `{"session_id":"abc"}`, wantErr: true},
		{name: "unknown type", message: `{"type":"listening_start"}`, wantErr: true},
		{name: "not json", message: `hello`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseControlMessage([]byte(tt.message))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg.Type)
			assert.NotEmpty(t, msg.Timestamp)
		})
	}
}

func decodeEvent(t *testing.T, frame WriteData) (domain.EventMessage, map[string]interface{}) {
	t.Helper()
	require.Equal(t, websocket.TextMessage, frame.Type)

	var msg domain.EventMessage
	require.NoError(t, json.Unmarshal(frame.Payload, &msg))
	payload, _ := msg.Payload.(map[string]interface{})
	return msg, payload
}

func TestEncodeEventTranscript(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	frames, err := EncodeEvent(domain.Event{
		Type:      domain.EventTranscript,
		SessionID: "abc",
		At:        at,
		Text:      "why hold the lock",
		Final:     true,
	})
	require.NoError(t, err)
	require.Len(t, frames, 1)

	msg, payload := decodeEvent(t, frames[0])
	assert.Equal(t, "transcript", msg.Type)
	assert.Equal(t, "abc", msg.SessionID)
	assert.Equal(t, "2024-05-01T12:00:00Z", msg.Timestamp)
	assert.Equal(t, "why hold the lock", payload["text"])
	assert.Equal(t, true, payload["final"])
}

func TestEncodeEventAudioIsBinary(t *testing.T) {
	frames, err := EncodeEvent(domain.Event{
		Type:   domain.EventAgentFragment,
		TurnID: "abc_1",
		Audio:  []byte{1, 2, 3, 4},
	})
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, websocket.BinaryMessage, frames[0].Type)
	assert.Equal(t, []byte{1, 2, 3, 4}, frames[0].Payload)

	frames, err = EncodeEvent(domain.Event{Type: domain.EventAgentFragment, TurnID: "abc_1", Text: "Looks"})
	require.NoError(t, err)
	_, payload := decodeEvent(t, frames[0])
	assert.Equal(t, "abc_1", payload["turn_id"])
	assert.Equal(t, "Looks", payload["text"])
}

func TestEncodeEventSessionError(t *testing.T) {
	frames, err := EncodeEvent(domain.Event{
		Type:   domain.EventSessionError,
		TurnID: "abc_2",
		Code:   "agent_error",
		Err:    errors.New("rate limited"),
	})
	require.NoError(t, err)

	msg, payload := decodeEvent(t, frames[0])
	assert.Equal(t, "sessionError", msg.Type)
	assert.Equal(t, "agent_error", payload["error_code"])
	assert.Equal(t, "rate limited", payload["message"])
	assert.Equal(t, "abc_2", payload["turn_id"])
	assert.Equal(t, false, payload["fatal"])
}

func TestEncodeEventSessionEnded(t *testing.T) {
	frames, err := EncodeEvent(domain.Event{
		Type:    domain.EventSessionEnded,
		Reason:  entities.EndReasonCaller,
		Summary: &entities.ConversationSummary{SessionID: "abc", TotalTurns: 3},
	})
	require.NoError(t, err)

	_, payload := decodeEvent(t, frames[0])
	assert.Equal(t, "caller", payload["reason"])
	summary, ok := payload["summary"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(3), summary["total_turns"])
}

func TestEncodeEventWithoutPayload(t *testing.T) {
	frames, err := EncodeEvent(domain.Event{Type: domain.EventSessionReady, SessionID: "abc"})
	require.NoError(t, err)

	msg, _ := decodeEvent(t, frames[0])
	assert.Equal(t, "sessionReady", msg.Type)
	assert.Nil(t, msg.Payload)
	assert.NotEmpty(t, msg.Timestamp)
}

func TestCreateErrorAndPong(t *testing.T) {
	msg, payload := decodeEvent(t, CreateErrorMessage("abc", "invalid_message", "bad frame"))
	assert.Equal(t, MessageTypeError, msg.Type)
	assert.Equal(t, "invalid_message", payload["error_code"])
	assert.Equal(t, "bad frame", payload["message"])

	msg, _ = decodeEvent(t, CreatePongMessage("abc"))
	assert.Equal(t, MessageTypePong, msg.Type)
	assert.Equal(t, "abc", msg.SessionID)
}
