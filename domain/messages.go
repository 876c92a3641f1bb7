package domain

// ControlMessage is a JSON text frame sent by the caller over the websocket
type ControlMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Control message types accepted from callers
const (
	ControlEnd       = "end"
	ControlInterrupt = "interrupt"
	ControlPing      = "ping"
)

// EventMessage is a JSON text frame pushed to the caller for every session event
type EventMessage struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id"`
	Timestamp string      `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// TranscriptPayload carries recognized user speech
type TranscriptPayload struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// AgentFragmentPayload carries one piece of the agent response. Audio is
// delivered separately as a binary frame.
type AgentFragmentPayload struct {
	TurnID string `json:"turn_id"`
	Text   string `json:"text,omitempty"`
	Tool   string `json:"tool,omitempty"`
	Audio  bool   `json:"audio,omitempty"`
}

// ErrorPayload describes an advisory or terminal error
type ErrorPayload struct {
	Code    string `json:"error_code"`
	Message string `json:"message"`
}
