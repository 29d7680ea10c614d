// Package broadcast fans inbox events out to connected agents over
// websockets. Delivery is at-most-once: there is no outbox and no replay, so
// a reconnecting client re-fetches state through the HTTP read path.
package broadcast

import (
	"encoding/json"
	"time"

	"github.com/dayuer/inboxd/internal/model"
)

// Type names a broadcast event.
type Type string

const (
	TypeNewMessage          Type = "new_message"
	TypeNewConversation     Type = "new_conversation"
	TypeConversationUpdated Type = "conversation_updated"
	TypeMessageStatus       Type = "message_status"
	TypeTyping              Type = "typing"
	TypePairingPayload      Type = "pairing_payload_updated"
	TypePairingTimeout      Type = "pairing_timeout"
	TypeSessionReady        Type = "session_ready"
	TypeSessionDisconnected Type = "session_disconnected"
	TypeSessionError        Type = "session_error"
	TypeAgentPresence       Type = "agent_presence"
	TypeError               Type = "error"

	// connection control frames
	TypeAuth  Type = "auth"
	TypeReady Type = "ready"
	TypePing  Type = "ping"
	TypePong  Type = "pong"
)

// Event is the wire envelope: {"type", "data", "ts"} with ts in unix millis.
type Event struct {
	Type Type  `json:"type"`
	Data any   `json:"data,omitempty"`
	TS   int64 `json:"ts"`
}

// NewEvent stamps an event with the current time.
func NewEvent(t Type, data any) Event {
	return Event{Type: t, Data: data, TS: time.Now().UnixMilli()}
}

// Encode marshals the envelope.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Audience selects the subscribers that receive an event.
type Audience func(model.Agent) bool

// Everyone matches every subscriber.
func Everyone(model.Agent) bool { return true }

// MessagePayload is the data of new_message and message_status events.
type MessagePayload struct {
	Conversation model.Conversation `json:"conversation"`
	Message      model.Message      `json:"message"`
}

// ChannelPayload is the data of channel lifecycle events.
type ChannelPayload struct {
	Channel model.Channel `json:"channel"`
	Payload string        `json:"payload,omitempty"`
	Phone   string        `json:"phone,omitempty"`
	Reason  string        `json:"reason,omitempty"`
}

// TypingPayload is the data of typing events.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	AgentID        string `json:"agent_id"`
	AgentName      string `json:"agent_name,omitempty"`
	Typing         bool   `json:"typing"`
}

// PresencePayload is the data of agent_presence events.
type PresencePayload struct {
	AgentID string `json:"agent_id"`
	Online  bool   `json:"online"`
}
