// Package bus carries adapter events from channel sessions to the core.
package bus

import (
	"time"

	"github.com/dayuer/inboxd/internal/model"
)

// EventType names an adapter event.
type EventType string

const (
	EventInboundMessage      EventType = "inbound_message"
	EventMessageStatus       EventType = "message_status"
	EventSessionReady        EventType = "session_ready"
	EventSessionDisconnected EventType = "session_disconnected"
	EventPairingPayload      EventType = "pairing_payload_updated"
	EventPairingTimeout      EventType = "pairing_timeout"
	EventSessionError        EventType = "session_error"
)

// Event is emitted by a channel session. Which fields are set depends on
// Type.
type Event struct {
	Type      EventType      `json:"type"`
	ChannelID string         `json:"channel_id"`
	Platform  model.Platform `json:"platform"`

	// inbound_message
	Contact model.Contact `json:"contact,omitempty"`
	Content model.Content `json:"content,omitempty"`

	// inbound_message and message_status
	ExternalID string              `json:"external_id,omitempty"`
	Status     model.MessageStatus `json:"status,omitempty"`

	// pairing_payload_updated
	Payload string `json:"payload,omitempty"`

	// session_ready
	Credentials *model.Credentials `json:"-"`
	Phone       string             `json:"phone,omitempty"`

	// session_disconnected and session_error
	Reason string `json:"reason,omitempty"`

	Timestamp time.Time `json:"timestamp"`

	// Generation identifies the session that emitted the event. Lifecycle
	// events of a replaced session are ignored.
	Generation uint64 `json:"-"`
}

// ConversationKey returns the ordering key of an inbound message.
func (e *Event) ConversationKey() string {
	return model.ConversationKey(e.ChannelID, e.Contact.ID)
}

// LifecycleEvents are the event types that change channel state.
var LifecycleEvents = []EventType{
	EventPairingPayload,
	EventPairingTimeout,
	EventSessionReady,
	EventSessionDisconnected,
	EventSessionError,
}
