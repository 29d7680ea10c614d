package model

import "time"

// Direction tells whether a message came from the contact or an agent.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
)

// Predecessors lists the statuses a message may move to s from.
// Transitions only go forward; failed is reachable from pending only.
func (s MessageStatus) Predecessors() []MessageStatus {
	switch s {
	case MessageSent:
		return []MessageStatus{MessagePending}
	case MessageDelivered:
		return []MessageStatus{MessagePending, MessageSent}
	case MessageRead:
		return []MessageStatus{MessagePending, MessageSent, MessageDelivered}
	case MessageFailed:
		return []MessageStatus{MessagePending}
	}
	return nil
}

// CanBecome reports whether a message in status s may move to next.
func (s MessageStatus) CanBecome(next MessageStatus) bool {
	for _, p := range next.Predecessors() {
		if p == s {
			return true
		}
	}
	return false
}

// Message is one unit within a conversation. Rows are append-only apart
// from forward status transitions.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	Seq            int64         `json:"seq"`
	Direction      Direction     `json:"direction"`
	Content        Content       `json:"content"`
	Status         MessageStatus `json:"status"`
	Error          string        `json:"error,omitempty"`
	ExternalID     string        `json:"external_id,omitempty"`
	AgentID        string        `json:"agent_id,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}
