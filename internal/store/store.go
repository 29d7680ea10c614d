// Package store is the durable Session Store: channels, conversations,
// messages, agents and the usage ledger. One SQL implementation serves both
// Postgres (pgx) and SQLite (modernc); the (channel_id, contact_id) unique
// key is the only guard against duplicate conversations.
package store

import (
	"context"
	"time"

	"github.com/dayuer/inboxd/internal/model"
)

// Store is the persistence contract used by the inbox core.
type Store interface {
	// InitChannel inserts the channel keyed on (platform, external_id) or
	// revives the existing row as pending. Returns a conflict error when the
	// existing row is active or awaiting pairing. A removed row comes back
	// with its credentials cleared.
	InitChannel(ctx context.Context, ch model.Channel) (model.Channel, error)
	GetChannel(ctx context.Context, id string) (model.Channel, error)
	GetChannelByExternalID(ctx context.Context, platform model.Platform, externalID string) (model.Channel, error)
	ListChannels(ctx context.Context, f ChannelFilter) ([]model.Channel, error)
	SetChannelStatus(ctx context.Context, id string, status model.ChannelStatus, reason string) (model.Channel, error)
	SetChannelCredentials(ctx context.Context, id string, creds model.Credentials) error

	// UpsertConversation atomically inserts or fetches the conversation for
	// (channel_id, contact_id). created is true only for the caller whose
	// insert won.
	UpsertConversation(ctx context.Context, c model.Conversation) (conv model.Conversation, created bool, err error)
	GetConversation(ctx context.Context, id string) (model.Conversation, error)
	ListConversations(ctx context.Context, f ConversationFilter) ([]model.Conversation, error)
	AssignConversation(ctx context.Context, id, agentID string) (model.Conversation, error)
	SetConversationStatus(ctx context.Context, id string, status model.ConversationStatus) (model.Conversation, error)
	MarkConversationRead(ctx context.Context, id string) (model.Conversation, error)

	// AppendMessage inserts m with the next sequence number of its
	// conversation and updates preview, timestamps and counters in the same
	// transaction.
	AppendMessage(ctx context.Context, m model.Message) (model.Message, model.Conversation, error)
	UpdateMessageStatus(ctx context.Context, id string, status model.MessageStatus, reason, externalID string) (model.Message, error)
	UpdateMessageStatusByExternalID(ctx context.Context, channelID, externalID string, status model.MessageStatus) (model.Message, error)
	// MarkOutgoingRead marks sent or delivered outgoing messages to a
	// contact created at or before upTo as read and returns them.
	MarkOutgoingRead(ctx context.Context, channelID, contactID string, upTo time.Time) ([]model.Message, error)
	ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error)

	CreateAgent(ctx context.Context, a model.Agent) (model.Agent, error)
	GetAgent(ctx context.Context, id string) (model.Agent, error)
	GetAgentByEmail(ctx context.Context, email string) (model.Agent, error)
	ListAgents(ctx context.Context) ([]model.Agent, error)
	UpdateAgentPermissions(ctx context.Context, id string, p model.Permissions) (model.Agent, error)
	SetAgentOnline(ctx context.Context, id string, online bool) error

	AppendUsage(ctx context.Context, rec model.UsageRecord) error
	ListUsage(ctx context.Context, agentID string, limit int) ([]model.UsageRecord, error)

	Ping(ctx context.Context) error
	Close() error
}

// ChannelFilter narrows ListChannels. Zero values match everything except
// removed channels, which are only returned when IncludeRemoved is set.
type ChannelFilter struct {
	Platform       model.Platform
	Status         model.ChannelStatus
	IncludeRemoved bool
}

// ConversationFilter narrows ListConversations.
type ConversationFilter struct {
	Status     model.ConversationStatus
	AssignedTo string // only conversations assigned to this agent when set
	ChannelID  string
	Limit      int
	Offset     int
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
