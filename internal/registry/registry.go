// Package registry is the conversation registry: it turns inbound adapter
// events into conversations and messages, dispatches agent replies through
// the channel manager, and broadcasts every change to the agents allowed to
// see it.
//
// Duplicate conversations are prevented by the store's (channel, contact)
// upsert alone. Lanes only order the work of one conversation.
package registry

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dayuer/inboxd/internal/broadcast"
	"github.com/dayuer/inboxd/internal/bus"
	"github.com/dayuer/inboxd/internal/errs"
	"github.com/dayuer/inboxd/internal/lane"
	"github.com/dayuer/inboxd/internal/metrics"
	"github.com/dayuer/inboxd/internal/model"
	"github.com/dayuer/inboxd/internal/presence"
	"github.com/dayuer/inboxd/internal/store"
)

const (
	// DefaultSendTimeout bounds one adapter send.
	DefaultSendTimeout = 30 * time.Second

	// MaxBulkTargets caps the conversations of one bulk send.
	MaxBulkTargets = 200

	bulkConcurrency = 8
)

// Sender delivers content through a channel's live session.
type Sender interface {
	Send(ctx context.Context, channelID, contactID string, content model.Content) (externalID string, err error)
}

// Publisher fans an event out to connected agents.
type Publisher interface {
	Publish(evt broadcast.Event, aud broadcast.Audience) (delivered, dropped int)
}

// Config wires a Registry.
type Config struct {
	Store       store.Store
	Sender      Sender
	Hub         Publisher
	Lanes       *lane.Manager // optional; work runs inline without it
	Bus         *bus.MessageBus
	SendTimeout time.Duration
	ReceiptTTL  time.Duration // default 1m
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// Registry owns conversation state changes.
type Registry struct {
	store       store.Store
	sender      Sender
	hub         Publisher
	lanes       *lane.Manager
	sendTimeout time.Duration
	receipts    *receiptBuffer
	metrics     *metrics.Metrics
	log         *zap.Logger
}

// New creates a registry. With a bus, it subscribes to inbound messages and
// delivery receipts.
func New(cfg Config) *Registry {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	r := &Registry{
		store:       cfg.Store,
		sender:      cfg.Sender,
		hub:         cfg.Hub,
		lanes:       cfg.Lanes,
		sendTimeout: cfg.SendTimeout,
		receipts:    newReceiptBuffer(cfg.ReceiptTTL),
		metrics:     cfg.Metrics,
		log:         cfg.Logger.Named("registry"),
	}
	if cfg.Bus != nil {
		cfg.Bus.Subscribe(bus.EventInboundMessage, r.onInbound)
		cfg.Bus.Subscribe(bus.EventMessageStatus, r.onStatus)
	}
	return r
}

// Inbound is a message received from a contact.
type Inbound struct {
	Platform   model.Platform
	Content    model.Content
	ExternalID string
	At         time.Time
}

// IngestResult is the outcome of Ingest.
type IngestResult struct {
	Conversation model.Conversation `json:"conversation"`
	Message      model.Message      `json:"message"`
	Created      bool               `json:"created"`
}

// Ingest stores an inbound message, creating the conversation for (channel,
// contact) on first contact, and broadcasts new_conversation (when created)
// then new_message.
func (r *Registry) Ingest(ctx context.Context, channelID string, contact model.Contact, in Inbound) (IngestResult, error) {
	if channelID == "" || strings.TrimSpace(contact.ID) == "" {
		return IngestResult{}, errs.Validation("channel and contact are required")
	}
	if in.Content.Empty() {
		return IngestResult{}, errs.Validation("message content is empty")
	}

	conv, created, err := r.store.UpsertConversation(ctx, model.Conversation{
		ChannelID:   channelID,
		ContactID:   contact.ID,
		DisplayName: contact.DisplayName,
		AvatarURL:   contact.AvatarURL,
	})
	if err != nil {
		return IngestResult{}, err
	}

	msg, conv, err := r.store.AppendMessage(ctx, model.Message{
		ConversationID: conv.ID,
		Direction:      model.DirectionIncoming,
		Content:        in.Content,
		Status:         model.MessageDelivered,
		ExternalID:     in.ExternalID,
		CreatedAt:      in.At,
	})
	if err != nil {
		return IngestResult{}, err
	}

	platform := string(in.Platform)
	if platform == "" {
		platform = "unknown"
	}
	r.metrics.Ingested(platform)

	if created {
		r.publish(broadcast.TypeNewConversation, conv, presence.Viewers(conv))
	}
	r.publish(broadcast.TypeNewMessage, broadcast.MessagePayload{Conversation: conv, Message: msg}, presence.Viewers(conv))

	r.log.Debug("message ingested",
		zap.String("conversation_id", conv.ID), zap.Int64("seq", msg.Seq), zap.Bool("created", created))
	return IngestResult{Conversation: conv, Message: msg, Created: created}, nil
}

// DispatchOutbound sends an agent's reply. A rejected request leaves no
// trace. An accepted one is stored as pending, sent, then marked sent or
// failed and broadcast once with its final status. A failed send returns the
// failed message together with an upstream error.
func (r *Registry) DispatchOutbound(ctx context.Context, conversationID, agentID string, content model.Content) (model.Message, error) {
	conv, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return model.Message{}, err
	}
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return model.Message{}, err
	}
	if err := validateContent(content); err != nil {
		return model.Message{}, err
	}
	if !presence.CanReply(agent, conv) {
		return model.Message{}, errs.Forbidden("agent %s may not reply to conversation %s", agentID, conversationID)
	}
	return r.onLane(ctx, conv, func(ctx context.Context) (model.Message, error) {
		return r.dispatch(ctx, conv, agent, content)
	})
}

func (r *Registry) onLane(ctx context.Context, conv model.Conversation, fn func(context.Context) (model.Message, error)) (model.Message, error) {
	if r.lanes == nil {
		return fn(ctx)
	}
	var (
		msg  model.Message
		sErr error
	)
	err := r.lanes.Submit(ctx, conv.Key(), func(ctx context.Context) error {
		msg, sErr = fn(ctx)
		return nil
	})
	if err != nil {
		return model.Message{}, err
	}
	return msg, sErr
}

func (r *Registry) dispatch(ctx context.Context, conv model.Conversation, agent model.Agent, content model.Content) (model.Message, error) {
	msg, conv, err := r.store.AppendMessage(ctx, model.Message{
		ConversationID: conv.ID,
		Direction:      model.DirectionOutgoing,
		Content:        content,
		Status:         model.MessagePending,
		AgentID:        agent.ID,
	})
	if err != nil {
		return model.Message{}, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	externalID, sendErr := r.sender.Send(sendCtx, conv.ChannelID, conv.ContactID, content)
	cancel()

	log := r.log.With(zap.String("conversation_id", conv.ID), zap.String("message_id", msg.ID))
	final, reason := model.MessageSent, ""
	if sendErr != nil {
		final, reason = model.MessageFailed, sendReason(sendErr)
		log.Warn("send failed", zap.Error(sendErr))
	}
	r.metrics.Sent(string(final))

	// the row must reach its final status even if the caller went away
	updated, err := r.store.UpdateMessageStatus(context.WithoutCancel(ctx), msg.ID, final, reason, externalID)
	if err != nil {
		log.Error("record send outcome", zap.Error(err))
		msg.Status, msg.Error, msg.ExternalID = final, reason, externalID
	} else {
		msg = updated
	}
	if sendErr == nil && externalID != "" {
		msg = r.applyParkedReceipt(context.WithoutCancel(ctx), conv.ChannelID, msg, log)
	}

	r.publish(broadcast.TypeNewMessage, broadcast.MessagePayload{Conversation: conv, Message: msg}, presence.Viewers(conv))

	if sendErr != nil {
		if errs.Is(sendErr, errs.KindUpstream) {
			return msg, sendErr
		}
		return msg, errs.Upstream(sendErr, "send failed")
	}
	return msg, nil
}

// applyParkedReceipt advances msg with a receipt that arrived before the
// send recorded its external id.
func (r *Registry) applyParkedReceipt(ctx context.Context, channelID string, msg model.Message, log *zap.Logger) model.Message {
	status, ok := r.receipts.take(channelID, msg.ExternalID)
	if !ok || !msg.Status.CanBecome(status) {
		return msg
	}
	applied, err := r.store.UpdateMessageStatusByExternalID(ctx, channelID, msg.ExternalID, status)
	if err != nil {
		log.Debug("parked receipt not applied", zap.String("status", string(status)), zap.Error(err))
		return msg
	}
	return applied
}

func sendReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "send timed out"
	}
	return err.Error()
}

func validateContent(c model.Content) error {
	if c.Empty() || (strings.TrimSpace(c.Text) == "" && len(c.Media) == 0) {
		return errs.Validation("message content is empty")
	}
	for _, m := range c.Media {
		if err := m.Validate(); err != nil {
			return errs.Validation("%v", err)
		}
	}
	return nil
}

// Assign sets or clears (empty assigneeID) the conversation's agent.
func (r *Registry) Assign(ctx context.Context, conversationID, actingAgentID, assigneeID string) (model.Conversation, error) {
	acting, err := r.store.GetAgent(ctx, actingAgentID)
	if err != nil {
		return model.Conversation{}, err
	}
	if !presence.Allowed(acting, presence.ActionAssign) {
		return model.Conversation{}, errs.Forbidden("agent %s may not assign conversations", actingAgentID)
	}
	prev, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return model.Conversation{}, err
	}
	if assigneeID != "" {
		if _, err := r.store.GetAgent(ctx, assigneeID); err != nil {
			return model.Conversation{}, err
		}
	}

	conv, err := r.store.AssignConversation(ctx, conversationID, assigneeID)
	if err != nil {
		return model.Conversation{}, err
	}

	// the previous assignee learns the conversation left them
	viewers := presence.Viewers(conv)
	r.publish(broadcast.TypeConversationUpdated, conv, func(a model.Agent) bool {
		return viewers(a) || (prev.AssignedAgentID != "" && a.ID == prev.AssignedAgentID)
	})
	r.log.Info("conversation assigned",
		zap.String("conversation_id", conv.ID), zap.String("from", prev.AssignedAgentID), zap.String("to", assigneeID),
		zap.String("by", actingAgentID))
	return conv, nil
}

// Initiate opens (or reuses) the conversation with contact on a channel and
// sends the first message. An agent without view_all becomes the assignee
// of a conversation it creates.
func (r *Registry) Initiate(ctx context.Context, agentID, channelID string, contact model.Contact, content model.Content) (model.Conversation, model.Message, error) {
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return model.Conversation{}, model.Message{}, err
	}
	if !presence.Allowed(agent, presence.ActionReply) {
		return model.Conversation{}, model.Message{}, errs.Forbidden("agent %s may not send messages", agentID)
	}
	if strings.TrimSpace(contact.ID) == "" {
		return model.Conversation{}, model.Message{}, errs.Validation("contact id is required")
	}
	if err := validateContent(content); err != nil {
		return model.Conversation{}, model.Message{}, err
	}
	if _, err := r.store.GetChannel(ctx, channelID); err != nil {
		return model.Conversation{}, model.Message{}, err
	}

	conv, created, err := r.store.UpsertConversation(ctx, model.Conversation{
		ChannelID:   channelID,
		ContactID:   contact.ID,
		DisplayName: contact.DisplayName,
		AvatarURL:   contact.AvatarURL,
	})
	if err != nil {
		return model.Conversation{}, model.Message{}, err
	}
	if created && !agent.Permissions.ViewAll {
		if conv, err = r.store.AssignConversation(ctx, conv.ID, agent.ID); err != nil {
			return model.Conversation{}, model.Message{}, err
		}
	}
	if !presence.CanReply(agent, conv) {
		return conv, model.Message{}, errs.Forbidden("agent %s may not reply to conversation %s", agentID, conv.ID)
	}
	if created {
		r.publish(broadcast.TypeNewConversation, conv, presence.Viewers(conv))
	}

	msg, err := r.onLane(ctx, conv, func(ctx context.Context) (model.Message, error) {
		return r.dispatch(ctx, conv, agent, content)
	})
	return conv, msg, err
}

// BulkResult is the outcome of one conversation of a bulk send.
type BulkResult struct {
	ConversationID string              `json:"conversation_id"`
	MessageID      string              `json:"message_id,omitempty"`
	Status         model.MessageStatus `json:"status,omitempty"`
	Error          string              `json:"error,omitempty"`
}

// BulkSend dispatches the same content to many conversations. Failures are
// reported per conversation; the call itself only fails on bad input or a
// missing bulk_message permission.
func (r *Registry) BulkSend(ctx context.Context, agentID string, conversationIDs []string, content model.Content) ([]BulkResult, error) {
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !presence.Allowed(agent, presence.ActionBulkMessage) {
		return nil, errs.Forbidden("agent %s may not send bulk messages", agentID)
	}
	if len(conversationIDs) == 0 {
		return nil, errs.Validation("no conversations given")
	}
	if len(conversationIDs) > MaxBulkTargets {
		return nil, errs.Validation("at most %d conversations per bulk send", MaxBulkTargets)
	}
	if err := validateContent(content); err != nil {
		return nil, err
	}

	results := make([]BulkResult, len(conversationIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bulkConcurrency)
	for i, id := range conversationIDs {
		g.Go(func() error {
			res := BulkResult{ConversationID: id}
			msg, err := r.DispatchOutbound(gctx, id, agentID, content)
			if msg.ID != "" {
				res.MessageID, res.Status = msg.ID, msg.Status
			}
			if err != nil {
				res.Error = errs.Message(err)
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	sent := 0
	for _, res := range results {
		if res.Status == model.MessageSent {
			sent++
		}
	}
	r.log.Info("bulk send", zap.String("agent_id", agentID), zap.Int("targets", len(results)), zap.Int("sent", sent))
	return results, nil
}

// MarkRead resets the unread counter.
func (r *Registry) MarkRead(ctx context.Context, agent model.Agent, conversationID string) (model.Conversation, error) {
	conv, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return model.Conversation{}, err
	}
	if !presence.CanView(agent, conv) {
		return model.Conversation{}, errs.Forbidden("conversation %s is not visible to agent %s", conversationID, agent.ID)
	}
	conv, err = r.store.MarkConversationRead(ctx, conversationID)
	if err != nil {
		return model.Conversation{}, err
	}
	r.publish(broadcast.TypeConversationUpdated, conv, presence.Viewers(conv))
	return conv, nil
}

// SetStatus resolves, archives or reopens a conversation.
func (r *Registry) SetStatus(ctx context.Context, agent model.Agent, conversationID string, status model.ConversationStatus) (model.Conversation, error) {
	if !status.Valid() {
		return model.Conversation{}, errs.Validation("unknown conversation status %q", status)
	}
	conv, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return model.Conversation{}, err
	}
	if !presence.CanReply(agent, conv) {
		return model.Conversation{}, errs.Forbidden("agent %s may not change conversation %s", agent.ID, conversationID)
	}
	if conv.Status == status {
		return conv, nil
	}
	conv, err = r.store.SetConversationStatus(ctx, conversationID, status)
	if err != nil {
		return model.Conversation{}, err
	}
	r.publish(broadcast.TypeConversationUpdated, conv, presence.Viewers(conv))
	return conv, nil
}

// UpdateMessageStatus applies a delivery or read receipt. Receipts only
// move a message forward; stale ones are ignored. A receipt for an id no
// send has recorded yet is held for ReceiptTTL and applied when the send
// returns that id.
func (r *Registry) UpdateMessageStatus(ctx context.Context, channelID, externalID string, status model.MessageStatus) (model.Message, error) {
	msg, err := r.store.UpdateMessageStatusByExternalID(ctx, channelID, externalID, status)
	if errs.IsNotFound(err) {
		// The send may not have recorded the id yet. Park first, then look
		// again, so a send that lands in between still sees one or the other.
		r.receipts.park(channelID, externalID, status)
		if msg, err = r.store.UpdateMessageStatusByExternalID(ctx, channelID, externalID, status); err == nil {
			r.receipts.forget(channelID, externalID, status)
		}
	}
	if err != nil {
		return model.Message{}, err
	}
	conv, err := r.store.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return msg, err
	}
	r.publish(broadcast.TypeMessageStatus, broadcast.MessagePayload{Conversation: conv, Message: msg}, presence.Viewers(conv))
	return msg, nil
}

// ApplyReadWatermark marks the outgoing messages to a contact sent at or
// before upTo as read, for platforms that acknowledge reads by watermark
// instead of by message id.
func (r *Registry) ApplyReadWatermark(ctx context.Context, channelID, contactID string, upTo time.Time) (int, error) {
	msgs, err := r.store.MarkOutgoingRead(ctx, channelID, contactID, upTo)
	if err != nil || len(msgs) == 0 {
		return 0, err
	}
	conv, err := r.store.GetConversation(ctx, msgs[0].ConversationID)
	if err != nil {
		return len(msgs), err
	}
	viewers := presence.Viewers(conv)
	for _, m := range msgs {
		r.publish(broadcast.TypeMessageStatus, broadcast.MessagePayload{Conversation: conv, Message: m}, viewers)
	}
	return len(msgs), nil
}

// List returns the conversations the agent may see.
func (r *Registry) List(ctx context.Context, agent model.Agent, f store.ConversationFilter) ([]model.Conversation, error) {
	switch {
	case agent.Permissions.ViewAll:
	case agent.Permissions.ViewAssigned:
		f.AssignedTo = agent.ID
	default:
		return []model.Conversation{}, nil
	}
	convs, err := r.store.ListConversations(ctx, f)
	if err != nil {
		return nil, err
	}
	if convs == nil {
		convs = []model.Conversation{}
	}
	return convs, nil
}

// Get returns a conversation with a page of its messages, oldest first.
func (r *Registry) Get(ctx context.Context, agent model.Agent, conversationID string, limit, offset int) (model.Conversation, []model.Message, error) {
	conv, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return model.Conversation{}, nil, err
	}
	if !presence.CanView(agent, conv) {
		return model.Conversation{}, nil, errs.Forbidden("conversation %s is not visible to agent %s", conversationID, agent.ID)
	}
	msgs, err := r.store.ListMessages(ctx, conversationID, limit, offset)
	if err != nil {
		return conv, nil, err
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	return conv, msgs, nil
}

// Typing relays a typing indicator to the other agents who can see the
// conversation.
func (r *Registry) Typing(ctx context.Context, agent model.Agent, conversationID string, typing bool) error {
	conv, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !presence.CanView(agent, conv) {
		return errs.Forbidden("conversation %s is not visible to agent %s", conversationID, agent.ID)
	}
	viewers := presence.Viewers(conv)
	r.publish(broadcast.TypeTyping, broadcast.TypingPayload{
		ConversationID: conv.ID,
		AgentID:        agent.ID,
		AgentName:      agent.Name,
		Typing:         typing,
	}, func(a model.Agent) bool {
		return a.ID != agent.ID && viewers(a)
	})
	return nil
}

// --- bus handlers ---

func (r *Registry) onInbound(ctx context.Context, evt bus.Event) {
	in := Inbound{Platform: evt.Platform, Content: evt.Content, ExternalID: evt.ExternalID, At: evt.Timestamp}
	task := func(ctx context.Context) error {
		_, err := r.Ingest(ctx, evt.ChannelID, evt.Contact, in)
		return err
	}
	if r.lanes == nil {
		if err := task(ctx); err != nil {
			r.log.Warn("ingest failed", zap.String("channel_id", evt.ChannelID), zap.Error(err))
		}
		return
	}
	if err := r.lanes.Enqueue(ctx, evt.ConversationKey(), task); err != nil {
		r.log.Error("inbound message dropped", zap.String("channel_id", evt.ChannelID), zap.Error(err))
	}
}

func (r *Registry) onStatus(ctx context.Context, evt bus.Event) {
	if evt.ExternalID == "" && evt.Status == model.MessageRead && evt.Contact.ID != "" {
		n, err := r.ApplyReadWatermark(ctx, evt.ChannelID, evt.Contact.ID, evt.Timestamp)
		if err != nil {
			r.log.Warn("apply read watermark", zap.String("channel_id", evt.ChannelID), zap.Error(err))
			return
		}
		r.log.Debug("read watermark applied", zap.String("channel_id", evt.ChannelID), zap.Int("messages", n))
		return
	}
	_, err := r.UpdateMessageStatus(ctx, evt.ChannelID, evt.ExternalID, evt.Status)
	switch {
	case err == nil:
	case errs.IsNotFound(err):
		// unknown yet, or already further along; parked for a pending send
		r.log.Debug("receipt parked", zap.String("external_id", evt.ExternalID), zap.String("status", string(evt.Status)))
	default:
		r.log.Warn("apply receipt", zap.String("external_id", evt.ExternalID), zap.Error(err))
	}
}

func (r *Registry) publish(t broadcast.Type, data any, aud func(model.Agent) bool) {
	if r.hub == nil {
		return
	}
	r.hub.Publish(broadcast.NewEvent(t, data), broadcast.Audience(aud))
}
