package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dayuer/inboxd/internal/broadcast"
	"github.com/dayuer/inboxd/internal/bus"
	"github.com/dayuer/inboxd/internal/errs"
	"github.com/dayuer/inboxd/internal/lane"
	"github.com/dayuer/inboxd/internal/model"
	"github.com/dayuer/inboxd/internal/store"
)

type fakeSender struct {
	mu    sync.Mutex
	fail  map[string]error // by contact
	err   error
	block bool
	sent  []string
}

func (f *fakeSender) Send(ctx context.Context, channelID, contactID string, content model.Content) (string, error) {
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[contactID]; err != nil {
		return "", err
	}
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, contactID+":"+content.Text)
	return fmt.Sprintf("ext-%d", len(f.sent)), nil
}

type published struct {
	evt broadcast.Event
	aud broadcast.Audience
}

type recordingHub struct {
	mu  sync.Mutex
	all []published
}

func (h *recordingHub) Publish(evt broadcast.Event, aud broadcast.Audience) (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all = append(h.all, published{evt, aud})
	return 1, 0
}

func (h *recordingHub) ofType(t broadcast.Type) []published {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []published
	for _, p := range h.all {
		if p.evt.Type == t {
			out = append(out, p)
		}
	}
	return out
}

func (h *recordingHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.all)
}

// recipients returns the ids of the agents the event reaches.
func recipients(p published, agents ...model.Agent) []string {
	var ids []string
	for _, a := range agents {
		if p.aud(a) {
			ids = append(ids, a.ID)
		}
	}
	return ids
}

type fixture struct {
	reg    *Registry
	store  *store.SQLStore
	sender *fakeSender
	hub    *recordingHub

	channel model.Channel
	admin   model.Agent // view_all
	alice   model.Agent // view_assigned + reply
	bob     model.Agent // view_assigned + reply
	viewer  model.Agent // view_all, no reply
}

func newFixture(t *testing.T, opts ...func(*Config)) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{store: st, sender: &fakeSender{}, hub: &recordingHub{}}
	cfg := Config{Store: st, Sender: f.sender, Hub: f.hub}
	for _, o := range opts {
		o(&cfg)
	}
	f.reg = New(cfg)

	f.channel, err = st.InitChannel(ctx, model.Channel{ExternalID: "wa-main", Platform: model.PlatformWhatsApp})
	require.NoError(t, err)

	mk := func(name string, p model.Permissions) model.Agent {
		a, err := st.CreateAgent(ctx, model.Agent{Email: name + "@example.com", PasswordHash: "x", Name: name, Permissions: p})
		require.NoError(t, err)
		return a
	}
	f.admin = mk("admin", model.DefaultPermissions(model.RoleAdmin))
	f.alice = mk("alice", model.DefaultPermissions(model.RoleAgent))
	f.bob = mk("bob", model.DefaultPermissions(model.RoleAgent))
	f.viewer = mk("viewer", model.Permissions{ViewAll: true})
	return f
}

func (f *fixture) agents() []model.Agent {
	return []model.Agent{f.admin, f.alice, f.bob, f.viewer}
}

func (f *fixture) ingest(t *testing.T, contact, text string) IngestResult {
	t.Helper()
	res, err := f.reg.Ingest(context.Background(), f.channel.ID, model.Contact{ID: contact, DisplayName: "Contact " + contact},
		Inbound{Platform: model.PlatformWhatsApp, Content: model.Content{Text: text}})
	require.NoError(t, err)
	return res
}

func (f *fixture) assign(t *testing.T, convID string, to model.Agent) {
	t.Helper()
	_, err := f.store.AssignConversation(context.Background(), convID, to.ID)
	require.NoError(t, err)
}

func (f *fixture) messageCount(t *testing.T, convID string) int {
	t.Helper()
	msgs, err := f.store.ListMessages(context.Background(), convID, 500, 0)
	require.NoError(t, err)
	return len(msgs)
}

func TestIngest_NewConversation(t *testing.T) {
	f := newFixture(t)

	res := f.ingest(t, "15550001111@s.whatsapp.net", "Hi, is my order shipped?")
	assert.True(t, res.Created)
	assert.Equal(t, 1, res.Conversation.UnreadCount)
	assert.Equal(t, 1, res.Conversation.MessageCount)
	assert.Equal(t, "Hi, is my order shipped?", res.Conversation.LastMessage)
	assert.Equal(t, "Contact 15550001111@s.whatsapp.net", res.Conversation.DisplayName)
	assert.Equal(t, int64(1), res.Message.Seq)
	assert.Equal(t, model.DirectionIncoming, res.Message.Direction)
	assert.Equal(t, model.MessageDelivered, res.Message.Status)

	created := f.hub.ofType(broadcast.TypeNewConversation)
	require.Len(t, created, 1)
	assert.ElementsMatch(t, []string{f.admin.ID, f.viewer.ID}, recipients(created[0], f.agents()...))

	require.Len(t, f.hub.all, 2)
	assert.Equal(t, broadcast.TypeNewConversation, f.hub.all[0].evt.Type)
	assert.Equal(t, broadcast.TypeNewMessage, f.hub.all[1].evt.Type)

	again := f.ingest(t, "15550001111@s.whatsapp.net", "hello?")
	assert.False(t, again.Created)
	assert.Equal(t, res.Conversation.ID, again.Conversation.ID)
	assert.Equal(t, 2, again.Conversation.UnreadCount)
	assert.Len(t, f.hub.ofType(broadcast.TypeNewConversation), 1)
}

func TestIngest_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.Ingest(ctx, f.channel.ID, model.Contact{}, Inbound{Content: model.Content{Text: "x"}})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	_, err = f.reg.Ingest(ctx, f.channel.ID, model.Contact{ID: "c"}, Inbound{})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	assert.Zero(t, f.hub.count())
}

func TestIngest_ConcurrentSameContactIsOneConversation(t *testing.T) {
	f := newFixture(t)
	const n = 20

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[string]bool{}
		created int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.reg.Ingest(context.Background(), f.channel.ID, model.Contact{ID: "race"},
				Inbound{Content: model.Content{Text: fmt.Sprintf("msg %d", i)}})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[res.Conversation.ID] = true
			if res.Created {
				created++
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, ids, 1)
	assert.Equal(t, 1, created)
	assert.Len(t, f.hub.ofType(broadcast.TypeNewConversation), 1)

	for id := range ids {
		conv, err := f.store.GetConversation(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, n, conv.MessageCount)
		assert.Equal(t, n, conv.UnreadCount)
	}
}

func TestDispatchOutbound_Authorization(t *testing.T) {
	f := newFixture(t)
	res := f.ingest(t, "c-1", "help")
	conv := res.Conversation
	f.assign(t, conv.ID, f.alice)

	tests := []struct {
		name  string
		agent model.Agent
		ok    bool
	}{
		{"assignee replies", f.alice, true},
		{"view_all with reply", f.admin, true},
		{"view_assigned on someone else's conversation", f.bob, false},
		{"view_all without reply", f.viewer, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := f.messageCount(t, conv.ID)
			events := f.hub.count()

			msg, err := f.reg.DispatchOutbound(context.Background(), conv.ID, tt.agent.ID, model.Content{Text: "on it"})
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, model.MessageSent, msg.Status)
				assert.Equal(t, before+1, f.messageCount(t, conv.ID))
				assert.Equal(t, events+1, f.hub.count())
				return
			}
			assert.Equal(t, errs.KindAuthorization, errs.KindOf(err))
			assert.Equal(t, before, f.messageCount(t, conv.ID), "rejection stores nothing")
			assert.Equal(t, events, f.hub.count(), "rejection broadcasts nothing")
		})
	}
}

func TestDispatchOutbound_SentBroadcastOnce(t *testing.T) {
	f := newFixture(t)
	conv := f.ingest(t, "c-2", "hello").Conversation
	before := len(f.hub.ofType(broadcast.TypeNewMessage))

	msg, err := f.reg.DispatchOutbound(context.Background(), conv.ID, f.admin.ID, model.Content{Text: "Hi there"})
	require.NoError(t, err)
	assert.Equal(t, model.MessageSent, msg.Status)
	assert.Equal(t, "ext-1", msg.ExternalID)
	assert.Equal(t, f.admin.ID, msg.AgentID)
	assert.Equal(t, []string{"c-2:Hi there"}, f.sender.sent)

	out := f.hub.ofType(broadcast.TypeNewMessage)
	require.Len(t, out, before+1)
	payload := out[len(out)-1].evt.Data.(broadcast.MessagePayload)
	assert.Equal(t, model.MessageSent, payload.Message.Status)
}

func TestDispatchOutbound_FailedSend(t *testing.T) {
	f := newFixture(t)
	conv := f.ingest(t, "c-3", "anyone?").Conversation
	f.sender.err = errs.Upstream(nil, "channel %s has no live session", f.channel.ID)

	msg, err := f.reg.DispatchOutbound(context.Background(), conv.ID, f.admin.ID, model.Content{Text: "Sorry for the wait"})
	require.Error(t, err)
	assert.Equal(t, errs.KindUpstream, errs.KindOf(err))
	assert.Equal(t, model.MessageFailed, msg.Status)
	assert.Contains(t, msg.Error, "no live session")

	got, err := f.store.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Sorry for the wait", got.LastMessage, "preview updates for failed sends too")
	assert.Equal(t, 2, got.MessageCount)

	out := f.hub.ofType(broadcast.TypeNewMessage)
	last := out[len(out)-1].evt.Data.(broadcast.MessagePayload)
	assert.Equal(t, model.MessageFailed, last.Message.Status)
}

func TestDispatchOutbound_Timeout(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.SendTimeout = 20 * time.Millisecond })
	conv := f.ingest(t, "c-4", "ping").Conversation
	f.sender.block = true

	msg, err := f.reg.DispatchOutbound(context.Background(), conv.ID, f.admin.ID, model.Content{Text: "pong"})
	require.Error(t, err)
	assert.Equal(t, model.MessageFailed, msg.Status)
	assert.Equal(t, "send timed out", msg.Error)
}

func TestDispatchOutbound_Rejects(t *testing.T) {
	f := newFixture(t)
	conv := f.ingest(t, "c-5", "hey").Conversation
	ctx := context.Background()

	_, err := f.reg.DispatchOutbound(ctx, "missing", f.admin.ID, model.Content{Text: "x"})
	assert.True(t, errs.IsNotFound(err))
	_, err = f.reg.DispatchOutbound(ctx, conv.ID, "ghost", model.Content{Text: "x"})
	assert.True(t, errs.IsNotFound(err))
	_, err = f.reg.DispatchOutbound(ctx, conv.ID, f.admin.ID, model.Content{Text: "   "})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	_, err = f.reg.DispatchOutbound(ctx, conv.ID, f.admin.ID, model.Content{Media: []model.MediaRef{{Kind: "hologram", URL: "x"}}})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	assert.Equal(t, 1, f.messageCount(t, conv.ID))
}

func TestAssign(t *testing.T) {
	f := newFixture(t)
	conv := f.ingest(t, "c-6", "need help").Conversation
	ctx := context.Background()

	got, err := f.reg.Assign(ctx, conv.ID, f.admin.ID, f.alice.ID)
	require.NoError(t, err)
	assert.Equal(t, f.alice.ID, got.AssignedAgentID)

	_, err = f.reg.Assign(ctx, conv.ID, f.admin.ID, f.bob.ID)
	require.NoError(t, err)
	updates := f.hub.ofType(broadcast.TypeConversationUpdated)
	require.Len(t, updates, 2)
	assert.ElementsMatch(t, []string{f.admin.ID, f.alice.ID, f.bob.ID, f.viewer.ID}, recipients(updates[1], f.agents()...),
		"previous assignee is told too")

	_, err = f.reg.Assign(ctx, conv.ID, f.alice.ID, f.alice.ID)
	assert.Equal(t, errs.KindAuthorization, errs.KindOf(err))
	_, err = f.reg.Assign(ctx, conv.ID, f.admin.ID, "ghost")
	assert.True(t, errs.IsNotFound(err))

	got, err = f.reg.Assign(ctx, conv.ID, f.admin.ID, "")
	require.NoError(t, err)
	assert.Empty(t, got.AssignedAgentID)
}

func TestInitiate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, msg, err := f.reg.Initiate(ctx, f.alice.ID, f.channel.ID, model.Contact{ID: "new-contact", DisplayName: "Lead"},
		model.Content{Text: "Thanks for your interest"})
	require.NoError(t, err)
	assert.Equal(t, f.alice.ID, conv.AssignedAgentID, "creator without view_all owns the conversation")
	assert.Equal(t, model.MessageSent, msg.Status)
	assert.Len(t, f.hub.ofType(broadcast.TypeNewConversation), 1)

	// bob cannot hijack alice's conversation by initiating to the same contact
	_, _, err = f.reg.Initiate(ctx, f.bob.ID, f.channel.ID, model.Contact{ID: "new-contact"}, model.Content{Text: "hi"})
	assert.Equal(t, errs.KindAuthorization, errs.KindOf(err))

	_, _, err = f.reg.Initiate(ctx, f.admin.ID, "missing-channel", model.Contact{ID: "x"}, model.Content{Text: "hi"})
	assert.True(t, errs.IsNotFound(err))
}

func TestBulkSend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.ingest(t, "bulk-a", "1").Conversation
	b := f.ingest(t, "bulk-b", "2").Conversation
	f.sender.fail = map[string]error{"bulk-b": errors.New("recipient blocked")}

	results, err := f.reg.BulkSend(ctx, f.admin.ID, []string{a.ID, b.ID, "missing"}, model.Content{Text: "Store closes early today"})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, model.MessageSent, results[0].Status)
	assert.Empty(t, results[0].Error)
	assert.Equal(t, model.MessageFailed, results[1].Status)
	assert.NotEmpty(t, results[1].Error)
	assert.Empty(t, results[2].MessageID)
	assert.NotEmpty(t, results[2].Error)

	_, err = f.reg.BulkSend(ctx, f.alice.ID, []string{a.ID}, model.Content{Text: "x"})
	assert.Equal(t, errs.KindAuthorization, errs.KindOf(err))
	_, err = f.reg.BulkSend(ctx, f.admin.ID, nil, model.Content{Text: "x"})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestMarkReadAndStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.ingest(t, "c-7", "one").Conversation
	f.ingest(t, "c-7", "two")

	_, err := f.reg.MarkRead(ctx, f.alice, conv.ID)
	assert.Equal(t, errs.KindAuthorization, errs.KindOf(err))

	got, err := f.reg.MarkRead(ctx, f.admin, conv.ID)
	require.NoError(t, err)
	assert.Zero(t, got.UnreadCount)

	got, err = f.reg.SetStatus(ctx, f.admin, conv.ID, model.ConversationResolved)
	require.NoError(t, err)
	assert.Equal(t, model.ConversationResolved, got.Status)
	_, err = f.reg.SetStatus(ctx, f.admin, conv.ID, "deleted")
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	// a new inbound message reopens it
	res := f.ingest(t, "c-7", "three")
	assert.Equal(t, model.ConversationActive, res.Conversation.Status)
}

func TestUpdateMessageStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.ingest(t, "c-8", "hi").Conversation
	msg, err := f.reg.DispatchOutbound(ctx, conv.ID, f.admin.ID, model.Content{Text: "hello"})
	require.NoError(t, err)

	got, err := f.reg.UpdateMessageStatus(ctx, f.channel.ID, msg.ExternalID, model.MessageRead)
	require.NoError(t, err)
	assert.Equal(t, model.MessageRead, got.Status)
	require.Len(t, f.hub.ofType(broadcast.TypeMessageStatus), 1)

	// receipts never move a message backwards
	_, err = f.reg.UpdateMessageStatus(ctx, f.channel.ID, msg.ExternalID, model.MessageDelivered)
	assert.True(t, errs.IsNotFound(err))
	assert.Len(t, f.hub.ofType(broadcast.TypeMessageStatus), 1)
}

func TestBusReadWatermark(t *testing.T) {
	b := bus.NewMessageBus(8)
	f := newFixture(t, func(c *Config) { c.Bus = b })
	ctx := context.Background()
	conv := f.ingest(t, "psid-1", "hi").Conversation
	msg, err := f.reg.DispatchOutbound(ctx, conv.ID, f.admin.ID, model.Content{Text: "hello"})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, bus.Event{
		Type:      bus.EventMessageStatus,
		ChannelID: f.channel.ID,
		Contact:   model.Contact{ID: "psid-1"},
		Status:    model.MessageRead,
		Timestamp: msg.CreatedAt.Add(time.Second),
	}))
	b.Drain(ctx)

	msgs, err := f.store.ListMessages(ctx, conv.ID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, model.MessageRead, msgs[len(msgs)-1].Status)
	require.Len(t, f.hub.ofType(broadcast.TypeMessageStatus), 1)
}

type senderFunc func(ctx context.Context, channelID, contactID string, content model.Content) (string, error)

func (f senderFunc) Send(ctx context.Context, channelID, contactID string, content model.Content) (string, error) {
	return f(ctx, channelID, contactID, content)
}

func TestDispatchOutbound_ReceiptBeforeSendReturns(t *testing.T) {
	var f *fixture
	early := senderFunc(func(ctx context.Context, channelID, _ string, _ model.Content) (string, error) {
		// the platform acknowledges delivery before the send call returns
		_, err := f.reg.UpdateMessageStatus(ctx, channelID, "wamid-1", model.MessageDelivered)
		assert.True(t, errs.IsNotFound(err))
		return "wamid-1", nil
	})
	f = newFixture(t, func(c *Config) { c.Sender = early })
	ctx := context.Background()
	conv := f.ingest(t, "c-8b", "hi").Conversation

	msg, err := f.reg.DispatchOutbound(ctx, conv.ID, f.admin.ID, model.Content{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, model.MessageDelivered, msg.Status)
	assert.Equal(t, "wamid-1", msg.ExternalID)
	assert.Zero(t, f.reg.receipts.size())

	msgs, err := f.store.ListMessages(ctx, conv.ID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, model.MessageDelivered, msgs[len(msgs)-1].Status)

	out := f.hub.ofType(broadcast.TypeNewMessage)
	payload := out[len(out)-1].evt.Data.(broadcast.MessagePayload)
	assert.Equal(t, model.MessageDelivered, payload.Message.Status)
}

func TestReceiptBuffer(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := newReceiptBuffer(time.Minute)
	b.now = func() time.Time { return now }

	b.park("ch", "x1", model.MessageRead)
	b.park("ch", "x1", model.MessageDelivered)
	got, ok := b.take("ch", "x1")
	require.True(t, ok)
	assert.Equal(t, model.MessageRead, got, "the furthest status wins")
	_, ok = b.take("ch", "x1")
	assert.False(t, ok)

	b.park("ch", "x2", model.MessageDelivered)
	b.forget("ch", "x2", model.MessageRead)
	assert.Equal(t, 1, b.size())
	b.forget("ch", "x2", model.MessageDelivered)
	assert.Zero(t, b.size())

	b.park("ch", "x3", model.MessageDelivered)
	now = now.Add(2 * time.Minute)
	_, ok = b.take("ch", "x3")
	assert.False(t, ok, "expired")

	b.park("ch", "x4", model.MessageDelivered)
	now = now.Add(2 * time.Minute)
	b.park("other", "x5", model.MessageDelivered)
	assert.Equal(t, 1, b.size(), "parking sweeps expired entries")
}

func TestListAndGetAreGated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mine := f.ingest(t, "c-9", "a").Conversation
	f.ingest(t, "c-10", "b")
	f.assign(t, mine.ID, f.alice)

	all, err := f.reg.List(ctx, f.admin, store.ConversationFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	own, err := f.reg.List(ctx, f.alice, store.ConversationFilter{})
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, mine.ID, own[0].ID)

	none, err := f.reg.List(ctx, model.Agent{ID: "nobody"}, store.ConversationFilter{})
	require.NoError(t, err)
	assert.Empty(t, none)

	conv, msgs, err := f.reg.Get(ctx, f.alice, mine.ID, 50, 0)
	require.NoError(t, err)
	assert.Equal(t, mine.ID, conv.ID)
	assert.Len(t, msgs, 1)

	_, _, err = f.reg.Get(ctx, f.bob, mine.ID, 50, 0)
	assert.Equal(t, errs.KindAuthorization, errs.KindOf(err))
}

func TestTyping(t *testing.T) {
	f := newFixture(t)
	conv := f.ingest(t, "c-11", "hi").Conversation
	f.assign(t, conv.ID, f.alice)

	require.NoError(t, f.reg.Typing(context.Background(), f.alice, conv.ID, true))
	typing := f.hub.ofType(broadcast.TypeTyping)
	require.Len(t, typing, 1)
	assert.ElementsMatch(t, []string{f.admin.ID, f.viewer.ID}, recipients(typing[0], f.agents()...))

	err := f.reg.Typing(context.Background(), f.bob, conv.ID, true)
	assert.Equal(t, errs.KindAuthorization, errs.KindOf(err))
}

func TestBusEventsAreIngestedOnLanes(t *testing.T) {
	b := bus.NewMessageBus(16)
	lanes := lane.NewManager(lane.ManagerConfig{})
	t.Cleanup(lanes.Stop)
	f := newFixture(t, func(c *Config) {
		c.Bus = b
		c.Lanes = lanes
	})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, b.Publish(ctx, bus.Event{
			Type:      bus.EventInboundMessage,
			ChannelID: f.channel.ID,
			Platform:  model.PlatformWhatsApp,
			Contact:   model.Contact{ID: "lane-contact"},
			Content:   model.Content{Text: fmt.Sprintf("part %d", i)},
		}))
	}
	b.Drain(ctx)

	var conv model.Conversation
	require.Eventually(t, func() bool {
		convs, err := f.store.ListConversations(ctx, store.ConversationFilter{})
		if err != nil || len(convs) != 1 || convs[0].MessageCount != 3 {
			return false
		}
		conv = convs[0]
		return true
	}, 2*time.Second, 10*time.Millisecond)

	msgs, err := f.store.ListMessages(ctx, conv.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.Equal(t, fmt.Sprintf("part %d", i+1), m.Content.Text, "lane keeps arrival order")
	}
}
