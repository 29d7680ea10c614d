package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dayuer/inboxd/internal/errs"
	"github.com/dayuer/inboxd/internal/model"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedChannel(t *testing.T, s *SQLStore, externalID string) model.Channel {
	t.Helper()
	ch, err := s.InitChannel(context.Background(), model.Channel{
		ExternalID: externalID,
		Platform:   model.PlatformWhatsApp,
		Name:       "Support " + externalID,
	})
	require.NoError(t, err)
	return ch
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b IN ($2, $3)",
		rebind("SELECT * FROM t WHERE a = ? AND b IN ("+placeholders(2)+")"))
	assert.Equal(t, "SELECT 1", rebind("SELECT 1"))
}

func TestNormalizeDSN(t *testing.T) {
	assert.Equal(t, "postgresql://u:p@h/db", normalizeDSN(" postgresql+asyncpg://u:p@h/db "))
	assert.True(t, isPostgresDSN("postgres+pgx://h/db"))
	assert.False(t, isPostgresDSN("/var/lib/inboxd/inbox.db"))
}

func TestInitChannel_InsertAndConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ch := seedChannel(t, s, "wa-1")
	assert.NotEmpty(t, ch.ID)
	assert.Equal(t, model.ChannelPending, ch.Status)

	_, err := s.SetChannelStatus(ctx, ch.ID, model.ChannelAwaitingPairing, "")
	require.NoError(t, err)

	_, err = s.InitChannel(ctx, model.Channel{ExternalID: "wa-1", Platform: model.PlatformWhatsApp})
	assert.True(t, errs.IsConflict(err), "busy channel must not be re-initialized: %v", err)
}

func TestInitChannel_ReviveRemovedClearsCredentials(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ch := seedChannel(t, s, "wa-1")
	require.NoError(t, s.SetChannelCredentials(ctx, ch.ID, model.Credentials{
		WhatsApp: &model.WhatsAppCredentials{DeviceJID: "97150@s.whatsapp.net"},
	}))
	_, err := s.SetChannelStatus(ctx, ch.ID, model.ChannelActive, "")
	require.NoError(t, err)

	removed, err := s.SetChannelStatus(ctx, ch.ID, model.ChannelRemoved, "removed by operator")
	require.NoError(t, err)
	assert.True(t, removed.Credentials.Empty())

	revived, err := s.InitChannel(ctx, model.Channel{ExternalID: "wa-1", Platform: model.PlatformWhatsApp})
	require.NoError(t, err)
	assert.Equal(t, ch.ID, revived.ID)
	assert.Equal(t, model.ChannelPending, revived.Status)
	assert.True(t, revived.Credentials.Empty())
	assert.Equal(t, "Support wa-1", revived.Name)
}

func TestInitChannel_DisconnectedKeepsCredentials(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ch := seedChannel(t, s, "wa-2")
	creds := model.Credentials{WhatsApp: &model.WhatsAppCredentials{DeviceJID: "1@s.whatsapp.net"}}
	require.NoError(t, s.SetChannelCredentials(ctx, ch.ID, creds))
	_, err := s.SetChannelStatus(ctx, ch.ID, model.ChannelDisconnected, "stream replaced")
	require.NoError(t, err)

	again, err := s.InitChannel(ctx, model.Channel{ExternalID: "wa-2", Platform: model.PlatformWhatsApp})
	require.NoError(t, err)
	require.NotNil(t, again.Credentials.WhatsApp)
	assert.Equal(t, "1@s.whatsapp.net", again.Credentials.WhatsApp.DeviceJID)
}

func TestInitChannel_Validation(t *testing.T) {
	s := newTestStore(t)
	_, err := s.InitChannel(context.Background(), model.Channel{ExternalID: "x", Platform: "telegram"})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	_, err = s.InitChannel(context.Background(), model.Channel{Platform: model.PlatformFacebook})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestSetChannelStatus_ActiveTouchesLastActive(t *testing.T) {
	s := newTestStore(t)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	ch := seedChannel(t, s, "wa-1")
	active, err := s.SetChannelStatus(context.Background(), ch.ID, model.ChannelActive, "")
	require.NoError(t, err)
	assert.Equal(t, fixed, active.LastActiveAt)

	_, err = s.SetChannelStatus(context.Background(), "missing", model.ChannelActive, "")
	assert.True(t, errs.IsNotFound(err))
}

func TestListChannels_HidesRemoved(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedChannel(t, s, "wa-1")
	seedChannel(t, s, "wa-2")
	_, err := s.SetChannelStatus(ctx, a.ID, model.ChannelRemoved, "")
	require.NoError(t, err)

	list, err := s.ListChannels(ctx, ChannelFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "wa-2", list[0].ExternalID)

	all, err := s.ListChannels(ctx, ChannelFilter{IncludeRemoved: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestUpsertConversation_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ch := seedChannel(t, s, "wa-1")

	first, created, err := s.UpsertConversation(ctx, model.Conversation{ChannelID: ch.ID, ContactID: "+97150X"})
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := s.UpsertConversation(ctx, model.Conversation{ChannelID: ch.ID, ContactID: "+97150X", DisplayName: "Omar"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Omar", second.DisplayName)

	third, _, err := s.UpsertConversation(ctx, model.Conversation{ChannelID: ch.ID, ContactID: "+97150X"})
	require.NoError(t, err)
	assert.Equal(t, "Omar", third.DisplayName, "empty display name keeps the cached one")
}

func TestUpsertConversation_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ch := seedChannel(t, s, "wa-1")

	const n = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[string]bool{}
		creates int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conv, created, err := s.UpsertConversation(ctx, model.Conversation{ChannelID: ch.ID, ContactID: "c1"})
			if !assert.NoError(t, err) {
				return
			}
			_, _, err = s.AppendMessage(ctx, model.Message{
				ConversationID: conv.ID,
				Direction:      model.DirectionIncoming,
				Content:        model.Content{Text: "hi"},
				Status:         model.MessageDelivered,
			})
			assert.NoError(t, err)
			mu.Lock()
			ids[conv.ID] = true
			if created {
				creates++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	assert.Equal(t, 1, creates)

	list, err := s.ListConversations(ctx, ConversationFilter{ChannelID: ch.ID})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, n, list[0].UnreadCount)
	assert.Equal(t, n, list[0].MessageCount)

	msgs, err := s.ListMessages(ctx, list[0].ID, 100, 0)
	require.NoError(t, err)
	require.Len(t, msgs, n)
	for i, m := range msgs {
		assert.Equal(t, int64(i+1), m.Seq)
	}
}

func TestAppendMessage_CountersAndPreview(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ch := seedChannel(t, s, "wa-1")
	conv, _, err := s.UpsertConversation(ctx, model.Conversation{ChannelID: ch.ID, ContactID: "c1"})
	require.NoError(t, err)

	_, conv, err = s.AppendMessage(ctx, model.Message{
		ConversationID: conv.ID, Direction: model.DirectionIncoming,
		Content: model.Content{Text: "hello"}, Status: model.MessageDelivered,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, conv.UnreadCount)
	assert.Equal(t, "hello", conv.LastMessage)

	out, conv, err := s.AppendMessage(ctx, model.Message{
		ConversationID: conv.ID, Direction: model.DirectionOutgoing, AgentID: "a1",
		Content: model.Content{Media: []model.MediaRef{{Kind: model.MediaImage, URL: "https://cdn/x.png"}}},
		Status:  model.MessagePending,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), out.Seq)
	assert.Equal(t, 1, conv.UnreadCount, "outgoing messages do not count as unread")
	assert.Equal(t, 2, conv.MessageCount)
	assert.Equal(t, "[image]", conv.LastMessage)

	conv, err = s.MarkConversationRead(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, conv.UnreadCount)
	assert.False(t, conv.LastReadAt.IsZero())

	msgs, err := s.ListMessages(ctx, conv.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Len(t, msgs[1].Content.Media, 1)
	assert.Equal(t, "https://cdn/x.png", msgs[1].Content.Media[0].URL)
}

func TestAppendMessage_ReopensResolvedOnInbound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ch := seedChannel(t, s, "wa-1")
	conv, _, err := s.UpsertConversation(ctx, model.Conversation{ChannelID: ch.ID, ContactID: "c1"})
	require.NoError(t, err)
	_, err = s.SetConversationStatus(ctx, conv.ID, model.ConversationResolved)
	require.NoError(t, err)

	_, conv, err = s.AppendMessage(ctx, model.Message{
		ConversationID: conv.ID, Direction: model.DirectionIncoming,
		Content: model.Content{Text: "one more thing"}, Status: model.MessageDelivered,
	})
	require.NoError(t, err)
	assert.Equal(t, model.ConversationActive, conv.Status)
}

func TestAppendMessage_UnknownConversation(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.AppendMessage(context.Background(), model.Message{
		ConversationID: "nope", Direction: model.DirectionIncoming, Content: model.Content{Text: "x"},
		Status: model.MessageDelivered,
	})
	assert.True(t, errs.IsNotFound(err))
}

func TestUpdateMessageStatus_ForwardOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ch := seedChannel(t, s, "wa-1")
	conv, _, err := s.UpsertConversation(ctx, model.Conversation{ChannelID: ch.ID, ContactID: "c1"})
	require.NoError(t, err)
	m, _, err := s.AppendMessage(ctx, model.Message{
		ConversationID: conv.ID, Direction: model.DirectionOutgoing,
		Content: model.Content{Text: "hi"}, Status: model.MessagePending,
	})
	require.NoError(t, err)

	sent, err := s.UpdateMessageStatus(ctx, m.ID, model.MessageSent, "", "wamid.1")
	require.NoError(t, err)
	assert.Equal(t, model.MessageSent, sent.Status)
	assert.Equal(t, "wamid.1", sent.ExternalID)

	_, err = s.UpdateMessageStatus(ctx, m.ID, model.MessageFailed, "late failure", "")
	assert.True(t, errs.IsConflict(err))

	read, err := s.UpdateMessageStatusByExternalID(ctx, ch.ID, "wamid.1", model.MessageRead)
	require.NoError(t, err)
	assert.Equal(t, model.MessageRead, read.Status)

	_, err = s.UpdateMessageStatusByExternalID(ctx, ch.ID, "wamid.1", model.MessageDelivered)
	assert.True(t, errs.IsNotFound(err), "receipts never move a message backwards")

	_, err = s.UpdateMessageStatus(ctx, "missing", model.MessageSent, "", "")
	assert.True(t, errs.IsNotFound(err))
}

func TestMarkOutgoingRead_UpToWatermark(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ch := seedChannel(t, s, "fb-1")
	conv, _, err := s.UpsertConversation(ctx, model.Conversation{ChannelID: ch.ID, ContactID: "psid-1"})
	require.NoError(t, err)

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	appendAt := func(dir model.Direction, status model.MessageStatus, at time.Time) model.Message {
		m, _, err := s.AppendMessage(ctx, model.Message{
			ConversationID: conv.ID, Direction: dir,
			Content: model.Content{Text: "x"}, Status: status, CreatedAt: at,
		})
		require.NoError(t, err)
		return m
	}
	early := appendAt(model.DirectionOutgoing, model.MessageSent, t0)
	appendAt(model.DirectionIncoming, model.MessageDelivered, t0.Add(time.Second))
	appendAt(model.DirectionOutgoing, model.MessageFailed, t0.Add(time.Second))
	late := appendAt(model.DirectionOutgoing, model.MessageSent, t0.Add(5*time.Second))

	read, err := s.MarkOutgoingRead(ctx, ch.ID, "psid-1", t0.Add(2*time.Second))
	require.NoError(t, err)
	require.Len(t, read, 1)
	assert.Equal(t, early.ID, read[0].ID)
	assert.Equal(t, model.MessageRead, read[0].Status)

	read, err = s.MarkOutgoingRead(ctx, ch.ID, "someone-else", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, read)

	msgs, err := s.ListMessages(ctx, conv.ID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, late.ID, msgs[3].ID)
	assert.Equal(t, model.MessageSent, msgs[3].Status)
}

func TestWithMaxConns(t *testing.T) {
	cfg, err := pgxpool.ParseConfig("postgres://inbox@localhost:5432/inbox")
	require.NoError(t, err)
	WithMaxConns(3)(cfg)
	assert.Equal(t, int32(3), cfg.MaxConns)
}

func TestListConversations_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ch := seedChannel(t, s, "wa-1")
	for i := 0; i < 3; i++ {
		conv, _, err := s.UpsertConversation(ctx, model.Conversation{ChannelID: ch.ID, ContactID: fmt.Sprintf("c%d", i)})
		require.NoError(t, err)
		if i == 0 {
			_, err = s.AssignConversation(ctx, conv.ID, "agent-1")
			require.NoError(t, err)
		}
	}

	mine, err := s.ListConversations(ctx, ConversationFilter{AssignedTo: "agent-1"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "c0", mine[0].ContactID)

	page, err := s.ListConversations(ctx, ConversationFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page, 2)

	_, err = s.SetConversationStatus(ctx, mine[0].ID, "deleted")
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestAgents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.CreateAgent(ctx, model.Agent{
		Email: "Ops@Example.com", PasswordHash: "hash", Name: "Ops",
		Permissions: model.DefaultPermissions(model.RoleAgent),
	})
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", a.Email)
	assert.Equal(t, model.RoleAgent, a.Role)
	assert.True(t, a.Permissions.Reply)
	assert.False(t, a.Online)

	_, err = s.CreateAgent(ctx, model.Agent{Email: "ops@example.com", PasswordHash: "x"})
	assert.True(t, errs.IsConflict(err))

	byEmail, err := s.GetAgentByEmail(ctx, "OPS@example.com")
	require.NoError(t, err)
	assert.Equal(t, a.ID, byEmail.ID)

	p := a.Permissions
	p.ViewAll = true
	updated, err := s.UpdateAgentPermissions(ctx, a.ID, p)
	require.NoError(t, err)
	assert.True(t, updated.Permissions.ViewAll)

	require.NoError(t, s.SetAgentOnline(ctx, a.ID, true))
	got, err := s.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Online)
	assert.False(t, got.LastSeenAt.IsZero())

	assert.True(t, errs.IsNotFound(s.SetAgentOnline(ctx, "missing", true)))

	list, err := s.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestUsageLedger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.AppendUsage(ctx, model.UsageRecord{AgentID: "a1", Kind: "social_post", Model: "m", InputTokens: 10, OutputTokens: 20}))
	require.NoError(t, s.AppendUsage(ctx, model.UsageRecord{AgentID: "a1", Kind: "image", ImagesGenerated: 2}))

	recs, err := s.ListUsage(ctx, "a1", 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	total := 0
	for _, r := range recs {
		total += r.InputTokens + r.OutputTokens + r.ImagesGenerated
	}
	assert.Equal(t, 32, total)
}
