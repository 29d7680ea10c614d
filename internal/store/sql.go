package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dayuer/inboxd/internal/errs"
	"github.com/dayuer/inboxd/internal/model"
)

type dialect int

const (
	dialectPostgres dialect = iota
	dialectSQLite
)

// SQLStore implements Store on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	closers []func()

	// now is replaceable in tests.
	now func() time.Time
}

var _ Store = (*SQLStore)(nil)

func newSQLStore(db *sql.DB, d dialect) *SQLStore {
	return &SQLStore{
		db:      db,
		dialect: d,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Migrate applies the schema. Every statement is idempotent.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// Ping checks store connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *SQLStore) Close() error {
	err := s.db.Close()
	for _, c := range s.closers {
		c()
	}
	return err
}

// q adapts a query written with ? placeholders to the dialect.
func (s *SQLStore) q(query string) string {
	if s.dialect == dialectPostgres {
		return rebind(query)
	}
	return query
}

func (s *SQLStore) forUpdate() string {
	if s.dialect == dialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// mapErr classifies driver errors into the errs taxonomy.
func mapErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return errs.NotFound("%s not found", what)
	}
	if isUniqueViolation(err) {
		return errs.Conflict("%s already exists", what)
	}
	return fmt.Errorf("store: %s: %w", what, err)
}

type scanner interface {
	Scan(dest ...any) error
}

// --- Channels ---

const channelCols = `id, external_id, platform, name, phone, credentials, status, status_reason, last_active_at, created_at, updated_at`

func scanChannel(row scanner) (model.Channel, error) {
	var (
		ch                           model.Channel
		platform, status, creds      string
		lastActive, created, updated int64
	)
	if err := row.Scan(&ch.ID, &ch.ExternalID, &platform, &ch.Name, &ch.Phone, &creds,
		&status, &ch.StatusReason, &lastActive, &created, &updated); err != nil {
		return model.Channel{}, err
	}
	c, err := model.DecodeCredentials(creds)
	if err != nil {
		return model.Channel{}, err
	}
	ch.Platform = model.Platform(platform)
	ch.Status = model.ChannelStatus(status)
	ch.Credentials = c
	ch.LastActiveAt = fromMillis(lastActive)
	ch.CreatedAt = fromMillis(created)
	ch.UpdatedAt = fromMillis(updated)
	return ch, nil
}

func (s *SQLStore) InitChannel(ctx context.Context, ch model.Channel) (model.Channel, error) {
	if !ch.Platform.Valid() {
		return model.Channel{}, errs.Validation("unsupported platform %q", ch.Platform)
	}
	if strings.TrimSpace(ch.ExternalID) == "" {
		return model.Channel{}, errs.Validation("external_id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Channel{}, mapErr(err, "channel")
	}
	defer tx.Rollback()

	now := toMillis(s.now())
	existing, err := scanChannel(tx.QueryRowContext(ctx,
		s.q(`SELECT `+channelCols+` FROM channels WHERE platform = ? AND external_id = ?`+s.forUpdate()),
		string(ch.Platform), ch.ExternalID))

	var out model.Channel
	switch {
	case err == nil:
		if existing.Status.Busy() {
			return model.Channel{}, errs.Conflict("channel %s/%s is already %s", ch.Platform, ch.ExternalID, existing.Status)
		}
		creds := existing.Credentials
		if existing.Status == model.ChannelRemoved {
			creds = model.Credentials{}
		}
		if !ch.Credentials.Empty() {
			creds = ch.Credentials
		}
		raw, err := creds.Encode()
		if err != nil {
			return model.Channel{}, errs.Validation("%v", err)
		}
		name, phone := existing.Name, existing.Phone
		if ch.Name != "" {
			name = ch.Name
		}
		if ch.Phone != "" {
			phone = ch.Phone
		}
		out, err = scanChannel(tx.QueryRowContext(ctx, s.q(`UPDATE channels
			SET name = ?, phone = ?, credentials = ?, status = ?, status_reason = '', updated_at = ?
			WHERE id = ? RETURNING `+channelCols),
			name, phone, raw, string(model.ChannelPending), now, existing.ID))
		if err != nil {
			return model.Channel{}, mapErr(err, "channel")
		}

	case errors.Is(err, sql.ErrNoRows):
		if ch.ID == "" {
			ch.ID = uuid.NewString()
		}
		raw, err := ch.Credentials.Encode()
		if err != nil {
			return model.Channel{}, errs.Validation("%v", err)
		}
		out, err = scanChannel(tx.QueryRowContext(ctx, s.q(`INSERT INTO channels
			(id, external_id, platform, name, phone, credentials, status, status_reason, last_active_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, '', 0, ?, ?) RETURNING `+channelCols),
			ch.ID, ch.ExternalID, string(ch.Platform), ch.Name, ch.Phone, raw, string(model.ChannelPending), now, now))
		if err != nil {
			return model.Channel{}, mapErr(err, "channel")
		}

	default:
		return model.Channel{}, mapErr(err, "channel")
	}

	if err := tx.Commit(); err != nil {
		return model.Channel{}, mapErr(err, "channel")
	}
	return out, nil
}

func (s *SQLStore) GetChannel(ctx context.Context, id string) (model.Channel, error) {
	ch, err := scanChannel(s.db.QueryRowContext(ctx, s.q(`SELECT `+channelCols+` FROM channels WHERE id = ?`), id))
	return ch, mapErr(err, "channel")
}

func (s *SQLStore) GetChannelByExternalID(ctx context.Context, platform model.Platform, externalID string) (model.Channel, error) {
	ch, err := scanChannel(s.db.QueryRowContext(ctx,
		s.q(`SELECT `+channelCols+` FROM channels WHERE platform = ? AND external_id = ?`),
		string(platform), externalID))
	return ch, mapErr(err, "channel")
}

func (s *SQLStore) ListChannels(ctx context.Context, f ChannelFilter) ([]model.Channel, error) {
	var (
		where []string
		args  []any
	)
	if f.Platform != "" {
		where = append(where, "platform = ?")
		args = append(args, string(f.Platform))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	} else if !f.IncludeRemoved {
		where = append(where, "status <> ?")
		args = append(args, string(model.ChannelRemoved))
	}
	query := `SELECT ` + channelCols + ` FROM channels`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, mapErr(err, "channels")
	}
	defer rows.Close()

	var out []model.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, mapErr(err, "channels")
		}
		out = append(out, ch)
	}
	return out, mapErr(rows.Err(), "channels")
}

func (s *SQLStore) SetChannelStatus(ctx context.Context, id string, status model.ChannelStatus, reason string) (model.Channel, error) {
	now := toMillis(s.now())
	var row *sql.Row
	switch status {
	case model.ChannelActive:
		row = s.db.QueryRowContext(ctx, s.q(`UPDATE channels
			SET status = ?, status_reason = ?, updated_at = ?, last_active_at = ?
			WHERE id = ? RETURNING `+channelCols), string(status), reason, now, now, id)
	case model.ChannelRemoved:
		row = s.db.QueryRowContext(ctx, s.q(`UPDATE channels
			SET status = ?, status_reason = ?, updated_at = ?, credentials = ''
			WHERE id = ? RETURNING `+channelCols), string(status), reason, now, id)
	default:
		row = s.db.QueryRowContext(ctx, s.q(`UPDATE channels
			SET status = ?, status_reason = ?, updated_at = ?
			WHERE id = ? RETURNING `+channelCols), string(status), reason, now, id)
	}
	ch, err := scanChannel(row)
	return ch, mapErr(err, "channel")
}

func (s *SQLStore) SetChannelCredentials(ctx context.Context, id string, creds model.Credentials) error {
	raw, err := creds.Encode()
	if err != nil {
		return errs.Validation("%v", err)
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE channels SET credentials = ?, updated_at = ? WHERE id = ?`),
		raw, toMillis(s.now()), id)
	if err != nil {
		return mapErr(err, "channel")
	}
	return requireRow(res, "channel")
}

func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return mapErr(err, what)
	}
	if n == 0 {
		return errs.NotFound("%s not found", what)
	}
	return nil
}

// --- Conversations ---

const conversationCols = `id, channel_id, contact_id, display_name, avatar_url, last_message, last_message_at, unread_count, message_count, assigned_agent_id, status, last_read_at, created_at, updated_at`

func scanConversation(row scanner) (model.Conversation, error) {
	var (
		c                               model.Conversation
		status                          string
		lastMsg, lastRead, created, upd int64
	)
	if err := row.Scan(&c.ID, &c.ChannelID, &c.ContactID, &c.DisplayName, &c.AvatarURL, &c.LastMessage,
		&lastMsg, &c.UnreadCount, &c.MessageCount, &c.AssignedAgentID, &status, &lastRead, &created, &upd); err != nil {
		return model.Conversation{}, err
	}
	c.Status = model.ConversationStatus(status)
	c.LastMessageAt = fromMillis(lastMsg)
	c.LastReadAt = fromMillis(lastRead)
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(upd)
	return c, nil
}

func (s *SQLStore) UpsertConversation(ctx context.Context, c model.Conversation) (model.Conversation, bool, error) {
	if c.ChannelID == "" || c.ContactID == "" {
		return model.Conversation{}, false, errs.Validation("channel_id and contact_id are required")
	}
	id := uuid.NewString()
	now := toMillis(s.now())
	conv, err := scanConversation(s.db.QueryRowContext(ctx, s.q(`INSERT INTO conversations
		(id, channel_id, contact_id, display_name, avatar_url, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (channel_id, contact_id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name <> '' THEN excluded.display_name ELSE conversations.display_name END,
			avatar_url = CASE WHEN excluded.avatar_url <> '' THEN excluded.avatar_url ELSE conversations.avatar_url END
		RETURNING `+conversationCols),
		id, c.ChannelID, c.ContactID, c.DisplayName, c.AvatarURL, string(model.ConversationActive), now, now))
	if err != nil {
		return model.Conversation{}, false, mapErr(err, "conversation")
	}
	return conv, conv.ID == id, nil
}

func (s *SQLStore) GetConversation(ctx context.Context, id string) (model.Conversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx, s.q(`SELECT `+conversationCols+` FROM conversations WHERE id = ?`), id))
	return c, mapErr(err, "conversation")
}

func (s *SQLStore) ListConversations(ctx context.Context, f ConversationFilter) ([]model.Conversation, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.AssignedTo != "" {
		where = append(where, "assigned_agent_id = ?")
		args = append(args, f.AssignedTo)
	}
	if f.ChannelID != "" {
		where = append(where, "channel_id = ?")
		args = append(args, f.ChannelID)
	}
	query := `SELECT ` + conversationCols + ` FROM conversations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY last_message_at DESC, created_at DESC LIMIT ? OFFSET ?"
	args = append(args, clampLimit(f.Limit), max(f.Offset, 0))

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, mapErr(err, "conversations")
	}
	defer rows.Close()

	var out []model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, mapErr(err, "conversations")
		}
		out = append(out, c)
	}
	return out, mapErr(rows.Err(), "conversations")
}

func (s *SQLStore) AssignConversation(ctx context.Context, id, agentID string) (model.Conversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx, s.q(`UPDATE conversations
		SET assigned_agent_id = ?, updated_at = ? WHERE id = ? RETURNING `+conversationCols),
		agentID, toMillis(s.now()), id))
	return c, mapErr(err, "conversation")
}

func (s *SQLStore) SetConversationStatus(ctx context.Context, id string, status model.ConversationStatus) (model.Conversation, error) {
	if !status.Valid() {
		return model.Conversation{}, errs.Validation("unknown conversation status %q", status)
	}
	c, err := scanConversation(s.db.QueryRowContext(ctx, s.q(`UPDATE conversations
		SET status = ?, updated_at = ? WHERE id = ? RETURNING `+conversationCols),
		string(status), toMillis(s.now()), id))
	return c, mapErr(err, "conversation")
}

func (s *SQLStore) MarkConversationRead(ctx context.Context, id string) (model.Conversation, error) {
	now := toMillis(s.now())
	c, err := scanConversation(s.db.QueryRowContext(ctx, s.q(`UPDATE conversations
		SET unread_count = 0, last_read_at = ?, updated_at = ? WHERE id = ? RETURNING `+conversationCols),
		now, now, id))
	return c, mapErr(err, "conversation")
}

// --- Messages ---

const messageCols = `id, conversation_id, seq, direction, body, media, status, error, external_id, agent_id, created_at`

func scanMessage(row scanner) (model.Message, error) {
	var (
		m                        model.Message
		direction, status, media string
		created                  int64
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Seq, &direction, &m.Content.Text, &media,
		&status, &m.Error, &m.ExternalID, &m.AgentID, &created); err != nil {
		return model.Message{}, err
	}
	refs, err := model.DecodeMedia(media)
	if err != nil {
		return model.Message{}, err
	}
	m.Content.Media = refs
	m.Direction = model.Direction(direction)
	m.Status = model.MessageStatus(status)
	m.CreatedAt = fromMillis(created)
	return m, nil
}

func (s *SQLStore) AppendMessage(ctx context.Context, m model.Message) (model.Message, model.Conversation, error) {
	if m.Direction != model.DirectionIncoming && m.Direction != model.DirectionOutgoing {
		return model.Message{}, model.Conversation{}, errs.Validation("unknown direction %q", m.Direction)
	}
	media, err := model.EncodeMedia(m.Content.Media)
	if err != nil {
		return model.Message{}, model.Conversation{}, errs.Validation("%v", err)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	created := toMillis(m.CreatedAt)
	m.CreatedAt = fromMillis(created)

	unread, reopen := 0, 0
	if m.Direction == model.DirectionIncoming {
		unread, reopen = 1, 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Message{}, model.Conversation{}, mapErr(err, "message")
	}
	defer tx.Rollback()

	conv, err := scanConversation(tx.QueryRowContext(ctx, s.q(`UPDATE conversations SET
			message_count = message_count + 1,
			unread_count = unread_count + ?,
			last_message = ?,
			last_message_at = ?,
			updated_at = ?,
			status = CASE WHEN ? = 1 THEN 'active' ELSE status END
		WHERE id = ? RETURNING `+conversationCols),
		unread, m.Content.Preview(), created, created, reopen, m.ConversationID))
	if err != nil {
		return model.Message{}, model.Conversation{}, mapErr(err, "conversation")
	}
	m.Seq = int64(conv.MessageCount)

	if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO messages
		(id, conversation_id, seq, direction, body, media, status, error, external_id, agent_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		m.ID, m.ConversationID, m.Seq, string(m.Direction), m.Content.Text, media,
		string(m.Status), m.Error, m.ExternalID, m.AgentID, created); err != nil {
		return model.Message{}, model.Conversation{}, mapErr(err, "message")
	}

	if err := tx.Commit(); err != nil {
		return model.Message{}, model.Conversation{}, mapErr(err, "message")
	}
	return m, conv, nil
}

func (s *SQLStore) UpdateMessageStatus(ctx context.Context, id string, status model.MessageStatus, reason, externalID string) (model.Message, error) {
	preds := status.Predecessors()
	if len(preds) == 0 {
		return model.Message{}, errs.Validation("cannot move a message to %q", status)
	}
	args := []any{string(status), reason, externalID, id}
	for _, p := range preds {
		args = append(args, string(p))
	}
	m, err := scanMessage(s.db.QueryRowContext(ctx, s.q(`UPDATE messages
		SET status = ?, error = ?, external_id = COALESCE(NULLIF(?, ''), external_id)
		WHERE id = ? AND status IN (`+placeholders(len(preds))+`) RETURNING `+messageCols), args...))
	if errors.Is(err, sql.ErrNoRows) {
		var current string
		if err := s.db.QueryRowContext(ctx, s.q(`SELECT status FROM messages WHERE id = ?`), id).Scan(&current); err != nil {
			return model.Message{}, mapErr(err, "message")
		}
		return model.Message{}, errs.Conflict("message %s cannot move from %s to %s", id, current, status)
	}
	return m, mapErr(err, "message")
}

func (s *SQLStore) UpdateMessageStatusByExternalID(ctx context.Context, channelID, externalID string, status model.MessageStatus) (model.Message, error) {
	preds := status.Predecessors()
	if len(preds) == 0 || externalID == "" {
		return model.Message{}, errs.Validation("invalid receipt for %q", externalID)
	}
	args := []any{string(status), externalID, channelID}
	for _, p := range preds {
		args = append(args, string(p))
	}
	m, err := scanMessage(s.db.QueryRowContext(ctx, s.q(`UPDATE messages SET status = ?
		WHERE external_id = ?
		AND conversation_id IN (SELECT id FROM conversations WHERE channel_id = ?)
		AND status IN (`+placeholders(len(preds))+`) RETURNING `+messageCols), args...))
	return m, mapErr(err, "message")
}

func (s *SQLStore) MarkOutgoingRead(ctx context.Context, channelID, contactID string, upTo time.Time) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`UPDATE messages SET status = ?
		WHERE conversation_id IN (SELECT id FROM conversations WHERE channel_id = ? AND contact_id = ?)
		AND direction = ? AND created_at <= ? AND status IN (?, ?) RETURNING `+messageCols),
		string(model.MessageRead), channelID, contactID, string(model.DirectionOutgoing), toMillis(upTo),
		string(model.MessageSent), string(model.MessageDelivered))
	if err != nil {
		return nil, mapErr(err, "messages")
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, mapErr(err, "messages")
		}
		out = append(out, m)
	}
	return out, mapErr(rows.Err(), "messages")
}

func (s *SQLStore) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+messageCols+` FROM messages
		WHERE conversation_id = ? ORDER BY seq DESC LIMIT ? OFFSET ?`),
		conversationID, clampLimit(limit), max(offset, 0))
	if err != nil {
		return nil, mapErr(err, "messages")
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, mapErr(err, "messages")
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err, "messages")
	}
	// newest page first from the query, oldest first for the caller
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// --- Agents ---

const agentCols = `id, email, password_hash, name, role, perm_view_all, perm_view_assigned, perm_reply, perm_assign, perm_bulk_message, perm_manage_agents, perm_manage_channels, online, last_seen_at, created_at`

func scanAgent(row scanner) (model.Agent, error) {
	var (
		a             model.Agent
		role          string
		seen, created int64
		p             = &a.Permissions
	)
	if err := row.Scan(&a.ID, &a.Email, &a.PasswordHash, &a.Name, &role,
		&p.ViewAll, &p.ViewAssigned, &p.Reply, &p.Assign, &p.BulkMessage, &p.ManageAgents, &p.ManageChannels,
		&a.Online, &seen, &created); err != nil {
		return model.Agent{}, err
	}
	a.Role = model.Role(role)
	a.LastSeenAt = fromMillis(seen)
	a.CreatedAt = fromMillis(created)
	return a, nil
}

func (s *SQLStore) CreateAgent(ctx context.Context, a model.Agent) (model.Agent, error) {
	if a.Email == "" || a.PasswordHash == "" {
		return model.Agent{}, errs.Validation("email and password are required")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Role == "" {
		a.Role = model.RoleAgent
	}
	p := a.Permissions
	out, err := scanAgent(s.db.QueryRowContext(ctx, s.q(`INSERT INTO agents (`+agentCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING `+agentCols),
		a.ID, strings.ToLower(a.Email), a.PasswordHash, a.Name, string(a.Role),
		p.ViewAll, p.ViewAssigned, p.Reply, p.Assign, p.BulkMessage, p.ManageAgents, p.ManageChannels,
		false, int64(0), toMillis(s.now())))
	return out, mapErr(err, "agent")
}

func (s *SQLStore) GetAgent(ctx context.Context, id string) (model.Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx, s.q(`SELECT `+agentCols+` FROM agents WHERE id = ?`), id))
	return a, mapErr(err, "agent")
}

func (s *SQLStore) GetAgentByEmail(ctx context.Context, email string) (model.Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx, s.q(`SELECT `+agentCols+` FROM agents WHERE email = ?`),
		strings.ToLower(email)))
	return a, mapErr(err, "agent")
}

func (s *SQLStore) ListAgents(ctx context.Context) ([]model.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentCols+` FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, mapErr(err, "agents")
	}
	defer rows.Close()

	var out []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, mapErr(err, "agents")
		}
		out = append(out, a)
	}
	return out, mapErr(rows.Err(), "agents")
}

func (s *SQLStore) UpdateAgentPermissions(ctx context.Context, id string, p model.Permissions) (model.Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx, s.q(`UPDATE agents SET
		perm_view_all = ?, perm_view_assigned = ?, perm_reply = ?, perm_assign = ?,
		perm_bulk_message = ?, perm_manage_agents = ?, perm_manage_channels = ?
		WHERE id = ? RETURNING `+agentCols),
		p.ViewAll, p.ViewAssigned, p.Reply, p.Assign, p.BulkMessage, p.ManageAgents, p.ManageChannels, id))
	return a, mapErr(err, "agent")
}

func (s *SQLStore) SetAgentOnline(ctx context.Context, id string, online bool) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE agents SET online = ?, last_seen_at = ? WHERE id = ?`),
		online, toMillis(s.now()), id)
	if err != nil {
		return mapErr(err, "agent")
	}
	return requireRow(res, "agent")
}

// --- Usage ledger ---

func (s *SQLStore) AppendUsage(ctx context.Context, rec model.UsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO usage_records
		(id, agent_id, kind, model, input_tokens, output_tokens, images_generated, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.AgentID, rec.Kind, rec.Model, rec.InputTokens, rec.OutputTokens, rec.ImagesGenerated,
		toMillis(rec.CreatedAt))
	return mapErr(err, "usage record")
}

func (s *SQLStore) ListUsage(ctx context.Context, agentID string, limit int) ([]model.UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, agent_id, kind, model, input_tokens, output_tokens, images_generated, created_at
		FROM usage_records WHERE agent_id = ? ORDER BY created_at DESC LIMIT ?`), agentID, clampLimit(limit))
	if err != nil {
		return nil, mapErr(err, "usage records")
	}
	defer rows.Close()

	var out []model.UsageRecord
	for rows.Next() {
		var (
			r       model.UsageRecord
			created int64
		)
		if err := rows.Scan(&r.ID, &r.AgentID, &r.Kind, &r.Model, &r.InputTokens, &r.OutputTokens,
			&r.ImagesGenerated, &created); err != nil {
			return nil, mapErr(err, "usage records")
		}
		r.CreatedAt = fromMillis(created)
		out = append(out, r)
	}
	return out, mapErr(rows.Err(), "usage records")
}
