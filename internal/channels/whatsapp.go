package channels

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/lib/pq" // whatsmeow device store on Postgres
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite" // whatsmeow device store on SQLite

	"github.com/dayuer/inboxd/internal/bus"
	"github.com/dayuer/inboxd/internal/model"
)

// WhatsAppAdapter pairs WhatsApp linked devices through whatsmeow. Device
// keys live in whatsmeow's own tables; the channel only stores the device
// JID.
type WhatsAppAdapter struct {
	container *sqlstore.Container
	log       *zap.Logger
}

// OpenWhatsAppStore opens the whatsmeow device database. Postgres DSNs use
// lib/pq; anything else is treated as a SQLite path.
func OpenWhatsAppStore(ctx context.Context, dsn string) (*sql.DB, string, error) {
	driver, dialect := "sqlite", "sqlite3"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver, dialect = "postgres", "postgres"
	} else if !strings.Contains(dsn, "_pragma=foreign_keys") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=foreign_keys(1)"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, "", fmt.Errorf("whatsapp: open device store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("whatsapp: ping device store: %w", err)
	}
	return db, dialect, nil
}

// NewWhatsAppAdapter wraps db as a whatsmeow device container and upgrades
// its schema.
func NewWhatsAppAdapter(ctx context.Context, db *sql.DB, dialect string, log *zap.Logger) (*WhatsAppAdapter, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("whatsapp")
	container := sqlstore.NewWithDB(db, dialect, NewWALogger(log.Named("store")))
	if err := container.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("whatsapp: upgrade device store: %w", err)
	}
	return &WhatsAppAdapter{container: container, log: log}, nil
}

// Open loads the channel's paired device, or a fresh one to pair.
func (a *WhatsAppAdapter) Open(ctx context.Context, ch model.Channel, sink Sink) (Session, error) {
	var dev *wastore.Device
	if ch.Credentials.WhatsApp != nil {
		jid, err := types.ParseJID(ch.Credentials.WhatsApp.DeviceJID)
		if err != nil {
			return nil, fmt.Errorf("whatsapp: stored device jid: %w", err)
		}
		dev, err = a.container.GetDevice(ctx, jid)
		if err != nil {
			return nil, fmt.Errorf("whatsapp: load device: %w", err)
		}
	}
	if dev == nil {
		dev = a.container.NewDevice()
	}

	log := a.log.With(zap.String("channel_id", ch.ID))
	cli := whatsmeow.NewClient(dev, NewWALogger(log.Named("client")))
	// reconnecting is an operator decision
	cli.EnableAutoReconnect = false

	s := &whatsAppSession{cli: cli, dev: dev, sink: sink, log: log}
	s.handlerID = cli.AddEventHandler(s.handle)
	return s, nil
}

type whatsAppSession struct {
	cli       *whatsmeow.Client
	dev       *wastore.Device
	sink      Sink
	log       *zap.Logger
	handlerID uint32

	mu       sync.Mutex
	cancelQR context.CancelFunc
}

func (s *whatsAppSession) Connect(ctx context.Context) (bool, error) {
	if s.cli.Store.ID != nil {
		if err := s.cli.Connect(); err != nil {
			return false, fmt.Errorf("whatsapp: connect: %w", err)
		}
		return true, nil
	}

	// the QR channel outlives the request that started pairing
	qrCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	qr, err := s.cli.GetQRChannel(qrCtx)
	if err != nil {
		cancel()
		return false, fmt.Errorf("whatsapp: qr channel: %w", err)
	}
	if err := s.cli.Connect(); err != nil {
		cancel()
		return false, fmt.Errorf("whatsapp: connect: %w", err)
	}
	s.mu.Lock()
	s.cancelQR = cancel
	s.mu.Unlock()

	go s.pumpQR(qr)
	return false, nil
}

func (s *whatsAppSession) pumpQR(qr <-chan whatsmeow.QRChannelItem) {
	for item := range qr {
		switch item.Event {
		case "code":
			s.sink.Emit(bus.Event{Type: bus.EventPairingPayload, Payload: item.Code})
		case "timeout":
			s.sink.Emit(bus.Event{Type: bus.EventPairingTimeout})
		case "success":
			// PairSuccess carries the device identity
		default:
			reason := item.Event
			if item.Error != nil {
				reason = item.Error.Error()
			}
			s.sink.Emit(bus.Event{Type: bus.EventSessionError, Reason: "pairing failed: " + reason})
		}
	}
}

func (s *whatsAppSession) Send(ctx context.Context, contact string, content model.Content) (string, error) {
	jid, err := ContactJID(contact)
	if err != nil {
		return "", err
	}
	text := OutboundText(content)
	if text == "" {
		return "", fmt.Errorf("whatsapp: nothing to send")
	}
	resp, err := s.cli.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return "", fmt.Errorf("whatsapp: send: %w", err)
	}
	return string(resp.ID), nil
}

func (s *whatsAppSession) stopPairing() {
	s.mu.Lock()
	cancel := s.cancelQR
	s.cancelQR = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *whatsAppSession) Close(context.Context) error {
	s.stopPairing()
	s.cli.RemoveEventHandler(s.handlerID)
	s.cli.Disconnect()
	return nil
}

func (s *whatsAppSession) Release(ctx context.Context) error {
	s.stopPairing()
	s.cli.RemoveEventHandler(s.handlerID)
	if s.cli.IsLoggedIn() {
		if err := s.cli.Logout(ctx); err == nil {
			return nil
		} else {
			s.log.Warn("logout failed, deleting device locally", zap.Error(err))
		}
	}
	s.cli.Disconnect()
	if s.dev.ID == nil {
		return nil
	}
	if err := s.dev.Delete(ctx); err != nil {
		return fmt.Errorf("whatsapp: delete device: %w", err)
	}
	return nil
}

func (s *whatsAppSession) handle(raw any) {
	switch evt := raw.(type) {
	case *events.Message:
		if evt.Info.IsFromMe || evt.Info.IsGroup {
			return
		}
		content := MessageContent(evt.Message)
		if content.Empty() {
			return
		}
		s.sink.Emit(bus.Event{
			Type:       bus.EventInboundMessage,
			Contact:    model.Contact{ID: evt.Info.Chat.ToNonAD().String(), DisplayName: evt.Info.PushName},
			Content:    content,
			ExternalID: string(evt.Info.ID),
			Timestamp:  evt.Info.Timestamp,
		})

	case *events.Receipt:
		status, ok := receiptStatus(evt.Type)
		if !ok {
			return
		}
		for _, id := range evt.MessageIDs {
			s.sink.Emit(bus.Event{Type: bus.EventMessageStatus, ExternalID: string(id), Status: status, Timestamp: evt.Timestamp})
		}

	case *events.PairSuccess:
		s.sink.Emit(bus.Event{
			Type:        bus.EventSessionReady,
			Credentials: &model.Credentials{WhatsApp: &model.WhatsAppCredentials{DeviceJID: evt.ID.String()}},
			Phone:       evt.ID.User,
		})

	case *events.Connected:
		ready := bus.Event{Type: bus.EventSessionReady}
		if id := s.cli.Store.ID; id != nil {
			ready.Credentials = &model.Credentials{WhatsApp: &model.WhatsAppCredentials{DeviceJID: id.String()}}
			ready.Phone = id.User
		}
		s.sink.Emit(ready)

	case *events.Disconnected:
		s.sink.Emit(bus.Event{Type: bus.EventSessionDisconnected, Reason: "connection lost"})

	case *events.StreamReplaced:
		s.sink.Emit(bus.Event{Type: bus.EventSessionDisconnected, Reason: "session opened on another client"})

	case *events.LoggedOut:
		// the device is unlinked; its stored identity is useless now
		s.sink.Emit(bus.Event{
			Type:        bus.EventSessionError,
			Reason:      fmt.Sprintf("logged out: %v", evt.Reason),
			Credentials: &model.Credentials{},
		})
	}
}

func receiptStatus(t types.ReceiptType) (model.MessageStatus, bool) {
	switch t {
	case types.ReceiptTypeDelivered:
		return model.MessageDelivered, true
	case types.ReceiptTypeRead, types.ReceiptTypeReadSelf:
		return model.MessageRead, true
	}
	return "", false
}

// ContactJID parses a contact id: a full JID, or a bare phone number on the
// default user server.
func ContactJID(contact string) (types.JID, error) {
	contact = strings.TrimSpace(contact)
	if strings.Contains(contact, "@") {
		jid, err := types.ParseJID(contact)
		if err != nil {
			return types.JID{}, fmt.Errorf("whatsapp: contact %q: %w", contact, err)
		}
		return jid, nil
	}
	digits := strings.TrimPrefix(contact, "+")
	if digits == "" || strings.Trim(digits, "0123456789") != "" {
		return types.JID{}, fmt.Errorf("whatsapp: contact %q is not a phone number", contact)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

// MessageContent extracts text and media references from a WhatsApp
// message.
func MessageContent(msg *waE2E.Message) model.Content {
	var c model.Content
	if msg == nil {
		return c
	}
	c.Text = msg.GetConversation()
	if c.Text == "" {
		c.Text = msg.GetExtendedTextMessage().GetText()
	}

	add := func(kind model.MediaKind, url, mime, caption string) {
		if url == "" {
			return
		}
		c.Media = append(c.Media, model.MediaRef{Kind: kind, URL: url, MimeType: mime, Caption: caption})
		if c.Text == "" {
			c.Text = caption
		}
	}
	if img := msg.GetImageMessage(); img != nil {
		add(model.MediaImage, img.GetURL(), img.GetMimetype(), img.GetCaption())
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		add(model.MediaVideo, vid.GetURL(), vid.GetMimetype(), vid.GetCaption())
	}
	if aud := msg.GetAudioMessage(); aud != nil {
		add(model.MediaAudio, aud.GetURL(), aud.GetMimetype(), "")
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		add(model.MediaDocument, doc.GetURL(), doc.GetMimetype(), doc.GetFileName())
	}
	return c
}

// OutboundText renders content as plain text; media goes out as links.
func OutboundText(content model.Content) string {
	parts := make([]string, 0, 1+len(content.Media))
	if content.Text != "" {
		parts = append(parts, content.Text)
	}
	for _, m := range content.Media {
		if m.Caption != "" {
			parts = append(parts, m.Caption+": "+m.URL)
		} else {
			parts = append(parts, m.URL)
		}
	}
	return strings.Join(parts, "\n")
}

// waLogger routes whatsmeow logs to zap.
type waLogger struct {
	l *zap.SugaredLogger
}

// NewWALogger bridges a zap logger to whatsmeow's logger interface.
func NewWALogger(log *zap.Logger) waLog.Logger {
	return waLogger{l: log.Sugar()}
}

func (w waLogger) Errorf(msg string, args ...interface{}) { w.l.Errorf(msg, args...) }
func (w waLogger) Warnf(msg string, args ...interface{})  { w.l.Warnf(msg, args...) }
func (w waLogger) Infof(msg string, args ...interface{})  { w.l.Infof(msg, args...) }
func (w waLogger) Debugf(msg string, args ...interface{}) { w.l.Debugf(msg, args...) }
func (w waLogger) Sub(module string) waLog.Logger         { return waLogger{l: w.l.Named(module)} }
