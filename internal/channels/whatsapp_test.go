package channels

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/protobuf/proto"

	"github.com/dayuer/inboxd/internal/bus"
	"github.com/dayuer/inboxd/internal/model"
)

func TestContactJID(t *testing.T) {
	jid, err := ContactJID("15550001111@s.whatsapp.net")
	require.NoError(t, err)
	assert.Equal(t, "15550001111", jid.User)

	jid, err = ContactJID("+15550001111")
	require.NoError(t, err)
	assert.Equal(t, types.DefaultUserServer, jid.Server)
	assert.Equal(t, "15550001111@s.whatsapp.net", jid.String())

	_, err = ContactJID("not-a-number")
	assert.Error(t, err)
	_, err = ContactJID("")
	assert.Error(t, err)
}

func TestMessageContent(t *testing.T) {
	assert.True(t, MessageContent(nil).Empty())

	c := MessageContent(&waE2E.Message{Conversation: proto.String("hello")})
	assert.Equal(t, "hello", c.Text)

	c = MessageContent(&waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("quoted reply")}})
	assert.Equal(t, "quoted reply", c.Text)

	c = MessageContent(&waE2E.Message{ImageMessage: &waE2E.ImageMessage{
		URL:      proto.String("https://mmg.whatsapp.net/img"),
		Mimetype: proto.String("image/jpeg"),
		Caption:  proto.String("receipt"),
	}})
	require.Len(t, c.Media, 1)
	assert.Equal(t, model.MediaImage, c.Media[0].Kind)
	assert.Equal(t, "image/jpeg", c.Media[0].MimeType)
	assert.Equal(t, "receipt", c.Text, "caption doubles as text")

	c = MessageContent(&waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
		URL:      proto.String("https://mmg.whatsapp.net/doc"),
		FileName: proto.String("invoice.pdf"),
	}})
	require.Len(t, c.Media, 1)
	assert.Equal(t, model.MediaDocument, c.Media[0].Kind)

	// media without a url cannot be referenced
	assert.True(t, MessageContent(&waE2E.Message{AudioMessage: &waE2E.AudioMessage{}}).Empty())
}

func TestOutboundText(t *testing.T) {
	assert.Equal(t, "", OutboundText(model.Content{}))
	assert.Equal(t, "hi", OutboundText(model.Content{Text: "hi"}))
	assert.Equal(t, "see attached\nmenu: https://cdn.example.com/menu.pdf\nhttps://cdn.example.com/p.jpg",
		OutboundText(model.Content{
			Text: "see attached",
			Media: []model.MediaRef{
				{Kind: model.MediaDocument, URL: "https://cdn.example.com/menu.pdf", Caption: "menu"},
				{Kind: model.MediaImage, URL: "https://cdn.example.com/p.jpg"},
			},
		}))
}

func recordingSession() (*whatsAppSession, *[]bus.Event) {
	var got []bus.Event
	s := &whatsAppSession{
		sink: SinkFunc(func(e bus.Event) { got = append(got, e) }),
		log:  zap.NewNop(),
	}
	return s, &got
}

func TestWhatsAppSession_TranslatesMessages(t *testing.T) {
	s, got := recordingSession()
	chat := types.NewJID("15550001111", types.DefaultUserServer)
	ts := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)

	s.handle(&events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: chat, Sender: chat},
			ID:            "3EB0C0FFEE",
			PushName:      "Ana",
			Timestamp:     ts,
		},
		Message: &waE2E.Message{Conversation: proto.String("hola")},
	})
	// own messages and groups are not conversations
	s.handle(&events.Message{
		Info:    types.MessageInfo{MessageSource: types.MessageSource{Chat: chat, IsFromMe: true}},
		Message: &waE2E.Message{Conversation: proto.String("echo")},
	})
	s.handle(&events.Message{
		Info:    types.MessageInfo{MessageSource: types.MessageSource{Chat: chat, IsGroup: true}},
		Message: &waE2E.Message{Conversation: proto.String("group")},
	})

	require.Len(t, *got, 1)
	evt := (*got)[0]
	assert.Equal(t, bus.EventInboundMessage, evt.Type)
	assert.Equal(t, model.Contact{ID: "15550001111@s.whatsapp.net", DisplayName: "Ana"}, evt.Contact)
	assert.Equal(t, "hola", evt.Content.Text)
	assert.Equal(t, "3EB0C0FFEE", evt.ExternalID)
	assert.Equal(t, ts, evt.Timestamp)
}

func TestWhatsAppSession_TranslatesLifecycle(t *testing.T) {
	s, got := recordingSession()
	device := types.JID{User: "15550009999", Device: 3, Server: types.DefaultUserServer}

	s.handle(&events.Receipt{MessageIDs: []types.MessageID{"A", "B"}, Type: types.ReceiptTypeRead})
	s.handle(&events.Receipt{MessageIDs: []types.MessageID{"C"}, Type: types.ReceiptTypeRetry})
	s.handle(&events.PairSuccess{ID: device})
	s.handle(&events.StreamReplaced{})
	s.handle(&events.LoggedOut{Reason: events.ConnectFailureLoggedOut})

	require.Len(t, *got, 5)
	assert.Equal(t, model.MessageRead, (*got)[0].Status)
	assert.Equal(t, "B", (*got)[1].ExternalID)

	ready := (*got)[2]
	assert.Equal(t, bus.EventSessionReady, ready.Type)
	assert.Equal(t, "15550009999", ready.Phone)
	require.NotNil(t, ready.Credentials)
	assert.Equal(t, device.String(), ready.Credentials.WhatsApp.DeviceJID)

	assert.Equal(t, bus.EventSessionDisconnected, (*got)[3].Type)

	out := (*got)[4]
	assert.Equal(t, bus.EventSessionError, out.Type)
	require.NotNil(t, out.Credentials)
	assert.True(t, out.Credentials.Empty(), "logout clears the stored device")
}

func TestReceiptStatus(t *testing.T) {
	st, ok := receiptStatus(types.ReceiptTypeDelivered)
	assert.True(t, ok)
	assert.Equal(t, model.MessageDelivered, st)
	_, ok = receiptStatus(types.ReceiptTypePlayed)
	assert.False(t, ok)
}

func TestWALogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewWALogger(zap.New(core)).Sub("socket")

	l.Infof("connected to %s", "web.whatsapp.com")
	l.Warnf("retry %d", 2)
	l.Debugf("frame")
	l.Errorf("boom")

	entries := logs.All()
	require.Len(t, entries, 4)
	assert.Equal(t, "connected to web.whatsapp.com", entries[0].Message)
	assert.Equal(t, "socket", entries[0].LoggerName)
	assert.Equal(t, zapcore.ErrorLevel, entries[3].Level)
}
