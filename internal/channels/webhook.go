package channels

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dayuer/inboxd/internal/bus"
	"github.com/dayuer/inboxd/internal/errs"
	"github.com/dayuer/inboxd/internal/model"
)

// SignatureHeader carries the HMAC-SHA256 of a webhook body.
const SignatureHeader = "X-Hub-Signature-256"

const maxWebhookBody = 1 << 20

// ChannelLookup resolves the channel a webhook entry belongs to.
type ChannelLookup interface {
	GetChannelByExternalID(ctx context.Context, platform model.Platform, externalID string) (model.Channel, error)
}

// WebhookConfig wires a Webhook.
type WebhookConfig struct {
	VerifyToken string
	AppSecret   string
	Channels    ChannelLookup
	Bus         *bus.MessageBus
	Logger      *zap.Logger
}

// Webhook receives Facebook and Instagram events and puts them on the bus.
type Webhook struct {
	cfg WebhookConfig
	log *zap.Logger
}

// NewWebhook creates the webhook endpoint.
func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Webhook{cfg: cfg, log: cfg.Logger.Named("webhook")}
}

// Verify answers the subscription handshake.
func (h *Webhook) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode, token, challenge := q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge")
	if mode == "" || token == "" || challenge == "" {
		http.Error(w, "incomplete verification parameters", http.StatusBadRequest)
		return
	}
	if mode != "subscribe" || h.cfg.VerifyToken == "" ||
		!hmac.Equal([]byte(token), []byte(h.cfg.VerifyToken)) {
		h.log.Warn("webhook verification rejected", zap.String("mode", mode))
		http.Error(w, "invalid verification token", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(challenge))
}

// Receive validates the body signature and publishes the events it carries.
func (h *Webhook) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if !VerifySignature(h.cfg.AppSecret, body, r.Header.Get(SignatureHeader)) {
		h.log.Warn("webhook signature mismatch")
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	evts, err := ParseWebhook(body)
	if err != nil {
		h.log.Warn("webhook payload", zap.Error(err))
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	published := 0
	for _, e := range evts {
		if h.route(r.Context(), e) {
			published++
		}
	}
	h.log.Debug("webhook processed", zap.Int("events", len(evts)), zap.Int("published", published))
	w.WriteHeader(http.StatusOK)
}

func (h *Webhook) route(ctx context.Context, e WebhookEvent) bool {
	ch, err := h.cfg.Channels.GetChannelByExternalID(ctx, e.Platform, e.RecipientID)
	if err != nil {
		if errs.IsNotFound(err) {
			h.log.Debug("no channel for webhook entry",
				zap.String("platform", string(e.Platform)), zap.String("external_id", e.RecipientID))
		} else {
			h.log.Warn("lookup channel", zap.Error(err))
		}
		return false
	}
	if ch.Status == model.ChannelRemoved {
		return false
	}

	evt := e.Event
	evt.ChannelID = ch.ID
	evt.Platform = ch.Platform

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.cfg.Bus.Publish(pctx, evt); err != nil {
		h.log.Error("webhook event dropped", zap.String("channel_id", ch.ID), zap.Error(err))
		return false
	}
	return true
}

// VerifySignature checks a "sha256=<hex>" header against the body.
func VerifySignature(secret string, body []byte, header string) bool {
	if secret == "" {
		return false
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID        string `json:"id"`
		Time      int64  `json:"time"`
		Messaging []struct {
			Sender struct {
				ID string `json:"id"`
			} `json:"sender"`
			Recipient struct {
				ID string `json:"id"`
			} `json:"recipient"`
			Timestamp int64 `json:"timestamp"`
			Message   *struct {
				Mid         string `json:"mid"`
				Text        string `json:"text"`
				IsEcho      bool   `json:"is_echo"`
				Attachments []struct {
					Type    string `json:"type"`
					Payload struct {
						URL string `json:"url"`
					} `json:"payload"`
				} `json:"attachments"`
			} `json:"message"`
			Delivery *struct {
				Mids      []string `json:"mids"`
				Watermark int64    `json:"watermark"`
			} `json:"delivery"`
			Read *struct {
				Mid       string `json:"mid"`
				Watermark int64  `json:"watermark"`
			} `json:"read"`
		} `json:"messaging"`
	} `json:"entry"`
}

// WebhookEvent is a bus event still addressed by the platform account id.
type WebhookEvent struct {
	Platform    model.Platform
	RecipientID string
	Event       bus.Event
}

// ParseWebhook turns a webhook body into inbound message, delivery and read
// events. Echoes of the page's own messages are skipped. A Messenger read
// carries only a watermark, so it is addressed by contact with ExternalID
// empty and the watermark as Timestamp; an Instagram read names its mid.
func ParseWebhook(body []byte) ([]WebhookEvent, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}
	var platform model.Platform
	switch p.Object {
	case "page":
		platform = model.PlatformFacebook
	case "instagram":
		platform = model.PlatformInstagram
	default:
		return nil, fmt.Errorf("unsupported webhook object %q", p.Object)
	}

	var out []WebhookEvent
	for _, entry := range p.Entry {
		for _, m := range entry.Messaging {
			ts := time.UnixMilli(m.Timestamp)
			if m.Timestamp == 0 {
				ts = time.UnixMilli(entry.Time)
			}

			switch {
			case m.Message != nil:
				if m.Message.IsEcho {
					continue
				}
				content := model.Content{Text: m.Message.Text}
				for _, a := range m.Message.Attachments {
					kind, ok := mediaKind(a.Type)
					if !ok || a.Payload.URL == "" {
						continue
					}
					content.Media = append(content.Media, model.MediaRef{Kind: kind, URL: a.Payload.URL})
				}
				if content.Empty() {
					continue
				}
				out = append(out, WebhookEvent{
					Platform:    platform,
					RecipientID: entry.ID,
					Event: bus.Event{
						Type:       bus.EventInboundMessage,
						Contact:    model.Contact{ID: m.Sender.ID},
						Content:    content,
						ExternalID: m.Message.Mid,
						Timestamp:  ts,
					},
				})

			case m.Delivery != nil:
				for _, mid := range m.Delivery.Mids {
					out = append(out, WebhookEvent{
						Platform:    platform,
						RecipientID: entry.ID,
						Event: bus.Event{
							Type:       bus.EventMessageStatus,
							ExternalID: mid,
							Status:     model.MessageDelivered,
							Timestamp:  ts,
						},
					})
				}

			case m.Read != nil:
				evt := bus.Event{
					Type:      bus.EventMessageStatus,
					Status:    model.MessageRead,
					Contact:   model.Contact{ID: m.Sender.ID},
					Timestamp: ts,
				}
				switch {
				case m.Read.Mid != "":
					evt.ExternalID = m.Read.Mid
				case m.Read.Watermark > 0:
					evt.Timestamp = time.UnixMilli(m.Read.Watermark)
				default:
					continue
				}
				out = append(out, WebhookEvent{Platform: platform, RecipientID: entry.ID, Event: evt})
			}
		}
	}
	return out, nil
}

func mediaKind(t string) (model.MediaKind, bool) {
	switch t {
	case "image":
		return model.MediaImage, true
	case "video":
		return model.MediaVideo, true
	case "audio":
		return model.MediaAudio, true
	case "file":
		return model.MediaDocument, true
	}
	return "", false
}
