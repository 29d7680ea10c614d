package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dayuer/inboxd/internal/bus"
	"github.com/dayuer/inboxd/internal/model"
)

// DefaultGraphURL is the Graph API base used for Facebook and Instagram.
const DefaultGraphURL = "https://graph.facebook.com/v19.0"

// graphCodeTokenInvalid is returned by the Graph API for expired, revoked or
// otherwise unusable access tokens.
const graphCodeTokenInvalid = 190

// GraphError is an error body returned by the Graph API.
type GraphError struct {
	Status    int    `json:"-"`
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      int    `json:"code"`
	Subcode   int    `json:"error_subcode"`
	FBTraceID string `json:"fbtrace_id"`
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("graph api: %s (status %d, code %d, subcode %d, trace %s)",
		e.Message, e.Status, e.Code, e.Subcode, e.FBTraceID)
}

// IsTokenExpired reports whether err says the channel's access token can no
// longer be used.
func IsTokenExpired(err error) bool {
	var ge *GraphError
	return errors.As(err, &ge) && ge.Code == graphCodeTokenInvalid
}

// MetaConfig configures the Facebook and Instagram adapters.
type MetaConfig struct {
	GraphURL   string
	HTTPClient *http.Client
	// Subscribe subscribes the page to the app's webhooks on connect.
	Subscribe bool
	Logger    *zap.Logger
}

// MetaAdapter authorizes channels with a stored page access token. One
// instance serves one platform.
type MetaAdapter struct {
	platform model.Platform
	graph    *graphClient
	cfg      MetaConfig
	log      *zap.Logger
}

// NewMetaAdapter creates the adapter for PlatformFacebook or
// PlatformInstagram.
func NewMetaAdapter(platform model.Platform, cfg MetaConfig) *MetaAdapter {
	if cfg.GraphURL == "" {
		cfg.GraphURL = DefaultGraphURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &MetaAdapter{
		platform: platform,
		graph:    &graphClient{base: strings.TrimRight(cfg.GraphURL, "/"), http: cfg.HTTPClient},
		cfg:      cfg,
		log:      cfg.Logger.Named(string(platform)),
	}
}

// Open checks that the channel carries a token. The token itself is
// verified on Connect.
func (a *MetaAdapter) Open(_ context.Context, ch model.Channel, sink Sink) (Session, error) {
	if ch.Credentials.Meta == nil || ch.Credentials.Meta.AccessToken == "" {
		return nil, fmt.Errorf("%s: channel has no access token", a.platform)
	}
	creds := *ch.Credentials.Meta
	return &metaSession{
		adapter: a,
		creds:   creds,
		sink:    sink,
		log:     a.log.With(zap.String("channel_id", ch.ID), zap.String("page_id", creds.PageID)),
	}, nil
}

type metaSession struct {
	adapter *MetaAdapter
	creds   model.MetaCredentials
	sink    Sink
	log     *zap.Logger
}

// Connect verifies the token. OAuth channels never pair, so a good token
// always resumes.
func (s *metaSession) Connect(ctx context.Context) (bool, error) {
	if !s.creds.ExpiresAt.IsZero() && time.Now().After(s.creds.ExpiresAt) {
		return false, &GraphError{Message: "access token expired", Code: graphCodeTokenInvalid}
	}
	var me struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := s.adapter.graph.do(ctx, http.MethodGet, "/me", s.creds.AccessToken, url.Values{"fields": {"id,name"}}, nil, &me); err != nil {
		return false, err
	}
	if s.adapter.cfg.Subscribe {
		if err := s.subscribe(ctx); err != nil {
			return false, err
		}
	}
	s.log.Info("token verified", zap.String("account", me.Name))
	s.sink.Emit(bus.Event{Type: bus.EventSessionReady})
	return true, nil
}

func (s *metaSession) subscribedFields() []string {
	if s.adapter.platform == model.PlatformInstagram {
		return []string{"messages", "messaging_postbacks"}
	}
	return []string{"messages", "messaging_postbacks", "message_deliveries", "message_reads", "message_echoes"}
}

func (s *metaSession) subscribe(ctx context.Context) error {
	body := map[string]any{"subscribed_fields": s.subscribedFields()}
	return s.adapter.graph.do(ctx, http.MethodPost, "/"+s.creds.PageID+"/subscribed_apps", s.creds.AccessToken, nil, body, nil)
}

type graphRecipient struct {
	ID string `json:"id"`
}

type graphAttachment struct {
	Type    string `json:"type"`
	Payload struct {
		URL        string `json:"url"`
		IsReusable bool   `json:"is_reusable"`
	} `json:"payload"`
}

type graphMessage struct {
	Text       string           `json:"text,omitempty"`
	Attachment *graphAttachment `json:"attachment,omitempty"`
}

type graphSend struct {
	Recipient     graphRecipient `json:"recipient"`
	Message       graphMessage   `json:"message"`
	MessagingType string         `json:"messaging_type"`
}

// Send posts the text and then one message per attachment. The id of the
// first message is returned.
func (s *metaSession) Send(ctx context.Context, contact string, content model.Content) (string, error) {
	if contact == "" {
		return "", fmt.Errorf("%s: contact id is required", s.adapter.platform)
	}
	var msgs []graphMessage
	if content.Text != "" {
		msgs = append(msgs, graphMessage{Text: content.Text})
	}
	for _, m := range content.Media {
		att := &graphAttachment{Type: attachmentType(m.Kind)}
		att.Payload.URL = m.URL
		msgs = append(msgs, graphMessage{Attachment: att})
	}
	if len(msgs) == 0 {
		return "", fmt.Errorf("%s: nothing to send", s.adapter.platform)
	}

	path := "/" + s.creds.PageID + "/messages"
	if s.adapter.platform == model.PlatformInstagram {
		path = "/me/messages"
	}

	var first string
	for _, msg := range msgs {
		var resp struct {
			MessageID string `json:"message_id"`
		}
		req := graphSend{Recipient: graphRecipient{ID: contact}, Message: msg, MessagingType: "RESPONSE"}
		if err := s.adapter.graph.do(ctx, http.MethodPost, path, s.creds.AccessToken, nil, req, &resp); err != nil {
			return first, err
		}
		if first == "" {
			first = resp.MessageID
		}
	}
	return first, nil
}

func attachmentType(k model.MediaKind) string {
	if k == model.MediaDocument {
		return "file"
	}
	return string(k)
}

func (s *metaSession) Close(context.Context) error { return nil }

// Release unsubscribes the page from the app's webhooks.
func (s *metaSession) Release(ctx context.Context) error {
	if !s.adapter.cfg.Subscribe {
		return nil
	}
	return s.adapter.graph.do(ctx, http.MethodDelete, "/"+s.creds.PageID+"/subscribed_apps", s.creds.AccessToken, nil, nil, nil)
}

type graphClient struct {
	base string
	http *http.Client
}

func (g *graphClient) do(ctx context.Context, method, path, token string, query url.Values, body, out any) error {
	if query == nil {
		query = url.Values{}
	}
	query.Set("access_token", token)
	u := g.base + path + "?" + query.Encode()

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("graph api: encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("graph api: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return fmt.Errorf("graph api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("graph api: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var env struct {
			Error *GraphError `json:"error"`
		}
		if json.Unmarshal(raw, &env) == nil && env.Error != nil {
			env.Error.Status = resp.StatusCode
			return env.Error
		}
		return &GraphError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("graph api: decode response: %w", err)
	}
	return nil
}
