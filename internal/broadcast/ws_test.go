package broadcast

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dayuer/inboxd/internal/model"
)

type tokenAuth map[string]model.Agent

func (a tokenAuth) Authenticate(_ context.Context, token string) (model.Agent, error) {
	ag, ok := a[token]
	if !ok {
		return model.Agent{}, errors.New("unknown token")
	}
	return ag, nil
}

type countingPresence struct {
	mu     sync.Mutex
	events []string
}

func (p *countingPresence) Connected(_ context.Context, id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, "+"+id)
}

func (p *countingPresence) Disconnected(_ context.Context, id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, "-"+id)
}

func (p *countingPresence) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

type wsFixture struct {
	hub      *Hub
	presence *countingPresence
	srv      *httptest.Server
	url      string

	mu     sync.Mutex
	typing []string
}

func newWSFixture(t *testing.T, cfg HandlerConfig) *wsFixture {
	t.Helper()
	f := &wsFixture{hub: NewHub(HubConfig{}), presence: &countingPresence{}}
	cfg.Hub = f.hub
	cfg.Presence = f.presence
	if cfg.Auth == nil {
		cfg.Auth = tokenAuth{"good": admin("a1")}
	}
	cfg.Typing = func(_ context.Context, ag model.Agent, convID string, typing bool) error {
		if convID == "forbidden" {
			return errors.New("not allowed")
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		f.typing = append(f.typing, ag.ID+":"+convID)
		return nil
	}
	f.srv = httptest.NewServer(NewHandler(cfg))
	t.Cleanup(f.srv.Close)
	f.url = "ws" + strings.TrimPrefix(f.srv.URL, "http")
	return f
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	return c
}

func readFrame(t *testing.T, c *websocket.Conn) Frame {
	t.Helper()
	var f Frame
	require.NoError(t, c.ReadJSON(&f))
	return f
}

func TestWS_HandshakeAndPublish(t *testing.T) {
	f := newWSFixture(t, HandlerConfig{})
	c := dial(t, f.url)

	require.NoError(t, c.WriteJSON(map[string]string{"type": "auth", "token": "good"}))
	assert.Equal(t, TypeReady, readFrame(t, c).Type)

	require.Eventually(t, func() bool { return len(f.presence.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.hub.Count())

	f.hub.Publish(NewEvent(TypeNewMessage, map[string]string{"id": "m1"}), nil)
	got := readFrame(t, c)
	assert.Equal(t, TypeNewMessage, got.Type)
	assert.JSONEq(t, `{"id":"m1"}`, string(got.Data))

	c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	assert.Eventually(t, func() bool { return f.hub.Count() == 0 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(f.presence.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"+a1", "-a1"}, f.presence.snapshot())
}

func TestWS_BadTokenClosesWith4401(t *testing.T) {
	f := newWSFixture(t, HandlerConfig{})
	c := dial(t, f.url)

	require.NoError(t, c.WriteJSON(map[string]string{"type": "auth", "token": "bad"}))
	got := readFrame(t, c)
	assert.Equal(t, TypeError, got.Type)
	assert.Equal(t, "unauthorized", got.Code)

	_, _, err := c.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CloseUnauthorized, ce.Code)
	assert.Zero(t, f.hub.Count())
	assert.Empty(t, f.presence.snapshot())
}

func TestWS_HandshakeTimeout(t *testing.T) {
	f := newWSFixture(t, HandlerConfig{HandshakeTimeout: 50 * time.Millisecond})
	c := dial(t, f.url)

	got := readFrame(t, c)
	assert.Equal(t, TypeError, got.Type)
	_, _, err := c.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, CloseUnauthorized))
}

func TestWS_FirstFrameMustBeAuth(t *testing.T) {
	f := newWSFixture(t, HandlerConfig{})
	c := dial(t, f.url)

	require.NoError(t, c.WriteJSON(map[string]string{"type": "ping"}))
	got := readFrame(t, c)
	assert.Equal(t, "unauthorized", got.Code)
}

func TestWS_PingAndTyping(t *testing.T) {
	f := newWSFixture(t, HandlerConfig{})
	c := dial(t, f.url)
	require.NoError(t, c.WriteJSON(map[string]string{"type": "auth", "token": "good"}))
	require.Equal(t, TypeReady, readFrame(t, c).Type)

	require.NoError(t, c.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, TypePong, readFrame(t, c).Type)

	require.NoError(t, c.WriteJSON(map[string]any{"type": "typing", "conversation_id": "c1", "typing": true}))
	require.NoError(t, c.WriteJSON(map[string]any{"type": "typing", "conversation_id": "forbidden"}))
	got := readFrame(t, c)
	assert.Equal(t, TypeError, got.Type)
	assert.Contains(t, string(got.Data), "typing_rejected")

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []string{"a1:c1"}, f.typing)
}

func TestWS_CloseAllSendsGoingAway(t *testing.T) {
	f := newWSFixture(t, HandlerConfig{})
	c := dial(t, f.url)
	require.NoError(t, c.WriteJSON(map[string]string{"type": "auth", "token": "good"}))
	require.Equal(t, TypeReady, readFrame(t, c).Type)
	require.Eventually(t, func() bool { return f.hub.Count() == 1 }, time.Second, 5*time.Millisecond)

	f.hub.CloseAll()
	_, _, err := c.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
}
