package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dayuer/inboxd/internal/model"
)

// CloseUnauthorized is the close code sent when the handshake fails.
const CloseUnauthorized = 4401

// Authenticator resolves a bearer token to the agent it was issued for.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (model.Agent, error)
}

// PresenceTracker is told when an agent's connection opens and closes.
type PresenceTracker interface {
	Connected(ctx context.Context, agentID string)
	Disconnected(ctx context.Context, agentID string)
}

// TypingFunc relays a typing indicator from agent on a conversation.
type TypingFunc func(ctx context.Context, agent model.Agent, conversationID string, typing bool) error

// HandlerConfig configures the websocket endpoint.
type HandlerConfig struct {
	Hub      *Hub
	Auth     Authenticator
	Presence PresenceTracker // optional
	Typing   TypingFunc      // optional
	Logger   *zap.Logger

	HandshakeTimeout time.Duration // default 10s
	PingInterval     time.Duration // default 30s
	ReadTimeout      time.Duration // default 60s
	WriteTimeout     time.Duration // default 10s
	CheckOrigin      func(r *http.Request) bool
}

// Handler is the /ws endpoint.
type Handler struct {
	cfg      HandlerConfig
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewHandler creates the websocket endpoint.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.CheckOrigin == nil {
		cfg.CheckOrigin = func(*http.Request) bool { return true }
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Handler{
		cfg:      cfg,
		upgrader: websocket.Upgrader{CheckOrigin: cfg.CheckOrigin},
		log:      cfg.Logger.Named("ws"),
	}
}

// clientFrame is any frame a client may send.
type clientFrame struct {
	Type           Type   `json:"type"`
	Token          string `json:"token,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Typing         *bool  `json:"typing,omitempty"`
}

type errorFrame struct {
	Type    Type   `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// conn serializes writes; gorilla/websocket allows one concurrent writer.
type conn struct {
	*websocket.Conn
	mu           sync.Mutex
	writeTimeout time.Duration
}

func (c *conn) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.WriteMessage(messageType, data)
}

func (c *conn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

func (c *conn) writeClose(code int, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text), time.Now().Add(c.writeTimeout))
}

// ServeHTTP upgrades the request, runs the auth handshake and then pumps
// events until either side closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.String("peer", r.RemoteAddr), zap.Error(err))
		return
	}
	c := &conn{Conn: raw, writeTimeout: h.cfg.WriteTimeout}
	defer raw.Close()

	ctx := context.WithoutCancel(r.Context())
	agent, ok := h.handshake(ctx, c)
	if !ok {
		return
	}

	sub := h.cfg.Hub.Subscribe(agent)
	if err := c.writeJSON(NewEvent(TypeReady, nil)); err != nil {
		h.cfg.Hub.Unsubscribe(sub)
		return
	}
	if h.cfg.Presence != nil {
		h.cfg.Presence.Connected(ctx, agent.ID)
	}
	h.log.Info("connected", zap.String("agent_id", agent.ID), zap.String("peer", r.RemoteAddr))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(c, sub)
	}()

	h.readLoop(ctx, c, sub)

	h.cfg.Hub.Unsubscribe(sub)
	<-writerDone
	if h.cfg.Presence != nil {
		h.cfg.Presence.Disconnected(ctx, agent.ID)
	}
	h.log.Info("disconnected", zap.String("agent_id", agent.ID))
}

func (h *Handler) handshake(ctx context.Context, c *conn) (model.Agent, bool) {
	c.SetReadDeadline(time.Now().Add(h.cfg.HandshakeTimeout))
	_, data, err := c.ReadMessage()
	if err != nil {
		h.reject(c, "handshake timeout")
		return model.Agent{}, false
	}

	var frame clientFrame
	if json.Unmarshal(data, &frame) != nil || frame.Type != TypeAuth || frame.Token == "" {
		h.reject(c, "expected auth frame")
		return model.Agent{}, false
	}

	agent, err := h.cfg.Auth.Authenticate(ctx, frame.Token)
	if err != nil {
		h.log.Debug("handshake rejected", zap.Error(err))
		h.reject(c, "invalid token")
		return model.Agent{}, false
	}
	return agent, true
}

func (h *Handler) reject(c *conn, msg string) {
	c.writeJSON(errorFrame{Type: TypeError, Code: "unauthorized", Message: msg})
	c.writeClose(CloseUnauthorized, "unauthorized")
}

func (h *Handler) readLoop(ctx context.Context, c *conn, sub *Subscriber) {
	c.SetReadLimit(64 << 10)
	c.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	c.SetPongHandler(func(string) error {
		c.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
		return nil
	})

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("read error", zap.Error(err))
			}
			return
		}
		c.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.cfg.Hub.SendTo(sub, NewEvent(TypeError, errorData("bad_frame", "invalid json")))
			continue
		}

		switch frame.Type {
		case TypePing:
			h.cfg.Hub.SendTo(sub, NewEvent(TypePong, nil))

		case TypeTyping:
			if h.cfg.Typing == nil || frame.ConversationID == "" {
				continue
			}
			typing := true
			if frame.Typing != nil {
				typing = *frame.Typing
			}
			if err := h.cfg.Typing(ctx, sub.Agent(), frame.ConversationID, typing); err != nil {
				h.cfg.Hub.SendTo(sub, NewEvent(TypeError, errorData("typing_rejected", err.Error())))
			}

		default:
			h.cfg.Hub.SendTo(sub, NewEvent(TypeError, errorData("unknown_frame", string(frame.Type))))
		}
	}
}

func (h *Handler) writeLoop(c *conn, sub *Subscriber) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-sub.C():
			if !ok {
				if sub.evicted.Load() {
					c.writeClose(websocket.CloseGoingAway, "server shutdown")
				}
				c.Close()
				return
			}
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.Close()
				drain(sub)
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close()
				drain(sub)
				return
			}
		}
	}
}

// drain discards queued frames until the hub closes the queue, so a dead
// writer never leaves the subscriber half-registered.
func drain(sub *Subscriber) {
	for range sub.C() {
	}
}

func errorData(code, msg string) map[string]string {
	return map[string]string{"code": code, "message": msg}
}
