// Package server is the HTTP and websocket boundary of inboxd: chi routes,
// bearer authentication, rate limits and the {ok, data, error} envelope.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dayuer/inboxd/internal/auth"
	"github.com/dayuer/inboxd/internal/broadcast"
	"github.com/dayuer/inboxd/internal/channels"
	"github.com/dayuer/inboxd/internal/model"
	"github.com/dayuer/inboxd/internal/presence"
	"github.com/dayuer/inboxd/internal/providers"
	"github.com/dayuer/inboxd/internal/registry"
	"github.com/dayuer/inboxd/internal/store"
)

// ChannelManager is the operator surface of the session manager.
type ChannelManager interface {
	Init(ctx context.Context, platform model.Platform, spec channels.InitSpec) (model.Channel, error)
	Reconnect(ctx context.Context, channelID string) (model.Channel, error)
	Remove(ctx context.Context, channelID string) (model.Channel, error)
	PairingPayload(ctx context.Context, channelID string) (string, error)
	Channel(ctx context.Context, channelID string) (model.Channel, error)
	Channels(ctx context.Context, f store.ChannelFilter) ([]model.Channel, error)
}

// Inbox is the Conversation Registry surface used by the routes.
type Inbox interface {
	List(ctx context.Context, agent model.Agent, f store.ConversationFilter) ([]model.Conversation, error)
	Get(ctx context.Context, agent model.Agent, conversationID string, limit, offset int) (model.Conversation, []model.Message, error)
	Initiate(ctx context.Context, agentID, channelID string, contact model.Contact, content model.Content) (model.Conversation, model.Message, error)
	DispatchOutbound(ctx context.Context, conversationID, agentID string, content model.Content) (model.Message, error)
	Assign(ctx context.Context, conversationID, actingAgentID, assigneeID string) (model.Conversation, error)
	MarkRead(ctx context.Context, agent model.Agent, conversationID string) (model.Conversation, error)
	SetStatus(ctx context.Context, agent model.Agent, conversationID string, status model.ConversationStatus) (model.Conversation, error)
	BulkSend(ctx context.Context, agentID string, conversationIDs []string, content model.Content) ([]registry.BulkResult, error)
}

// Agents is the agent directory.
type Agents interface {
	ListAgents(ctx context.Context) ([]model.Agent, error)
	GetAgent(ctx context.Context, id string) (model.Agent, error)
	CreateAgent(ctx context.Context, a model.Agent) (model.Agent, error)
	UpdateAgentPermissions(ctx context.Context, id string, p model.Permissions) (model.Agent, error)
}

// Presence receives explicit status pings.
type Presence interface {
	Ping(ctx context.Context, agentID string, online bool) error
}

// Generator is the generative content service.
type Generator interface {
	Generate(ctx context.Context, agentID string, req providers.Request) (*providers.Result, error)
}

// Pinger checks the store for /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// LaneStats reports conversation lane load for /health.
type LaneStats interface {
	Stats() map[string]any
}

// Config wires the server. Webhook, Generator, Lanes and Metrics are
// optional.
type Config struct {
	Addr       string
	Production bool

	Auth      *auth.Service
	Channels  ChannelManager
	Inbox     Inbox
	Agents    Agents
	Presence  Presence
	Hub       *broadcast.Hub
	WS        http.Handler
	Webhook   *channels.Webhook
	Generator Generator
	Store     Pinger
	Lanes     LaneStats
	Metrics   http.Handler
	Logger    *zap.Logger

	LoginPerMinute int
	APIPerSecond   float64
	APIBurst       int
}

// Server is the inboxd HTTP API server.
type Server struct {
	cfg        Config
	auth       *auth.Service
	production bool
	log        *zap.Logger
	latency    *latencyWindow
	startTime  time.Time
	login      *limiterSet
	api        *limiterSet

	router chi.Router
	srv    *http.Server
}

// New creates the server and registers its routes.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Server{
		cfg:        cfg,
		auth:       cfg.Auth,
		production: cfg.Production,
		log:        cfg.Logger.Named("http"),
		latency:    newLatencyWindow(time.Minute),
		startTime:  time.Now(),
	}
	if cfg.LoginPerMinute > 0 {
		s.login = newLimiterSet(rate.Limit(float64(cfg.LoginPerMinute)/60), cfg.LoginPerMinute)
	}
	if cfg.APIPerSecond > 0 {
		s.api = newLimiterSet(rate.Limit(cfg.APIPerSecond), cfg.APIBurst)
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/health", s.handleHealth)
	if s.cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.Metrics)
	}
	if s.cfg.WS != nil {
		r.Method(http.MethodGet, "/ws", s.cfg.WS)
	}
	if wh := s.cfg.Webhook; wh != nil {
		r.Get("/webhooks/meta", wh.Verify)
		r.Post("/webhooks/meta", wh.Receive)
	}
	r.With(s.limitBy(s.login, clientIP)).Post("/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.limitBy(s.api, agentKey))

		r.Route("/channels", func(r chi.Router) {
			r.Use(s.require(presence.ActionManageChannels))
			r.Get("/", s.handleListChannels)
			r.Post("/{platform}/init", s.handleInitChannel)
			r.Get("/{platform}/{id}/qr", s.handlePairingPayload)
			r.Post("/{id}/reconnect", s.handleReconnect)
			r.Delete("/{id}", s.handleRemoveChannel)
		})

		r.Route("/inbox", func(r chi.Router) {
			r.Get("/conversations", s.handleListConversations)
			r.With(s.require(presence.ActionReply)).Post("/conversations", s.handleInitiate)
			r.Get("/conversations/{id}", s.handleGetConversation)
			r.With(s.require(presence.ActionReply)).Post("/conversations/{id}/messages", s.handleSend)
			r.With(s.require(presence.ActionAssign)).Post("/conversations/{id}/assign", s.handleAssign)
			r.Post("/conversations/{id}/read", s.handleMarkRead)
			r.With(s.require(presence.ActionReply)).Post("/conversations/{id}/status", s.handleSetStatus)
			r.With(s.require(presence.ActionBulkMessage)).Post("/bulk", s.handleBulk)
		})

		r.Route("/agents", func(r chi.Router) {
			r.Get("/", s.handleListAgents)
			r.Post("/me/status", s.handlePresence)
			r.With(s.require(presence.ActionManageAgents)).Post("/", s.handleCreateAgent)
			r.With(s.require(presence.ActionManageAgents)).Patch("/{id}/permissions", s.handleUpdatePermissions)
		})

		r.Post("/generate", s.handleGenerate)
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("listening", zap.String("addr", s.cfg.Addr))

	errc := make(chan error, 1)
	go func() { errc <- s.srv.ListenAndServe() }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Shutdown does not wait for hijacked websocket connections
	if s.cfg.Hub != nil {
		s.cfg.Hub.CloseAll()
	}
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
