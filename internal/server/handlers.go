package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dayuer/inboxd/internal/auth"
	"github.com/dayuer/inboxd/internal/channels"
	"github.com/dayuer/inboxd/internal/errs"
	"github.com/dayuer/inboxd/internal/model"
	"github.com/dayuer/inboxd/internal/providers"
	"github.com/dayuer/inboxd/internal/store"
)

// agent returns the authenticated agent; routes behind authenticate always
// have one.
func agent(r *http.Request) model.Agent {
	a, _ := auth.AgentFrom(r.Context())
	return a
}

// --- health & auth ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	avgMs, count := s.latency.Avg()
	data := map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"requests_1m":    count,
		"avg_latency_ms": avgMs,
	}
	if s.cfg.Hub != nil {
		data["subscribers"] = s.cfg.Hub.Count()
	}
	if s.cfg.Lanes != nil {
		data["lanes"] = s.cfg.Lanes.Stats()
	}
	if s.cfg.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.cfg.Store.Ping(ctx); err != nil {
			s.log.Warn("health: store unreachable", zap.Error(err))
			data["status"] = "degraded"
			env := envelope{Data: data, Error: "store unreachable"}
			if !s.production {
				env.Detail = err.Error()
			}
			writeJSON(w, http.StatusServiceUnavailable, env)
			return
		}
	}
	s.ok(w, http.StatusOK, data)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expires_at"`
	Agent     model.Agent `json:"agent"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err, nil)
		return
	}
	token, exp, a, err := s.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.log.Info("login rejected", zap.String("ip", clientIP(r)), zap.String("reason", errs.Message(err)))
		s.fail(w, r, err, nil)
		return
	}
	s.ok(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: exp, Agent: a})
}

// --- channels ---

type initChannelRequest struct {
	ExternalID  string    `json:"external_id"`
	Name        string    `json:"name"`
	Phone       string    `json:"phone"`
	PageID      string    `json:"page_id"`
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (s *Server) handleInitChannel(w http.ResponseWriter, r *http.Request) {
	platform := model.Platform(chi.URLParam(r, "platform"))
	var req initChannelRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err, nil)
		return
	}
	if req.ExternalID == "" {
		req.ExternalID = req.Phone
		if req.ExternalID == "" {
			req.ExternalID = req.PageID
		}
	}
	if req.ExternalID == "" {
		s.fail(w, r, errs.Validation("external_id is required"), nil)
		return
	}
	spec := channels.InitSpec{ExternalID: req.ExternalID, Name: req.Name, Phone: req.Phone}
	if req.AccessToken != "" {
		spec.Credentials.Meta = &model.MetaCredentials{PageID: req.PageID, AccessToken: req.AccessToken, ExpiresAt: req.ExpiresAt}
	}
	ch, err := s.cfg.Channels.Init(r.Context(), platform, spec)
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	s.ok(w, http.StatusCreated, ch)
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ChannelFilter{
		Platform:       model.Platform(q.Get("platform")),
		Status:         model.ChannelStatus(q.Get("status")),
		IncludeRemoved: q.Get("include_removed") == "true",
	}
	chs, err := s.cfg.Channels.Channels(r.Context(), f)
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	if chs == nil {
		chs = []model.Channel{}
	}
	s.ok(w, http.StatusOK, chs)
}

type pairingResponse struct {
	ChannelID string              `json:"channel_id"`
	Status    model.ChannelStatus `json:"status"`
	Payload   string              `json:"payload"`
}

func (s *Server) handlePairingPayload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ch, err := s.cfg.Channels.Channel(r.Context(), id)
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	if string(ch.Platform) != chi.URLParam(r, "platform") {
		s.fail(w, r, errs.NotFound("channel %s not found", id), nil)
		return
	}
	payload, err := s.cfg.Channels.PairingPayload(r.Context(), id)
	if err != nil {
		s.fail(w, r, err, pairingResponse{ChannelID: id, Status: ch.Status})
		return
	}
	s.ok(w, http.StatusOK, pairingResponse{ChannelID: id, Status: ch.Status, Payload: payload})
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	ch, err := s.cfg.Channels.Reconnect(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	s.ok(w, http.StatusOK, ch)
}

func (s *Server) handleRemoveChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := s.cfg.Channels.Remove(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	s.ok(w, http.StatusOK, ch)
}

// --- inbox ---

type contentRequest struct {
	Text  string           `json:"text"`
	Media []model.MediaRef `json:"media"`
}

func (c contentRequest) content() model.Content {
	return model.Content{Text: c.Text, Media: c.Media}
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	q := r.URL.Query()
	f := store.ConversationFilter{
		Status:    model.ConversationStatus(q.Get("status")),
		ChannelID: q.Get("channel_id"),
		Limit:     limit,
		Offset:    offset,
	}
	if f.Status != "" && !f.Status.Valid() {
		s.fail(w, r, errs.Validation("unknown status %q", f.Status), nil)
		return
	}
	convs, err := s.cfg.Inbox.List(r.Context(), agent(r), f)
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	s.ok(w, http.StatusOK, convs)
}

type initiateRequest struct {
	ChannelID   string `json:"channel_id"`
	ContactID   string `json:"contact_id"`
	DisplayName string `json:"display_name"`
	contentRequest
}

type conversationResponse struct {
	Conversation model.Conversation `json:"conversation"`
	Messages     []model.Message    `json:"messages"`
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err, nil)
		return
	}
	contact := model.Contact{ID: req.ContactID, DisplayName: req.DisplayName}
	conv, msg, err := s.cfg.Inbox.Initiate(r.Context(), agent(r).ID, req.ChannelID, contact, req.content())
	if err != nil {
		var data any
		if msg.ID != "" {
			data = conversationResponse{Conversation: conv, Messages: []model.Message{msg}}
		}
		s.fail(w, r, err, data)
		return
	}
	s.ok(w, http.StatusCreated, conversationResponse{Conversation: conv, Messages: []model.Message{msg}})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	conv, msgs, err := s.cfg.Inbox.Get(r.Context(), agent(r), chi.URLParam(r, "id"), limit, offset)
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	s.ok(w, http.StatusOK, conversationResponse{Conversation: conv, Messages: msgs})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req contentRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err, nil)
		return
	}
	msg, err := s.cfg.Inbox.DispatchOutbound(r.Context(), chi.URLParam(r, "id"), agent(r).ID, req.content())
	if err != nil {
		var data any
		if msg.ID != "" {
			data = msg
		}
		s.fail(w, r, err, data)
		return
	}
	s.ok(w, http.StatusCreated, msg)
}

type assignRequest struct {
	AgentID string `json:"agent_id"`
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err, nil)
		return
	}
	conv, err := s.cfg.Inbox.Assign(r.Context(), chi.URLParam(r, "id"), agent(r).ID, req.AgentID)
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	s.ok(w, http.StatusOK, conv)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	conv, err := s.cfg.Inbox.MarkRead(r.Context(), agent(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	s.ok(w, http.StatusOK, conv)
}

type statusRequest struct {
	Status model.ConversationStatus `json:"status"`
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err, nil)
		return
	}
	conv, err := s.cfg.Inbox.SetStatus(r.Context(), agent(r), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	s.ok(w, http.StatusOK, conv)
}

type bulkRequest struct {
	ConversationIDs []string `json:"conversation_ids"`
	contentRequest
}

func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err, nil)
		return
	}
	results, err := s.cfg.Inbox.BulkSend(r.Context(), agent(r).ID, req.ConversationIDs, req.content())
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	s.ok(w, http.StatusOK, results)
}

// --- agents ---

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.cfg.Agents.ListAgents(r.Context())
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	if agents == nil {
		agents = []model.Agent{}
	}
	s.ok(w, http.StatusOK, agents)
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req auth.AgentSpec
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err, nil)
		return
	}
	a, err := auth.NewAgent(req)
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	created, err := s.cfg.Agents.CreateAgent(r.Context(), a)
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	s.log.Info("agent created", zap.String("agent_id", created.ID), zap.String("by", agent(r).ID))
	s.ok(w, http.StatusCreated, created)
}

func (s *Server) handleUpdatePermissions(w http.ResponseWriter, r *http.Request) {
	var req model.PermissionOverrides
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err, nil)
		return
	}
	id := chi.URLParam(r, "id")
	current, err := s.cfg.Agents.GetAgent(r.Context(), id)
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	updated, err := s.cfg.Agents.UpdateAgentPermissions(r.Context(), id, req.Apply(current.Permissions))
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	if s.cfg.Hub != nil {
		s.cfg.Hub.RefreshAgent(updated)
	}
	s.ok(w, http.StatusOK, updated)
}

type presenceRequest struct {
	Online bool `json:"online"`
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	var req presenceRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err, nil)
		return
	}
	if err := s.cfg.Presence.Ping(r.Context(), agent(r).ID, req.Online); err != nil {
		s.fail(w, r, err, nil)
		return
	}
	s.ok(w, http.StatusOK, req)
}

// --- generation ---

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Generator == nil {
		s.fail(w, r, errs.Upstream(nil, "content generation is not configured"), nil)
		return
	}
	var req providers.Request
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err, nil)
		return
	}
	res, err := s.cfg.Generator.Generate(r.Context(), agent(r).ID, req)
	if err != nil {
		s.fail(w, r, err, nil)
		return
	}
	s.ok(w, http.StatusOK, res)
}
