package broadcast

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dayuer/inboxd/internal/metrics"
	"github.com/dayuer/inboxd/internal/model"
)

// DefaultQueueSize is the per-subscriber outbound buffer.
const DefaultQueueSize = 64

// Subscriber is one authenticated websocket connection. Its queue is drained
// by the connection's writer goroutine.
type Subscriber struct {
	id uint64

	mu    sync.RWMutex
	agent model.Agent

	send chan []byte

	// evicted is set when the hub, not the peer, ended the subscription.
	evicted atomic.Bool
}

// ID returns the subscriber's hub-local id.
func (s *Subscriber) ID() uint64 { return s.id }

// Agent returns the agent snapshot used for audience checks.
func (s *Subscriber) Agent() model.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agent
}

// C is closed when the subscriber is removed from the hub.
func (s *Subscriber) C() <-chan []byte { return s.send }

// Hub holds the live subscribers.
type Hub struct {
	mu        sync.RWMutex
	subs      map[uint64]*Subscriber
	nextID    atomic.Uint64
	queueSize int
	log       *zap.Logger
	metrics   *metrics.Metrics
}

// HubConfig configures a Hub.
type HubConfig struct {
	QueueSize int // default 64
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// NewHub creates an empty hub.
func NewHub(cfg HubConfig) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Hub{
		subs:      make(map[uint64]*Subscriber),
		queueSize: cfg.QueueSize,
		log:       cfg.Logger.Named("broadcast"),
		metrics:   cfg.Metrics,
	}
}

// Subscribe registers a subscriber for agent.
func (h *Hub) Subscribe(agent model.Agent) *Subscriber {
	s := &Subscriber{
		id:    h.nextID.Add(1),
		agent: agent,
		send:  make(chan []byte, h.queueSize),
	}
	h.mu.Lock()
	h.subs[s.id] = s
	n := len(h.subs)
	h.mu.Unlock()

	h.metrics.SetSubscribers(n)
	h.log.Debug("subscribed", zap.String("agent_id", agent.ID), zap.Uint64("sub", s.id))
	return s
}

// Unsubscribe removes s and closes its queue. Safe to call twice.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	if _, ok := h.subs[s.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subs, s.id)
	close(s.send)
	n := len(h.subs)
	h.mu.Unlock()

	h.metrics.SetSubscribers(n)
}

// Publish marshals evt once and enqueues it for every subscriber matched by
// aud. It never blocks: a subscriber whose queue is full misses the event.
func (h *Hub) Publish(evt Event, aud Audience) (delivered, dropped int) {
	data, err := evt.Encode()
	if err != nil {
		h.log.Error("encode event", zap.String("type", string(evt.Type)), zap.Error(err))
		return 0, 0
	}
	if aud == nil {
		aud = Everyone
	}

	// Sends happen under the read lock so Unsubscribe cannot close a queue
	// mid-send.
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		agent := s.Agent()
		if !aud(agent) {
			continue
		}
		select {
		case s.send <- data:
			delivered++
		default:
			dropped++
			h.metrics.BroadcastDropped()
			h.log.Warn("subscriber queue full, event dropped",
				zap.String("agent_id", agent.ID),
				zap.Uint64("sub", s.id),
				zap.String("type", string(evt.Type)))
		}
	}
	h.metrics.BroadcastDelivered(delivered)
	return delivered, dropped
}

// SendTo enqueues evt for a single subscriber. Reports false when the
// subscriber is gone or its queue is full.
func (h *Hub) SendTo(s *Subscriber, evt Event) bool {
	data, err := evt.Encode()
	if err != nil {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.subs[s.id]; !ok {
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		h.metrics.BroadcastDropped()
		return false
	}
}

// RefreshAgent replaces the agent snapshot on every subscriber of that
// agent, so permission changes apply to live connections.
func (h *Hub) RefreshAgent(agent model.Agent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		s.mu.Lock()
		if s.agent.ID == agent.ID {
			s.agent = agent
		}
		s.mu.Unlock()
	}
}

// Count returns the number of subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// CloseAll unsubscribes everyone. Writers see their queue closed and, unlike
// a plain Unsubscribe, send a going-away close frame.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	for id, s := range h.subs {
		delete(h.subs, id)
		s.evicted.Store(true)
		close(s.send)
	}
	h.mu.Unlock()
	h.metrics.SetSubscribers(0)
}
