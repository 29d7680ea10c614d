package presence

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/dayuer/inboxd/internal/broadcast"
)

// OnlineStore persists the online flag.
type OnlineStore interface {
	SetAgentOnline(ctx context.Context, id string, online bool) error
}

// Publisher fans an event out to an audience.
type Publisher interface {
	Publish(evt broadcast.Event, aud broadcast.Audience) (delivered, dropped int)
}

// Tracker counts live connections per agent. The first connection marks
// the agent online and the last close marks it offline.
type Tracker struct {
	store OnlineStore
	pub   Publisher
	log   *zap.Logger

	mu    sync.Mutex
	conns map[string]int
}

// NewTracker creates a tracker. pub may be nil.
func NewTracker(store OnlineStore, pub Publisher, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{store: store, pub: pub, log: log.Named("presence"), conns: make(map[string]int)}
}

// Connected records a new connection for agentID.
func (t *Tracker) Connected(ctx context.Context, agentID string) {
	t.mu.Lock()
	t.conns[agentID]++
	first := t.conns[agentID] == 1
	t.mu.Unlock()

	if first {
		t.set(ctx, agentID, true)
	}
}

// Disconnected records a closed connection for agentID.
func (t *Tracker) Disconnected(ctx context.Context, agentID string) {
	t.mu.Lock()
	n, ok := t.conns[agentID]
	if !ok {
		t.mu.Unlock()
		return
	}
	last := n <= 1
	if last {
		delete(t.conns, agentID)
	} else {
		t.conns[agentID] = n - 1
	}
	t.mu.Unlock()

	if last {
		t.set(ctx, agentID, false)
	}
}

// Ping applies an explicit status from the agent. Going offline while
// connections are open only lasts until the next connection opens.
func (t *Tracker) Ping(ctx context.Context, agentID string, online bool) error {
	if err := t.store.SetAgentOnline(ctx, agentID, online); err != nil {
		return err
	}
	t.publish(agentID, online)
	return nil
}

// Online reports whether agentID has a live connection.
func (t *Tracker) Online(agentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[agentID] > 0
}

// Connections returns the number of live connections of agentID.
func (t *Tracker) Connections(agentID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[agentID]
}

func (t *Tracker) set(ctx context.Context, agentID string, online bool) {
	if err := t.store.SetAgentOnline(ctx, agentID, online); err != nil {
		t.log.Warn("update online flag", zap.String("agent_id", agentID), zap.Bool("online", online), zap.Error(err))
		return
	}
	t.publish(agentID, online)
}

func (t *Tracker) publish(agentID string, online bool) {
	if t.pub == nil {
		return
	}
	t.pub.Publish(
		broadcast.NewEvent(broadcast.TypeAgentPresence, broadcast.PresencePayload{AgentID: agentID, Online: online}),
		broadcast.Audience(Holders(ActionManageAgents)),
	)
}
