package broadcast

import (
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dayuer/inboxd/internal/metrics"
	"github.com/dayuer/inboxd/internal/model"
)

func admin(id string) model.Agent {
	return model.Agent{ID: id, Role: model.RoleAdmin, Permissions: model.DefaultPermissions(model.RoleAdmin)}
}

func agent(id string) model.Agent {
	return model.Agent{ID: id, Role: model.RoleAgent, Permissions: model.DefaultPermissions(model.RoleAgent)}
}

func viewAll(a model.Agent) bool { return a.Permissions.ViewAll }

func TestHub_PublishFiltersByAudience(t *testing.T) {
	h := NewHub(HubConfig{})
	a := h.Subscribe(admin("a1"))
	b := h.Subscribe(agent("b1"))

	delivered, dropped := h.Publish(NewEvent(TypeNewConversation, map[string]string{"id": "c1"}), viewAll)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 0, dropped)

	require.Len(t, a.C(), 1)
	assert.Len(t, b.C(), 0)

	var got Frame
	require.NoError(t, json.Unmarshal(<-a.C(), &got))
	assert.Equal(t, TypeNewConversation, got.Type)
	assert.NotZero(t, got.TS)
	assert.JSONEq(t, `{"id":"c1"}`, string(got.Data))
}

func TestHub_SlowClientDropsWithoutBlockingOthers(t *testing.T) {
	m := metrics.New()
	h := NewHub(HubConfig{QueueSize: 2, Metrics: m})
	slow := h.Subscribe(admin("slow"))
	fast := h.Subscribe(admin("fast"))

	var drops atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			delivered, dropped := h.Publish(NewEvent(TypeNewMessage, i), nil)
			if i < 2 {
				assert.Equal(t, 2, delivered, "slow queue still has room")
			} else {
				assert.Equal(t, 1, delivered)
			}
			drops.Add(int32(dropped))
			select {
			case <-fast.C():
			case <-time.After(time.Second):
				t.Error("fast subscriber starved")
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	assert.Len(t, slow.C(), 2, "slow queue holds only what fit")
	assert.Equal(t, int32(8), drops.Load())
}

func TestHub_UnsubscribeIsIdempotent(t *testing.T) {
	h := NewHub(HubConfig{})
	s := h.Subscribe(admin("a"))
	assert.Equal(t, 1, h.Count())

	h.Unsubscribe(s)
	h.Unsubscribe(s)
	assert.Equal(t, 0, h.Count())

	_, ok := <-s.C()
	assert.False(t, ok)
	assert.False(t, h.SendTo(s, NewEvent(TypePong, nil)))

	delivered, _ := h.Publish(NewEvent(TypeNewMessage, nil), nil)
	assert.Zero(t, delivered)
}

func TestHub_OnlyCloseAllEvicts(t *testing.T) {
	h := NewHub(HubConfig{})
	left := h.Subscribe(admin("a"))
	stayed := h.Subscribe(admin("b"))

	h.Unsubscribe(left)
	assert.False(t, left.evicted.Load(), "peer-initiated close is not an eviction")

	h.CloseAll()
	assert.True(t, stayed.evicted.Load())
	_, ok := <-stayed.C()
	assert.False(t, ok)
}

func TestHub_RefreshAgent(t *testing.T) {
	h := NewHub(HubConfig{})
	s := h.Subscribe(agent("a1"))

	delivered, _ := h.Publish(NewEvent(TypeNewConversation, nil), viewAll)
	assert.Zero(t, delivered)

	promoted := agent("a1")
	promoted.Permissions.ViewAll = true
	h.RefreshAgent(promoted)

	delivered, _ = h.Publish(NewEvent(TypeNewConversation, nil), viewAll)
	assert.Equal(t, 1, delivered)
	assert.True(t, s.Agent().Permissions.ViewAll)
}

func TestHub_CloseAll(t *testing.T) {
	h := NewHub(HubConfig{})
	s1 := h.Subscribe(admin("a"))
	s2 := h.Subscribe(admin("b"))
	h.CloseAll()

	_, ok1 := <-s1.C()
	_, ok2 := <-s2.C()
	assert.False(t, ok1)
	assert.False(t, ok2)
	assert.Zero(t, h.Count())

	// late unsubscribe from a connection goroutine is harmless
	h.Unsubscribe(s1)
}
