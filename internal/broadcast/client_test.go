package broadcast

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Backoff(t *testing.T) {
	c := NewClient(ClientConfig{})
	assert.Equal(t, 500*time.Millisecond, c.Backoff(1))
	assert.Equal(t, time.Second, c.Backoff(2))
	assert.Equal(t, 2*time.Second, c.Backoff(3))
	assert.Equal(t, 16*time.Second, c.Backoff(6))
	assert.Equal(t, 30*time.Second, c.Backoff(7))
	assert.Equal(t, 30*time.Second, c.Backoff(50))
}

func TestClient_GivesUpAfterMaxAttempts(t *testing.T) {
	// reserve a port, then free it so every dial is refused
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	var slept []time.Duration
	c := NewClient(ClientConfig{
		URL:         "ws://" + addr + "/ws",
		Token:       "good",
		MaxAttempts: 3,
		Sleep: func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	})

	err = c.Run(context.Background(), func(Frame) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "giving up after 3 attempts")
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}, slept)
}

func TestClient_UnauthorizedIsNotRetried(t *testing.T) {
	f := newWSFixture(t, HandlerConfig{})
	sleeps := 0
	c := NewClient(ClientConfig{
		URL:   f.url,
		Token: "bad",
		Sleep: func(context.Context, time.Duration) error { sleeps++; return nil },
	})

	err := c.Run(context.Background(), func(Frame) {})
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Zero(t, sleeps)
}

func TestClient_ReceivesAndReconnects(t *testing.T) {
	f := newWSFixture(t, HandlerConfig{})

	var (
		mu     sync.Mutex
		frames []Type
	)
	got := func() []Type {
		mu.Lock()
		defer mu.Unlock()
		return append([]Type(nil), frames...)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := NewClient(ClientConfig{
		URL:   f.url,
		Token: "good",
		Sleep: func(context.Context, time.Duration) error { return nil },
	})
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx, func(fr Frame) {
			mu.Lock()
			frames = append(frames, fr.Type)
			mu.Unlock()
		})
	}()

	require.Eventually(t, func() bool { return f.hub.Count() == 1 }, 2*time.Second, 5*time.Millisecond)
	f.hub.Publish(NewEvent(TypeNewConversation, nil), nil)
	require.Eventually(t, func() bool { return len(got()) == 2 }, 2*time.Second, 5*time.Millisecond)

	// server drops everyone; the client comes back on its own
	f.hub.CloseAll()
	require.Eventually(t, func() bool {
		return f.hub.Count() == 1 && strings.Count(typesString(got()), string(TypeReady)) == 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop")
	}
	assert.Equal(t, []Type{TypeReady, TypeNewConversation, TypeReady}, got())
}

func typesString(ts []Type) string {
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}
