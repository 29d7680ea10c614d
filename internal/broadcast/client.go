package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrUnauthorized is returned when the server rejects the token. The client
// does not retry it.
var ErrUnauthorized = errors.New("broadcast: unauthorized")

// Frame is a decoded server frame.
type Frame struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	TS   int64           `json:"ts,omitempty"`
	Code string          `json:"code,omitempty"`
}

// ClientConfig configures a reconnecting Client.
type ClientConfig struct {
	URL   string // ws://host:port/ws
	Token string

	BaseDelay   time.Duration // default 500ms
	MaxDelay    time.Duration // default 30s
	Factor      float64       // default 2
	MaxAttempts int           // consecutive failures before giving up, default 10

	// Sleep waits between attempts; replaced in tests.
	Sleep  func(ctx context.Context, d time.Duration) error
	Dialer *websocket.Dialer
	Logger *zap.Logger
}

// Client subscribes to the broadcaster and reconnects with bounded
// exponential backoff.
type Client struct {
	cfg ClientConfig
	log *zap.Logger
}

// NewClient creates a client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Factor < 1 {
		cfg.Factor = 2
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Client{cfg: cfg, log: cfg.Logger.Named("ws-client")}
}

// schedule is exponential from BaseDelay and capped at MaxDelay, without
// jitter so delays stay predictable.
func (c *Client) schedule() *backoff.ExponentialBackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.BaseDelay
	eb.Multiplier = c.cfg.Factor
	eb.MaxInterval = c.cfg.MaxDelay
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}

// Backoff returns the delay before retry number attempt (1-based).
func (c *Client) Backoff(attempt int) time.Duration {
	eb := c.schedule()
	d := eb.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = eb.NextBackOff()
	}
	return d
}

// Run delivers frames to onFrame until ctx is cancelled, the token is
// rejected, or MaxAttempts consecutive connection attempts fail.
func (c *Client) Run(ctx context.Context, onFrame func(Frame)) error {
	b := backoff.WithContext(backoff.WithMaxRetries(c.schedule(), uint64(c.cfg.MaxAttempts)), ctx)
	attempt := 0
	for {
		established, err := c.session(ctx, onFrame)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrUnauthorized) {
			return err
		}
		if established {
			b.Reset()
			attempt = 0
		}
		attempt++

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("broadcast: giving up after %d attempts: %w", c.cfg.MaxAttempts, err)
		}
		c.log.Warn("connection lost, retrying",
			zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		if err := c.cfg.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// session runs one connection. established reports whether the handshake
// completed.
func (c *Client) session(ctx context.Context, onFrame func(Frame)) (established bool, err error) {
	ws, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, http.Header{})
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer ws.Close()

	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	if err := ws.WriteJSON(clientFrame{Type: TypeAuth, Token: c.cfg.Token}); err != nil {
		return false, fmt.Errorf("send auth: %w", err)
	}

	for {
		var f Frame
		if err := ws.ReadJSON(&f); err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == CloseUnauthorized {
				return established, ErrUnauthorized
			}
			return established, fmt.Errorf("read: %w", err)
		}
		switch {
		case f.Type == TypeReady:
			established = true
		case f.Type == TypeError && f.Code == "unauthorized":
			return established, ErrUnauthorized
		}
		onFrame(f)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
