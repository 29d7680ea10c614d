package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dayuer/inboxd/internal/auth"
	"github.com/dayuer/inboxd/internal/errs"
	"github.com/dayuer/inboxd/internal/presence"
)

// requestLog logs each request and feeds the latency window.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)

		// websocket connections live for hours; they would swamp the window
		if r.URL.Path != "/ws" {
			s.latency.Record(elapsed)
		}
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", elapsed),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// authenticate resolves the bearer token into the request's agent.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return auth.Middleware(s.auth, func(w http.ResponseWriter, r *http.Request, err error) {
		s.fail(w, r, err, nil)
	})(next)
}

// require rejects agents without the permission for action.
func (s *Server) require(action presence.Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			agent, ok := auth.AgentFrom(r.Context())
			if !ok {
				s.fail(w, r, errs.Unauthenticated("missing token"), nil)
				return
			}
			if !presence.Allowed(agent, action) {
				s.fail(w, r, errs.Forbidden("%s permission required", action), nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// limiterSet hands out one token bucket per key.
type limiterSet struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	idle    time.Duration
	entries map[string]*limiterEntry
	now     func() time.Time
}

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

func newLimiterSet(limit rate.Limit, burst int) *limiterSet {
	if burst < 1 {
		burst = 1
	}
	return &limiterSet{
		limit:   limit,
		burst:   burst,
		idle:    10 * time.Minute,
		entries: make(map[string]*limiterEntry),
		now:     time.Now,
	}
}

// Allow takes a token for key.
func (l *limiterSet) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.entries[key]
	if !ok {
		if len(l.entries) > 4096 {
			l.sweep(now)
		}
		e = &limiterEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = e
	}
	e.seen = now
	return e.lim.AllowN(now, 1)
}

func (l *limiterSet) sweep(now time.Time) {
	for k, e := range l.entries {
		if now.Sub(e.seen) > l.idle {
			delete(l.entries, k)
		}
	}
}

func (s *Server) limitBy(set *limiterSet, key func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if set != nil && !set.Allow(key(r)) {
				w.Header().Set("Retry-After", "1")
				writeJSON(w, http.StatusTooManyRequests, envelope{Error: "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func agentKey(r *http.Request) string {
	if a, ok := auth.AgentFrom(r.Context()); ok {
		return a.ID
	}
	return clientIP(r)
}
