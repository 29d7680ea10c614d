package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/dayuer/inboxd/internal/model"
)

type agentKey struct{}

// WithAgent stores the authenticated agent in ctx.
func WithAgent(ctx context.Context, a model.Agent) context.Context {
	return context.WithValue(ctx, agentKey{}, a)
}

// AgentFrom returns the authenticated agent, if any.
func AgentFrom(ctx context.Context) (model.Agent, bool) {
	a, ok := ctx.Value(agentKey{}).(model.Agent)
	return a, ok
}

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// Middleware rejects requests without a valid bearer token through fail and
// puts the agent in the request context otherwise.
func Middleware(s *Service, fail func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			agent, err := s.Authenticate(r.Context(), BearerToken(r))
			if err != nil {
				fail(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAgent(r.Context(), agent)))
		})
	}
}
