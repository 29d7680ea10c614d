// Package auth issues and checks agent bearer tokens (HS256 JWT) and
// password hashes (bcrypt).
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/dayuer/inboxd/internal/errs"
	"github.com/dayuer/inboxd/internal/model"
)

const (
	// MinSecretLen is the shortest accepted signing secret.
	MinSecretLen = 32
	// MinPasswordLen is the shortest accepted agent password.
	MinPasswordLen = 8
	// MaxPasswordBytes is bcrypt's input limit.
	MaxPasswordBytes = 72

	DefaultTokenTTL = 24 * time.Hour
	issuer          = "inboxd"
)

// AgentStore loads agents for login and token checks.
type AgentStore interface {
	GetAgent(ctx context.Context, id string) (model.Agent, error)
	GetAgentByEmail(ctx context.Context, email string) (model.Agent, error)
}

// Service signs and verifies tokens for one secret.
type Service struct {
	secret []byte
	ttl    time.Duration
	agents AgentStore
	now    func() time.Time
}

// NewService validates the secret and creates a token service.
func NewService(secret string, ttl time.Duration, agents AgentStore) (*Service, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("auth: jwt secret must be at least %d bytes", MinSecretLen)
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Service{secret: []byte(secret), ttl: ttl, agents: agents, now: time.Now}, nil
}

// Issue signs a token for agent.
func (s *Service) Issue(agent model.Agent) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.ttl)
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   agent.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		AgentID: agent.ID,
		Email:   agent.Email,
		Role:    string(agent.Role),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// Parse verifies a token and returns its claims. Only HS256 is accepted.
func (s *Service) Parse(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.AgentID == "" {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Authenticate resolves a bearer token to the current agent record.
func (s *Service) Authenticate(ctx context.Context, token string) (model.Agent, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return model.Agent{}, errs.Unauthenticated("missing token")
	}
	claims, err := s.Parse(token)
	if err != nil {
		return model.Agent{}, errs.Unauthenticated("invalid or expired token")
	}
	agent, err := s.agents.GetAgent(ctx, claims.AgentID)
	if err != nil {
		if errs.IsNotFound(err) {
			return model.Agent{}, errs.Unauthenticated("agent no longer exists")
		}
		return model.Agent{}, err
	}
	return agent, nil
}

// Login checks an email and password and issues a token.
func (s *Service) Login(ctx context.Context, email, password string) (string, time.Time, model.Agent, error) {
	fail := errs.Unauthenticated("invalid email or password")
	if email == "" || password == "" {
		return "", time.Time{}, model.Agent{}, errs.Validation("email and password are required")
	}
	agent, err := s.agents.GetAgentByEmail(ctx, email)
	if err != nil {
		if errs.IsNotFound(err) {
			return "", time.Time{}, model.Agent{}, fail
		}
		return "", time.Time{}, model.Agent{}, err
	}
	if !CheckPassword(agent.PasswordHash, password) {
		return "", time.Time{}, model.Agent{}, fail
	}
	token, exp, err := s.Issue(agent)
	if err != nil {
		return "", time.Time{}, model.Agent{}, err
	}
	return token, exp, agent, nil
}

// HashPassword bcrypt-hashes a password.
func HashPassword(password string) (string, error) {
	if len(password) < MinPasswordLen {
		return "", errs.Validation("password must be at least %d characters", MinPasswordLen)
	}
	if len(password) > MaxPasswordBytes {
		return "", errs.Validation("password must be at most %d bytes", MaxPasswordBytes)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// AgentSpec is a request to create an agent.
type AgentSpec struct {
	Email       string                    `json:"email" yaml:"email"`
	Name        string                    `json:"name" yaml:"name"`
	Role        model.Role                `json:"role" yaml:"role"`
	Password    string                    `json:"password" yaml:"password"`
	Permissions model.PermissionOverrides `json:"permissions" yaml:"permissions"`
}

// NewAgent validates spec and builds the agent record to store: password
// hashed, role defaulted, role permissions with overrides applied.
func NewAgent(spec AgentSpec) (model.Agent, error) {
	email := strings.ToLower(strings.TrimSpace(spec.Email))
	if email == "" || !strings.Contains(email, "@") {
		return model.Agent{}, errs.Validation("a valid email is required")
	}
	role := spec.Role
	switch role {
	case "":
		role = model.RoleAgent
	case model.RoleAdmin, model.RoleAgent:
	default:
		return model.Agent{}, errs.Validation("unknown role %q", spec.Role)
	}
	hash, err := HashPassword(spec.Password)
	if err != nil {
		return model.Agent{}, err
	}
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		name = email[:strings.Index(email, "@")]
	}
	return model.Agent{
		Email:        email,
		PasswordHash: hash,
		Name:         name,
		Role:         role,
		Permissions:  spec.Permissions.Apply(model.DefaultPermissions(role)),
	}, nil
}
