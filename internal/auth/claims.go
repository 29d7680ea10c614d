package auth

import "github.com/golang-jwt/jwt/v5"

// Claims is the bearer token payload. Permissions are not carried: they are
// read from the store on every request so changes apply immediately.
type Claims struct {
	jwt.RegisteredClaims
	AgentID string `json:"agent_id"`
	Email   string `json:"email"`
	Role    string `json:"role"`
}
