package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	// TokenTypeDashboard authenticates a staff dashboard socket subscription.
	TokenTypeDashboard TokenType = "dashboard"
)

// Claims are the only supported JWT claims shape for this service.
// Multi-tenant invariant: AccountID must be present on every token; the
// fan-out hub scopes every subscription to it.
type Claims struct {
	jwt.RegisteredClaims

	UserID    string    `json:"user_id"`
	AccountID string    `json:"account_id"`
	Role      string    `json:"role"`
	TokenType TokenType `json:"token_type"`
}
