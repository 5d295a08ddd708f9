package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims identify a doctor, patient or admin calling the session API.
// They never grant media access; that needs a channel token from relay.
type Claims struct {
	jwt.RegisteredClaims

	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	TokenType TokenType `json:"token_type"`
}

func (c *Claims) Identity() Identity {
	return Identity{UserID: c.UserID, Role: c.Role}
}
