// Package auth issues and verifies the HS256 bearer tokens that guard the
// status API.
package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// TokenType distinguishes access tokens from anything else signed with the
// same secret.
type TokenType string

const (
	// TokenTypeAccess is the only type the status API accepts.
	TokenTypeAccess TokenType = "access"
)

// Claims are the JWT claims of a status API token. The subject names the
// operator or tool holding it.
type Claims struct {
	jwt.RegisteredClaims

	// TokenType must be "access".
	TokenType TokenType `json:"token_type"`
}

// IsAccessToken returns true if this is an access token.
func (c *Claims) IsAccessToken() bool {
	return c.TokenType == TokenTypeAccess
}
