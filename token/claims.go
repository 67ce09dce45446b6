package token

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AccessClaims are the claims of an access token.
type AccessClaims struct {
	jwt.RegisteredClaims

	ClientID string `json:"client_id"`
	Scope    string `json:"scope,omitempty"`

	// GrantID ties the token to its grant so revoking the grant revokes the token.
	GrantID string `json:"gid,omitempty"`
}

// Scopes returns the granted scopes.
func (c *AccessClaims) Scopes() []string {
	return strings.Fields(c.Scope)
}

// HasScope reports whether scope was granted.
func (c *AccessClaims) HasScope(scope string) bool {
	for _, s := range c.Scopes() {
		if s == scope {
			return true
		}
	}
	return false
}

// accessTokenHash computes at_hash for EdDSA tokens: the base64url left half
// of the SHA-256 of the access token.
func accessTokenHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}

// reservedIDClaims cannot be overridden by subject claims.
var reservedIDClaims = map[string]struct{}{
	"iss": {}, "sub": {}, "aud": {}, "exp": {}, "iat": {}, "nbf": {}, "jti": {},
	"auth_time": {}, "nonce": {}, "at_hash": {}, "azp": {},
}
