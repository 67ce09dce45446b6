package registry

import (
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oidc-core/internal/util"
)

// Grant types a client may be allowed to use.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantClientCredentials = "client_credentials"
)

// Client is a registered OAuth client. Values held by a Snapshot are never
// modified; a reload replaces them.
type Client struct {
	ID           string
	Name         string
	SecretHash   string
	Enabled      bool
	GrantTypes   []string
	RedirectURIs []string
	Scopes       []string

	// Zero TTLs fall back to the server defaults.
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	RequirePKCE         bool
	AllowPlainPKCE      bool
	RotateRefreshTokens bool
}

// IsPublic reports whether the client has no secret.
func (c *Client) IsPublic() bool {
	return c.SecretHash == ""
}

// AllowsGrant reports whether grantType is enabled for the client.
func (c *Client) AllowsGrant(grantType string) bool {
	return util.Contains(c.GrantTypes, grantType)
}

// AllowsScope reports whether the client may request scope.
func (c *Client) AllowsScope(scope string) bool {
	return util.Contains(c.Scopes, scope)
}

// HasRedirectURI reports whether uri is registered for the client.
// The comparison is byte-exact: no case folding, no trailing-slash or
// percent-encoding normalisation.
func (c *Client) HasRedirectURI(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// VerifySecret checks secret against the stored bcrypt hash.
// Public clients never verify.
func (c *Client) VerifySecret(secret string) bool {
	if c.IsPublic() || secret == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(c.SecretHash), []byte(secret)) == nil
}

// Scope is a registered scope and the subject claims it releases.
type Scope struct {
	Name        string
	Description string
	Claims      []string

	// Identity marks OIDC identity scopes (openid, profile, email). They need a
	// subject and cannot be granted through client_credentials.
	Identity bool
}
