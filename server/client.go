package server

import (
	"context"

	"github.com/giantswarm/oidc-core/registry"
	"github.com/giantswarm/oidc-core/security"
)

// Token endpoint authentication methods (RFC 7591)
const (
	TokenEndpointAuthMethodNone  = "none"
	TokenEndpointAuthMethodBasic = "client_secret_basic"
	TokenEndpointAuthMethodPost  = "client_secret_post"
)

// AuthenticateClient authenticates a client at the token, revocation and
// introspection endpoints. Confidential clients must present their secret;
// public clients must present none. Every failure returns the same
// invalid_client error so callers cannot enumerate client ids.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, secret string) (*registry.Client, error) {
	clientIP := security.GetClientIP(ctx)
	reject := func(reason string) (*registry.Client, error) {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventClientAuthFailure,
			Outcome:   security.OutcomeFailure,
			ClientID:  clientID,
			IPAddress: clientIP,
			Details:   map[string]any{"reason": reason},
		})
		return nil, ErrInvalidClient()
	}

	if clientID == "" {
		return reject("missing_client_id")
	}
	client, err := s.registry.Lookup(clientID)
	if err != nil {
		return reject("unknown_client")
	}
	if !client.Enabled {
		return reject("client_disabled")
	}

	if client.IsPublic() {
		if secret != "" {
			return reject("secret_presented_by_public_client")
		}
		return client, nil
	}
	if !client.VerifySecret(secret) {
		return reject("invalid_secret")
	}
	return client, nil
}

// AuthMethods returns the token endpoint authentication methods the server
// accepts, for the discovery document.
func AuthMethods() []string {
	return []string{TokenEndpointAuthMethodBasic, TokenEndpointAuthMethodPost, TokenEndpointAuthMethodNone}
}
