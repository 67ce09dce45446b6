package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"github.com/giantswarm/oidc-core/internal/util"
	"github.com/giantswarm/oidc-core/registry"
)

// PKCE validation constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
	PKCEMethodPlain       = "plain"
)

// ResponseTypeCode is the only supported response_type.
const ResponseTypeCode = "code"

// ScopeOpenID marks an OpenID Connect request.
const ScopeOpenID = "openid"

// AuthorizationParams are the raw parameters of an authorization request.
type AuthorizationParams struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
}

// AuthorizationRequest is a validated authorization request.
type AuthorizationRequest struct {
	Client              *registry.Client
	RedirectURI         string
	Scopes              []string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// TokenParams are the raw parameters of a token request.
type TokenParams struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scope        string
}

// ValidateAuthorizationRequest checks p against the registry snapshot.
//
// Until the redirect URI is known to be registered for the client, errors
// are returned without a redirect. Every later error carries the redirect
// URI and state so it can be delivered to the client.
func ValidateAuthorizationRequest(snap *registry.Snapshot, p AuthorizationParams, config *Config) (*AuthorizationRequest, error) {
	if p.ClientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}
	client, ok := snap.Client(p.ClientID)
	if !ok {
		return nil, ErrUnknownClient("unknown client")
	}
	if !client.Enabled {
		return nil, ErrUnauthorizedClient("client is disabled")
	}
	if p.RedirectURI == "" {
		return nil, ErrInvalidRequest("redirect_uri is required")
	}
	if err := ValidateRedirectURI(client, p.RedirectURI); err != nil {
		return nil, err
	}

	// the redirect URI is trusted from here on
	redirect := func(e *Error) (*AuthorizationRequest, error) {
		return nil, e.WithRedirect(p.RedirectURI, p.State)
	}

	switch p.ResponseType {
	case ResponseTypeCode:
	case "":
		return redirect(ErrInvalidRequest("response_type is required"))
	default:
		return redirect(ErrUnsupportedResponseType(fmt.Sprintf("response_type %q is not supported", p.ResponseType)))
	}
	if !client.AllowsGrant(registry.GrantAuthorizationCode) {
		return redirect(ErrUnauthorizedClient("client is not allowed to use the authorization code grant"))
	}

	scopes, err := ValidateScopes(snap, client, p.Scope)
	if err != nil {
		return redirect(AsError(err))
	}

	if err := validateChallenge(client, config, p.CodeChallenge, p.CodeChallengeMethod); err != nil {
		return redirect(err)
	}
	method := p.CodeChallengeMethod
	if p.CodeChallenge != "" && method == "" {
		method = PKCEMethodPlain
	}

	return &AuthorizationRequest{
		Client:              client,
		RedirectURI:         p.RedirectURI,
		Scopes:              scopes,
		State:               p.State,
		Nonce:               p.Nonce,
		CodeChallenge:       p.CodeChallenge,
		CodeChallengeMethod: method,
	}, nil
}

// ValidateRedirectURI requires uri to be registered for client byte for byte.
// Case and trailing-slash variants are rejected.
func ValidateRedirectURI(client *registry.Client, uri string) error {
	if !client.HasRedirectURI(uri) {
		return ErrInvalidRequest("redirect_uri is not registered for this client")
	}
	return nil
}

// ValidateScopes parses a space separated scope string and checks every
// scope is registered and allowed for client. The result keeps request
// order without duplicates.
func ValidateScopes(snap *registry.Snapshot, client *registry.Client, requested string) ([]string, error) {
	scopes := util.UniqueFields(requested)
	if len(scopes) == 0 {
		return nil, ErrInvalidScope("scope is required")
	}
	for _, name := range scopes {
		if _, ok := snap.Scope(name); !ok {
			return nil, ErrInvalidScope(fmt.Sprintf("unknown scope %q", name))
		}
		if !client.AllowsScope(name) {
			return nil, ErrInvalidScope(fmt.Sprintf("scope %q is not allowed for this client", name))
		}
	}
	return scopes, nil
}

func validateChallenge(client *registry.Client, config *Config, challenge, method string) *Error {
	if challenge == "" {
		if client.RequirePKCE || client.IsPublic() || config.RequirePKCE {
			return ErrInvalidRequest("code_challenge is required")
		}
		if method != "" {
			return ErrInvalidRequest("code_challenge_method without code_challenge")
		}
		return nil
	}

	switch method {
	case PKCEMethodS256:
	case PKCEMethodPlain, "":
		// an absent method means plain (RFC 7636 section 4.3)
		if !config.AllowPKCEPlain || !client.AllowPlainPKCE {
			return ErrInvalidRequest("code_challenge_method must be S256")
		}
	default:
		return ErrInvalidRequest(fmt.Sprintf("unsupported code_challenge_method %q", method))
	}

	if len(challenge) < MinCodeVerifierLength || len(challenge) > MaxCodeVerifierLength || !isUnreserved(challenge) {
		return ErrInvalidRequest("code_challenge is malformed")
	}
	return nil
}

// VerifyPKCE checks verifier against the challenge stored with a code
// (RFC 7636 section 4.6). The comparison is constant time.
func VerifyPKCE(challenge, method, verifier string) error {
	if verifier == "" {
		return fmt.Errorf("code_verifier is required")
	}
	if len(verifier) < MinCodeVerifierLength || len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be %d to %d characters", MinCodeVerifierLength, MaxCodeVerifierLength)
	}
	if !isUnreserved(verifier) {
		return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
	}

	var computed string
	switch method {
	case PKCEMethodS256:
		hash := sha256.Sum256([]byte(verifier))
		computed = base64.RawURLEncoding.EncodeToString(hash[:])
	case PKCEMethodPlain:
		computed = verifier
	default:
		return fmt.Errorf("unsupported code_challenge_method %q", method)
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}

// isUnreserved reports whether s only holds [A-Za-z0-9-._~].
func isUnreserved(s string) bool {
	for i := 0; i < len(s); i++ {
		ch := s[i]
		ok := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !ok {
			return false
		}
	}
	return true
}

// ValidateTokenRequest checks the grant type and its required parameters.
func ValidateTokenRequest(p TokenParams) error {
	switch p.GrantType {
	case registry.GrantAuthorizationCode:
		if p.Code == "" {
			return ErrInvalidRequest("code is required")
		}
		if p.RedirectURI == "" {
			return ErrInvalidRequest("redirect_uri is required")
		}
	case registry.GrantRefreshToken:
		if p.RefreshToken == "" {
			return ErrInvalidRequest("refresh_token is required")
		}
	case registry.GrantClientCredentials:
	case "":
		return ErrInvalidRequest("grant_type is required")
	default:
		return ErrUnsupportedGrantType(fmt.Sprintf("grant_type %q is not supported", p.GrantType))
	}
	return nil
}
