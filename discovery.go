package oauth

import (
	"net/http"
	"sort"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/oidc-core/registry"
	"github.com/giantswarm/oidc-core/server"
)

// Discovery is the OpenID Connect discovery document (OpenID Connect
// Discovery 1.0 section 3, RFC 8414).
type Discovery struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserInfoEndpoint                  string   `json:"userinfo_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	ResponseModesSupported            []string `json:"response_modes_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
}

// BuildDiscovery describes the server from its configuration and the
// current registry snapshot.
func BuildDiscovery(core *server.Server) *Discovery {
	issuer := strings.TrimSuffix(core.Config.Issuer, "/")
	snap := core.Registry().Snapshot()

	methods := []string{server.PKCEMethodS256}
	if core.Config.AllowPKCEPlain {
		methods = append(methods, server.PKCEMethodPlain)
	}

	released := snap.ClaimsFor(snap.ScopeNames())
	sort.Strings(released)
	claims := append([]string{"sub", "iss", "aud", "exp", "iat", "auth_time", "nonce"}, released...)

	return &Discovery{
		Issuer:                            core.Config.Issuer,
		AuthorizationEndpoint:             issuer + PathAuthorize,
		TokenEndpoint:                     issuer + PathToken,
		UserInfoEndpoint:                  issuer + PathUserInfo,
		JWKSURI:                           issuer + PathJWKS,
		RevocationEndpoint:                issuer + PathRevoke,
		IntrospectionEndpoint:             issuer + PathIntrospect,
		ScopesSupported:                   snap.ScopeNames(),
		ClaimsSupported:                   claims,
		ResponseTypesSupported:            []string{server.ResponseTypeCode},
		ResponseModesSupported:            []string{"query"},
		GrantTypesSupported:               []string{registry.GrantAuthorizationCode, registry.GrantRefreshToken, registry.GrantClientCredentials},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{jwt.SigningMethodEdDSA.Alg()},
		TokenEndpointAuthMethodsSupported: server.AuthMethods(),
		CodeChallengeMethodsSupported:     methods,
	}
}

// ServeDiscovery serves the discovery document. It is rebuilt per request so
// registry reloads show up without a restart.
func (h *Handler) ServeDiscovery(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	h.writeJSON(w, http.StatusOK, BuildDiscovery(h.server))
}
