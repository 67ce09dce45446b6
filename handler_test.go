package oauth

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oidc-core/internal/testutil"
	"github.com/giantswarm/oidc-core/token"
)

func writeGeneratedKey(path string) error {
	key, err := token.GenerateSigningKey(time.Now())
	if err != nil {
		return err
	}
	return token.WriteKeyFile(path, key)
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func authorizeQuery(clientID, redirectURI, scope, challenge string) url.Values {
	return url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {redirectURI},
		"scope":                 {scope},
		"state":                 {"xyz"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
}

// authorizeCode runs the authorization request and the approving decision
// over HTTP and returns the issued code.
func authorizeCode(t *testing.T, ts *httptest.Server, scope, challenge string) string {
	t.Helper()
	resp, err := http.Get(ts.URL + PathAuthorize + "?" + authorizeQuery("web-app", webAppRedirect, scope, challenge).Encode())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	var pending PendingAuthorizationResponse
	decodeJSON(t, resp, &pending)
	require.NotEmpty(t, pending.RequestID)
	assert.Equal(t, "Web App", pending.ClientName)
	assert.Positive(t, pending.ExpiresIn)

	resp, err = noRedirect().PostForm(ts.URL+PathDecision, url.Values{
		"request_id": {pending.RequestID},
		"username":   {aliceUsername},
		"password":   {alicePassword},
		"approve":    {"true"},
	})
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, webAppRedirect, loc.Scheme+"://"+loc.Host+loc.Path)
	assert.Equal(t, "xyz", loc.Query().Get("state"))
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func postToken(t *testing.T, ts *httptest.Server, form url.Values, clientID, secret string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+PathToken, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if clientID != "" {
		req.SetBasicAuth(clientID, secret)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func exchangeForm(code, verifier string) url.Values {
	return url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {webAppRedirect},
		"code_verifier": {verifier},
	}
}

func runWebAppFlow(t *testing.T, ts *httptest.Server, scope string) TokenResponse {
	t.Helper()
	verifier, challenge := testutil.PKCEPair()
	code := authorizeCode(t, ts, scope, challenge)

	resp := postToken(t, ts, exchangeForm(code, verifier), "web-app", webAppSecret)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	var tok TokenResponse
	decodeJSON(t, resp, &tok)
	return tok
}

func getUserInfo(t *testing.T, ts *httptest.Server, accessToken string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.URL+PathUserInfo, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestHandler_WebAppFlow(t *testing.T) {
	_, ts := newTestServer(t, "")

	tok := runWebAppFlow(t, ts, "openid profile")
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.NotEmpty(t, tok.AccessToken)
	assert.NotEmpty(t, tok.RefreshToken)
	assert.NotEmpty(t, tok.IDToken)
	assert.Equal(t, "openid profile", tok.Scope)
	assert.Positive(t, tok.ExpiresIn)

	resp := getUserInfo(t, ts, tok.AccessToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var claims map[string]any
	decodeJSON(t, resp, &claims)
	assert.Equal(t, "u-alice", claims["sub"])
	assert.Equal(t, "Alice", claims["name"])
	assert.NotContains(t, claims, "email", "email scope was not granted")

	// rotation
	resp = postToken(t, ts, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tok.RefreshToken},
	}, "web-app", webAppSecret)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var refreshed TokenResponse
	decodeJSON(t, resp, &refreshed)
	assert.NotEqual(t, tok.RefreshToken, refreshed.RefreshToken)

	// revoking the new refresh token ends the grant
	req, _ := http.NewRequest(http.MethodPost, ts.URL+PathRevoke,
		strings.NewReader(url.Values{"token": {refreshed.RefreshToken}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("web-app", webAppSecret)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = getUserInfo(t, ts, refreshed.AccessToken)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), `Bearer error="invalid_token"`)
}

func TestHandler_CodeReplayRevokesTokens(t *testing.T) {
	_, ts := newTestServer(t, "")

	verifier, challenge := testutil.PKCEPair()
	code := authorizeCode(t, ts, "openid", challenge)

	resp := postToken(t, ts, exchangeForm(code, verifier), "web-app", webAppSecret)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tok TokenResponse
	decodeJSON(t, resp, &tok)

	resp = postToken(t, ts, exchangeForm(code, verifier), "web-app", webAppSecret)
	var oe ErrorResponse
	decodeJSON(t, resp, &oe)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, ErrorCodeInvalidGrant, oe.Error)

	resp = getUserInfo(t, ts, tok.AccessToken)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postToken(t, ts, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tok.RefreshToken},
	}, "web-app", webAppSecret)
	decodeJSON(t, resp, &oe)
	assert.Equal(t, ErrorCodeInvalidGrant, oe.Error)
}

func TestHandler_AuthorizationErrors(t *testing.T) {
	_, ts := newTestServer(t, "")
	_, challenge := testutil.PKCEPair()

	tests := []struct {
		name         string
		query        url.Values
		wantStatus   int
		wantError    string
		wantRedirect bool
	}{
		{
			name:       "unknown client is not redirected",
			query:      authorizeQuery("nobody", webAppRedirect, "openid", challenge),
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeInvalidClient,
		},
		{
			name:       "unregistered redirect is not redirected",
			query:      authorizeQuery("web-app", webAppRedirect+"/", "openid", challenge),
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeInvalidRequest,
		},
		{
			name:         "unknown scope is redirected",
			query:        authorizeQuery("web-app", webAppRedirect, "openid admin", challenge),
			wantStatus:   http.StatusFound,
			wantError:    ErrorCodeInvalidScope,
			wantRedirect: true,
		},
		{
			name:         "missing challenge is redirected",
			query:        authorizeQuery("web-app", webAppRedirect, "openid", ""),
			wantStatus:   http.StatusFound,
			wantError:    ErrorCodeInvalidRequest,
			wantRedirect: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := noRedirect().Get(ts.URL + PathAuthorize + "?" + tt.query.Encode())
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)

			if tt.wantRedirect {
				resp.Body.Close()
				loc, err := url.Parse(resp.Header.Get("Location"))
				require.NoError(t, err)
				assert.True(t, strings.HasPrefix(loc.String(), webAppRedirect+"?"))
				assert.Equal(t, tt.wantError, loc.Query().Get("error"))
				assert.Equal(t, "xyz", loc.Query().Get("state"))
				return
			}
			assert.Empty(t, resp.Header.Get("Location"))
			var oe ErrorResponse
			decodeJSON(t, resp, &oe)
			assert.Equal(t, tt.wantError, oe.Error)
		})
	}
}

func TestHandler_DecisionDenied(t *testing.T) {
	_, ts := newTestServer(t, "")
	_, challenge := testutil.PKCEPair()

	resp, err := http.Get(ts.URL + PathAuthorize + "?" + authorizeQuery("web-app", webAppRedirect, "openid", challenge).Encode())
	require.NoError(t, err)
	var pending PendingAuthorizationResponse
	decodeJSON(t, resp, &pending)

	resp, err = noRedirect().PostForm(ts.URL+PathDecision, url.Values{
		"request_id": {pending.RequestID},
		"username":   {aliceUsername},
		"password":   {"wrong"},
		"approve":    {"true"},
	})
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, ErrorCodeAccessDenied, loc.Query().Get("error"))
	assert.Empty(t, loc.Query().Get("code"))
}

func TestHandler_TokenErrors(t *testing.T) {
	_, ts := newTestServer(t, "")

	tests := []struct {
		name          string
		form          url.Values
		basicID       string
		basicSecret   string
		wantStatus    int
		wantError     string
		wantChallenge string
	}{
		{
			name:          "wrong secret",
			form:          url.Values{"grant_type": {"client_credentials"}},
			basicID:       "service",
			basicSecret:   "nope",
			wantStatus:    http.StatusUnauthorized,
			wantError:     ErrorCodeInvalidClient,
			wantChallenge: `Basic realm="` + testIssuer + `"`,
		},
		{
			name:        "unknown client",
			form:        url.Values{"grant_type": {"client_credentials"}},
			basicID:     "ghost",
			basicSecret: "nope",
			wantStatus:  http.StatusUnauthorized,
			wantError:   ErrorCodeInvalidClient,
		},
		{
			name:        "two authentication methods",
			form:        url.Values{"grant_type": {"client_credentials"}, "client_secret": {"service-secret"}},
			basicID:     "service",
			basicSecret: "service-secret",
			wantStatus:  http.StatusBadRequest,
			wantError:   ErrorCodeInvalidRequest,
		},
		{
			name:        "unsupported grant type",
			form:        url.Values{"grant_type": {"password"}},
			basicID:     "service",
			basicSecret: "service-secret",
			wantStatus:  http.StatusBadRequest,
			wantError:   ErrorCodeUnsupportedGrantType,
		},
		{
			name:        "grant not allowed for client",
			form:        url.Values{"grant_type": {"client_credentials"}},
			basicID:     "web-app",
			basicSecret: webAppSecret,
			wantStatus:  http.StatusBadRequest,
			wantError:   ErrorCodeUnauthorizedClient,
		},
		{
			name:        "unknown code",
			form:        exchangeForm("not-a-code", "verifier-verifier-verifier-verifier-verifier-1"),
			basicID:     "web-app",
			basicSecret: webAppSecret,
			wantStatus:  http.StatusBadRequest,
			wantError:   ErrorCodeInvalidGrant,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postToken(t, ts, tt.form, tt.basicID, tt.basicSecret)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
			if tt.wantChallenge != "" {
				assert.Equal(t, tt.wantChallenge, resp.Header.Get("WWW-Authenticate"))
			}
			var oe ErrorResponse
			decodeJSON(t, resp, &oe)
			assert.Equal(t, tt.wantError, oe.Error)
		})
	}
}

func TestHandler_ClientCredentialsWithFormAuth(t *testing.T) {
	_, ts := newTestServer(t, "")

	resp := postToken(t, ts, url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {"service"},
		"client_secret": {"service-secret"},
		"scope":         {"api.read"},
	}, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tok TokenResponse
	decodeJSON(t, resp, &tok)
	assert.NotEmpty(t, tok.AccessToken)
	assert.Empty(t, tok.RefreshToken)
	assert.Empty(t, tok.IDToken)
}

func TestHandler_Introspection(t *testing.T) {
	_, ts := newTestServer(t, "")
	tok := runWebAppFlow(t, ts, "openid")

	introspect := func(token string) map[string]any {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+PathIntrospect,
			strings.NewReader(url.Values{"token": {token}}.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth("service", "service-secret")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out map[string]any
		decodeJSON(t, resp, &out)
		return out
	}

	active := introspect(tok.AccessToken)
	assert.Equal(t, true, active["active"])
	assert.Equal(t, "web-app", active["client_id"])

	assert.Equal(t, false, introspect("garbage")["active"])
}

func TestHandler_DiscoveryAndJWKS(t *testing.T) {
	srv, ts := newTestServer(t, "")

	resp, err := http.Get(ts.URL + PathDiscovery)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var doc Discovery
	decodeJSON(t, resp, &doc)
	assert.Equal(t, testIssuer, doc.Issuer)
	assert.Equal(t, testIssuer+PathToken, doc.TokenEndpoint)
	assert.Equal(t, testIssuer+PathJWKS, doc.JWKSURI)
	assert.Equal(t, []string{"S256"}, doc.CodeChallengeMethodsSupported)
	assert.Equal(t, []string{"api.read", "email", "openid", "profile"}, doc.ScopesSupported)
	assert.Contains(t, doc.ClaimsSupported, "email_verified")

	resp, err = http.Get(ts.URL + PathJWKS)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var set token.JSONWebKeySet
	decodeJSON(t, resp, &set)
	require.Len(t, set.Keys, 1)
	assert.Equal(t, "OKP", set.Keys[0].Kty)
	assert.Equal(t, "EdDSA", set.Keys[0].Alg)

	active, err := srv.Issuer.Keys().Active()
	require.NoError(t, err)
	assert.Equal(t, active.KID, set.Keys[0].Kid)
}

func TestHandler_Health(t *testing.T) {
	_, ts := newTestServer(t, "")

	resp, err := http.Get(ts.URL + PathHealth)
	require.NoError(t, err)
	var body HealthResponse
	decodeJSON(t, resp, &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body.Status)
}

func TestHandler_RateLimit(t *testing.T) {
	_, ts := newTestServer(t, `
rate_limit:
  rate: 1
  burst: 1
`)
	form := url.Values{"grant_type": {"client_credentials"}}

	first := postToken(t, ts, form, "service", "service-secret")
	first.Body.Close()
	assert.Equal(t, http.StatusOK, first.StatusCode)

	second := postToken(t, ts, form, "service", "service-secret")
	var oe ErrorResponse
	decodeJSON(t, second, &oe)
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	assert.Equal(t, ErrorCodeTemporarilyUnavailable, oe.Error)
	assert.Equal(t, "1", second.Header.Get("Retry-After"))

	resp, err := http.Get(ts.URL + PathMetrics)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `oidc_http_rate_limited_total{route="/token"} 1`)
	assert.Contains(t, string(body), `oidc_http_requests_total{method="POST",route="/token",status="429"} 1`)
}

func TestFormatBearerChallenge(t *testing.T) {
	got := formatBearerChallenge(ErrorCodeInvalidToken, `token "x" is \ bad`)
	want := `Bearer error="invalid_token", error_description="token \"x\" is \\ bad"`
	if got != want {
		t.Errorf("formatBearerChallenge() = %s, want %s", got, want)
	}
}
