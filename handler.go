package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oidc-core/instrumentation"
	"github.com/giantswarm/oidc-core/internal/util"
	"github.com/giantswarm/oidc-core/registry"
	"github.com/giantswarm/oidc-core/security"
	"github.com/giantswarm/oidc-core/server"
)

// Endpoint paths
const (
	PathAuthorize     = "/authorize"
	PathDecision      = "/authorize/decision"
	PathToken         = "/token"
	PathRevoke        = "/revoke"
	PathIntrospect    = "/introspect"
	PathUserInfo      = "/userinfo"
	PathDiscovery     = "/.well-known/openid-configuration"
	PathJWKS          = "/.well-known/jwks.json"
	PathMetrics       = "/metrics"
	PathHealth        = "/healthz"
	healthPingTimeout = 2 * time.Second
	maxFormBytes      = 64 << 10
)

// HandlerConfig configures the HTTP surface.
type HandlerConfig struct {
	// TrustProxy enables X-Forwarded-For and X-Real-IP for the client address.
	TrustProxy        bool
	TrustedProxyCount int

	// RateLimit is requests per second per client IP on the token and
	// decision endpoints. Zero disables limiting.
	RateLimit int
	RateBurst int
}

// Handler is a thin HTTP adapter for the authorization server core.
// It parses requests, authenticates clients and renders results and errors.
type Handler struct {
	server  *server.Server
	config  HandlerConfig
	metrics *HTTPMetrics
	limiter *security.RateLimiter
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewHandler creates a new HTTP handler. metrics may be nil, which
// disables /metrics.
func NewHandler(core *server.Server, config HandlerConfig, metrics *HTTPMetrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		server:  core,
		config:  config,
		metrics: metrics,
		logger:  logger,
		tracer:  instrumentation.TracerOrNoop(core.Instrumentation(), "http"),
	}
	if config.RateLimit > 0 {
		h.limiter = security.NewRateLimiter(config.RateLimit, config.RateBurst, logger)
	}
	return h
}

// Routes returns the router serving every endpoint.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.RequestIDMiddleware)
	r.Use(h.clientIP)
	if h.metrics != nil {
		r.Use(h.metrics.Middleware)
	}

	r.Get(PathAuthorize, h.ServeAuthorization)
	r.Post(PathDecision, h.rateLimited(PathDecision, h.ServeDecision))
	r.Post(PathToken, h.rateLimited(PathToken, h.ServeToken))
	r.Post(PathRevoke, h.ServeRevocation)
	r.Post(PathIntrospect, h.ServeIntrospection)
	r.Get(PathUserInfo, h.ServeUserInfo)
	r.Post(PathUserInfo, h.ServeUserInfo)
	r.Get(PathDiscovery, h.ServeDiscovery)
	r.Get(PathJWKS, h.ServeJWKS)
	r.Get(PathHealth, h.ServeHealth)
	if h.metrics != nil {
		r.Method(http.MethodGet, PathMetrics, h.metrics.Handler())
	}
	return r
}

// clientIP stores the caller address in the request context for auditing.
func (h *Handler) clientIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := security.ClientIP(r, h.config.TrustProxy, h.config.TrustedProxyCount)
		next.ServeHTTP(w, r.WithContext(security.WithClientIP(r.Context(), ip)))
	})
}

func (h *Handler) rateLimited(route string, next http.HandlerFunc) http.HandlerFunc {
	if h.limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ip := security.GetClientIP(r.Context())
		if !h.limiter.Allow(ip) {
			h.server.Auditor.LogRateLimitExceeded(ip, route)
			h.server.Instrumentation().Metrics().RecordRateLimitExceeded(r.Context(), route)
			if h.metrics != nil {
				h.metrics.recordRateLimited(route)
			}
			w.Header().Set("Retry-After", "1")
			h.writeError(w, ErrRateLimited())
			return
		}
		next(w, r)
	}
}

func (h *Handler) startSpan(r *http.Request, name string) (context.Context, trace.Span) {
	return h.tracer.Start(r.Context(), "oauth.http."+name,
		trace.WithAttributes(attribute.String(instrumentation.AttrRequestID, security.GetRequestID(r.Context()))))
}

// ServeAuthorization handles the authorization request. A valid request is
// stored as pending and described as JSON for the login UI; errors before
// the redirect URI is verified are rendered directly, later errors are
// redirected to the client.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "authorization")
	defer span.End()

	q := r.URL.Query()
	pending, err := h.server.StartAuthorization(ctx, server.AuthorizationParams{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Nonce:               q.Get("nonce"),
	})
	if err != nil {
		h.writeAuthorizationError(w, r, err)
		return
	}

	clientName := pending.ClientID
	if c, ok := h.server.Registry().Snapshot().Client(pending.ClientID); ok && c.Name != "" {
		clientName = c.Name
	}
	expiresIn := int64(time.Until(pending.ExpiresAt).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}

	security.SetNoStore(w)
	h.writeJSON(w, http.StatusOK, PendingAuthorizationResponse{
		RequestID:  pending.RequestID,
		ClientID:   pending.ClientID,
		ClientName: clientName,
		Scopes:     pending.Scopes,
		ExpiresIn:  expiresIn,
	})
}

// ServeDecision handles the login UI posting the user's credentials and
// decision for a pending request.
func (h *Handler) ServeDecision(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "decision")
	defer span.End()

	if err := h.parseForm(w, r); err != nil {
		h.writeError(w, server.ErrInvalidRequest("failed to parse request"))
		return
	}
	approve, _ := strconv.ParseBool(r.PostFormValue("approve"))

	var scopes []string
	if r.PostForm.Has("scope") {
		scopes = util.UniqueFields(r.PostFormValue("scope"))
	}

	resp, err := h.server.Decide(ctx, server.Decision{
		RequestID: r.PostFormValue("request_id"),
		Username:  r.PostFormValue("username"),
		Password:  r.PostFormValue("password"),
		Approve:   approve,
		Scopes:    scopes,
	})
	if err != nil {
		h.writeAuthorizationError(w, r, err)
		return
	}

	security.SetNoStore(w)
	http.Redirect(w, r, resp.Location(), http.StatusFound)
}

// ServeToken handles the token endpoint for the authorization code, refresh
// token and client credentials grants.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "token")
	defer span.End()

	if err := h.parseForm(w, r); err != nil {
		h.writeError(w, server.ErrInvalidRequest("failed to parse request"))
		return
	}
	params := server.TokenParams{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		RefreshToken: r.PostFormValue("refresh_token"),
		Scope:        r.PostFormValue("scope"),
	}
	span.SetAttributes(attribute.String(instrumentation.AttrGrantType, params.GrantType))

	if err := server.ValidateTokenRequest(params); err != nil {
		h.writeError(w, server.AsError(err))
		return
	}

	client, err := h.authenticateClient(ctx, r)
	if err != nil {
		h.writeError(w, server.AsError(err))
		return
	}

	var tok *oauth2.Token
	switch params.GrantType {
	case registry.GrantAuthorizationCode:
		tok, err = h.server.ExchangeAuthorizationCode(ctx, client, params.Code, params.RedirectURI, params.CodeVerifier)
	case registry.GrantRefreshToken:
		tok, err = h.server.RefreshAccessToken(ctx, client, params.RefreshToken, params.Scope)
	case registry.GrantClientCredentials:
		tok, err = h.server.ClientCredentials(ctx, client, params.Scope)
	}
	if err != nil {
		h.writeError(w, server.AsError(err))
		return
	}
	h.writeTokenResponse(w, tok)
}

// ServeRevocation handles RFC 7009 token revocation. Unknown tokens and
// tokens of other clients succeed without effect.
func (h *Handler) ServeRevocation(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "revocation")
	defer span.End()

	if err := h.parseForm(w, r); err != nil {
		h.writeError(w, server.ErrInvalidRequest("failed to parse request"))
		return
	}
	client, err := h.authenticateClient(ctx, r)
	if err != nil {
		h.writeError(w, server.AsError(err))
		return
	}
	tok := r.PostFormValue("token")
	if tok == "" {
		h.writeError(w, server.ErrInvalidRequest("token is required"))
		return
	}

	if err := h.server.Revoke(ctx, client, tok, r.PostFormValue("token_type_hint")); err != nil {
		h.writeError(w, server.AsError(err))
		return
	}
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	security.SetNoStore(w)
	w.WriteHeader(http.StatusOK)
}

// ServeIntrospection handles RFC 7662 token introspection. Client
// authentication is required so tokens cannot be scanned anonymously.
func (h *Handler) ServeIntrospection(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "introspection")
	defer span.End()

	if err := h.parseForm(w, r); err != nil {
		h.writeError(w, server.ErrInvalidRequest("failed to parse request"))
		return
	}
	client, err := h.authenticateClient(ctx, r)
	if err != nil {
		h.writeError(w, server.AsError(err))
		return
	}
	tok := r.PostFormValue("token")
	if tok == "" {
		h.writeError(w, server.ErrInvalidRequest("token is required"))
		return
	}

	result, err := h.server.Introspect(ctx, client, tok)
	if err != nil {
		h.writeError(w, server.AsError(err))
		return
	}
	security.SetNoStore(w)
	h.writeJSON(w, http.StatusOK, result)
}

// ServeUserInfo returns the claims of the bearer token's subject.
func (h *Handler) ServeUserInfo(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "userinfo")
	defer span.End()

	accessToken, ok := bearerToken(r)
	if !ok {
		h.writeError(w, server.ErrInvalidToken("missing bearer token"))
		return
	}
	claims, err := h.server.UserInfo(ctx, accessToken)
	if err != nil {
		h.writeError(w, server.AsError(err))
		return
	}
	security.SetNoStore(w)
	h.writeJSON(w, http.StatusOK, claims)
}

// ServeJWKS publishes the verification keys.
func (h *Handler) ServeJWKS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	h.writeJSON(w, http.StatusOK, h.server.Issuer().Keys().JWKS())
}

// ServeHealth reports whether the token store answers.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
	defer cancel()

	if err := h.server.Store().Ping(ctx); err != nil {
		h.logger.Warn("Health check failed", "error", err)
		h.writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
		return
	}
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// authenticateClient reads client credentials from HTTP Basic auth or the
// form. Using both methods at once is rejected (RFC 6749 section 2.3).
func (h *Handler) authenticateClient(ctx context.Context, r *http.Request) (*registry.Client, error) {
	formID := r.PostFormValue("client_id")
	formSecret := r.PostFormValue("client_secret")

	clientID, secret := formID, formSecret
	if basicID, basicSecret, ok := r.BasicAuth(); ok {
		if formSecret != "" {
			return nil, server.ErrInvalidRequest("multiple client authentication methods used")
		}
		// Basic credentials are form-urlencoded (RFC 6749 section 2.3.1)
		id, err1 := url.QueryUnescape(basicID)
		sec, err2 := url.QueryUnescape(basicSecret)
		if err1 != nil || err2 != nil {
			return nil, server.ErrInvalidClient()
		}
		if formID != "" && formID != id {
			return nil, server.ErrInvalidRequest("client_id does not match the authenticated client")
		}
		clientID, secret = id, sec
	}
	return h.server.AuthenticateClient(ctx, clientID, secret)
}

func bearerToken(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

func (h *Handler) parseForm(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	return r.ParseForm()
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, tok *oauth2.Token) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	security.SetNoStore(w)

	response := TokenResponse{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		ExpiresIn:    tok.ExpiresIn,
		RefreshToken: tok.RefreshToken,
	}
	response.IDToken, _ = tok.Extra("id_token").(string)
	response.Scope, _ = tok.Extra("scope").(string)
	h.writeJSON(w, http.StatusOK, response)
}

// writeAuthorizationError redirects errors that carry a verified redirect
// URI and renders the rest.
func (h *Handler) writeAuthorizationError(w http.ResponseWriter, r *http.Request, err error) {
	oe := server.AsError(err)
	if oe.Redirectable() {
		security.SetNoStore(w)
		http.Redirect(w, r, oe.RedirectLocation(), http.StatusFound)
		return
	}
	h.writeError(w, oe)
}

func (h *Handler) writeError(w http.ResponseWriter, oe *Error) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	security.SetNoStore(w)

	switch {
	case oe.Code == ErrorCodeInvalidClient && oe.Status == http.StatusUnauthorized:
		w.Header().Set("WWW-Authenticate", `Basic realm="`+h.server.Config.Issuer+`"`)
	case oe.Code == ErrorCodeInvalidToken || oe.Code == ErrorCodeInsufficientScope:
		w.Header().Set("WWW-Authenticate", formatBearerChallenge(oe.Code, oe.Description))
	}

	h.writeJSON(w, oe.Status, ErrorResponse{
		Error:            oe.Code,
		ErrorDescription: oe.Description,
	})
}

// formatBearerChallenge builds an RFC 6750 section 3 challenge. Quotes and
// backslashes in the description are escaped.
func formatBearerChallenge(code, description string) string {
	desc := strings.ReplaceAll(description, `\`, `\\`)
	desc = strings.ReplaceAll(desc, `"`, `\"`)
	return fmt.Sprintf(`Bearer error="%s", error_description="%s"`, code, desc)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("Failed to write response", "error", err)
	}
}
