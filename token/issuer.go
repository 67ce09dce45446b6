package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oidc-core/instrumentation"
	"github.com/giantswarm/oidc-core/internal/util"
	"github.com/giantswarm/oidc-core/security"
	"github.com/giantswarm/oidc-core/storage"
)

// Defaults applied by NewIssuer to zero Config fields.
const (
	DefaultAccessTokenTTL  = 15 * time.Minute
	DefaultIDTokenTTL      = 15 * time.Minute
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
	DefaultLeeway          = security.DefaultClockSkew
)

// TokenTypeBearer is the only token type issued.
const TokenTypeBearer = "Bearer"

// ResourcesAudienceSuffix is appended to the issuer to form the static audience
// carried by every access token when StaticAudience is enabled.
const ResourcesAudienceSuffix = "/resources"

// ErrTokenRevoked is returned by Verify for tokens whose grant was revoked.
var ErrTokenRevoked = errors.New("token revoked")

// ErrInvalidToken is returned by Verify for tokens that fail signature or claim checks.
var ErrInvalidToken = errors.New("invalid token")

// JOSE typ headers. Access tokens use the RFC 9068 media type so they
// cannot be confused with ID tokens.
const (
	typAccessToken = "at+jwt"
	typIDToken     = "JWT"
)

// Config configures token issuance.
type Config struct {
	Issuer          string
	AccessTokenTTL  time.Duration
	IDTokenTTL      time.Duration
	RefreshTokenTTL time.Duration
	Leeway          time.Duration

	// StaticAudience adds <issuer>/resources to the audience of access tokens.
	StaticAudience bool
}

// RefreshMode selects what Issue does about refresh tokens.
type RefreshMode int

const (
	// RefreshNone issues no refresh token.
	RefreshNone RefreshMode = iota
	// RefreshNew starts a refresh token family for the grant.
	RefreshNew
	// RefreshRotate consumes PresentedRefreshToken and stores its successor atomically.
	RefreshRotate
	// RefreshKeep returns PresentedRefreshToken unchanged.
	RefreshKeep
)

// IssueRequest describes one issuance.
type IssueRequest struct {
	GrantType string
	GrantID   string
	ClientID  string
	SubjectID string
	Scopes    []string

	// Per-client lifetimes. Zero uses the issuer defaults.
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// IDToken requests an OpenID Connect id token, released only with the openid scope.
	IDToken       bool
	Nonce         string
	AuthTime      time.Time
	SubjectClaims map[string]any

	Refresh               RefreshMode
	PresentedRefreshToken string
	// RefreshScopes are stored on a new refresh token. Empty means Scopes.
	RefreshScopes []string
	// Generation is the generation of the refresh token being rotated.
	Generation int
}

// Issuer mints and verifies tokens.
type Issuer struct {
	config Config
	keys   *KeyRing
	store  *storage.Store
	logger *slog.Logger
	now    func() time.Time

	auditor         *security.Auditor
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// NewIssuer creates an issuer signing with keys and persisting refresh tokens in store.
func NewIssuer(config Config, keys *KeyRing, store *storage.Store, logger *slog.Logger) (*Issuer, error) {
	if config.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if keys == nil {
		return nil, errors.New("key ring is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if config.IDTokenTTL == 0 {
		config.IDTokenTTL = DefaultIDTokenTTL
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if config.Leeway == 0 {
		config.Leeway = DefaultLeeway
	}
	config.Issuer = strings.TrimSuffix(config.Issuer, "/")

	return &Issuer{
		config: config,
		keys:   keys,
		store:  store,
		logger: logger,
		now:    time.Now,
		tracer: instrumentation.TracerOrNoop(nil, "token"),
	}, nil
}

// SetAuditor sets the security auditor used for key rotation events.
func (i *Issuer) SetAuditor(a *security.Auditor) {
	i.auditor = a
}

// SetInstrumentation sets OpenTelemetry instrumentation for the issuer.
func (i *Issuer) SetInstrumentation(inst *instrumentation.Instrumentation) {
	i.instrumentation = inst
	i.tracer = instrumentation.TracerOrNoop(inst, "token")
}

// SetClock replaces the time source. Used by tests.
func (i *Issuer) SetClock(now func() time.Time) {
	i.now = now
}

// Config returns the effective configuration.
func (i *Issuer) Config() Config {
	return i.config
}

// Keys returns the key ring.
func (i *Issuer) Keys() *KeyRing {
	return i.keys
}

// ResourcesAudience returns the static audience of access tokens.
func (i *Issuer) ResourcesAudience() string {
	return i.config.Issuer + ResourcesAudienceSuffix
}

// Issue signs an access token and, depending on the request, an id token and a
// refresh token. Refresh rotation errors from the store are returned wrapped,
// so callers can match storage.ErrConsumed and storage.ErrRevoked.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (tok *oauth2.Token, err error) {
	ctx, span := i.tracer.Start(ctx, "token.issue")
	defer span.End()
	instrumentation.AddGrantAttributes(span, req.ClientID, req.GrantID, strings.Join(req.Scopes, " "))
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrGrantType, req.GrantType))
	defer func() {
		if err != nil {
			instrumentation.RecordError(span, err)
			return
		}
		instrumentation.SetSpanSuccess(span)
	}()

	key, err := i.keys.Active()
	if err != nil {
		return nil, err
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrKeyID, key.KID))

	now := i.now()
	accessTTL := orDefault(req.AccessTokenTTL, i.config.AccessTokenTTL)
	scope := strings.Join(req.Scopes, " ")

	access, err := i.signAccessToken(key, req, scope, now, accessTTL)
	if err != nil {
		return nil, err
	}

	tok = &oauth2.Token{
		AccessToken: access,
		TokenType:   TokenTypeBearer,
		Expiry:      now.Add(accessTTL),
		ExpiresIn:   int64(accessTTL / time.Second),
	}
	extra := map[string]any{"scope": scope}

	if req.IDToken && util.Contains(req.Scopes, "openid") && req.SubjectID != "" {
		idToken, err := i.signIDToken(key, req, access, now)
		if err != nil {
			return nil, err
		}
		extra["id_token"] = idToken
	}

	refresh, err := i.refreshToken(ctx, req, now)
	if err != nil {
		return nil, err
	}
	tok.RefreshToken = refresh

	return tok.WithExtra(extra), nil
}

func (i *Issuer) signAccessToken(key *SigningKey, req IssueRequest, scope string, now time.Time, ttl time.Duration) (string, error) {
	aud := jwt.ClaimStrings{req.ClientID}
	if i.config.StaticAudience {
		aud = append(aud, i.ResourcesAudience())
	}
	subject := req.SubjectID
	if subject == "" {
		// client_credentials tokens act for the client itself
		subject = req.ClientID
	}

	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.config.Issuer,
			Subject:   subject,
			Audience:  aud,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		ClientID: req.ClientID,
		Scope:    scope,
		GrantID:  req.GrantID,
	}
	return sign(key, claims, typAccessToken)
}

func (i *Issuer) signIDToken(key *SigningKey, req IssueRequest, accessToken string, now time.Time) (string, error) {
	claims := jwt.MapClaims{}
	for name, value := range req.SubjectClaims {
		if _, reserved := reservedIDClaims[name]; reserved {
			continue
		}
		claims[name] = value
	}

	claims["iss"] = i.config.Issuer
	claims["sub"] = req.SubjectID
	claims["aud"] = req.ClientID
	claims["azp"] = req.ClientID
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(i.config.IDTokenTTL).Unix()
	claims["at_hash"] = accessTokenHash(accessToken)
	if !req.AuthTime.IsZero() {
		claims["auth_time"] = req.AuthTime.Unix()
	}
	if req.Nonce != "" {
		claims["nonce"] = req.Nonce
	}
	return sign(key, claims, typIDToken)
}

func sign(key *SigningKey, claims jwt.Claims, typ string) (string, error) {
	tk := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tk.Header["kid"] = key.KID
	tk.Header["typ"] = typ
	signed, err := tk.SignedString(key.Private)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (i *Issuer) refreshToken(ctx context.Context, req IssueRequest, now time.Time) (string, error) {
	switch req.Refresh {
	case RefreshNone:
		return "", nil
	case RefreshKeep:
		return req.PresentedRefreshToken, nil
	}

	ttl := orDefault(req.RefreshTokenTTL, i.config.RefreshTokenTTL)
	scopes := req.RefreshScopes
	if len(scopes) == 0 {
		scopes = req.Scopes
	}
	rt := &storage.RefreshToken{
		Token:     NewOpaqueToken(),
		GrantID:   req.GrantID,
		ClientID:  req.ClientID,
		SubjectID: req.SubjectID,
		Scopes:    scopes,
		AuthTime:  req.AuthTime,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}

	if req.Refresh == RefreshNew {
		if err := i.store.SaveRefreshToken(ctx, rt); err != nil {
			return "", fmt.Errorf("failed to store refresh token: %w", err)
		}
		return rt.Token, nil
	}

	rt.Generation = req.Generation + 1
	if _, err := i.store.RotateRefreshToken(ctx, req.PresentedRefreshToken, rt); err != nil {
		return "", fmt.Errorf("failed to rotate refresh token: %w", err)
	}
	i.logger.Debug("Refresh token rotated",
		"client_id", req.ClientID,
		"grant_id", util.SafeTruncate(req.GrantID, 8),
		"generation", rt.Generation)
	return rt.Token, nil
}

// Verify checks an access token: signature under the key named by its kid,
// issuer, lifetime with leeway, and that its grant has not been revoked.
// ID tokens and other JWTs signed by the same keys are rejected by their
// typ header and because they carry no grant id.
func (i *Issuer) Verify(ctx context.Context, raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	tk, err := jwt.ParseWithClaims(raw, claims, i.keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(i.config.Issuer),
		jwt.WithLeeway(i.config.Leeway),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if typ, _ := tk.Header["typ"].(string); typ != typAccessToken {
		return nil, fmt.Errorf("%w: typ %q is not an access token", ErrInvalidToken, typ)
	}
	if claims.GrantID == "" {
		return nil, fmt.Errorf("%w: grant id missing", ErrInvalidToken)
	}

	revoked, err := i.store.IsGrantRevoked(ctx, claims.GrantID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

func (i *Issuer) keyfunc(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		return nil, errors.New("kid missing")
	}
	return i.keys.VerificationKey(kid)
}

// RotateKey installs a fresh signing key. The previous key keeps verifying
// for the key ring's grace window.
func (i *Issuer) RotateKey(ctx context.Context) (*SigningKey, error) {
	prev, _ := i.keys.Active()
	key, err := i.keys.Rotate()
	if err != nil {
		return nil, err
	}
	pruned := i.keys.Prune()

	i.instrumentation.Metrics().RecordKeyRotation(ctx)
	details := map[string]any{"kid": key.KID, "pruned": pruned}
	if prev != nil {
		details["previous_kid"] = prev.KID
	}
	i.auditor.LogEvent(security.Event{Type: security.EventSigningKeyRotated, Details: details})
	i.logger.Info("Signing key rotated", "kid", key.KID, "pruned", pruned)
	return key, nil
}

// RunKeyRotation rotates the signing key every interval until ctx is cancelled.
func (i *Issuer) RunKeyRotation(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid rotation interval %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := i.RotateKey(ctx); err != nil {
				i.logger.Error("Signing key rotation failed", "error", err)
			}
		}
	}
}

// NewOpaqueToken returns a random URL-safe token with 256 bits of entropy.
func NewOpaqueToken() string {
	return oauth2.GenerateVerifier()
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
