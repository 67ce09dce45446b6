package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oidc-core/credentials"
	"github.com/giantswarm/oidc-core/instrumentation"
	"github.com/giantswarm/oidc-core/internal/util"
	"github.com/giantswarm/oidc-core/registry"
	"github.com/giantswarm/oidc-core/security"
	"github.com/giantswarm/oidc-core/storage"
	"github.com/giantswarm/oidc-core/token"
)

// idLogLength is the number of characters of an identifier included in logs
const idLogLength = 8

// Server implements the grant state machine on top of the registry, the
// token issuer, the token/code store and the credential store.
type Server struct {
	registry    *registry.Registry
	store       *storage.Store
	issuer      *token.Issuer
	rawCreds    credentials.Store
	credentials *credentials.Bounded

	Auditor *security.Auditor
	Logger  *slog.Logger
	Config  *Config

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	now             func() time.Time
}

// New creates a new OAuth server
func New(
	reg *registry.Registry,
	store *storage.Store,
	issuer *token.Issuer,
	creds credentials.Store,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if issuer == nil {
		return nil, fmt.Errorf("issuer is required")
	}
	if creds == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)
	if config.Issuer == "" {
		config.Issuer = issuer.Config().Issuer
	}
	if err := validateIssuer(config, logger); err != nil {
		return nil, err
	}

	return &Server{
		registry:    reg,
		store:       store,
		issuer:      issuer,
		rawCreds:    creds,
		credentials: credentials.NewBounded(creds, config.CredentialTimeout, nil),
		Config:      config,
		Logger:      logger,
		tracer:      instrumentation.TracerOrNoop(nil, "server"),
		now:         time.Now,
	}, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetInstrumentation sets OpenTelemetry instrumentation for the grant flows
// and the credential store calls.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	s.tracer = instrumentation.TracerOrNoop(inst, "server")
	s.credentials = credentials.NewBounded(s.rawCreds, s.Config.CredentialTimeout, inst)
}

// SetClock replaces the time source. Used by tests.
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
}

// Registry returns the client and scope registry.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Store returns the token/code store.
func (s *Server) Store() *storage.Store {
	return s.store
}

// Issuer returns the token issuer.
func (s *Server) Issuer() *token.Issuer {
	return s.issuer
}

// Instrumentation returns the instrumentation set with SetInstrumentation, or nil.
func (s *Server) Instrumentation() *instrumentation.Instrumentation {
	return s.instrumentation
}

// generateRandomToken generates a cryptographically secure random token
// for codes and request ids.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}

// storeError maps a storage failure to a protocol error. Sentinel errors of
// a consumed, expired, revoked or missing record become invalid_grant;
// everything else is logged and surfaced generically.
func (s *Server) storeError(operation string, err error) *Error {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrExpired):
		return ErrInvalidGrant("grant is invalid or expired").WithCause(err)
	case errors.Is(err, storage.ErrConsumed), errors.Is(err, storage.ErrRevoked):
		return ErrInvalidGrant("grant has already been used or revoked").WithCause(err)
	case errors.Is(err, storage.ErrUnavailable):
		s.Logger.Error("Store unavailable", "operation", operation, "error", err)
		return ErrStoreUnavailable().WithCause(err)
	}
	s.Logger.Error("Store operation failed", "operation", operation, "error", err)
	return ErrServerError().WithCause(err)
}

// credentialError maps a credential store failure to a protocol error.
func (s *Server) credentialError(operation string, err error) *Error {
	switch {
	case errors.Is(err, credentials.ErrInvalidCredentials):
		return ErrAccessDenied(invalidCredentialsDescription).WithCause(err)
	case errors.Is(err, credentials.ErrSubjectNotFound):
		return ErrInvalidGrant("subject no longer exists").WithCause(err)
	case errors.Is(err, credentials.ErrUnavailable):
		s.Logger.Error("Credential store unavailable", "operation", operation, "error", err)
		return ErrTemporarilyUnavailable().WithCause(err)
	}
	s.Logger.Error("Credential store failed", "operation", operation, "error", err)
	return ErrServerError().WithCause(err)
}

// advance moves g through states. An illegal transition is a bug and
// surfaces as server_error.
func (s *Server) advance(span trace.Span, g *Grant, states ...GrantState) error {
	for _, to := range states {
		if err := g.Transition(to); err != nil {
			s.Logger.Error("Grant state machine violated",
				"grant_id", util.SafeTruncate(g.ID, idLogLength),
				"error", err)
			return ErrServerError().WithCause(err)
		}
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrGrantState, string(g.State())))
	return nil
}

// fail rejects g with err and records the failure.
func (s *Server) fail(ctx context.Context, span trace.Span, g *Grant, err error) error {
	oe := AsError(err)
	if g != nil {
		g.Reject(oe)
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrGrantState, string(StateRejected)))
	}
	grantType := ""
	if g != nil {
		grantType = g.GrantType
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrError, oe.Code))
	if oe.Kind == KindStoreUnavailable || oe.Kind == KindInternal {
		instrumentation.RecordError(span, oe)
	}
	s.instrumentation.Metrics().RecordGrantError(ctx, grantType, oe.Code)
	return oe
}

// revokeGrant revokes every record of grantID and denies its access tokens
// until they would have expired anyway.
func (s *Server) revokeGrant(ctx context.Context, grantID string, client *registry.Client) (int, error) {
	until := s.now().Add(s.accessTokenHorizon(client))
	return s.store.RevokeGrant(ctx, grantID, until)
}

// accessTokenHorizon is the longest an access token issued to client can stay valid.
func (s *Server) accessTokenHorizon(client *registry.Client) time.Duration {
	cfg := s.issuer.Config()
	ttl := cfg.AccessTokenTTL
	if client != nil && client.AccessTokenTTL > ttl {
		ttl = client.AccessTokenTTL
	}
	return ttl + cfg.Leeway
}
