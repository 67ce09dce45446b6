package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oidc-core/instrumentation"
	"github.com/giantswarm/oidc-core/internal/util"
	"github.com/giantswarm/oidc-core/security"
)

// DefaultSweepInterval is used by RunSweeper when no interval is given.
const DefaultSweepInterval = time.Minute

// idLogLength is the number of characters of an identifier included in logs
const idLogLength = 8

// Store is the Token/Code Store. It owns every grant record it persists.
type Store struct {
	backend   Backend
	encryptor *security.Encryptor
	logger    *slog.Logger
	now       func() time.Time

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// NewStore creates a Store over backend.
func NewStore(backend Backend, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend: backend,
		logger:  logger,
		now:     time.Now,
	}
}

// SetEncryptor enables sealing of record payloads at rest.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptor = enc
	if enc.IsEnabled() {
		s.logger.Info("Grant record encryption at rest enabled", "backend", s.backend.Name())
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

// SetClock overrides the time source. Used by tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Backend returns the underlying persistence backend.
func (s *Store) Backend() Backend {
	return s.backend
}

// SavePending persists a pending authorization under its request id.
func (s *Store) SavePending(ctx context.Context, p *PendingAuthorization) (err error) {
	ctx, span, start := s.begin(ctx, "save_pending")
	defer func() { s.end(ctx, span, "save_pending", err, start) }()

	if p == nil || p.RequestID == "" {
		return fmt.Errorf("invalid pending authorization")
	}
	return s.put(ctx, KindPending, p.RequestID, p.GrantID, p.CreatedAt, p.ExpiresAt, p)
}

// ConsumePending atomically takes a pending authorization. A second call for
// the same request id returns ErrConsumed.
func (s *Store) ConsumePending(ctx context.Context, requestID string) (p *PendingAuthorization, err error) {
	ctx, span, start := s.begin(ctx, "consume_pending")
	defer func() { s.end(ctx, span, "consume_pending", err, start) }()

	rec, err := s.backend.Consume(ctx, Key(KindPending, requestID), s.now())
	if err != nil {
		return nil, classify(err)
	}
	p = &PendingAuthorization{}
	if err := s.decode(rec, p); err != nil {
		return nil, err
	}
	p.RequestID = requestID
	return p, nil
}

// SaveCode persists a freshly minted authorization code.
func (s *Store) SaveCode(ctx context.Context, c *AuthorizationCode) (err error) {
	ctx, span, start := s.begin(ctx, "save_code")
	defer func() { s.end(ctx, span, "save_code", err, start) }()

	if c == nil || c.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}
	return s.put(ctx, KindCode, c.Code, c.GrantID, c.IssuedAt, c.ExpiresAt, c)
}

// ConsumeCode atomically redeems a code. On replay the stored code is returned
// together with ErrConsumed so the caller can revoke what it produced.
func (s *Store) ConsumeCode(ctx context.Context, code string) (c *AuthorizationCode, err error) {
	ctx, span, start := s.begin(ctx, "consume_code")
	defer func() { s.end(ctx, span, "consume_code", err, start) }()

	rec, cerr := s.backend.Consume(ctx, Key(KindCode, code), s.now())
	if rec == nil {
		return nil, classify(cerr)
	}

	c = &AuthorizationCode{}
	if err := s.decode(rec, c); err != nil {
		return nil, err
	}
	c.Code = code
	c.Consumed = true
	if cerr != nil {
		instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrCodeReuse, errors.Is(cerr, ErrConsumed)))
		return c, classify(cerr)
	}
	return c, nil
}

// SaveRefreshToken persists the first refresh token of a grant.
func (s *Store) SaveRefreshToken(ctx context.Context, rt *RefreshToken) (err error) {
	ctx, span, start := s.begin(ctx, "save_refresh")
	defer func() { s.end(ctx, span, "save_refresh", err, start) }()

	if rt == nil || rt.Token == "" {
		return fmt.Errorf("invalid refresh token")
	}
	return s.put(ctx, KindRefreshToken, rt.Token, rt.GrantID, rt.IssuedAt, rt.ExpiresAt, rt)
}

// GetRefreshToken loads a refresh token with its consumed and revoked flags.
// Expired tokens return ErrExpired.
func (s *Store) GetRefreshToken(ctx context.Context, token string) (rt *RefreshToken, err error) {
	ctx, span, start := s.begin(ctx, "get_refresh")
	defer func() { s.end(ctx, span, "get_refresh", err, start) }()

	rec, err := s.backend.Get(ctx, Key(KindRefreshToken, token), s.now())
	if err != nil {
		return nil, classify(err)
	}
	return s.decodeRefresh(rec, token)
}

// RotateRefreshToken consumes the token presented by the client and stores
// next in one atomic backend operation. On replay the consumed predecessor is
// returned with ErrConsumed.
func (s *Store) RotateRefreshToken(ctx context.Context, presented string, next *RefreshToken) (prev *RefreshToken, err error) {
	ctx, span, start := s.begin(ctx, "rotate_refresh")
	defer func() { s.end(ctx, span, "rotate_refresh", err, start) }()

	if next == nil || next.Token == "" {
		return nil, fmt.Errorf("invalid refresh token")
	}
	next.Parent = Key(KindRefreshToken, presented)

	nextRec, err := s.encode(KindRefreshToken, next.Token, next.GrantID, next.IssuedAt, next.ExpiresAt, next)
	if err != nil {
		return nil, err
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrGrantID, next.GrantID),
		attribute.Int(instrumentation.AttrGeneration, next.Generation),
	)

	rec, serr := s.backend.Swap(ctx, Key(KindRefreshToken, presented), nextRec, s.now())
	if rec == nil {
		return nil, classify(serr)
	}
	prev, err = s.decodeRefresh(rec, presented)
	if err != nil {
		return nil, err
	}
	if serr != nil {
		instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrTokenReuse, errors.Is(serr, ErrConsumed)))
		return prev, classify(serr)
	}
	return prev, nil
}

// ConsumeRefreshToken marks a refresh token used without issuing a successor.
func (s *Store) ConsumeRefreshToken(ctx context.Context, token string) (rt *RefreshToken, err error) {
	ctx, span, start := s.begin(ctx, "consume_refresh")
	defer func() { s.end(ctx, span, "consume_refresh", err, start) }()

	rec, cerr := s.backend.Consume(ctx, Key(KindRefreshToken, token), s.now())
	if rec == nil {
		return nil, classify(cerr)
	}
	rt, err = s.decodeRefresh(rec, token)
	if err != nil {
		return nil, err
	}
	return rt, classify(cerr)
}

// RevokeRefreshToken revokes a single refresh token.
func (s *Store) RevokeRefreshToken(ctx context.Context, token string) (err error) {
	ctx, span, start := s.begin(ctx, "revoke_refresh")
	defer func() { s.end(ctx, span, "revoke_refresh", err, start) }()

	return classify(s.backend.Revoke(ctx, Key(KindRefreshToken, token)))
}

// RevokeGrant revokes every code and refresh token of grantID and records a
// marker until the given time so access tokens of the grant fail verification.
// It returns the number of revoked records.
func (s *Store) RevokeGrant(ctx context.Context, grantID string, until time.Time) (n int, err error) {
	ctx, span, start := s.begin(ctx, "revoke_grant")
	defer func() { s.end(ctx, span, "revoke_grant", err, start) }()

	if grantID == "" {
		return 0, fmt.Errorf("grant id is required")
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrGrantID, grantID))

	now := s.now()
	// the marker has no grant id of its own so a later RevokeGrant leaves it alone
	err = s.put(ctx, KindGrantRevocation, grantID, "", now, until, &grantRevocation{GrantID: grantID, RevokedAt: now})
	if err != nil && !errors.Is(err, ErrAlreadyExists) {
		return 0, err
	}

	n, err = s.backend.RevokeGrant(ctx, grantID)
	if err != nil {
		return 0, classify(err)
	}

	s.logger.Warn("Grant revoked",
		"grant_id", util.SafeTruncate(grantID, idLogLength),
		"revoked_records", n)
	return n, nil
}

// IsGrantRevoked reports whether a revocation marker exists for grantID.
func (s *Store) IsGrantRevoked(ctx context.Context, grantID string) (revoked bool, err error) {
	if grantID == "" {
		return false, nil
	}
	ctx, span, start := s.begin(ctx, "is_grant_revoked")
	defer func() { s.end(ctx, span, "is_grant_revoked", err, start) }()

	_, err = s.backend.Get(ctx, Key(KindGrantRevocation, grantID), s.now())
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrExpired):
		return false, nil
	default:
		return false, classify(err)
	}
}

// Sweep removes expired records once.
func (s *Store) Sweep(ctx context.Context) (n int, err error) {
	ctx, span, start := s.begin(ctx, "sweep")
	defer func() { s.end(ctx, span, "sweep", err, start) }()

	n, err = s.backend.Sweep(ctx, s.now())
	if err != nil {
		return 0, classify(err)
	}
	s.instrumentation.Metrics().RecordSweep(ctx, s.backend.Name(), n)
	if n > 0 {
		s.logger.Debug("Expired grant records swept", "backend", s.backend.Name(), "removed", n)
	}
	return n, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("Sweep failed", "backend", s.backend.Name(), "error", err)
			}
		}
	}
}

// Ping checks backend connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return classify(s.backend.Ping(ctx))
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) put(ctx context.Context, kind Kind, id, grantID string, created, expires time.Time, v any) error {
	rec, err := s.encode(kind, id, grantID, created, expires, v)
	if err != nil {
		return err
	}
	if !s.now().Before(rec.ExpiresAt) {
		return fmt.Errorf("%s already expired", kind)
	}
	return classify(s.backend.Put(ctx, rec))
}

func (s *Store) encode(kind Kind, id, grantID string, created, expires time.Time, v any) (*Record, error) {
	if expires.IsZero() {
		return nil, fmt.Errorf("%s requires an expiry", kind)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", kind, err)
	}
	key := Key(kind, id)
	sealed, err := s.encryptor.Seal(data, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("failed to seal %s: %w", kind, err)
	}
	if created.IsZero() {
		created = s.now()
	}
	return &Record{
		Key:       key,
		Kind:      kind,
		GrantID:   grantID,
		Data:      sealed,
		CreatedAt: created,
		ExpiresAt: expires,
	}, nil
}

func (s *Store) decode(rec *Record, v any) error {
	data, err := s.encryptor.Open(rec.Data, []byte(rec.Key))
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", rec.Kind, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", rec.Kind, err)
	}
	return nil
}

func (s *Store) decodeRefresh(rec *Record, token string) (*RefreshToken, error) {
	rt := &RefreshToken{}
	if err := s.decode(rec, rt); err != nil {
		return nil, err
	}
	rt.Token = token
	rt.Consumed = rec.Consumed
	rt.Revoked = rec.Revoked
	return rt, nil
}

func (s *Store) begin(ctx context.Context, operation string) (context.Context, trace.Span, time.Time) {
	start := time.Now()
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx), start
	}
	ctx, span := s.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, s.backend.Name())
	return ctx, span, start
}

func (s *Store) end(ctx context.Context, span trace.Span, operation string, err error, start time.Time) {
	result := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrUnavailable):
		result = "error"
	default:
		result = "rejected"
	}

	if s.tracer != nil {
		if result == "error" {
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrStorageResult, result))
			instrumentation.SetSpanSuccess(span)
		}
		span.End()
	}

	if result == "error" {
		s.logger.Error("Storage operation failed",
			"backend", s.backend.Name(),
			"operation", operation,
			"error", err)
	}
	s.instrumentation.Metrics().RecordStorageOperation(ctx, s.backend.Name(), operation, result,
		float64(time.Since(start).Microseconds())/1000)
}

var knownErrors = []error{ErrNotFound, ErrExpired, ErrConsumed, ErrRevoked, ErrAlreadyExists, ErrUnavailable}

// classify keeps sentinel errors and marks everything else as ErrUnavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range knownErrors {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
