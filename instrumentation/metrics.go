package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments. Record methods are nil-safe so callers
// can run without instrumentation.
type Metrics struct {
	// Grant lifecycle
	AuthorizationStarted metric.Int64Counter
	ConsentDecisions     metric.Int64Counter
	CodeIssued           metric.Int64Counter
	TokensIssued         metric.Int64Counter
	TokenRevoked         metric.Int64Counter
	GrantErrors          metric.Int64Counter

	// Security
	CodeReuseDetected    metric.Int64Counter
	RefreshReuseDetected metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	RateLimitExceeded    metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageSweptRecords      metric.Int64Counter

	// Keys, registry and credentials
	KeyRotations       metric.Int64Counter
	RegistryReloads    metric.Int64Counter
	CredentialDuration metric.Float64Histogram
	CredentialTimeouts metric.Int64Counter
}

type counterSpec struct {
	target *metric.Int64Counter
	name   string
	desc   string
	unit   string
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	server := inst.Meter("server")
	storage := inst.Meter("storage")
	token := inst.Meter("token")
	registry := inst.Meter("registry")
	credentials := inst.Meter("credentials")

	counters := []struct {
		meter metric.Meter
		counterSpec
	}{
		{server, counterSpec{&m.AuthorizationStarted, "oauth.authorization.started", "Authorization requests accepted for consent", "{request}"}},
		{server, counterSpec{&m.ConsentDecisions, "oauth.consent.decisions", "Consent decisions by outcome", "{decision}"}},
		{server, counterSpec{&m.CodeIssued, "oauth.code.issued", "Authorization codes issued", "{code}"}},
		{server, counterSpec{&m.TokensIssued, "oauth.tokens.issued", "Token responses issued by grant type", "{response}"}},
		{server, counterSpec{&m.TokenRevoked, "oauth.token.revoked", "Tokens revoked", "{revocation}"}},
		{server, counterSpec{&m.GrantErrors, "oauth.grant.errors", "Grant failures by error code", "{error}"}},
		{server, counterSpec{&m.CodeReuseDetected, "oauth.security.code_reuse_detected", "Replayed authorization codes", "{attempt}"}},
		{server, counterSpec{&m.RefreshReuseDetected, "oauth.security.refresh_reuse_detected", "Replayed refresh tokens", "{attempt}"}},
		{server, counterSpec{&m.PKCEValidationFailed, "oauth.security.pkce_failed", "PKCE verification failures", "{attempt}"}},
		{server, counterSpec{&m.RateLimitExceeded, "oauth.security.rate_limit_exceeded", "Requests rejected by rate limiting", "{request}"}},
		{storage, counterSpec{&m.StorageOperationTotal, "storage.operation.total", "Storage operations by result", "{operation}"}},
		{storage, counterSpec{&m.StorageSweptRecords, "storage.swept.records", "Expired records removed by the sweeper", "{record}"}},
		{token, counterSpec{&m.KeyRotations, "token.key.rotations", "Signing key rotations", "{rotation}"}},
		{registry, counterSpec{&m.RegistryReloads, "registry.reloads", "Registry reload attempts by result", "{reload}"}},
		{credentials, counterSpec{&m.CredentialTimeouts, "credentials.timeouts", "Credential store calls that hit the deadline", "{call}"}},
	}

	for _, c := range counters {
		counter, err := c.meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.target = counter
	}

	var err error
	m.StorageOperationDuration, err = storage.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.CredentialDuration, err = credentials.Float64Histogram(
		"credentials.call.duration",
		metric.WithDescription("Credential store call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create credentials.call.duration histogram: %w", err)
	}

	return m, nil
}

func (m *Metrics) add(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if m == nil || c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordAuthorizationStarted records an authorization request reaching AwaitingConsent
func (m *Metrics) RecordAuthorizationStarted(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.add(ctx, m.AuthorizationStarted, attribute.String("client_id", clientID))
}

// RecordConsentDecision records a user decision; outcome is "granted", "denied" or "failed"
func (m *Metrics) RecordConsentDecision(ctx context.Context, clientID, outcome string) {
	if m == nil {
		return
	}
	m.add(ctx, m.ConsentDecisions, attribute.String("client_id", clientID), attribute.String("outcome", outcome))
}

// RecordCodeIssued records an authorization code being minted
func (m *Metrics) RecordCodeIssued(ctx context.Context, clientID, pkceMethod string) {
	if m == nil {
		return
	}
	m.add(ctx, m.CodeIssued, attribute.String("client_id", clientID), attribute.String("pkce_method", pkceMethod))
}

// RecordTokensIssued records a successful token response
func (m *Metrics) RecordTokensIssued(ctx context.Context, clientID, grantType string) {
	if m == nil {
		return
	}
	m.add(ctx, m.TokensIssued, attribute.String("client_id", clientID), attribute.String("grant_type", grantType))
}

// RecordTokenRevocation records a token revocation
func (m *Metrics) RecordTokenRevocation(ctx context.Context, clientID, tokenType string) {
	if m == nil {
		return
	}
	m.add(ctx, m.TokenRevoked, attribute.String("client_id", clientID), attribute.String("token_type", tokenType))
}

// RecordGrantError records a grant failure by its OAuth error code
func (m *Metrics) RecordGrantError(ctx context.Context, grantType, code string) {
	if m == nil {
		return
	}
	m.add(ctx, m.GrantErrors, attribute.String("grant_type", grantType), attribute.String("error", code))
}

// RecordCodeReuseDetected records a replayed authorization code
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.add(ctx, m.CodeReuseDetected, attribute.String("client_id", clientID))
}

// RecordRefreshReuseDetected records a replayed refresh token
func (m *Metrics) RecordRefreshReuseDetected(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.add(ctx, m.RefreshReuseDetected, attribute.String("client_id", clientID))
}

// RecordPKCEValidationFailed records a PKCE validation failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	if m == nil {
		return
	}
	m.add(ctx, m.PKCEValidationFailed, attribute.String("method", method))
}

// RecordRateLimitExceeded records a rate-limited request
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	m.add(ctx, m.RateLimitExceeded, attribute.String("endpoint", endpoint))
}

// RecordStorageOperation records a backend operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, backend, operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("operation", operation),
		attribute.String("result", result),
	)
	m.StorageOperationTotal.Add(ctx, 1, attrs)
	m.StorageOperationDuration.Record(ctx, durationMs, attrs)
}

// RecordSweep records the number of records removed by one sweep
func (m *Metrics) RecordSweep(ctx context.Context, backend string, removed int) {
	if m == nil || removed <= 0 {
		return
	}
	m.StorageSweptRecords.Add(ctx, int64(removed), metric.WithAttributes(attribute.String("backend", backend)))
}

// RecordKeyRotation records a signing key rotation
func (m *Metrics) RecordKeyRotation(ctx context.Context) {
	if m == nil {
		return
	}
	m.add(ctx, m.KeyRotations)
}

// RecordRegistryReload records a registry reload attempt
func (m *Metrics) RecordRegistryReload(ctx context.Context, success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.add(ctx, m.RegistryReloads, attribute.String("result", result))
}

// RecordCredentialCall records a credential store call; timedOut marks deadline hits
func (m *Metrics) RecordCredentialCall(ctx context.Context, operation string, durationMs float64, timedOut bool) {
	if m == nil {
		return
	}
	m.CredentialDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("operation", operation)))
	if timedOut {
		m.add(ctx, m.CredentialTimeouts, attribute.String("operation", operation))
	}
}
