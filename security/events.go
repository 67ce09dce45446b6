package security

// Audit event types.
const (
	// Authorization flow events

	EventAuthorizationStarted    = "authorization_started"
	EventConsentGranted          = "consent_granted"
	EventConsentDenied           = "consent_denied"
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// Token lifecycle events

	EventTokenIssued    = "token_issued"
	EventTokenRefreshed = "token_refreshed"
	EventTokenRevoked   = "token_revoked"
	EventGrantRevoked   = "grant_revoked"

	// Security violation events

	// EventAuthorizationCodeReuseDetected is logged when a consumed code is presented again
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventRefreshTokenReuseDetected is logged when a rotated refresh token is presented again
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected" //nolint:gosec // G101: event name, not a credential

	EventAuthFailure            = "auth_failure"
	EventClientAuthFailure      = "client_auth_failure"
	EventRateLimitExceeded      = "rate_limit_exceeded"
	EventPKCEValidationFailed   = "pkce_validation_failed"
	EventInvalidRedirect        = "invalid_redirect"
	EventScopeEscalationAttempt = "scope_escalation_attempt"

	// Operational events

	EventSigningKeyRotated    = "signing_key_rotated"
	EventRegistryReloaded     = "registry_reloaded"
	EventRegistryReloadFailed = "registry_reload_failed"
)

// Event outcomes. Every audit event carries one of these.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeError   = "error"
)
