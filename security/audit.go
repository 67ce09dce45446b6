package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// sinkTimeout bounds one write to an audit sink.
const sinkTimeout = 2 * time.Second

// Auditor handles security event logging with PII protection.
//
// Every event goes to the structured log as a "security_audit" record. When a
// Sink is configured the same event is also persisted, for deployments that
// must keep an audit trail beyond log retention.
//
// Privacy behavior:
//   - Subject ids are never written in clear text, only as a truncated
//     SHA-256 hash that still allows correlating events of one subject
//   - Passwords, secrets, codes and tokens are never part of an event
//   - A disabled Auditor (or a nil one) drops every event
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	now     func() time.Time
	sink    Sink
}

// Sink persists audit records. WriteAuditRecord is called synchronously from
// LogEvent with a bounded context; failures are logged and never fail the
// operation being audited.
type Sink interface {
	WriteAuditRecord(ctx context.Context, rec AuditRecord) error
}

// AuditRecord is the persisted form of an Event. The subject id is already
// hashed.
type AuditRecord struct {
	Type        string
	Outcome     string
	SubjectHash string
	ClientID    string
	GrantID     string
	IPAddress   string
	Details     map[string]any
	Timestamp   time.Time
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
		now:     time.Now,
	}
}

// SetSink makes the auditor persist every event it logs. A nil sink stops
// persisting.
func (a *Auditor) SetSink(sink Sink) {
	a.sink = sink
}

// Event represents a security audit event
type Event struct {
	Type      string
	Outcome   string
	SubjectID string
	ClientID  string
	GrantID   string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event.
//
// The level follows the outcome: success is logged at info, failure at warn
// and error at error, so replay and brute-force signals stand out without
// extra filtering. The subject id is hashed before it is logged or handed to
// the sink.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}
	if event.Outcome == "" {
		event.Outcome = OutcomeSuccess
	}
	event.Timestamp = a.now()

	level := slog.LevelInfo
	switch event.Outcome {
	case OutcomeFailure:
		level = slog.LevelWarn
	case OutcomeError:
		level = slog.LevelError
	}

	subjectHash := hashForLogging(event.SubjectID)
	a.logger.Log(context.Background(), level, "security_audit",
		"event_type", event.Type,
		"outcome", event.Outcome,
		"subject_hash", subjectHash,
		"client_id", event.ClientID,
		"grant_id", event.GrantID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)

	if a.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	err := a.sink.WriteAuditRecord(ctx, AuditRecord{
		Type:        event.Type,
		Outcome:     event.Outcome,
		SubjectHash: subjectHash,
		ClientID:    event.ClientID,
		GrantID:     event.GrantID,
		IPAddress:   event.IPAddress,
		Details:     event.Details,
		Timestamp:   event.Timestamp,
	})
	if err != nil {
		a.logger.Warn("Failed to persist audit event", "event_type", event.Type, "error", err)
	}
}

// LogTokenIssued logs when tokens are issued for a grant
func (a *Auditor) LogTokenIssued(subjectID, clientID, grantID, ipAddress, grantType, scope string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		SubjectID: subjectID,
		ClientID:  clientID,
		GrantID:   grantID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"grant_type": grantType,
			"scope":      scope,
		},
	})
}

// LogTokenRefreshed logs a successful refresh_token grant
func (a *Auditor) LogTokenRefreshed(subjectID, clientID, grantID, ipAddress string, rotated bool) {
	a.LogEvent(Event{
		Type:      EventTokenRefreshed,
		SubjectID: subjectID,
		ClientID:  clientID,
		GrantID:   grantID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"rotated": rotated,
		},
	})
}

// LogTokenRevoked logs when a token is revoked by its client
func (a *Auditor) LogTokenRevoked(subjectID, clientID, grantID, ipAddress, tokenType string) {
	a.LogEvent(Event{
		Type:      EventTokenRevoked,
		SubjectID: subjectID,
		ClientID:  clientID,
		GrantID:   grantID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"token_type": tokenType,
		},
	})
}

// LogReuseDetected logs a replayed code or refresh token together with the
// number of records revoked as a consequence.
//
// A replay means either the client is buggy or a code or refresh token was
// stolen. Both parties are cut off, so the event is logged as a failure and
// should be alerted on.
func (a *Auditor) LogReuseDetected(eventType, subjectID, clientID, grantID, ipAddress string, revoked int) {
	a.LogEvent(Event{
		Type:      eventType,
		Outcome:   OutcomeFailure,
		SubjectID: subjectID,
		ClientID:  clientID,
		GrantID:   grantID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"revoked_records": revoked,
		},
	})
}

// LogAuthFailure logs an authentication failure
func (a *Auditor) LogAuthFailure(subjectID, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		Outcome:   OutcomeFailure,
		SubjectID: subjectID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ipAddress, endpoint string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		Outcome:   OutcomeFailure,
		IPAddress: ipAddress,
		Details: map[string]any{
			"endpoint": endpoint,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging.
// Sixteen hex characters keep correlation practical without making the
// value usable as an identifier outside the audit trail.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
