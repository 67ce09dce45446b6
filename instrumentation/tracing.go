package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys. Only non-secret metadata goes into spans.
const (
	AttrClientID     = "oauth.client_id"
	AttrSubjectID    = "oauth.subject_id"
	AttrGrantID      = "oauth.grant_id"
	AttrGrantType    = "oauth.grant_type"
	AttrGrantState   = "oauth.grant_state"
	AttrScope        = "oauth.scope"
	AttrPKCEMethod   = "oauth.pkce.method"
	AttrCodeReuse    = "oauth.code.reuse"
	AttrTokenReuse   = "oauth.token.reuse"   //nolint:gosec // attribute name
	AttrTokenRotated = "oauth.token.rotated" //nolint:gosec // attribute name
	AttrGeneration   = "oauth.token.generation"
	AttrKeyID        = "oauth.key_id"
	AttrError        = "oauth.error"

	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"

	AttrClientIP  = "security.client_ip"
	AttrRequestID = "http.request_id"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddGrantAttributes adds the common grant attributes, skipping empty values.
func AddGrantAttributes(span trace.Span, clientID, grantID, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if grantID != "" {
		SetSpanAttributes(span, attribute.String(AttrGrantID, grantID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddClientIP attaches the client address when IP logging is enabled.
func (i *Instrumentation) AddClientIP(span trace.Span, clientIP string) {
	if clientIP != "" && i.ShouldLogClientIPs() {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}
