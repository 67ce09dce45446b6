// Package security provides the protective plumbing around the authorization
// server: audit logging, per-identifier rate limiting, encryption of stored
// grant records, request correlation ids, client IP extraction and response
// headers.
//
// # Rate Limiting
//
// RateLimiter keeps one token bucket per identifier (usually the client IP).
// Buckets live in an expiring cache so identifiers that stop sending requests
// are dropped after the idle timeout without a dedicated cleanup goroutine.
//
//	limiter := security.NewRateLimiter(10, 20, logger)
//	if !limiter.Allow(clientIP) {
//	    return http.StatusTooManyRequests
//	}
//
// # Audit Events
//
// Every grant step raises an audit event with an outcome of success, failure
// or error. Subject identifiers are hashed before they reach the log.
package security
