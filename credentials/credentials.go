// Package credentials defines the Credential Store Adapter: the boundary to
// whatever system knows the users and their passwords.
//
// The core only calls Verify while handling a consent decision and LoadClaims
// when it needs subject claims for an id token or userinfo. Subjects are flat
// records; associated collections such as owned projects are fetched only by
// LoadClaims, never as a side effect of Verify.
package credentials

import (
	"context"
	"errors"
	"maps"
)

var (
	// ErrInvalidCredentials is returned for unknown users and wrong passwords alike.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrSubjectNotFound is returned by LoadClaims for unknown subjects.
	ErrSubjectNotFound = errors.New("subject not found")

	// ErrUnavailable wraps failures and timeouts of the underlying store.
	ErrUnavailable = errors.New("credential store unavailable")
)

// Standard claim names released by the stores in this module.
const (
	ClaimName              = "name"
	ClaimPreferredUsername = "preferred_username"
	ClaimEmail             = "email"
	ClaimEmailVerified     = "email_verified"
	ClaimOwnedProjects     = "owned_projects"
)

// Claims is a set of subject claims keyed by claim name.
type Claims map[string]any

// Filter returns the claims whose names are in names.
func (c Claims) Filter(names []string) Claims {
	out := make(Claims, len(names))
	for _, name := range names {
		if v, ok := c[name]; ok {
			out[name] = v
		}
	}
	return out
}

// Clone returns a shallow copy.
func (c Claims) Clone() Claims {
	if c == nil {
		return Claims{}
	}
	return maps.Clone(c)
}

// Subject is an authenticated principal.
type Subject struct {
	ID       string
	Username string
}

// Store is implemented by credential backends.
type Store interface {
	// Verify checks a username and password and returns the subject.
	// Any mismatch returns ErrInvalidCredentials.
	Verify(ctx context.Context, username, password string) (*Subject, error)

	// LoadClaims returns all claims of a subject, including associated
	// collections.
	LoadClaims(ctx context.Context, subjectID string) (Claims, error)
}
