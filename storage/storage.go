// Package storage holds the grant records of the authorization server:
// pending authorizations, authorization codes, refresh tokens and grant
// revocation markers.
//
// Store is the typed Token/Code Store used by the server. It encodes records,
// optionally seals them at rest and delegates persistence to a Backend. Opaque
// secrets (codes, refresh tokens) are never handed to a Backend: records are
// keyed by a SHA-256 digest of the secret.
//
// Backends must make Consume and Swap atomic: for a given key exactly one
// concurrent caller observes an unconsumed record.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Kind identifies the type of a stored record.
type Kind string

const (
	KindPending         Kind = "pending"
	KindCode            Kind = "code"
	KindRefreshToken    Kind = "refresh"
	KindGrantRevocation Kind = "revoked_grant"
)

// Sentinel errors returned by backends and the Store. Compare with errors.Is.
var (
	ErrNotFound      = errors.New("record not found")
	ErrExpired       = errors.New("record expired")
	ErrConsumed      = errors.New("record already consumed")
	ErrRevoked       = errors.New("record revoked")
	ErrAlreadyExists = errors.New("record already exists")

	// ErrUnavailable wraps infrastructure failures of a backend.
	ErrUnavailable = errors.New("storage unavailable")
)

// Record is the unit a Backend persists. Data is opaque to the backend.
type Record struct {
	Key        string
	Kind       Kind
	GrantID    string
	Data       []byte
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Consumed   bool
	ConsumedAt time.Time
	Revoked    bool
}

// Clone returns a copy that shares nothing with r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Data = append([]byte(nil), r.Data...)
	return &c
}

// Backend is the persistence interface behind Store.
//
// Expiry is enforced at read time: a record whose ExpiresAt is not after now
// is reported as ErrExpired even if it has not been swept yet. Consumed and
// revoked records are retained until they expire so replays stay detectable.
type Backend interface {
	// Put stores rec if no record with the same key exists, else ErrAlreadyExists.
	Put(ctx context.Context, rec *Record) error

	// Get returns the record including its consumed and revoked flags.
	Get(ctx context.Context, key string, now time.Time) (*Record, error)

	// Consume atomically marks the record consumed and returns it.
	// On replay it returns the record together with ErrConsumed; a revoked
	// record is returned with ErrRevoked.
	Consume(ctx context.Context, key string, now time.Time) (*Record, error)

	// Swap atomically consumes oldKey and stores next. If either step fails
	// nothing changes. The consumed predecessor is returned.
	Swap(ctx context.Context, oldKey string, next *Record, now time.Time) (*Record, error)

	// Revoke marks a single record revoked.
	Revoke(ctx context.Context, key string) error

	// RevokeGrant marks every live record of grantID revoked and returns the count.
	RevokeGrant(ctx context.Context, grantID string) (int, error)

	// Sweep deletes records expired at now and returns how many were removed.
	Sweep(ctx context.Context, now time.Time) (int, error)

	Ping(ctx context.Context) error
	Close() error

	// Name identifies the backend in logs and metrics.
	Name() string
}

// Key derives the backend key for a record of kind identified by id.
func Key(kind Kind, id string) string {
	sum := sha256.Sum256([]byte(id))
	return string(kind) + ":" + hex.EncodeToString(sum[:])
}

// IsExpired reports whether rec is expired at now.
func IsExpired(rec *Record, now time.Time) bool {
	return !rec.ExpiresAt.IsZero() && !now.Before(rec.ExpiresAt)
}

// CheckConsumable classifies a record for Consume and Swap. Backends call it
// while holding whatever guarantees their atomicity.
//
// Revoked and consumed are checked before expiry: a replayed code or refresh
// token must still be reported as a replay after its lifetime has passed, so
// the grant it came from gets revoked. Once the sweeper has removed the
// record, the replay reads as ErrNotFound.
func CheckConsumable(rec *Record, now time.Time) error {
	switch {
	case rec.Revoked:
		return ErrRevoked
	case rec.Consumed:
		return ErrConsumed
	case IsExpired(rec, now):
		return ErrExpired
	}
	return nil
}
