package memory

import (
	"context"
	"sync"
	"time"

	"github.com/giantswarm/oidc-core/storage"
)

// Backend keeps records in maps guarded by a single RWMutex. Consume and Swap
// run under the write lock, which makes them atomic.
type Backend struct {
	mu      sync.RWMutex
	records map[string]*storage.Record
	grants  map[string]map[string]struct{} // grant id -> record keys
	closed  bool
}

var _ storage.Backend = (*Backend)(nil)

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{
		records: make(map[string]*storage.Record),
		grants:  make(map[string]map[string]struct{}),
	}
}

// Name implements storage.Backend.
func (b *Backend) Name() string { return "memory" }

// Put implements storage.Backend.
func (b *Backend) Put(_ context.Context, rec *storage.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return storage.ErrUnavailable
	}
	if _, exists := b.records[rec.Key]; exists {
		return storage.ErrAlreadyExists
	}
	b.insert(rec.Clone())
	return nil
}

// Get implements storage.Backend.
func (b *Backend) Get(_ context.Context, key string, now time.Time) (*storage.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, storage.ErrUnavailable
	}
	rec, ok := b.records[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if storage.IsExpired(rec, now) {
		return nil, storage.ErrExpired
	}
	return rec.Clone(), nil
}

// Consume implements storage.Backend.
func (b *Backend) Consume(_ context.Context, key string, now time.Time) (*storage.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, storage.ErrUnavailable
	}
	return b.consume(key, now)
}

// Swap implements storage.Backend.
func (b *Backend) Swap(_ context.Context, oldKey string, next *storage.Record, now time.Time) (*storage.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, storage.ErrUnavailable
	}
	if _, exists := b.records[next.Key]; exists {
		return nil, storage.ErrAlreadyExists
	}

	prev, err := b.consume(oldKey, now)
	if err != nil {
		return prev, err
	}
	b.insert(next.Clone())
	return prev, nil
}

// Revoke implements storage.Backend.
func (b *Backend) Revoke(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return storage.ErrUnavailable
	}
	rec, ok := b.records[key]
	if !ok {
		return storage.ErrNotFound
	}
	rec.Revoked = true
	return nil
}

// RevokeGrant implements storage.Backend.
func (b *Backend) RevokeGrant(_ context.Context, grantID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, storage.ErrUnavailable
	}
	n := 0
	for key := range b.grants[grantID] {
		if rec, ok := b.records[key]; ok && !rec.Revoked {
			rec.Revoked = true
			n++
		}
	}
	return n, nil
}

// Sweep implements storage.Backend.
func (b *Backend) Sweep(_ context.Context, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, storage.ErrUnavailable
	}
	n := 0
	for key, rec := range b.records {
		if !storage.IsExpired(rec, now) {
			continue
		}
		delete(b.records, key)
		if rec.GrantID != "" {
			keys := b.grants[rec.GrantID]
			delete(keys, key)
			if len(keys) == 0 {
				delete(b.grants, rec.GrantID)
			}
		}
		n++
	}
	return n, nil
}

// Ping implements storage.Backend.
func (b *Backend) Ping(context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return storage.ErrUnavailable
	}
	return nil
}

// Close implements storage.Backend. Every later call fails with ErrUnavailable.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Len returns the number of stored records, expired ones included.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.records)
}

// consume must be called with the write lock held.
func (b *Backend) consume(key string, now time.Time) (*storage.Record, error) {
	rec, ok := b.records[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if err := storage.CheckConsumable(rec, now); err != nil {
		if err == storage.ErrExpired {
			return nil, err
		}
		return rec.Clone(), err
	}
	rec.Consumed = true
	rec.ConsumedAt = now
	return rec.Clone(), nil
}

// insert must be called with the write lock held.
func (b *Backend) insert(rec *storage.Record) {
	b.records[rec.Key] = rec
	if rec.GrantID == "" {
		return
	}
	keys, ok := b.grants[rec.GrantID]
	if !ok {
		keys = make(map[string]struct{})
		b.grants[rec.GrantID] = keys
	}
	keys[rec.Key] = struct{}{}
}
