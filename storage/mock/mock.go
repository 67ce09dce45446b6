// Package mock provides a storage.Backend wrapper for tests that injects
// failures and counts calls per operation.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/giantswarm/oidc-core/storage"
)

// Operation names accepted by FailOn and Calls.
const (
	OpPut         = "put"
	OpGet         = "get"
	OpConsume     = "consume"
	OpSwap        = "swap"
	OpRevoke      = "revoke"
	OpRevokeGrant = "revoke_grant"
	OpSweep       = "sweep"
	OpPing        = "ping"
)

// Backend delegates to another backend unless a failure is armed for the operation.
type Backend struct {
	delegate storage.Backend

	mu       sync.Mutex
	failures map[string]error
	calls    map[string]int
}

var _ storage.Backend = (*Backend)(nil)

// New wraps delegate.
func New(delegate storage.Backend) *Backend {
	return &Backend{
		delegate: delegate,
		failures: make(map[string]error),
		calls:    make(map[string]int),
	}
}

// FailOn makes every call of op return err. A nil err disarms the failure.
func (b *Backend) FailOn(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failures, op)
		return
	}
	b.failures[op] = err
}

// Calls returns how often op was invoked.
func (b *Backend) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

func (b *Backend) enter(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[op]++
	return b.failures[op]
}

func (b *Backend) Name() string { return "mock" }

func (b *Backend) Put(ctx context.Context, rec *storage.Record) error {
	if err := b.enter(OpPut); err != nil {
		return err
	}
	return b.delegate.Put(ctx, rec)
}

func (b *Backend) Get(ctx context.Context, key string, now time.Time) (*storage.Record, error) {
	if err := b.enter(OpGet); err != nil {
		return nil, err
	}
	return b.delegate.Get(ctx, key, now)
}

func (b *Backend) Consume(ctx context.Context, key string, now time.Time) (*storage.Record, error) {
	if err := b.enter(OpConsume); err != nil {
		return nil, err
	}
	return b.delegate.Consume(ctx, key, now)
}

func (b *Backend) Swap(ctx context.Context, oldKey string, next *storage.Record, now time.Time) (*storage.Record, error) {
	if err := b.enter(OpSwap); err != nil {
		return nil, err
	}
	return b.delegate.Swap(ctx, oldKey, next, now)
}

func (b *Backend) Revoke(ctx context.Context, key string) error {
	if err := b.enter(OpRevoke); err != nil {
		return err
	}
	return b.delegate.Revoke(ctx, key)
}

func (b *Backend) RevokeGrant(ctx context.Context, grantID string) (int, error) {
	if err := b.enter(OpRevokeGrant); err != nil {
		return 0, err
	}
	return b.delegate.RevokeGrant(ctx, grantID)
}

func (b *Backend) Sweep(ctx context.Context, now time.Time) (int, error) {
	if err := b.enter(OpSweep); err != nil {
		return 0, err
	}
	return b.delegate.Sweep(ctx, now)
}

func (b *Backend) Ping(ctx context.Context) error {
	if err := b.enter(OpPing); err != nil {
		return err
	}
	return b.delegate.Ping(ctx)
}

func (b *Backend) Close() error {
	return b.delegate.Close()
}
