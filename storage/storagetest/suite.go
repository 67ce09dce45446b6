// Package storagetest provides a conformance suite run against every
// storage.Backend implementation.
package storagetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oidc-core/storage"
)

// Factory returns a fresh, empty backend for one subtest.
type Factory func(t *testing.T) storage.Backend

// RunBackendSuite exercises the storage.Backend contract.
func RunBackendSuite(t *testing.T, newBackend Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, b storage.Backend)
	}{
		{"PutAndGet", testPutAndGet},
		{"PutDuplicate", testPutDuplicate},
		{"GetMissingAndExpired", testGetMissingAndExpired},
		{"ConsumeOnce", testConsumeOnce},
		{"ConsumeExpiredAndMissing", testConsumeExpiredAndMissing},
		{"ReplayAfterExpiry", testReplayAfterExpiry},
		{"ConcurrentConsume", testConcurrentConsume},
		{"Swap", testSwap},
		{"SwapReplay", testSwapReplay},
		{"SwapExistingTarget", testSwapExistingTarget},
		{"ConcurrentSwap", testConcurrentSwap},
		{"Revoke", testRevoke},
		{"RevokeGrant", testRevokeGrant},
		{"Sweep", testSweep},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBackend(t)
			t.Cleanup(func() { _ = b.Close() })
			tt.fn(t, b)
		})
	}
}

// Now is the reference time of the suite, truncated for backends that keep milliseconds.
func Now() time.Time {
	return time.Now().Truncate(time.Millisecond)
}

func newRecord(kind storage.Kind, grantID string, now time.Time, ttl time.Duration) *storage.Record {
	return &storage.Record{
		Key:       storage.Key(kind, uuid.NewString()),
		Kind:      kind,
		GrantID:   grantID,
		Data:      []byte(`{"client_id":"web-app"}`),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

func testPutAndGet(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	now := Now()
	rec := newRecord(storage.KindCode, "grant-1", now, time.Minute)

	require.NoError(t, b.Put(ctx, rec))

	got, err := b.Get(ctx, rec.Key, now)
	require.NoError(t, err)
	assert.Equal(t, rec.Key, got.Key)
	assert.Equal(t, rec.Kind, got.Kind)
	assert.Equal(t, rec.GrantID, got.GrantID)
	assert.Equal(t, rec.Data, got.Data)
	assert.WithinDuration(t, rec.ExpiresAt, got.ExpiresAt, time.Millisecond)
	assert.False(t, got.Consumed)
	assert.False(t, got.Revoked)
}

func testPutDuplicate(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	rec := newRecord(storage.KindCode, "", Now(), time.Minute)

	require.NoError(t, b.Put(ctx, rec))
	assert.ErrorIs(t, b.Put(ctx, rec), storage.ErrAlreadyExists)
}

func testGetMissingAndExpired(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	now := Now()

	_, err := b.Get(ctx, storage.Key(storage.KindCode, "missing"), now)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	rec := newRecord(storage.KindCode, "", now, time.Minute)
	require.NoError(t, b.Put(ctx, rec))

	_, err = b.Get(ctx, rec.Key, now.Add(time.Minute))
	assert.ErrorIs(t, err, storage.ErrExpired, "expiry is enforced at read time")
}

func testConsumeOnce(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	now := Now()
	rec := newRecord(storage.KindCode, "grant-1", now, time.Minute)
	require.NoError(t, b.Put(ctx, rec))

	got, err := b.Consume(ctx, rec.Key, now)
	require.NoError(t, err)
	assert.True(t, got.Consumed)
	assert.Equal(t, rec.Data, got.Data)

	replay, err := b.Consume(ctx, rec.Key, now.Add(time.Second))
	assert.ErrorIs(t, err, storage.ErrConsumed)
	require.NotNil(t, replay, "replay returns the record for revocation")
	assert.Equal(t, "grant-1", replay.GrantID)

	stored, err := b.Get(ctx, rec.Key, now)
	require.NoError(t, err)
	assert.True(t, stored.Consumed)
}

func testConsumeExpiredAndMissing(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	now := Now()

	_, err := b.Consume(ctx, storage.Key(storage.KindCode, "missing"), now)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	rec := newRecord(storage.KindCode, "", now, time.Second)
	require.NoError(t, b.Put(ctx, rec))

	_, err = b.Consume(ctx, rec.Key, now.Add(time.Second))
	assert.ErrorIs(t, err, storage.ErrExpired)
}

func testReplayAfterExpiry(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	now := Now()
	rec := newRecord(storage.KindCode, "grant-1", now, time.Minute)
	require.NoError(t, b.Put(ctx, rec))

	_, err := b.Consume(ctx, rec.Key, now)
	require.NoError(t, err)

	replay, err := b.Consume(ctx, rec.Key, now.Add(2*time.Minute))
	assert.ErrorIs(t, err, storage.ErrConsumed, "a replay is still a replay once expired")
	require.NotNil(t, replay)
	assert.Equal(t, "grant-1", replay.GrantID)
}

func testConcurrentConsume(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	now := Now()
	rec := newRecord(storage.KindCode, "grant-1", now, time.Minute)
	require.NoError(t, b.Put(ctx, rec))

	const workers = 32
	var successes, replays atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := b.Consume(ctx, rec.Key, now)
			switch {
			case err == nil:
				successes.Add(1)
			case assert.ErrorIs(t, err, storage.ErrConsumed):
				replays.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load(), "exactly one consume succeeds")
	assert.Equal(t, int32(workers-1), replays.Load())
}

func testSwap(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	now := Now()
	old := newRecord(storage.KindRefreshToken, "family-1", now, time.Hour)
	require.NoError(t, b.Put(ctx, old))

	next := newRecord(storage.KindRefreshToken, "family-1", now, time.Hour)
	prev, err := b.Swap(ctx, old.Key, next, now)
	require.NoError(t, err)
	assert.Equal(t, old.Key, prev.Key)
	assert.True(t, prev.Consumed)

	got, err := b.Get(ctx, next.Key, now)
	require.NoError(t, err)
	assert.False(t, got.Consumed)

	oldNow, err := b.Get(ctx, old.Key, now)
	require.NoError(t, err)
	assert.True(t, oldNow.Consumed)
}

func testSwapReplay(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	now := Now()
	old := newRecord(storage.KindRefreshToken, "family-1", now, time.Hour)
	require.NoError(t, b.Put(ctx, old))

	_, err := b.Swap(ctx, old.Key, newRecord(storage.KindRefreshToken, "family-1", now, time.Hour), now)
	require.NoError(t, err)

	second := newRecord(storage.KindRefreshToken, "family-1", now, time.Hour)
	prev, err := b.Swap(ctx, old.Key, second, now)
	assert.ErrorIs(t, err, storage.ErrConsumed)
	require.NotNil(t, prev)
	assert.Equal(t, "family-1", prev.GrantID)

	_, err = b.Get(ctx, second.Key, now)
	assert.ErrorIs(t, err, storage.ErrNotFound, "a failed swap stores nothing")
}

func testSwapExistingTarget(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	now := Now()
	old := newRecord(storage.KindRefreshToken, "family-1", now, time.Hour)
	taken := newRecord(storage.KindRefreshToken, "family-1", now, time.Hour)
	require.NoError(t, b.Put(ctx, old))
	require.NoError(t, b.Put(ctx, taken))

	_, err := b.Swap(ctx, old.Key, taken, now)
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	got, err := b.Get(ctx, old.Key, now)
	require.NoError(t, err)
	assert.False(t, got.Consumed, "old record is untouched when the swap fails")
}

func testConcurrentSwap(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	now := Now()
	old := newRecord(storage.KindRefreshToken, "family-1", now, time.Hour)
	require.NoError(t, b.Put(ctx, old))

	const workers = 16
	var successes atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		next := newRecord(storage.KindRefreshToken, "family-1", now, time.Hour)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := b.Swap(ctx, old.Key, next, now); err == nil {
				successes.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load(), "exactly one rotation succeeds")
}

func testRevoke(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	now := Now()
	rec := newRecord(storage.KindRefreshToken, "family-1", now, time.Hour)
	require.NoError(t, b.Put(ctx, rec))

	require.NoError(t, b.Revoke(ctx, rec.Key))
	assert.ErrorIs(t, b.Revoke(ctx, storage.Key(storage.KindRefreshToken, "missing")), storage.ErrNotFound)

	got, err := b.Consume(ctx, rec.Key, now)
	assert.ErrorIs(t, err, storage.ErrRevoked)
	require.NotNil(t, got)
	assert.True(t, got.Revoked)
}

func testRevokeGrant(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	now := Now()

	code := newRecord(storage.KindCode, "grant-1", now, time.Minute)
	rt1 := newRecord(storage.KindRefreshToken, "grant-1", now, time.Hour)
	rt2 := newRecord(storage.KindRefreshToken, "grant-1", now, time.Hour)
	other := newRecord(storage.KindRefreshToken, "grant-2", now, time.Hour)
	for _, r := range []*storage.Record{code, rt1, rt2, other} {
		require.NoError(t, b.Put(ctx, r))
	}

	n, err := b.RevokeGrant(ctx, "grant-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, r := range []*storage.Record{code, rt1, rt2} {
		got, err := b.Get(ctx, r.Key, now)
		require.NoError(t, err)
		assert.True(t, got.Revoked, "record %s should be revoked", r.Kind)
	}

	got, err := b.Get(ctx, other.Key, now)
	require.NoError(t, err)
	assert.False(t, got.Revoked, "other grants are untouched")

	n, err = b.RevokeGrant(ctx, "grant-1")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "revoking twice revokes nothing new")

	n, err = b.RevokeGrant(ctx, "unknown")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func testSweep(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	now := Now()

	short := newRecord(storage.KindCode, "grant-1", now, time.Second)
	long := newRecord(storage.KindRefreshToken, "grant-1", now, time.Hour)
	require.NoError(t, b.Put(ctx, short))
	require.NoError(t, b.Put(ctx, long))

	_, err := b.Sweep(ctx, now.Add(2*time.Second))
	require.NoError(t, err)

	_, err = b.Get(ctx, short.Key, now)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = b.Get(ctx, long.Key, now)
	assert.NoError(t, err)
}
