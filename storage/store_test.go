package storage_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oidc-core/instrumentation"
	"github.com/giantswarm/oidc-core/internal/testutil"
	"github.com/giantswarm/oidc-core/security"
	"github.com/giantswarm/oidc-core/storage"
	"github.com/giantswarm/oidc-core/storage/memory"
	"github.com/giantswarm/oidc-core/storage/mock"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*storage.Store, *testutil.MockTime, *memory.Backend) {
	t.Helper()
	backend := memory.New()
	clock := testutil.NewMockTime(baseTime)
	s := storage.NewStore(backend, nil)
	s.SetClock(clock.Now)
	return s, clock, backend
}

func testCode(code string) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:                code,
		GrantID:             "grant-1",
		ClientID:            "web-app",
		SubjectID:           "alice",
		RedirectURI:         "https://app.example/cb",
		Scopes:              []string{"openid", "profile"},
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		IssuedAt:            baseTime,
		ExpiresAt:           baseTime.Add(10 * time.Minute),
	}
}

func testRefresh(token string) *storage.RefreshToken {
	return &storage.RefreshToken{
		Token:     token,
		GrantID:   "grant-1",
		ClientID:  "web-app",
		SubjectID: "alice",
		Scopes:    []string{"openid"},
		IssuedAt:  baseTime,
		ExpiresAt: baseTime.Add(24 * time.Hour),
	}
}

func TestStore_CodeLifecycle(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveCode(ctx, testCode("code-1")))

	got, err := s.ConsumeCode(ctx, "code-1")
	require.NoError(t, err)
	assert.Equal(t, "code-1", got.Code)
	assert.Equal(t, "web-app", got.ClientID)
	assert.Equal(t, []string{"openid", "profile"}, got.Scopes)
	assert.Equal(t, "https://app.example/cb", got.RedirectURI)

	replay, err := s.ConsumeCode(ctx, "code-1")
	assert.ErrorIs(t, err, storage.ErrConsumed)
	require.NotNil(t, replay)
	assert.Equal(t, "grant-1", replay.GrantID)
}

func TestStore_CodeExpiresAtReadTime(t *testing.T) {
	s, clock, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveCode(ctx, testCode("code-1")))
	clock.Advance(10 * time.Minute)

	_, err := s.ConsumeCode(ctx, "code-1")
	assert.ErrorIs(t, err, storage.ErrExpired)
}

func TestStore_SaveRejectsExpired(t *testing.T) {
	s, clock, _ := newTestStore(t)
	clock.Advance(time.Hour)

	err := s.SaveCode(context.Background(), testCode("code-1"))
	assert.Error(t, err)
}

func TestStore_ConcurrentCodeExchange(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveCode(ctx, testCode("code-1")))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeCode(ctx, "code-1"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestStore_PendingSingleUse(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	p := &storage.PendingAuthorization{
		RequestID:   "req-1",
		GrantID:     "grant-1",
		ClientID:    "web-app",
		RedirectURI: "https://app.example/cb",
		Scopes:      []string{"openid"},
		State:       "xyz",
		CreatedAt:   baseTime,
		ExpiresAt:   baseTime.Add(5 * time.Minute),
	}
	require.NoError(t, s.SavePending(ctx, p))

	got, err := s.ConsumePending(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "xyz", got.State)
	assert.Equal(t, "req-1", got.RequestID)

	_, err = s.ConsumePending(ctx, "req-1")
	assert.ErrorIs(t, err, storage.ErrConsumed)
}

func TestStore_RefreshRotation(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveRefreshToken(ctx, testRefresh("rt-1")))

	next := testRefresh("rt-2")
	next.Generation = 1
	prev, err := s.RotateRefreshToken(ctx, "rt-1", next)
	require.NoError(t, err)
	assert.Equal(t, "rt-1", prev.Token)
	assert.True(t, prev.Consumed)

	got, err := s.GetRefreshToken(ctx, "rt-2")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Generation)
	assert.Equal(t, storage.Key(storage.KindRefreshToken, "rt-1"), got.Parent)
	assert.False(t, got.Consumed)

	// presenting the old token again is a replay
	_, err = s.RotateRefreshToken(ctx, "rt-1", testRefresh("rt-3"))
	assert.ErrorIs(t, err, storage.ErrConsumed)
	_, err = s.GetRefreshToken(ctx, "rt-3")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_RevokeGrant(t *testing.T) {
	s, clock, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveCode(ctx, testCode("code-1")))
	require.NoError(t, s.SaveRefreshToken(ctx, testRefresh("rt-1")))

	revoked, err := s.IsGrantRevoked(ctx, "grant-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	n, err := s.RevokeGrant(ctx, "grant-1", baseTime.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	revoked, err = s.IsGrantRevoked(ctx, "grant-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	rt, err := s.GetRefreshToken(ctx, "rt-1")
	require.NoError(t, err)
	assert.True(t, rt.Revoked)

	_, err = s.RotateRefreshToken(ctx, "rt-1", testRefresh("rt-2"))
	assert.ErrorIs(t, err, storage.ErrRevoked)

	// a second revocation of the same grant is harmless
	_, err = s.RevokeGrant(ctx, "grant-1", baseTime.Add(time.Hour))
	require.NoError(t, err)

	// the marker lapses once every access token of the grant has expired
	clock.Advance(time.Hour)
	revoked, err = s.IsGrantRevoked(ctx, "grant-1")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestStore_Encryption(t *testing.T) {
	backend := memory.New()
	s := storage.NewStore(backend, nil)
	s.SetClock(func() time.Time { return baseTime })

	key, err := security.GenerateKey()
	require.NoError(t, err)
	enc, err := security.NewEncryptor(key)
	require.NoError(t, err)
	s.SetEncryptor(enc)

	ctx := context.Background()
	require.NoError(t, s.SaveCode(ctx, testCode("code-1")))

	raw, err := backend.Get(ctx, storage.Key(storage.KindCode, "code-1"), baseTime)
	require.NoError(t, err)
	assert.NotContains(t, string(raw.Data), "web-app", "payload is sealed at rest")

	got, err := s.ConsumeCode(ctx, "code-1")
	require.NoError(t, err)
	assert.Equal(t, "web-app", got.ClientID)
}

func TestStore_BackendKeysAreDigests(t *testing.T) {
	s, _, backend := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveCode(ctx, testCode("super-secret-code")))

	_, err := backend.Get(ctx, "code:super-secret-code", baseTime)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = backend.Get(ctx, storage.Key(storage.KindCode, "super-secret-code"), baseTime)
	assert.NoError(t, err)
}

func TestStore_UnavailableBackend(t *testing.T) {
	backend := mock.New(memory.New())
	s := storage.NewStore(backend, nil)
	s.SetClock(func() time.Time { return baseTime })
	ctx := context.Background()

	require.NoError(t, s.SaveCode(ctx, testCode("code-1")))
	backend.FailOn(mock.OpConsume, errors.New("connection reset"))

	_, err := s.ConsumeCode(ctx, "code-1")
	assert.ErrorIs(t, err, storage.ErrUnavailable)
	assert.Equal(t, 1, backend.Calls(mock.OpConsume), "consume is never retried")

	backend.FailOn(mock.OpConsume, nil)
	_, err = s.ConsumeCode(ctx, "code-1")
	assert.NoError(t, err, "a failed consume leaves the code redeemable")
}

func TestStore_SweepAndRunSweeper(t *testing.T) {
	s, clock, backend := newTestStore(t)
	inst, err := instrumentation.New(instrumentation.Config{Enabled: true})
	require.NoError(t, err)
	s.SetInstrumentation(inst)

	ctx := context.Background()
	require.NoError(t, s.SaveCode(ctx, testCode("code-1")))
	require.NoError(t, s.SaveRefreshToken(ctx, testRefresh("rt-1")))

	clock.Advance(time.Hour)
	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, backend.Len())

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- s.RunSweeper(runCtx, 5*time.Millisecond) }()
	cancel()
	assert.NoError(t, <-done)
}
