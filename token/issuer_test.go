package token

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oidc-core/internal/testutil"
	"github.com/giantswarm/oidc-core/storage"
	"github.com/giantswarm/oidc-core/storage/memory"
)

const testIssuer = "https://auth.example"

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	issuer *Issuer
	keys   *KeyRing
	store  *storage.Store
	clock  *testutil.MockTime
}

func newFixture(t *testing.T, grace time.Duration) *fixture {
	t.Helper()
	clock := testutil.NewMockTime(baseTime)

	key, err := GenerateSigningKey(clock.Now())
	require.NoError(t, err)
	keys := NewKeyRing(key, grace)
	keys.SetClock(clock.Now)

	store := storage.NewStore(memory.New(), nil)
	store.SetClock(clock.Now)

	issuer, err := NewIssuer(Config{Issuer: testIssuer + "/", StaticAudience: true}, keys, store, nil)
	require.NoError(t, err)
	issuer.SetClock(clock.Now)

	return &fixture{issuer: issuer, keys: keys, store: store, clock: clock}
}

func codeRequest() IssueRequest {
	return IssueRequest{
		GrantType:     "authorization_code",
		GrantID:       "grant-1",
		ClientID:      "web-app",
		SubjectID:     "alice",
		Scopes:        []string{"openid", "profile"},
		IDToken:       true,
		Nonce:         "n-0S6_WzA2Mj",
		AuthTime:      baseTime.Add(-time.Minute),
		SubjectClaims: map[string]any{"name": "Alice", "sub": "mallory"},
		Refresh:       RefreshNew,
	}
}

func decodeSegment(t *testing.T, raw string, index int) map[string]any {
	t.Helper()
	parts := strings.Split(raw, ".")
	require.Len(t, parts, 3)
	data, err := base64.RawURLEncoding.DecodeString(parts[index])
	require.NoError(t, err)
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestIssuer_Issue(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	tok, err := f.issuer.Issue(ctx, codeRequest())
	require.NoError(t, err)

	assert.Equal(t, "Bearer", tok.TokenType)
	assert.Equal(t, int64(900), tok.ExpiresIn)
	assert.Equal(t, "openid profile", tok.Extra("scope"))
	assert.NotEmpty(t, tok.RefreshToken)

	active, _ := f.keys.Active()
	header := decodeSegment(t, tok.AccessToken, 0)
	assert.Equal(t, active.KID, header["kid"])
	assert.Equal(t, "EdDSA", header["alg"])

	claims, err := f.issuer.Verify(ctx, tok.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, testIssuer, claims.Issuer)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "web-app", claims.ClientID)
	assert.Equal(t, "grant-1", claims.GrantID)
	assert.Equal(t, []string{"openid", "profile"}, claims.Scopes())
	assert.True(t, claims.HasScope("profile"))
	assert.Equal(t, jwt.ClaimStrings{"web-app", testIssuer + "/resources"}, claims.Audience)
	assert.NotEmpty(t, claims.ID)

	idToken, ok := tok.Extra("id_token").(string)
	require.True(t, ok, "id token issued for openid scope")
	id := decodeSegment(t, idToken, 1)
	assert.Equal(t, "alice", id["sub"], "subject claims cannot override sub")
	assert.Equal(t, "web-app", id["aud"])
	assert.Equal(t, "n-0S6_WzA2Mj", id["nonce"])
	assert.Equal(t, "Alice", id["name"])
	assert.Equal(t, accessTokenHash(tok.AccessToken), id["at_hash"])
	assert.EqualValues(t, baseTime.Add(-time.Minute).Unix(), id["auth_time"])

	rt, err := f.store.GetRefreshToken(ctx, tok.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "grant-1", rt.GrantID)
	assert.Equal(t, 0, rt.Generation)
	assert.Equal(t, baseTime.Add(DefaultRefreshTokenTTL), rt.ExpiresAt)
}

func TestIssuer_NoIDTokenWithoutOpenID(t *testing.T) {
	f := newFixture(t, time.Hour)
	req := codeRequest()
	req.Scopes = []string{"profile"}
	req.Refresh = RefreshNone

	tok, err := f.issuer.Issue(context.Background(), req)
	require.NoError(t, err)
	assert.Nil(t, tok.Extra("id_token"))
	assert.Empty(t, tok.RefreshToken)
}

func TestIssuer_ClientCredentialsSubject(t *testing.T) {
	f := newFixture(t, time.Hour)
	tok, err := f.issuer.Issue(context.Background(), IssueRequest{
		GrantType:      "client_credentials",
		GrantID:        "grant-cc",
		ClientID:       "batch",
		Scopes:         []string{"api.read"},
		AccessTokenTTL: time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(60), tok.ExpiresIn)

	claims, err := f.issuer.Verify(context.Background(), tok.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "batch", claims.Subject)
}

func TestIssuer_SequentialRotation(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	tok, err := f.issuer.Issue(ctx, codeRequest())
	require.NoError(t, err)
	first := tok.RefreshToken

	req := codeRequest()
	req.GrantType = "refresh_token"
	req.Refresh = RefreshRotate
	req.PresentedRefreshToken = first
	req.Generation = 0

	tok2, err := f.issuer.Issue(ctx, req)
	require.NoError(t, err)
	second := tok2.RefreshToken
	require.NotEqual(t, first, second)

	// the old token is unusable
	_, err = f.issuer.Issue(ctx, req)
	assert.ErrorIs(t, err, storage.ErrConsumed)

	// the new token is usable exactly once more
	req.PresentedRefreshToken = second
	req.Generation = 1
	tok3, err := f.issuer.Issue(ctx, req)
	require.NoError(t, err)

	_, err = f.issuer.Issue(ctx, req)
	assert.ErrorIs(t, err, storage.ErrConsumed)

	rt, err := f.store.GetRefreshToken(ctx, tok3.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, 2, rt.Generation)
	assert.Equal(t, storage.Key(storage.KindRefreshToken, second), rt.Parent)
}

func TestIssuer_ConcurrentRotationSingleWinner(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	tok, err := f.issuer.Issue(ctx, codeRequest())
	require.NoError(t, err)

	req := codeRequest()
	req.Refresh = RefreshRotate
	req.PresentedRefreshToken = tok.RefreshToken

	var wins atomic.Int32
	var wg sync.WaitGroup
	for n := 0; n < 16; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.issuer.Issue(ctx, req); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestIssuer_RefreshKeep(t *testing.T) {
	f := newFixture(t, time.Hour)
	req := codeRequest()
	req.Refresh = RefreshKeep
	req.PresentedRefreshToken = "presented"

	tok, err := f.issuer.Issue(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "presented", tok.RefreshToken)
}

func TestIssuer_GraceWindow(t *testing.T) {
	f := newFixture(t, 30*time.Minute)
	ctx := context.Background()

	req := codeRequest()
	req.Refresh = RefreshNone
	req.AccessTokenTTL = 2 * time.Hour

	old, err := f.issuer.Issue(ctx, req)
	require.NoError(t, err)
	oldKID := decodeSegment(t, old.AccessToken, 0)["kid"]

	f.clock.Advance(time.Minute)
	_, err = f.issuer.RotateKey(ctx)
	require.NoError(t, err)

	fresh, err := f.issuer.Issue(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, oldKID, decodeSegment(t, fresh.AccessToken, 0)["kid"], "only the new key signs")

	// both verify inside the grace window
	_, err = f.issuer.Verify(ctx, old.AccessToken)
	assert.NoError(t, err)
	_, err = f.issuer.Verify(ctx, fresh.AccessToken)
	assert.NoError(t, err)
	assert.Len(t, f.keys.JWKS().Keys, 2)

	// the old key stops verifying once grace has passed, even for unexpired tokens
	f.clock.Advance(30 * time.Minute)
	_, err = f.issuer.Verify(ctx, old.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.ErrorIs(t, err, ErrKeyRetired)
	_, err = f.issuer.Verify(ctx, fresh.AccessToken)
	assert.NoError(t, err)

	assert.Equal(t, 1, f.keys.Prune())
	assert.Len(t, f.keys.JWKS().Keys, 1)
	_, err = f.issuer.Verify(ctx, old.AccessToken)
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestIssuer_VerifyRejects(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	req := codeRequest()
	req.Refresh = RefreshNone
	tok, err := f.issuer.Issue(ctx, req)
	require.NoError(t, err)

	t.Run("expired", func(t *testing.T) {
		f.clock.Advance(DefaultAccessTokenTTL + DefaultLeeway)
		defer f.clock.Set(baseTime)
		_, err := f.issuer.Verify(ctx, tok.AccessToken)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("foreign key with known kid", func(t *testing.T) {
		_, other, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)
		active, _ := f.keys.Active()
		forged := &SigningKey{KID: active.KID, Private: other}
		raw, err := sign(forged, AccessClaims{RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			ExpiresAt: jwt.NewNumericDate(baseTime.Add(time.Hour)),
		}}, typAccessToken)
		require.NoError(t, err)
		_, err = f.issuer.Verify(ctx, raw)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		active, _ := f.keys.Active()
		raw, err := sign(active, AccessClaims{RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "https://other.example",
			ExpiresAt: jwt.NewNumericDate(baseTime.Add(time.Hour)),
		}}, typAccessToken)
		require.NoError(t, err)
		_, err = f.issuer.Verify(ctx, raw)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("alg none", func(t *testing.T) {
		raw, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"iss": testIssuer}).
			SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = f.issuer.Verify(ctx, raw)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("id token", func(t *testing.T) {
		idToken, ok := tok.Extra("id_token").(string)
		require.True(t, ok)
		_, err := f.issuer.Verify(ctx, idToken)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("access claims with id token typ", func(t *testing.T) {
		active, _ := f.keys.Active()
		raw, err := sign(active, AccessClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    testIssuer,
				IssuedAt:  jwt.NewNumericDate(baseTime),
				ExpiresAt: jwt.NewNumericDate(baseTime.Add(time.Hour)),
			},
			GrantID: "grant-1",
		}, typIDToken)
		require.NoError(t, err)
		_, err = f.issuer.Verify(ctx, raw)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("missing grant id", func(t *testing.T) {
		active, _ := f.keys.Active()
		raw, err := sign(active, AccessClaims{RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			IssuedAt:  jwt.NewNumericDate(baseTime),
			ExpiresAt: jwt.NewNumericDate(baseTime.Add(time.Hour)),
		}}, typAccessToken)
		require.NoError(t, err)
		_, err = f.issuer.Verify(ctx, raw)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("revoked grant", func(t *testing.T) {
		_, err := f.store.RevokeGrant(ctx, "grant-1", baseTime.Add(time.Hour))
		require.NoError(t, err)
		_, err = f.issuer.Verify(ctx, tok.AccessToken)
		assert.ErrorIs(t, err, ErrTokenRevoked)
	})
}

func TestIssuer_NoActiveKey(t *testing.T) {
	store := storage.NewStore(memory.New(), nil)
	issuer, err := NewIssuer(Config{Issuer: testIssuer}, NewKeyRing(nil, time.Hour), store, nil)
	require.NoError(t, err)

	_, err = issuer.Issue(context.Background(), codeRequest())
	assert.True(t, errors.Is(err, ErrNoActiveKey))
}

func TestNewIssuer_Validation(t *testing.T) {
	store := storage.NewStore(memory.New(), nil)
	keys := NewKeyRing(nil, time.Hour)

	_, err := NewIssuer(Config{}, keys, store, nil)
	assert.Error(t, err)
	_, err = NewIssuer(Config{Issuer: testIssuer}, nil, store, nil)
	assert.Error(t, err)
	_, err = NewIssuer(Config{Issuer: testIssuer}, keys, nil, nil)
	assert.Error(t, err)
}

func TestKeyFileRoundTrip(t *testing.T) {
	key, err := GenerateSigningKey(baseTime)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "signing.pem")
	require.NoError(t, WriteKeyFile(path, key))
	assert.Error(t, WriteKeyFile(path, key), "existing key files are never overwritten")

	loaded, err := LoadKeyFile(path)
	require.NoError(t, err)
	assert.Equal(t, key.KID, loaded.KID)
	assert.True(t, key.Private.Equal(loaded.Private))

	_, err = ParsePrivateKeyPEM([]byte("not pem"))
	assert.Error(t, err)
}

func TestKeyRing_AddRetiring(t *testing.T) {
	clock := testutil.NewMockTime(baseTime)
	active, err := GenerateSigningKey(baseTime)
	require.NoError(t, err)
	previous, err := GenerateSigningKey(baseTime.Add(-24 * time.Hour))
	require.NoError(t, err)

	kr := NewKeyRing(active, time.Hour)
	kr.SetClock(clock.Now)
	kr.AddRetiring(previous)
	kr.AddRetiring(active) // ignored

	got, err := kr.Active()
	require.NoError(t, err)
	assert.Equal(t, active.KID, got.KID)

	_, err = kr.VerificationKey(previous.KID)
	assert.NoError(t, err)

	set := kr.JWKS()
	require.Len(t, set.Keys, 2)
	assert.Equal(t, active.KID, set.Keys[0].Kid)
	assert.Equal(t, "OKP", set.Keys[0].Kty)
	assert.Equal(t, "Ed25519", set.Keys[0].Crv)

	clock.Advance(time.Hour)
	_, err = kr.VerificationKey(previous.KID)
	assert.ErrorIs(t, err, ErrKeyRetired)
}

func TestThumbprintStable(t *testing.T) {
	// RFC 8037 appendix A.3
	x, err := base64.RawURLEncoding.DecodeString("11qYAYKxCrfVS_7TyWQHOg7hcvPapiMlrwIaaPcHURo")
	require.NoError(t, err)
	assert.Equal(t, "kPrK_qmxVWaYVA9wwBF6Iuo3vVzz7TxHCTwXBygrS4k", Thumbprint(ed25519.PublicKey(x)))
}
