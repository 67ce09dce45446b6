package token

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Key ring errors.
var (
	ErrNoActiveKey = errors.New("no active signing key")
	ErrUnknownKey  = errors.New("unknown signing key")
	ErrKeyRetired  = errors.New("signing key retired")
)

// KeyStatus is the lifecycle state of a signing key.
type KeyStatus string

const (
	// KeyActive signs new tokens. At most one key is active.
	KeyActive KeyStatus = "active"
	// KeyRetiring no longer signs but still verifies until its grace window ends.
	KeyRetiring KeyStatus = "retiring"
	// KeyRetired verifies nothing.
	KeyRetired KeyStatus = "retired"
)

// SigningKey is an Ed25519 key pair identified by KID.
type SigningKey struct {
	KID       string
	Private   ed25519.PrivateKey
	Public    ed25519.PublicKey
	Status    KeyStatus
	CreatedAt time.Time
	RetiredAt time.Time
}

// NewSigningKey wraps an existing private key. The KID is the RFC 7638
// thumbprint of the public key, so the same key always gets the same id.
func NewSigningKey(priv ed25519.PrivateKey, createdAt time.Time) *SigningKey {
	pub := priv.Public().(ed25519.PublicKey)
	return &SigningKey{
		KID:       Thumbprint(pub),
		Private:   priv,
		Public:    pub,
		Status:    KeyActive,
		CreatedAt: createdAt,
	}
}

// GenerateSigningKey creates a fresh Ed25519 key.
func GenerateSigningKey(now time.Time) (*SigningKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return NewSigningKey(priv, now), nil
}

// Thumbprint returns the base64url RFC 7638 JWK thumbprint of an Ed25519 public key.
func Thumbprint(pub ed25519.PublicKey) string {
	x := base64.RawURLEncoding.EncodeToString(pub)
	sum := sha256.Sum256([]byte(`{"crv":"Ed25519","kty":"OKP","x":"` + x + `"}`))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// KeyRing holds the active signing key and keys in their grace window.
// Signing always uses the active key; verification accepts the active key
// and retiring keys until RetiredAt+grace.
type KeyRing struct {
	mu     sync.RWMutex
	keys   map[string]*SigningKey
	active *SigningKey
	grace  time.Duration
	now    func() time.Time
}

// NewKeyRing creates a key ring whose retiring keys verify for grace after
// they stop signing. grace should be at least the longest token lifetime.
func NewKeyRing(active *SigningKey, grace time.Duration) *KeyRing {
	kr := &KeyRing{
		keys:  make(map[string]*SigningKey),
		grace: grace,
		now:   time.Now,
	}
	if active != nil {
		active.Status = KeyActive
		kr.keys[active.KID] = active
		kr.active = active
	}
	return kr
}

// SetClock replaces the time source. Used by tests.
func (kr *KeyRing) SetClock(now func() time.Time) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	kr.now = now
}

// Grace returns the verification grace window of retiring keys.
func (kr *KeyRing) Grace() time.Duration {
	return kr.grace
}

// AddRetiring adds a key that verifies but never signs, starting its grace
// window now. Used for keys carried over from a previous deployment.
func (kr *KeyRing) AddRetiring(key *SigningKey) {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	if kr.active != nil && kr.active.KID == key.KID {
		return
	}
	key.Status = KeyRetiring
	key.RetiredAt = kr.now()
	kr.keys[key.KID] = key
}

// Active returns the signing key.
func (kr *KeyRing) Active() (*SigningKey, error) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	if kr.active == nil {
		return nil, ErrNoActiveKey
	}
	return kr.active, nil
}

// Rotate generates a new active key and demotes the current one to retiring.
func (kr *KeyRing) Rotate() (*SigningKey, error) {
	next, err := GenerateSigningKey(kr.clock())
	if err != nil {
		return nil, err
	}
	kr.Install(next)
	return next, nil
}

// Install makes key the active key and demotes the current one to retiring.
func (kr *KeyRing) Install(key *SigningKey) {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	now := kr.now()
	if kr.active != nil && kr.active.KID != key.KID {
		kr.active.Status = KeyRetiring
		kr.active.RetiredAt = now
	}
	key.Status = KeyActive
	key.RetiredAt = time.Time{}
	kr.keys[key.KID] = key
	kr.active = key
}

// VerificationKey returns the public key for kid if it may verify tokens now.
func (kr *KeyRing) VerificationKey(kid string) (ed25519.PublicKey, error) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()

	key, ok := kr.keys[kid]
	if !ok {
		return nil, ErrUnknownKey
	}
	if kr.statusLocked(key, kr.now()) == KeyRetired {
		return nil, ErrKeyRetired
	}
	return key.Public, nil
}

// Prune drops keys whose grace window has ended and returns how many were removed.
func (kr *KeyRing) Prune() int {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	now := kr.now()
	removed := 0
	for kid, key := range kr.keys {
		if kr.statusLocked(key, now) == KeyRetired {
			delete(kr.keys, kid)
			removed++
		}
	}
	return removed
}

// Keys returns copies of all keys that can still verify, active key first.
func (kr *KeyRing) Keys() []SigningKey {
	kr.mu.RLock()
	defer kr.mu.RUnlock()

	now := kr.now()
	out := make([]SigningKey, 0, len(kr.keys))
	if kr.active != nil {
		out = append(out, *kr.active)
	}
	for _, key := range kr.keys {
		if key == kr.active {
			continue
		}
		status := kr.statusLocked(key, now)
		if status == KeyRetired {
			continue
		}
		k := *key
		k.Status = status
		out = append(out, k)
	}
	return out
}

func (kr *KeyRing) statusLocked(key *SigningKey, now time.Time) KeyStatus {
	if key == kr.active {
		return KeyActive
	}
	if !now.Before(key.RetiredAt.Add(kr.grace)) {
		return KeyRetired
	}
	return KeyRetiring
}

func (kr *KeyRing) clock() time.Time {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.now()
}
