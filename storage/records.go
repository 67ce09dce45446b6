package storage

import "time"

// PendingAuthorization is a validated authorization request awaiting the
// user's decision. It is single use.
type PendingAuthorization struct {
	RequestID           string    `json:"-"`
	GrantID             string    `json:"grant_id"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scopes              []string  `json:"scopes"`
	State               string    `json:"state,omitempty"`
	Nonce               string    `json:"nonce,omitempty"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// AuthorizationCode is redeemable at most once and only before ExpiresAt.
// It is bound to the exact redirect URI and PKCE challenge of its request.
type AuthorizationCode struct {
	Code                string    `json:"-"`
	GrantID             string    `json:"grant_id"`
	ClientID            string    `json:"client_id"`
	SubjectID           string    `json:"subject_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scopes              []string  `json:"scopes"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	Nonce               string    `json:"nonce,omitempty"`
	AuthTime            time.Time `json:"auth_time"`
	IssuedAt            time.Time `json:"issued_at"`
	ExpiresAt           time.Time `json:"expires_at"`

	// Consumed is filled from the stored record, not persisted in the payload.
	Consumed bool `json:"-"`
}

// RefreshToken belongs to a rotation family identified by GrantID.
// Each rotation increments Generation and records the predecessor digest.
type RefreshToken struct {
	Token      string    `json:"-"`
	GrantID    string    `json:"grant_id"`
	ClientID   string    `json:"client_id"`
	SubjectID  string    `json:"subject_id"`
	Scopes     []string  `json:"scopes"`
	AuthTime   time.Time `json:"auth_time"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Parent     string    `json:"parent,omitempty"`
	Generation int       `json:"generation"`

	Consumed bool `json:"-"`
	Revoked  bool `json:"-"`
}

// grantRevocation is the payload of a revoked grant marker.
type grantRevocation struct {
	GrantID   string    `json:"grant_id"`
	RevokedAt time.Time `json:"revoked_at"`
}
