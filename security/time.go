package security

import "time"

// DefaultClockSkew is the leeway applied when checking token expiry against
// clocks of other systems (resource servers verifying our JWTs).
const DefaultClockSkew = 5 * time.Second

// IsExpired reports whether expiresAt has passed at now. A zero expiresAt never expires.
// Grant records stored by this server use no skew: they expire exactly at expiresAt.
func IsExpired(now, expiresAt time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return !now.Before(expiresAt)
}

// IsExpiredWithSkew is IsExpired allowing skew past expiresAt.
func IsExpiredWithSkew(now, expiresAt time.Time, skew time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(skew))
}
