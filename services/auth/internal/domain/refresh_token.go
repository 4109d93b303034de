package domain

import "time"

// RefreshToken is the stored half of a refresh session. Hash is the bcrypt
// hash of the secret and Lookup a non-secret selector derived from it; the
// plaintext secret is never stored.
type RefreshToken struct {
	ID        int64
	Hash      string
	Lookup    string
	CreatedAt time.Time
	ExpiresAt time.Time
	Revoked   bool
	RevokedAt *time.Time
}

// Active reports whether the record is neither revoked nor expired at now.
func (t *RefreshToken) Active(now time.Time) bool {
	return t != nil && !t.Revoked && now.Before(t.ExpiresAt)
}

// Revoke marks the record revoked at now. Revoking twice keeps the first
// timestamp.
func (t *RefreshToken) Revoke(now time.Time) {
	if t == nil || t.Revoked {
		return
	}
	t.Revoked = true
	t.RevokedAt = &now
}

// Clone returns a deep copy of t.
func (t *RefreshToken) Clone() *RefreshToken {
	if t == nil {
		return nil
	}
	c := *t
	if t.RevokedAt != nil {
		at := *t.RevokedAt
		c.RevokedAt = &at
	}
	return &c
}
