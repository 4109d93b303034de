package domain

import (
	"strings"
	"time"
)

// User is an account together with its credential, lockout and session
// state. The store owns the record; callers mutate copies.
type User struct {
	ID             int64
	Name           string
	Email          string
	OrganizationID string
	Phone          string
	Role           Role
	PasswordHash   string
	Lockout        LockoutState
	RefreshToken   *RefreshToken
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LockoutState tracks consecutive failed logins. LockoutUntil is nil unless
// the account is or was locked and has not been evaluated since.
type LockoutState struct {
	FailedAttempts int
	LockoutUntil   *time.Time
}

// Clone returns a deep copy of u.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	if u.Lockout.LockoutUntil != nil {
		until := *u.Lockout.LockoutUntil
		c.Lockout.LockoutUntil = &until
	}
	c.RefreshToken = u.RefreshToken.Clone()
	return &c
}

// NormalizeEmail trims and lower-cases an address so that lookups and the
// uniqueness constraint are case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
