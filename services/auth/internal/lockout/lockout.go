// Package lockout decides when repeated login failures lock an account.
// Expiry is evaluated lazily at the next attempt; nothing runs in the
// background.
package lockout

import (
	"fmt"
	"time"

	"github.com/jockeBjers/isolApi/services/auth/internal/domain"
)

const (
	DefaultMaxFailedAttempts = 5
	DefaultLockoutDuration   = 15 * time.Minute
)

// Policy is immutable after construction.
type Policy struct {
	MaxFailedAttempts int
	LockoutDuration   time.Duration
}

// DefaultPolicy returns 5 attempts and a 15 minute lockout.
func DefaultPolicy() Policy {
	return Policy{MaxFailedAttempts: DefaultMaxFailedAttempts, LockoutDuration: DefaultLockoutDuration}
}

// Validate rejects non-positive thresholds and durations.
func (p Policy) Validate() error {
	if p.MaxFailedAttempts < 1 {
		return fmt.Errorf("%w: lockout threshold must be at least 1, got %d", domain.ErrConfiguration, p.MaxFailedAttempts)
	}
	if p.LockoutDuration <= 0 {
		return fmt.Errorf("%w: lockout duration must be positive, got %s", domain.ErrConfiguration, p.LockoutDuration)
	}
	return nil
}

// Decision is the result of Evaluate. State is the lockout state to carry
// forward: unchanged while locked, reset once a lockout has expired.
type Decision struct {
	Locked    bool
	Until     time.Time
	Remaining time.Duration
	State     domain.LockoutState
}

// Evaluate checks state at now.
func (p Policy) Evaluate(state domain.LockoutState, now time.Time) Decision {
	if state.LockoutUntil == nil {
		return Decision{State: state}
	}
	until := *state.LockoutUntil
	if until.After(now) {
		return Decision{Locked: true, Until: until, Remaining: until.Sub(now), State: state}
	}
	return Decision{State: domain.LockoutState{}}
}

// Apply records the outcome of a verification against an evaluated, unlocked
// state. A success resets the counter. A failure increments it and, on
// reaching the threshold, locks the account until now + LockoutDuration.
func (p Policy) Apply(state domain.LockoutState, ok bool, now time.Time) domain.LockoutState {
	if ok {
		return domain.LockoutState{}
	}
	next := domain.LockoutState{FailedAttempts: state.FailedAttempts + 1, LockoutUntil: state.LockoutUntil}
	if next.FailedAttempts >= p.MaxFailedAttempts {
		until := now.Add(p.LockoutDuration)
		next.LockoutUntil = &until
	}
	return next
}

// LockedOut converts a locked decision into the error returned to callers.
func (d Decision) LockedOut() *domain.LockedOutError {
	return &domain.LockedOutError{Until: d.Until, Remaining: d.Remaining}
}
