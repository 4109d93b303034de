package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidCredentials covers an unknown email and a wrong password alike.
	ErrInvalidCredentials = errors.New("invalid email or password")

	// ErrLockedOut is matched by *LockedOutError.
	ErrLockedOut = errors.New("account locked")

	// ErrInvalidRefreshToken covers absent, unknown, expired, revoked and
	// malformed refresh secrets alike.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")

	ErrDuplicateEmail = errors.New("email already registered")
	ErrUserNotFound   = errors.New("user not found")

	// ErrStoreUnavailable marks a transient storage failure, including a
	// deadline or cancellation. Callers may retry.
	ErrStoreUnavailable = errors.New("user store unavailable")

	// ErrConfiguration is fatal at startup.
	ErrConfiguration = errors.New("invalid auth configuration")
)

// LockedOutError reports an active lockout and how long it lasts.
type LockedOutError struct {
	Until     time.Time
	Remaining time.Duration
}

func (e *LockedOutError) Error() string {
	return fmt.Sprintf("account locked until %s", e.Until.UTC().Format(time.RFC3339))
}

func (e *LockedOutError) Is(target error) bool {
	return target == ErrLockedOut
}

// RemainingMinutes is Remaining rounded up to whole minutes, at least 1.
func (e *LockedOutError) RemainingMinutes() int {
	m := int((e.Remaining + time.Minute - 1) / time.Minute)
	if m < 1 {
		return 1
	}
	return m
}
