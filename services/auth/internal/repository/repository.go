package repository

import (
	"context"
	"time"

	"github.com/jockeBjers/isolApi/services/auth/internal/domain"
)

// UserStore persists users together with their lockout state and current
// refresh session. Implementations return domain.ErrUserNotFound for a
// missing user, domain.ErrDuplicateEmail on an email conflict and wrap
// every other failure, cancellation included, in domain.ErrStoreUnavailable.
type UserStore interface {
	// FindByEmail looks up a user by normalized email.
	FindByEmail(ctx context.Context, email string) (*domain.User, error)

	// FindByID looks up a user by ID.
	FindByID(ctx context.Context, id int64) (*domain.User, error)

	// Persist writes the full record. A zero ID inserts and assigns an ID.
	// A refresh session with a zero ID is a new session: any other active
	// session of the user is revoked and the new one stored.
	Persist(ctx context.Context, user *domain.User) (*domain.User, error)

	// Update loads the user, applies fn and persists the result as one
	// atomic step with respect to other calls for the same user. If fn
	// returns an error nothing is written and that error is returned.
	Update(ctx context.Context, id int64, fn func(*domain.User) error) (*domain.User, error)

	// FindActiveSessions returns users whose current refresh session has
	// the given lookup key and is neither revoked nor expired at now.
	FindActiveSessions(ctx context.Context, lookup string, now time.Time) ([]*domain.User, error)
}
