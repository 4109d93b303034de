package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jockeBjers/isolApi/pkg/database"
	"github.com/jockeBjers/isolApi/services/auth/internal/domain"
)

const usersEmailConstraint = "users_email_key"

// selectUser loads a user with its most recent refresh session.
const selectUser = `
	SELECT u.id, u.name, u.email, u.organization_id, u.phone, u.role, u.password_hash,
	       u.failed_login_attempts, u.lockout_until, u.created_at, u.updated_at,
	       rt.id, rt.token_hash, rt.lookup, rt.created_at, rt.expires_at, rt.revoked, rt.revoked_at
	FROM users u
	LEFT JOIN LATERAL (
		SELECT id, token_hash, lookup, created_at, expires_at, revoked, revoked_at
		FROM refresh_tokens
		WHERE user_id = u.id
		ORDER BY id DESC
		LIMIT 1
	) rt ON true`

// selectActiveSession starts from refresh_tokens so the lookup index drives
// the plan. A user has at most one unrevoked row (idx_refresh_tokens_one_active)
// and every insert revokes the previous one first, so an unrevoked row is
// always the user's most recent session.
const selectActiveSession = `
	SELECT u.id, u.name, u.email, u.organization_id, u.phone, u.role, u.password_hash,
	       u.failed_login_attempts, u.lockout_until, u.created_at, u.updated_at,
	       rt.id, rt.token_hash, rt.lookup, rt.created_at, rt.expires_at, rt.revoked, rt.revoked_at
	FROM refresh_tokens rt
	JOIN users u ON u.id = rt.user_id
	WHERE rt.lookup = $1 AND NOT rt.revoked AND rt.expires_at > $2
	ORDER BY rt.id`

const (
	insertUser = `
		INSERT INTO users (name, email, organization_id, phone, role, password_hash,
		                   failed_login_attempts, lockout_until, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`

	updateUser = `
		UPDATE users
		SET name = $1, email = $2, organization_id = $3, phone = $4, role = $5, password_hash = $6,
		    failed_login_attempts = $7, lockout_until = $8, updated_at = $9
		WHERE id = $10`

	revokeActiveSessions = `
		UPDATE refresh_tokens
		SET revoked = true, revoked_at = $2
		WHERE user_id = $1 AND NOT revoked`

	insertSession = `
		INSERT INTO refresh_tokens (user_id, token_hash, lookup, created_at, expires_at, revoked, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	updateSession = `
		UPDATE refresh_tokens
		SET revoked = $1, revoked_at = $2
		WHERE id = $3 AND user_id = $4`
)

// UserStore implements repository.UserStore on PostgreSQL. Refresh sessions
// live in refresh_tokens and are never deleted; a user's session is the
// most recent row.
type UserStore struct {
	db  database.DBTX
	now func() time.Time
}

// NewUserStore creates a store over a pool or any DBTX.
func NewUserStore(db database.DBTX) *UserStore {
	return &UserStore{db: db, now: time.Now}
}

// FindByEmail retrieves a user by email.
func (s *UserStore) FindByEmail(ctx context.Context, email string) (*domain.User, error) {
	query := selectUser + ` WHERE u.email = $1`
	ctx, end := database.TraceQuery(ctx, "find_user_by_email", query)

	u, err := scanUser(s.db.QueryRow(ctx, query, email))
	end(ignoreNoRows(err))
	if err != nil {
		return nil, storeErr("find user by email", err)
	}
	return u, nil
}

// FindByID retrieves a user by ID.
func (s *UserStore) FindByID(ctx context.Context, id int64) (*domain.User, error) {
	query := selectUser + ` WHERE u.id = $1`
	ctx, end := database.TraceQuery(ctx, "find_user_by_id", query)

	u, err := scanUser(s.db.QueryRow(ctx, query, id))
	end(ignoreNoRows(err))
	if err != nil {
		return nil, storeErr("find user by id", err)
	}
	return u, nil
}

// FindActiveSessions returns the users whose current session matches lookup
// and is active at now.
func (s *UserStore) FindActiveSessions(ctx context.Context, lookup string, now time.Time) ([]*domain.User, error) {
	ctx, end := database.TraceQuery(ctx, "find_active_sessions", selectActiveSession)

	users, err := s.queryUsers(ctx, selectActiveSession, lookup, now)
	end(err)
	if err != nil {
		return nil, storeErr("find active sessions", err)
	}
	return users, nil
}

func (s *UserStore) queryUsers(ctx context.Context, query string, args ...any) ([]*domain.User, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user row: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user rows: %w", err)
	}
	return users, nil
}

// Persist inserts or fully updates a user and its refresh session in one
// transaction.
func (s *UserStore) Persist(ctx context.Context, user *domain.User) (*domain.User, error) {
	ctx, end := database.TraceQuery(ctx, "persist_user", insertUser)

	var out *domain.User
	err := database.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		var err error
		out, err = s.write(ctx, tx, user)
		return err
	})
	end(err)
	if err != nil {
		return nil, storeErr("persist user", err)
	}
	return out, nil
}

// Update locks the user row with SELECT ... FOR UPDATE, applies fn and writes
// the result before committing. Concurrent updates of one user serialize on
// the row lock.
func (s *UserStore) Update(ctx context.Context, id int64, fn func(*domain.User) error) (*domain.User, error) {
	query := selectUser + ` WHERE u.id = $1 FOR UPDATE OF u`
	ctx, end := database.TraceQuery(ctx, "update_user", query)

	var (
		out   *domain.User
		fnErr error
	)
	err := database.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		u, err := scanUser(tx.QueryRow(ctx, query, id))
		if err != nil {
			return err
		}
		if fnErr = fn(u); fnErr != nil {
			return fnErr
		}
		out, err = s.write(ctx, tx, u)
		return err
	})
	if fnErr != nil {
		end(nil)
		return nil, fnErr
	}
	end(ignoreNoRows(err))
	if err != nil {
		return nil, storeErr("update user", err)
	}
	return out, nil
}

func (s *UserStore) write(ctx context.Context, tx pgx.Tx, user *domain.User) (*domain.User, error) {
	now := s.now().UTC()
	u := user.Clone()
	u.UpdatedAt = now

	if u.ID == 0 {
		if u.CreatedAt.IsZero() {
			u.CreatedAt = now
		}
		err := tx.QueryRow(ctx, insertUser,
			u.Name, u.Email, u.OrganizationID, u.Phone, u.Role.String(), u.PasswordHash,
			u.Lockout.FailedAttempts, u.Lockout.LockoutUntil, u.CreatedAt, u.UpdatedAt,
		).Scan(&u.ID)
		if err != nil {
			return nil, fmt.Errorf("insert user: %w", err)
		}
	} else {
		ct, err := tx.Exec(ctx, updateUser,
			u.Name, u.Email, u.OrganizationID, u.Phone, u.Role.String(), u.PasswordHash,
			u.Lockout.FailedAttempts, u.Lockout.LockoutUntil, u.UpdatedAt, u.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("update user: %w", err)
		}
		if ct.RowsAffected() == 0 {
			return nil, pgx.ErrNoRows
		}
	}

	rt := u.RefreshToken
	if rt == nil {
		return u, nil
	}
	if rt.ID == 0 {
		if _, err := tx.Exec(ctx, revokeActiveSessions, u.ID, now); err != nil {
			return nil, fmt.Errorf("revoke active sessions: %w", err)
		}
		err := tx.QueryRow(ctx, insertSession,
			u.ID, rt.Hash, rt.Lookup, rt.CreatedAt, rt.ExpiresAt, rt.Revoked, rt.RevokedAt,
		).Scan(&rt.ID)
		if err != nil {
			return nil, fmt.Errorf("insert refresh session: %w", err)
		}
		return u, nil
	}
	if _, err := tx.Exec(ctx, updateSession, rt.Revoked, rt.RevokedAt, rt.ID, u.ID); err != nil {
		return nil, fmt.Errorf("update refresh session: %w", err)
	}
	return u, nil
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var (
		u           domain.User
		role        string
		rtID        *int64
		rtHash      *string
		rtLookup    *string
		rtCreatedAt *time.Time
		rtExpiresAt *time.Time
		rtRevoked   *bool
		rtRevokedAt *time.Time
	)

	err := row.Scan(
		&u.ID,
		&u.Name,
		&u.Email,
		&u.OrganizationID,
		&u.Phone,
		&role,
		&u.PasswordHash,
		&u.Lockout.FailedAttempts,
		&u.Lockout.LockoutUntil,
		&u.CreatedAt,
		&u.UpdatedAt,
		&rtID,
		&rtHash,
		&rtLookup,
		&rtCreatedAt,
		&rtExpiresAt,
		&rtRevoked,
		&rtRevokedAt,
	)
	if err != nil {
		return nil, err
	}

	if u.Role, err = domain.ParseRole(role); err != nil {
		return nil, fmt.Errorf("user %d: %w", u.ID, err)
	}

	if rtID != nil {
		u.RefreshToken = &domain.RefreshToken{
			ID:        *rtID,
			Hash:      deref(rtHash),
			Lookup:    deref(rtLookup),
			CreatedAt: deref(rtCreatedAt),
			ExpiresAt: deref(rtExpiresAt),
			Revoked:   deref(rtRevoked),
			RevokedAt: rtRevokedAt,
		}
	}
	return &u, nil
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func storeErr(op string, err error) error {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return domain.ErrUserNotFound
	case isUniqueViolation(err, usersEmailConstraint):
		return domain.ErrDuplicateEmail
	default:
		return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
	}
}

func ignoreNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	return err
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}
