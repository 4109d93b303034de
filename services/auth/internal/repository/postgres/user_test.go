package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jockeBjers/isolApi/pkg/database"
	"github.com/jockeBjers/isolApi/services/auth/internal/domain"
)

var fixedNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newStoreTestFixture(t *testing.T) (*UserStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := database.NewMockPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store := NewUserStore(mock)
	store.now = func() time.Time { return fixedNow }
	return store, mock
}

func sampleUser() *domain.User {
	created := fixedNow.Add(-24 * time.Hour)
	return &domain.User{
		ID:             7,
		Name:           "Alice",
		Email:          "alice@example.com",
		OrganizationID: "org-1",
		Phone:          "+46701234567",
		Role:           domain.RoleManager,
		PasswordHash:   "$2a$04$hash",
		CreatedAt:      created,
		UpdatedAt:      created,
	}
}

func sampleSession() *domain.RefreshToken {
	return &domain.RefreshToken{
		ID:        3,
		Hash:      "$2a$04$session",
		Lookup:    "0011223344556677",
		CreatedAt: fixedNow.Add(-time.Hour),
		ExpiresAt: fixedNow.Add(7 * 24 * time.Hour),
	}
}

func userColumns() []string {
	return []string{
		"id", "name", "email", "organization_id", "phone", "role", "password_hash",
		"failed_login_attempts", "lockout_until", "created_at", "updated_at",
		"id", "token_hash", "lookup", "created_at", "expires_at", "revoked", "revoked_at",
	}
}

func addUserRow(rows *pgxmock.Rows, u *domain.User) *pgxmock.Rows {
	var (
		rtID                 *int64
		rtHash, rtLookup     *string
		rtCreated, rtExpires *time.Time
		rtRevoked            *bool
		rtRevokedAt          *time.Time
	)
	if rt := u.RefreshToken; rt != nil {
		rtID, rtHash, rtLookup = &rt.ID, &rt.Hash, &rt.Lookup
		rtCreated, rtExpires = &rt.CreatedAt, &rt.ExpiresAt
		rtRevoked, rtRevokedAt = &rt.Revoked, rt.RevokedAt
	}
	return rows.AddRow(
		u.ID, u.Name, u.Email, u.OrganizationID, u.Phone, u.Role.String(), u.PasswordHash,
		u.Lockout.FailedAttempts, u.Lockout.LockoutUntil, u.CreatedAt, u.UpdatedAt,
		rtID, rtHash, rtLookup, rtCreated, rtExpires, rtRevoked, rtRevokedAt,
	)
}

func userRow(u *domain.User) *pgxmock.Rows {
	return addUserRow(pgxmock.NewRows(userColumns()), u)
}

func idRow(id int64) *pgxmock.Rows {
	return pgxmock.NewRows([]string{"id"}).AddRow(id)
}

// ---------------------------------------------------------------------------
// FindByEmail / FindByID
// ---------------------------------------------------------------------------

func TestUserStore_FindByEmail_WithSession(t *testing.T) {
	store, mock := newStoreTestFixture(t)

	u := sampleUser()
	u.RefreshToken = sampleSession()
	until := fixedNow.Add(5 * time.Minute)
	u.Lockout = domain.LockoutState{FailedAttempts: 5, LockoutUntil: &until}

	mock.ExpectQuery(`SELECT .+ FROM users u LEFT JOIN LATERAL .+ WHERE u.email = \$1`).
		WithArgs(u.Email).
		WillReturnRows(userRow(u))

	got, err := store.FindByEmail(context.Background(), u.Email)
	require.NoError(t, err)
	assert.Equal(t, u, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserStore_FindByID_NoSession(t *testing.T) {
	store, mock := newStoreTestFixture(t)
	u := sampleUser()

	mock.ExpectQuery(`SELECT .+ FROM users u .+ WHERE u.id = \$1`).
		WithArgs(u.ID).
		WillReturnRows(userRow(u))

	got, err := store.FindByID(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Nil(t, got.RefreshToken)
	assert.Equal(t, domain.RoleManager, got.Role)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserStore_FindByEmail_NotFound(t *testing.T) {
	store, mock := newStoreTestFixture(t)

	mock.ExpectQuery(`SELECT .+ FROM users u`).
		WithArgs("nobody@example.com").
		WillReturnRows(pgxmock.NewRows(userColumns()))

	_, err := store.FindByEmail(context.Background(), "nobody@example.com")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserStore_FindByID_DriverErrorIsTransient(t *testing.T) {
	store, mock := newStoreTestFixture(t)

	mock.ExpectQuery(`SELECT .+ FROM users u`).
		WithArgs(int64(1)).
		WillReturnError(context.DeadlineExceeded)

	_, err := store.FindByID(context.Background(), 1)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, domain.ErrUserNotFound)
}

// ---------------------------------------------------------------------------
// FindActiveSessions
// ---------------------------------------------------------------------------

func TestUserStore_FindActiveSessions(t *testing.T) {
	store, mock := newStoreTestFixture(t)

	a := sampleUser()
	a.RefreshToken = sampleSession()
	b := sampleUser()
	b.ID, b.Email = 8, "bob@example.com"
	b.RefreshToken = sampleSession()
	b.RefreshToken.ID = 4

	rows := addUserRow(addUserRow(pgxmock.NewRows(userColumns()), a), b)
	mock.ExpectQuery(`FROM refresh_tokens rt JOIN users u ON u.id = rt.user_id WHERE rt.lookup = \$1 AND NOT rt.revoked AND rt.expires_at > \$2`).
		WithArgs("0011223344556677", fixedNow).
		WillReturnRows(rows)

	got, err := store.FindActiveSessions(context.Background(), "0011223344556677", fixedNow)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].RefreshToken.ID)
	assert.Equal(t, int64(4), got[1].RefreshToken.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserStore_FindActiveSessions_Empty(t *testing.T) {
	store, mock := newStoreTestFixture(t)

	mock.ExpectQuery(`WHERE rt.lookup`).
		WithArgs("ffff", fixedNow).
		WillReturnRows(pgxmock.NewRows(userColumns()))

	got, err := store.FindActiveSessions(context.Background(), "ffff", fixedNow)
	require.NoError(t, err)
	assert.Empty(t, got)
}

// ---------------------------------------------------------------------------
// Persist
// ---------------------------------------------------------------------------

func TestUserStore_Persist_InsertsNewUser(t *testing.T) {
	store, mock := newStoreTestFixture(t)

	u := sampleUser()
	u.ID = 0
	u.CreatedAt = time.Time{}

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO users`).
		WithArgs(u.Name, u.Email, u.OrganizationID, u.Phone, "manager", u.PasswordHash,
			0, (*time.Time)(nil), fixedNow, fixedNow).
		WillReturnRows(idRow(42))
	mock.ExpectCommit()

	got, err := store.Persist(context.Background(), u)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.ID)
	assert.Equal(t, fixedNow, got.CreatedAt)
	assert.Equal(t, int64(0), u.ID, "input is not mutated")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserStore_Persist_DuplicateEmail(t *testing.T) {
	store, mock := newStoreTestFixture(t)

	u := sampleUser()
	u.ID = 0

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO users`).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "users_email_key"})
	mock.ExpectRollback()

	_, err := store.Persist(context.Background(), u)
	assert.ErrorIs(t, err, domain.ErrDuplicateEmail)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserStore_Persist_NewSessionRevokesPrevious(t *testing.T) {
	store, mock := newStoreTestFixture(t)

	u := sampleUser()
	u.RefreshToken = sampleSession()
	u.RefreshToken.ID = 0
	rt := u.RefreshToken

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE users SET`).
		WithArgs(u.Name, u.Email, u.OrganizationID, u.Phone, "manager", u.PasswordHash,
			0, (*time.Time)(nil), fixedNow, u.ID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE refresh_tokens SET revoked = true`).
		WithArgs(u.ID, fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(`INSERT INTO refresh_tokens`).
		WithArgs(u.ID, rt.Hash, rt.Lookup, rt.CreatedAt, rt.ExpiresAt, false, (*time.Time)(nil)).
		WillReturnRows(idRow(99))
	mock.ExpectCommit()

	got, err := store.Persist(context.Background(), u)
	require.NoError(t, err)
	assert.Equal(t, int64(99), got.RefreshToken.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserStore_Persist_ExistingSessionUpdatesRevocation(t *testing.T) {
	store, mock := newStoreTestFixture(t)

	u := sampleUser()
	u.RefreshToken = sampleSession()
	u.RefreshToken.Revoke(fixedNow)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE users SET`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE refresh_tokens SET revoked = \$1`).
		WithArgs(true, u.RefreshToken.RevokedAt, u.RefreshToken.ID, u.ID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	_, err := store.Persist(context.Background(), u)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserStore_Persist_MissingUser(t *testing.T) {
	store, mock := newStoreTestFixture(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE users SET`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	_, err := store.Persist(context.Background(), sampleUser())
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ---------------------------------------------------------------------------
// Update
// ---------------------------------------------------------------------------

func TestUserStore_Update_LocksAppliesAndWrites(t *testing.T) {
	store, mock := newStoreTestFixture(t)
	u := sampleUser()

	mock.ExpectBegin()
	mock.ExpectQuery(`WHERE u.id = \$1 FOR UPDATE OF u`).
		WithArgs(u.ID).
		WillReturnRows(userRow(u))
	mock.ExpectExec(`UPDATE users SET`).
		WithArgs(u.Name, u.Email, u.OrganizationID, u.Phone, "manager", u.PasswordHash,
			1, (*time.Time)(nil), fixedNow, u.ID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	got, err := store.Update(context.Background(), u.ID, func(cur *domain.User) error {
		cur.Lockout.FailedAttempts++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, got.Lockout.FailedAttempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserStore_Update_FnErrorRollsBack(t *testing.T) {
	store, mock := newStoreTestFixture(t)
	u := sampleUser()
	errStale := errors.New("stale session")

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE OF u`).
		WithArgs(u.ID).
		WillReturnRows(userRow(u))
	mock.ExpectRollback()

	_, err := store.Update(context.Background(), u.ID, func(*domain.User) error { return errStale })
	assert.ErrorIs(t, err, errStale)
	assert.NotErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserStore_Update_NotFound(t *testing.T) {
	store, mock := newStoreTestFixture(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE OF u`).
		WithArgs(int64(404)).
		WillReturnRows(pgxmock.NewRows(userColumns()))
	mock.ExpectRollback()

	called := false
	_, err := store.Update(context.Background(), 404, func(*domain.User) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
	assert.False(t, called)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserStore_Update_BeginFails(t *testing.T) {
	store, mock := newStoreTestFixture(t)

	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	_, err := store.Update(context.Background(), 1, func(*domain.User) error { return nil })
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}
