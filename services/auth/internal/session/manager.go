// Package session issues, validates, rotates and revokes refresh sessions.
// Secrets are returned to the caller once and only their hashes are stored.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jockeBjers/isolApi/services/auth/internal/domain"
	"github.com/jockeBjers/isolApi/services/auth/internal/repository"
)

const (
	// DefaultTTL is the lifetime of a refresh session.
	DefaultTTL = 7 * 24 * time.Hour

	// secretBytes gives 512 bits of randomness per secret.
	secretBytes = 64

	// lookupBytes is how much of the secret's SHA-256 digest forms the
	// stored selector.
	lookupBytes = 16

	revokeTimeout = 5 * time.Second
)

// encodedSecretLen is the length of a base64url encoded secret.
var encodedSecretLen = base64.RawURLEncoding.EncodedLen(secretBytes)

// SecretHasher hashes and verifies refresh secrets.
type SecretHasher interface {
	HashSecret(secret string) (string, error)
	VerifySecret(secret, hash string) (bool, error)
}

// AccessIssuer signs access tokens for a user.
type AccessIssuer interface {
	CreateToken(userID int64, email string, role domain.Role, organizationID string) (string, time.Time, error)
}

// Tokens is the outcome of a successful rotation.
type Tokens struct {
	User                  *domain.User
	AccessToken           string
	AccessTokenExpiresAt  time.Time
	RefreshToken          string
	RefreshTokenExpiresAt time.Time
}

// Manager owns the refresh session lifecycle of every user.
type Manager struct {
	store  repository.UserStore
	hasher SecretHasher
	issuer AccessIssuer
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewManager returns a Manager issuing sessions that live for ttl.
func NewManager(store repository.UserStore, hasher SecretHasher, issuer AccessIssuer, ttl time.Duration, logger *slog.Logger) (*Manager, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: refresh token ttl must be positive, got %s", domain.ErrConfiguration, ttl)
	}
	return &Manager{
		store:  store,
		hasher: hasher,
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
	}, nil
}

// TTL returns the session lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// LookupKey derives the non-secret selector stored next to a session hash.
func LookupKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:lookupBytes])
}

// Generate creates a new session record and its plaintext secret. The record
// is not attached to any user.
func (m *Manager) Generate() (*domain.RefreshToken, string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, "", fmt.Errorf("generate refresh secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(buf)

	hash, err := m.hasher.HashSecret(secret)
	if err != nil {
		return nil, "", fmt.Errorf("hash refresh secret: %w", err)
	}

	now := m.now().UTC()
	return &domain.RefreshToken{
		Hash:      hash,
		Lookup:    LookupKey(secret),
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}, secret, nil
}

// Attach makes record the user's current session, revoking the previous one.
func (m *Manager) Attach(user *domain.User, record *domain.RefreshToken) {
	user.RefreshToken.Revoke(m.now().UTC())
	user.RefreshToken = record
}

// Validate returns the user whose active session matches secret. Unknown,
// expired, revoked and malformed secrets all yield
// domain.ErrInvalidRefreshToken.
func (m *Manager) Validate(ctx context.Context, secret string) (*domain.User, error) {
	if len(secret) != encodedSecretLen {
		return nil, domain.ErrInvalidRefreshToken
	}

	users, err := m.store.FindActiveSessions(ctx, LookupKey(secret), m.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("validate refresh token: %w", err)
	}

	for _, u := range users {
		ok, err := m.hasher.VerifySecret(secret, u.RefreshToken.Hash)
		if err != nil {
			m.logger.WarnContext(ctx, "unreadable refresh token hash",
				slog.Int64("user_id", u.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if ok {
			return u, nil
		}
	}
	return nil, domain.ErrInvalidRefreshToken
}

// Rotate exchanges secret for a new access token and a new secret. The old
// session is revoked in the same atomic update that attaches the new one, so
// of two concurrent rotations of one secret only the first succeeds.
//
// If the update cannot be persisted the rotation fails closed: the error
// matches domain.ErrInvalidRefreshToken and the user's session is revoked on
// a best-effort basis.
func (m *Manager) Rotate(ctx context.Context, secret string) (*Tokens, error) {
	user, err := m.Validate(ctx, secret)
	if err != nil {
		return nil, err
	}
	prevID := user.RefreshToken.ID

	record, plaintext, err := m.Generate()
	if err != nil {
		return nil, err
	}
	access, accessExp, err := m.issuer.CreateToken(user.ID, user.Email, user.Role, user.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("create access token: %w", err)
	}

	updated, err := m.store.Update(ctx, user.ID, func(cur *domain.User) error {
		rt := cur.RefreshToken
		if rt == nil || rt.ID != prevID || !rt.Active(m.now().UTC()) {
			return domain.ErrInvalidRefreshToken
		}
		m.Attach(cur, record)
		return nil
	})
	switch {
	case errors.Is(err, domain.ErrInvalidRefreshToken):
		m.logger.WarnContext(ctx, "refresh token reused during rotation",
			slog.Int64("user_id", user.ID),
		)
		return nil, domain.ErrInvalidRefreshToken
	case err != nil:
		m.logger.ErrorContext(ctx, "failed to persist refresh token rotation",
			slog.Int64("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		m.revokeAfterFailure(ctx, user.ID, prevID, record.Lookup)
		return nil, errors.Join(domain.ErrInvalidRefreshToken, err)
	}

	return &Tokens{
		User:                  updated,
		AccessToken:           access,
		AccessTokenExpiresAt:  accessExp,
		RefreshToken:          plaintext,
		RefreshTokenExpiresAt: record.ExpiresAt,
	}, nil
}

// revokeAfterFailure revokes whichever of the old or new session ended up
// current after a failed rotation. It runs detached from ctx, which may be
// the reason the rotation failed.
func (m *Manager) revokeAfterFailure(ctx context.Context, userID, prevID int64, newLookup string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), revokeTimeout)
	defer cancel()

	_, err := m.store.Update(rctx, userID, func(cur *domain.User) error {
		if rt := cur.RefreshToken; rt != nil && (rt.ID == prevID || rt.Lookup == newLookup) {
			rt.Revoke(m.now().UTC())
		}
		return nil
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to revoke refresh token after rotation failure",
			slog.Int64("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}

// Revoke marks the user's current session revoked. Revoking an absent or
// already revoked session succeeds.
func (m *Manager) Revoke(ctx context.Context, userID int64) error {
	_, err := m.store.Update(ctx, userID, func(cur *domain.User) error {
		cur.RefreshToken.Revoke(m.now().UTC())
		return nil
	})
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}
