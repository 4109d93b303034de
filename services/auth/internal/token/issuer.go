// Package token issues and verifies signed access tokens.
package token

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/jockeBjers/isolApi/services/auth/internal/domain"
)

const (
	// MinKeyBytes is the shortest accepted HMAC signing key.
	MinKeyBytes = 32

	DefaultTTL = 15 * time.Minute
)

// ErrInvalidToken is returned by ParseToken for any token that does not
// verify.
var ErrInvalidToken = errors.New("invalid access token")

// Claims are the access-token claims.
type Claims struct {
	UserID         int64  `json:"user_id"`
	Email          string `json:"email"`
	Role           string `json:"role"`
	OrganizationID string `json:"organization_id"`
	jwt.RegisteredClaims
}

// Config holds the issuer's immutable settings.
type Config struct {
	SigningKey []byte
	Issuer     string
	Audience   string
	TTL        time.Duration
}

// Issuer signs HS256 access tokens.
type Issuer struct {
	key      []byte
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
	parser   *jwt.Parser
}

// NewIssuer validates cfg. A short key, missing issuer or audience, or a
// negative TTL is domain.ErrConfiguration. A zero TTL means DefaultTTL.
func NewIssuer(cfg Config) (*Issuer, error) {
	if len(cfg.SigningKey) < MinKeyBytes {
		return nil, fmt.Errorf("%w: signing key must be at least %d bytes, got %d",
			domain.ErrConfiguration, MinKeyBytes, len(cfg.SigningKey))
	}
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, fmt.Errorf("%w: token issuer and audience are required", domain.ErrConfiguration)
	}
	if cfg.TTL < 0 {
		return nil, fmt.Errorf("%w: access token ttl must not be negative", domain.ErrConfiguration)
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}

	key := make([]byte, len(cfg.SigningKey))
	copy(key, cfg.SigningKey)

	return &Issuer{
		key:      key,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		ttl:      cfg.TTL,
		now:      time.Now,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithAudience(cfg.Audience),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
		),
	}, nil
}

// TTL returns the access-token lifetime.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// CreateToken signs an access token for the given identity and returns it
// with its expiry.
func (i *Issuer) CreateToken(userID int64, email string, role domain.Role, organizationID string) (string, time.Time, error) {
	roleName, err := roleClaim(role)
	if err != nil {
		return "", time.Time{}, err
	}

	now := i.now().UTC()
	expires := now.Add(i.ttl)
	claims := &Claims{
		UserID:         userID,
		Email:          email,
		Role:           roleName,
		OrganizationID: organizationID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   strconv.FormatInt(userID, 10),
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, expires, nil
}

// ParseToken verifies signature, algorithm, issuer, audience and time
// claims. Any failure wraps ErrInvalidToken.
func (i *Issuer) ParseToken(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := i.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return i.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if _, err := roleFromClaim(claims.Role); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

func roleClaim(r domain.Role) (string, error) {
	switch r {
	case domain.RoleAdmin:
		return "admin", nil
	case domain.RoleManager:
		return "manager", nil
	case domain.RoleUser:
		return "user", nil
	default:
		return "", fmt.Errorf("create access token: unknown role %d", int(r))
	}
}

func roleFromClaim(s string) (domain.Role, error) {
	switch s {
	case "admin":
		return domain.RoleAdmin, nil
	case "manager":
		return domain.RoleManager, nil
	case "user":
		return domain.RoleUser, nil
	default:
		return 0, fmt.Errorf("unknown role claim %q", s)
	}
}
