// Package service implements login, registration, refresh and logout on top
// of the credential, lockout, token and session components.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/jockeBjers/isolApi/pkg/errors"
	"github.com/jockeBjers/isolApi/pkg/tracing"
	"github.com/jockeBjers/isolApi/services/auth/internal/domain"
	"github.com/jockeBjers/isolApi/services/auth/internal/event"
	"github.com/jockeBjers/isolApi/services/auth/internal/hasher"
	"github.com/jockeBjers/isolApi/services/auth/internal/lockout"
	"github.com/jockeBjers/isolApi/services/auth/internal/metrics"
	"github.com/jockeBjers/isolApi/services/auth/internal/repository"
	"github.com/jockeBjers/isolApi/services/auth/internal/session"
	"github.com/jockeBjers/isolApi/services/auth/internal/token"
)

const tracerName = "github.com/jockeBjers/isolApi/services/auth/internal/service"

// Settings is the immutable auth configuration, loaded once at startup.
type Settings struct {
	SigningKey      []byte
	Issuer          string
	Audience        string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	Lockout         lockout.Policy
	BcryptCost      int
}

// DefaultSettings returns the default lifetimes, lockout policy and cost for
// the given key, issuer and audience.
func DefaultSettings(signingKey []byte, issuer, audience string) Settings {
	return Settings{
		SigningKey:      signingKey,
		Issuer:          issuer,
		Audience:        audience,
		AccessTokenTTL:  token.DefaultTTL,
		RefreshTokenTTL: session.DefaultTTL,
		Lockout:         lockout.DefaultPolicy(),
		BcryptCost:      hasher.DefaultCost,
	}
}

// LoginInput holds the parameters for a login.
type LoginInput struct {
	Email    string
	Password string
}

// RegisterInput holds the parameters for registering a new user.
type RegisterInput struct {
	Name           string
	Email          string
	Password       string
	OrganizationID string
	Phone          string
	Role           domain.Role
}

// AuthResult is returned by a successful login or refresh. RefreshToken is
// the plaintext secret and is not retrievable again.
type AuthResult struct {
	User                  *domain.User
	AccessToken           string
	AccessTokenExpiresAt  time.Time
	RefreshToken          string
	RefreshTokenExpiresAt time.Time
}

// Authenticator orchestrates the authentication flows.
type Authenticator struct {
	store    repository.UserStore
	hasher   *hasher.Hasher
	issuer   *token.Issuer
	sessions *session.Manager
	policy   lockout.Policy
	producer *event.Producer
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time
}

// New validates settings and builds an Authenticator. Invalid settings are
// domain.ErrConfiguration. producer and m may be nil.
func New(settings Settings, store repository.UserStore, producer *event.Producer, m *metrics.Metrics, logger *slog.Logger) (*Authenticator, error) {
	if err := settings.Lockout.Validate(); err != nil {
		return nil, err
	}
	h, err := hasher.New(settings.BcryptCost)
	if err != nil {
		return nil, err
	}
	issuer, err := token.NewIssuer(token.Config{
		SigningKey: settings.SigningKey,
		Issuer:     settings.Issuer,
		Audience:   settings.Audience,
		TTL:        settings.AccessTokenTTL,
	})
	if err != nil {
		return nil, err
	}
	sessions, err := session.NewManager(store, h, issuer, settings.RefreshTokenTTL, logger)
	if err != nil {
		return nil, err
	}
	if producer == nil {
		producer = event.NewProducer(nil, nil, logger)
	}

	return &Authenticator{
		store:    store,
		hasher:   h,
		issuer:   issuer,
		sessions: sessions,
		policy:   settings.Lockout,
		producer: producer,
		metrics:  m,
		tracer:   tracing.Tracer(tracerName),
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Issuer returns the access token issuer, used to verify bearer tokens.
func (a *Authenticator) Issuer() *token.Issuer {
	return a.issuer
}

// Login verifies credentials and opens a new session. An unknown email and a
// wrong password both return domain.ErrInvalidCredentials. A locked account
// returns *domain.LockedOutError without checking the password.
func (a *Authenticator) Login(ctx context.Context, in LoginInput) (*AuthResult, error) {
	ctx, span := a.tracer.Start(ctx, "Authenticator.Login")
	defer span.End()

	res, outcome, err := a.login(ctx, in)
	a.metrics.Login(outcome)
	span.SetAttributes(attribute.String("auth.outcome", outcome))
	if outcome == metrics.OutcomeError {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (a *Authenticator) login(ctx context.Context, in LoginInput) (*AuthResult, string, error) {
	email := domain.NormalizeEmail(in.Email)

	user, err := a.store.FindByEmail(ctx, email)
	if errors.Is(err, domain.ErrUserNotFound) {
		a.hasher.DummyVerify(in.Password)
		return nil, metrics.OutcomeInvalidCredentials, domain.ErrInvalidCredentials
	}
	if err != nil {
		return nil, metrics.OutcomeError, fmt.Errorf("login: %w", err)
	}

	if d := a.policy.Evaluate(user.Lockout, a.now().UTC()); d.Locked {
		return nil, metrics.OutcomeLockedOut, d.LockedOut()
	}

	start := time.Now()
	ok, err := a.hasher.VerifyPassword(in.Password, user.PasswordHash)
	a.metrics.ObserveHash(metrics.HashPassword, start)
	if err != nil {
		a.logger.ErrorContext(ctx, "stored password hash is unreadable",
			slog.Int64("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return nil, metrics.OutcomeError, fmt.Errorf("login: verify password: %w", err)
	}

	var (
		record    *domain.RefreshToken
		secret    string
		access    string
		accessExp time.Time
	)
	if ok {
		if record, secret, err = a.sessions.Generate(); err != nil {
			return nil, metrics.OutcomeError, fmt.Errorf("login: %w", err)
		}
		if access, accessExp, err = a.issuer.CreateToken(user.ID, user.Email, user.Role, user.OrganizationID); err != nil {
			return nil, metrics.OutcomeError, fmt.Errorf("login: %w", err)
		}
	}

	var now time.Time
	updated, err := a.store.Update(ctx, user.ID, func(cur *domain.User) error {
		now = a.now().UTC()
		d := a.policy.Evaluate(cur.Lockout, now)
		if d.Locked {
			return d.LockedOut()
		}
		// The password was verified against the hash read before the lock.
		if cur.PasswordHash != user.PasswordHash {
			return domain.ErrInvalidCredentials
		}
		cur.Lockout = a.policy.Apply(d.State, ok, now)
		if ok {
			a.sessions.Attach(cur, record)
		}
		return nil
	})
	var locked *domain.LockedOutError
	switch {
	case errors.As(err, &locked):
		return nil, metrics.OutcomeLockedOut, locked
	case errors.Is(err, domain.ErrInvalidCredentials):
		return nil, metrics.OutcomeInvalidCredentials, domain.ErrInvalidCredentials
	case err != nil:
		return nil, metrics.OutcomeError, fmt.Errorf("login: %w", err)
	}

	if !ok {
		if until := updated.Lockout.LockoutUntil; until != nil {
			a.metrics.Lockout()
			a.logger.WarnContext(ctx, "account locked after failed logins",
				slog.Int64("user_id", updated.ID),
				slog.Int("failed_attempts", updated.Lockout.FailedAttempts),
				slog.Time("lockout_until", *until),
			)
			a.publish(ctx, updated, a.producer.PublishUserLockedOut)
			return nil, metrics.OutcomeLockedOut, &domain.LockedOutError{Until: *until, Remaining: until.Sub(now)}
		}
		return nil, metrics.OutcomeInvalidCredentials, domain.ErrInvalidCredentials
	}

	a.logger.InfoContext(ctx, "user logged in", slog.Int64("user_id", updated.ID))
	a.publish(ctx, updated, a.producer.PublishUserLoggedIn)

	return &AuthResult{
		User:                  updated,
		AccessToken:           access,
		AccessTokenExpiresAt:  accessExp,
		RefreshToken:          secret,
		RefreshTokenExpiresAt: record.ExpiresAt,
	}, metrics.OutcomeSuccess, nil
}

// Register creates a user with a hashed password and a clean lockout state.
func (a *Authenticator) Register(ctx context.Context, in RegisterInput) (*domain.User, error) {
	ctx, span := a.tracer.Start(ctx, "Authenticator.Register")
	defer span.End()

	user, err := a.register(ctx, in)
	switch {
	case err == nil:
		a.metrics.Registration(metrics.OutcomeSuccess)
	case errors.Is(err, domain.ErrDuplicateEmail):
		a.metrics.Registration(metrics.OutcomeDuplicate)
	default:
		a.metrics.Registration(metrics.OutcomeError)
		span.RecordError(err)
	}
	return user, err
}

func (a *Authenticator) register(ctx context.Context, in RegisterInput) (*domain.User, error) {
	if !in.Role.Valid() {
		return nil, apperrors.InvalidInput(fmt.Sprintf("unknown role %s", in.Role))
	}
	email := domain.NormalizeEmail(in.Email)

	_, err := a.store.FindByEmail(ctx, email)
	switch {
	case err == nil:
		return nil, domain.ErrDuplicateEmail
	case !errors.Is(err, domain.ErrUserNotFound):
		return nil, fmt.Errorf("register: %w", err)
	}

	start := time.Now()
	hash, err := a.hasher.HashPassword(in.Password)
	a.metrics.ObserveHash(metrics.HashPassword, start)
	if errors.Is(err, hasher.ErrPasswordTooLong) {
		return nil, apperrors.InvalidInput("password must be at most 72 bytes")
	}
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}

	user, err := a.store.Persist(ctx, &domain.User{
		Name:           in.Name,
		Email:          email,
		OrganizationID: in.OrganizationID,
		Phone:          in.Phone,
		Role:           in.Role,
		PasswordHash:   hash,
	})
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}

	a.logger.InfoContext(ctx, "user registered",
		slog.Int64("user_id", user.ID),
		slog.String("organization_id", user.OrganizationID),
	)
	a.publish(ctx, user, a.producer.PublishUserRegistered)
	return user, nil
}

// Refresh rotates a refresh secret into a new access token and secret. Any
// unusable secret returns domain.ErrInvalidRefreshToken.
func (a *Authenticator) Refresh(ctx context.Context, secret string) (*AuthResult, error) {
	ctx, span := a.tracer.Start(ctx, "Authenticator.Refresh")
	defer span.End()

	tokens, err := a.sessions.Rotate(ctx, secret)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrInvalidRefreshToken):
		a.metrics.Refresh(metrics.OutcomeInvalidToken)
		if errors.Is(err, domain.ErrStoreUnavailable) {
			span.RecordError(err)
		}
		return nil, err
	default:
		a.metrics.Refresh(metrics.OutcomeError)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("refresh: %w", err)
	}

	a.metrics.Refresh(metrics.OutcomeSuccess)
	a.publish(ctx, tokens.User, a.producer.PublishSessionRotated)

	return &AuthResult{
		User:                  tokens.User,
		AccessToken:           tokens.AccessToken,
		AccessTokenExpiresAt:  tokens.AccessTokenExpiresAt,
		RefreshToken:          tokens.RefreshToken,
		RefreshTokenExpiresAt: tokens.RefreshTokenExpiresAt,
	}, nil
}

// Logout revokes the user's current session. It succeeds when there is no
// active session.
func (a *Authenticator) Logout(ctx context.Context, userID int64) error {
	ctx, span := a.tracer.Start(ctx, "Authenticator.Logout")
	defer span.End()

	if err := a.sessions.Revoke(ctx, userID); err != nil {
		a.metrics.Logout(metrics.OutcomeError)
		span.RecordError(err)
		return fmt.Errorf("logout: %w", err)
	}

	a.metrics.Logout(metrics.OutcomeSuccess)
	a.logger.InfoContext(ctx, "user logged out", slog.Int64("user_id", userID))
	a.publish(ctx, &domain.User{ID: userID}, a.producer.PublishSessionRevoked)
	return nil
}

// CurrentUser returns the user with the given ID.
func (a *Authenticator) CurrentUser(ctx context.Context, userID int64) (*domain.User, error) {
	user, err := a.store.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

// publish sends an event after the state change has been persisted. A
// failure is logged and never fails the request.
func (a *Authenticator) publish(ctx context.Context, user *domain.User, fn func(context.Context, *domain.User) error) {
	if err := fn(ctx, user); err != nil {
		a.logger.WarnContext(ctx, "failed to publish auth event",
			slog.Int64("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	}
}
