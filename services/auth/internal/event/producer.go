package event

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jockeBjers/isolApi/pkg/breaker"
	pkgkafka "github.com/jockeBjers/isolApi/pkg/kafka"
	"github.com/jockeBjers/isolApi/pkg/logger"
	"github.com/jockeBjers/isolApi/services/auth/internal/domain"
)

// Kafka topics for auth domain events.
var (
	TopicUserRegistered = pkgkafka.Topic("auth", "user.registered")
	TopicUserLoggedIn   = pkgkafka.Topic("auth", "user.logged_in")
	TopicUserLockedOut  = pkgkafka.Topic("auth", "user.locked_out")
	TopicSessionRevoked = pkgkafka.Topic("auth", "session.revoked")
	TopicSessionRotated = pkgkafka.Topic("auth", "session.rotated")
)

// AggregateTypeUser is the aggregate every auth event belongs to.
const AggregateTypeUser = "user"

// SourceAuthService identifies events originating from this service.
const SourceAuthService = "auth-service"

// UserRegisteredData is the payload for a user.registered event.
type UserRegisteredData struct {
	UserID         int64  `json:"user_id"`
	Email          string `json:"email"`
	Name           string `json:"name"`
	Role           string `json:"role"`
	OrganizationID string `json:"organization_id"`
}

// UserLoggedInData is the payload for a user.logged_in event.
type UserLoggedInData struct {
	UserID int64  `json:"user_id"`
	Email  string `json:"email"`
}

// UserLockedOutData is the payload for a user.locked_out event.
type UserLockedOutData struct {
	UserID         int64     `json:"user_id"`
	Email          string    `json:"email"`
	FailedAttempts int       `json:"failed_attempts"`
	LockoutUntil   time.Time `json:"lockout_until"`
}

// SessionData is the payload for session.revoked and session.rotated events.
type SessionData struct {
	UserID int64 `json:"user_id"`
}

// Sender publishes an event envelope to a topic. *pkgkafka.Producer
// implements it.
type Sender interface {
	Publish(ctx context.Context, topic string, event *pkgkafka.Event) error
}

// Producer publishes auth domain events through a circuit breaker. A
// Producer without a sender drops events, which is how the service runs with
// Kafka disabled.
type Producer struct {
	sender  Sender
	breaker *breaker.Breaker
	logger  *slog.Logger
}

// NewProducer creates a new event producer. sender may be nil.
func NewProducer(sender Sender, cb *breaker.Breaker, logger *slog.Logger) *Producer {
	return &Producer{
		sender:  sender,
		breaker: cb,
		logger:  logger,
	}
}

// PublishUserRegistered publishes a user.registered event.
func (p *Producer) PublishUserRegistered(ctx context.Context, user *domain.User) error {
	return p.publish(ctx, TopicUserRegistered, user, UserRegisteredData{
		UserID:         user.ID,
		Email:          user.Email,
		Name:           user.Name,
		Role:           user.Role.String(),
		OrganizationID: user.OrganizationID,
	})
}

// PublishUserLoggedIn publishes a user.logged_in event.
func (p *Producer) PublishUserLoggedIn(ctx context.Context, user *domain.User) error {
	return p.publish(ctx, TopicUserLoggedIn, user, UserLoggedInData{
		UserID: user.ID,
		Email:  user.Email,
	})
}

// PublishUserLockedOut publishes a user.locked_out event. The user must carry
// the lockout that was just set.
func (p *Producer) PublishUserLockedOut(ctx context.Context, user *domain.User) error {
	data := UserLockedOutData{
		UserID:         user.ID,
		Email:          user.Email,
		FailedAttempts: user.Lockout.FailedAttempts,
	}
	if user.Lockout.LockoutUntil != nil {
		data.LockoutUntil = *user.Lockout.LockoutUntil
	}
	return p.publish(ctx, TopicUserLockedOut, user, data)
}

// PublishSessionRevoked publishes a session.revoked event.
func (p *Producer) PublishSessionRevoked(ctx context.Context, user *domain.User) error {
	return p.publish(ctx, TopicSessionRevoked, user, SessionData{UserID: user.ID})
}

// PublishSessionRotated publishes a session.rotated event.
func (p *Producer) PublishSessionRotated(ctx context.Context, user *domain.User) error {
	return p.publish(ctx, TopicSessionRotated, user, SessionData{UserID: user.ID})
}

func (p *Producer) publish(ctx context.Context, topic string, user *domain.User, data any) error {
	if p.sender == nil {
		return nil
	}

	ev, err := pkgkafka.NewEvent(topic, strconv.FormatInt(user.ID, 10), AggregateTypeUser, SourceAuthService, data)
	if err != nil {
		return fmt.Errorf("create %s event: %w", topic, err)
	}
	ev.WithOrganizationID(user.OrganizationID)
	if id := logger.CorrelationIDFromContext(ctx); id != "" {
		ev.WithCorrelationID(id)
	}

	send := func(ctx context.Context) error {
		return p.sender.Publish(ctx, topic, ev)
	}
	if p.breaker != nil {
		err = p.breaker.Do(ctx, send)
	} else {
		err = send(ctx)
	}
	if err != nil {
		return fmt.Errorf("publish %s event: %w", topic, err)
	}

	p.logger.DebugContext(ctx, "published auth event",
		slog.String("topic", topic),
		slog.Int64("user_id", user.ID),
	)
	return nil
}
