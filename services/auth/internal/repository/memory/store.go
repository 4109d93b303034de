// Package memory is an in-process UserStore for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jockeBjers/isolApi/services/auth/internal/domain"
)

// Store keeps users and every refresh session ever issued in memory. A
// single mutex serializes all operations, which makes Update atomic.
type Store struct {
	mu          sync.Mutex
	users       map[int64]*domain.User
	byEmail     map[string]int64
	sessions    map[int64][]*domain.RefreshToken
	nextUserID  int64
	nextTokenID int64
	now         func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		users:    make(map[int64]*domain.User),
		byEmail:  make(map[string]int64),
		sessions: make(map[int64][]*domain.RefreshToken),
		now:      time.Now,
	}
}

func (s *Store) FindByEmail(ctx context.Context, email string) (*domain.User, error) {
	if err := ctxErr(ctx, "find user by email"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byEmail[email]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return s.users[id].Clone(), nil
}

func (s *Store) FindByID(ctx context.Context, id int64) (*domain.User, error) {
	if err := ctxErr(ctx, "find user by id"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return u.Clone(), nil
}

func (s *Store) FindActiveSessions(ctx context.Context, lookup string, now time.Time) ([]*domain.User, error) {
	if err := ctxErr(ctx, "find active sessions"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.User
	for _, u := range s.users {
		if rt := u.RefreshToken; rt.Active(now) && rt.Lookup == lookup {
			out = append(out, u.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Persist(ctx context.Context, user *domain.User) (*domain.User, error) {
	if err := ctxErr(ctx, "persist user"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.write(user)
}

func (s *Store) Update(ctx context.Context, id int64, fn func(*domain.User) error) (*domain.User, error) {
	if err := ctxErr(ctx, "update user"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	u := cur.Clone()
	if err := fn(u); err != nil {
		return nil, err
	}
	return s.write(u)
}

// Sessions returns copies of every refresh session stored for userID, oldest
// first, revoked ones included.
func (s *Store) Sessions(userID int64) []*domain.RefreshToken {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.RefreshToken, 0, len(s.sessions[userID]))
	for _, rt := range s.sessions[userID] {
		out = append(out, rt.Clone())
	}
	return out
}

// Users returns copies of every stored user.
func (s *Store) Users() []*domain.User {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// write stores a copy of user. Callers hold s.mu.
func (s *Store) write(user *domain.User) (*domain.User, error) {
	now := s.now().UTC()
	u := user.Clone()
	u.UpdatedAt = now

	if owner, taken := s.byEmail[u.Email]; taken && owner != u.ID {
		return nil, domain.ErrDuplicateEmail
	}

	if u.ID == 0 {
		s.nextUserID++
		u.ID = s.nextUserID
		if u.CreatedAt.IsZero() {
			u.CreatedAt = now
		}
	} else {
		prev, ok := s.users[u.ID]
		if !ok {
			return nil, domain.ErrUserNotFound
		}
		if prev.Email != u.Email {
			delete(s.byEmail, prev.Email)
		}
	}

	if rt := u.RefreshToken; rt != nil {
		if rt.ID == 0 {
			for _, old := range s.sessions[u.ID] {
				old.Revoke(now)
			}
			s.nextTokenID++
			rt.ID = s.nextTokenID
			s.sessions[u.ID] = append(s.sessions[u.ID], rt.Clone())
		} else {
			for _, old := range s.sessions[u.ID] {
				if old.ID == rt.ID {
					old.Revoked, old.RevokedAt = rt.Revoked, rt.RevokedAt
				}
			}
		}
	}

	s.users[u.ID] = u
	s.byEmail[u.Email] = u.ID
	return u.Clone(), nil
}

func ctxErr(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
	}
	return nil
}
