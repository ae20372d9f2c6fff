package directory

import (
	"context"
	"sync"

	"github.com/xenking/orders-cqrs/internal/domain/user"
)

var _ user.Directory = (*Static)(nil)

// Static is a fixed in-memory directory for local runs without a user
// service.
type Static struct {
	mu    sync.RWMutex
	users map[int64]user.User
}

// NewStatic returns a Static directory holding users.
func NewStatic(users ...user.User) *Static {
	s := &Static{users: make(map[int64]user.User, len(users))}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

// Put adds or replaces a user.
func (s *Static) Put(u user.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// GetUserByID implements user.Directory.
func (s *Static) GetUserByID(_ context.Context, id int64) (*user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	return &u, nil
}
