package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// UserRoleStore is an in-memory role assignment table.
type UserRoleStore struct {
	mu    sync.RWMutex
	roles map[uuid.UUID]map[string]struct{}
}

func NewUserRoleStore() *UserRoleStore {
	return &UserRoleStore{roles: make(map[uuid.UUID]map[string]struct{})}
}

func (s *UserRoleStore) HasRole(_ context.Context, userID uuid.UUID, role string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.roles[userID][role]
	return ok, nil
}

// GrantRole is idempotent.
func (s *UserRoleStore) GrantRole(_ context.Context, userID uuid.UUID, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roles[userID] == nil {
		s.roles[userID] = make(map[string]struct{})
	}
	s.roles[userID][role] = struct{}{}
	return nil
}

func (s *UserRoleStore) RevokeRole(_ context.Context, userID uuid.UUID, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.roles[userID], role)
	return nil
}
