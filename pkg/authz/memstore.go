package authz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aegisgw/aegis/pkg/store"
)

// MemoryUserStore is an in-memory UserStore and UsageReader for tests and
// database-less development runs.
type MemoryUserStore struct {
	mu    sync.RWMutex
	users map[int64]store.UserRow
	spend map[int64]float64
}

// NewMemoryUserStore seeds a store with the given users.
func NewMemoryUserStore(users ...store.UserRow) *MemoryUserStore {
	s := &MemoryUserStore{
		users: make(map[int64]store.UserRow, len(users)),
		spend: make(map[int64]float64),
	}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

// LoadUser implements UserStore.
func (s *MemoryUserStore) LoadUser(_ context.Context, userID int64) (*store.UserRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", userID, store.ErrNotFound)
	}
	return &u, nil
}

// DailyUsage implements UsageReader.
func (s *MemoryUserStore) DailyUsage(_ context.Context, userID int64, _ time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.spend[userID], nil
}

// AddSpend accumulates spend for a user.
func (s *MemoryUserStore) AddSpend(userID int64, cost float64) {
	s.mu.Lock()
	s.spend[userID] += cost
	s.mu.Unlock()
}

// SetBlocked flips a user's block flag, mirroring store.Store.
func (s *MemoryUserStore) SetBlocked(_ context.Context, userID int64, blocked bool, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("user %d: %w", userID, store.ErrNotFound)
	}
	u.Blocked = blocked
	u.BlockReason = reason
	s.users[userID] = u
	return nil
}
