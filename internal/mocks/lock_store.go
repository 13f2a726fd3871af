package mocks

import (
	"context"
	"sync"
	"time"
)

type leaseEntry struct {
	owner   string
	expires time.Time
}

// MemLockStore is an in-memory store.LockStore with real lease
// semantics: a live lease blocks every acquirer, an expired or
// released one can be taken.
type MemLockStore struct {
	mu    sync.Mutex
	locks map[string]leaseEntry
}

// NewMemLockStore creates an empty lock store.
func NewMemLockStore() *MemLockStore {
	return &MemLockStore{locks: make(map[string]leaseEntry)}
}

func (s *MemLockStore) TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	cur, ok := s.locks[name]
	if ok && cur.expires.After(now) {
		return false, nil
	}
	s.locks[name] = leaseEntry{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *MemLockStore) Release(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.locks[name]; ok {
		cur.expires = time.Unix(0, 0)
		s.locks[name] = cur
	}
	return nil
}
