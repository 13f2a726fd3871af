package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/issuewatch/issuewatch-api/internal/store"
)

// MemRateLimitStore is an in-memory store.RateLimitStore.
type MemRateLimitStore struct {
	mu      sync.Mutex
	buckets map[string]store.BucketUsage
}

// NewMemRateLimitStore creates an empty bucket store.
func NewMemRateLimitStore() *MemRateLimitStore {
	return &MemRateLimitStore{buckets: make(map[string]store.BucketUsage)}
}

func (s *MemRateLimitStore) Get(ctx context.Context, bucket string) (store.BucketUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buckets[bucket], nil
}

func (s *MemRateLimitStore) Increment(ctx context.Context, bucket string, requests, tokens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.buckets[bucket]
	u.Requests += requests
	u.Tokens += tokens
	s.buckets[bucket] = u
	return nil
}

func (s *MemRateLimitStore) DeleteOlderThan(ctx context.Context, retention time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-retention).UnixMilli() / 60_000
	n := 0
	for key := range s.buckets {
		var minute int64
		if _, err := fmt.Sscanf(key, "m:%d", &minute); err != nil {
			continue
		}
		if minute < cutoff {
			delete(s.buckets, key)
			n++
		}
	}
	return n, nil
}
