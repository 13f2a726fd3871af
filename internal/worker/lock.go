package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/issuewatch/issuewatch-api/internal/platform/logger"
	"github.com/issuewatch/issuewatch-api/internal/store"
)

// WorkerLockName is the lock serializing tick invocations across all
// replicas.
const WorkerLockName = "llm_worker"

// LeaseLock is a distributed lock over durable lease rows. Acquisition
// succeeds when no live lease exists; a holder that dies simply lets
// its lease expire.
type LeaseLock struct {
	store  store.LockStore
	owner  string
	logger *slog.Logger
}

// NewLeaseLock creates a lock handle identifying this process as owner.
func NewLeaseLock(s store.LockStore, owner string, logger *slog.Logger) *LeaseLock {
	if s == nil {
		panic("lock store cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LeaseLock{
		store:  s,
		owner:  owner,
		logger: logger.With(slog.String("component", "lease_lock")),
	}
}

// Acquire attempts to take the named lock for the given TTL. Returns
// false without error when another holder has a live lease.
func (l *LeaseLock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	return l.store.TryAcquire(ctx, name, l.owner, ttl)
}

// Release drops the named lock. Safe to call on a lock that was never
// acquired.
func (l *LeaseLock) Release(ctx context.Context, name string) error {
	return l.store.Release(ctx, name)
}

// WithLock runs fn while holding the named lock, releasing it on every
// exit path including panics. Returns false when the lock was busy, in
// which case fn never ran.
func (l *LeaseLock) WithLock(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	log := logger.FromContextOrDefault(ctx, l.logger)

	acquired, err := l.Acquire(ctx, name, ttl)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %q: %w", name, err)
	}
	if !acquired {
		return false, nil
	}

	defer func() {
		if releaseErr := l.Release(ctx, name); releaseErr != nil {
			log.Error("failed to release lock",
				slog.String("lock", name),
				slog.String("error", releaseErr.Error()))
		}
	}()

	return true, fn(ctx)
}
