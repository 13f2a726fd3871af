package store

import (
	"context"
	"time"
)

// LockStore defines the interface for the durable lease-lock rows backing
// the distributed lock. Exclusion state is never held in process memory:
// a lock is a row with a lease expiry, acquired when absent or expired.
type LockStore interface {
	// TryAcquire installs a lease of the given TTL on the named lock if
	// no live lease exists: either no row is present, or the existing
	// lease has already expired and is silently reclaimed from the dead
	// holder. The check and the install are a
	// single atomic statement. Returns true if the lease was installed.
	TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)

	// Release clears the lease unconditionally by expiring it in the
	// past. Releasing an absent lock is a no-op.
	Release(ctx context.Context, name string) error
}
