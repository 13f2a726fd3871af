package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/issuewatch/issuewatch-api/internal/platform/logger"
	"github.com/issuewatch/issuewatch-api/internal/store"
)

// PostgresLockStore implements the store.LockStore interface using
// PostgreSQL. A lock is a single row whose lease expiry decides
// liveness, so acquisition works identically across replicas.
type PostgresLockStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresLockStore creates a new PostgreSQL implementation of the
// LockStore interface.
func NewPostgresLockStore(db store.DBTX, logger *slog.Logger) *PostgresLockStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresLockStore{
		db:     db,
		logger: logger.With(slog.String("component", "lock_store")),
	}
}

// Ensure PostgresLockStore implements store.LockStore
var _ store.LockStore = (*PostgresLockStore)(nil)

// TryAcquire implements store.LockStore.TryAcquire.
// The upsert's WHERE clause makes expiry checking and lease installation
// one statement: a live lease leaves the row untouched and zero rows
// affected, regardless of who holds it.
func (s *PostgresLockStore) TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	now := time.Now().UTC()
	query := `
		INSERT INTO worker_locks (name, owner, lease_expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE
		SET owner = EXCLUDED.owner, lease_expires_at = EXCLUDED.lease_expires_at
		WHERE worker_locks.lease_expires_at <= $4
	`
	result, err := s.db.ExecContext(ctx, query, name, owner, now.Add(ttl), now)
	if err != nil {
		log.Error("failed to acquire lock",
			slog.String("error", err.Error()),
			slog.String("lock", name))
		return false, fmt.Errorf("failed to acquire lock: %w", mapError(err))
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	acquired := rows > 0
	if acquired {
		log.Debug("lock acquired",
			slog.String("lock", name),
			slog.String("owner", owner),
			slog.Duration("ttl", ttl))
	}
	return acquired, nil
}

// Release implements store.LockStore.Release
func (s *PostgresLockStore) Release(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE worker_locks SET lease_expires_at = $1 WHERE name = $2`,
		time.Unix(0, 0).UTC(), name)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}
