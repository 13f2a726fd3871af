package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/issuewatch/issuewatch-api/internal/platform/logger"
	"github.com/issuewatch/issuewatch-api/internal/store"
)

// PostgresRateLimitStore implements the store.RateLimitStore interface
// using PostgreSQL. Rows are keyed by bucket name, so the read and the
// increment need no locking beyond the upsert itself.
type PostgresRateLimitStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresRateLimitStore creates a new PostgreSQL implementation of
// the RateLimitStore interface.
func NewPostgresRateLimitStore(db store.DBTX, logger *slog.Logger) *PostgresRateLimitStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresRateLimitStore{
		db:     db,
		logger: logger.With(slog.String("component", "rate_limit_store")),
	}
}

// Ensure PostgresRateLimitStore implements store.RateLimitStore
var _ store.RateLimitStore = (*PostgresRateLimitStore)(nil)

// Get implements store.RateLimitStore.Get
func (s *PostgresRateLimitStore) Get(ctx context.Context, bucket string) (store.BucketUsage, error) {
	var usage store.BucketUsage
	err := s.db.QueryRowContext(ctx,
		`SELECT requests, tokens FROM rate_limit_buckets WHERE bucket = $1`,
		bucket).Scan(&usage.Requests, &usage.Tokens)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.BucketUsage{}, nil
		}
		return store.BucketUsage{}, fmt.Errorf("failed to read rate limit bucket: %w", err)
	}
	return usage, nil
}

// Increment implements store.RateLimitStore.Increment
func (s *PostgresRateLimitStore) Increment(ctx context.Context, bucket string, requests, tokens int) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if requests < 0 {
		requests = 0
	}
	if tokens < 0 {
		tokens = 0
	}
	if requests == 0 && tokens == 0 {
		return nil
	}

	query := `
		INSERT INTO rate_limit_buckets (bucket, requests, tokens, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (bucket) DO UPDATE
		SET requests = rate_limit_buckets.requests + EXCLUDED.requests,
		    tokens = rate_limit_buckets.tokens + EXCLUDED.tokens,
		    updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.ExecContext(ctx, query, bucket, requests, tokens, time.Now().UTC())
	if err != nil {
		log.Error("failed to increment rate limit bucket",
			slog.String("error", err.Error()),
			slog.String("bucket", bucket))
		return fmt.Errorf("failed to increment rate limit bucket: %w", mapError(err))
	}
	return nil
}

// DeleteOlderThan implements store.RateLimitStore.DeleteOlderThan
func (s *PostgresRateLimitStore) DeleteOlderThan(ctx context.Context, retention time.Duration) (int, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	cutoff := time.Now().UTC().Add(-retention)
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_limit_buckets WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale rate limit buckets: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		log.Debug("vacuumed rate limit buckets", slog.Int64("deleted", rows))
	}
	return int(rows), nil
}
