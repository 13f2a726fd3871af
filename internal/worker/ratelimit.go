package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/issuewatch/issuewatch-api/internal/config"
	"github.com/issuewatch/issuewatch-api/internal/platform/logger"
	"github.com/issuewatch/issuewatch-api/internal/store"
)

// Quota is the admission decision for one tick: whether any LLM
// requests may be made this minute, and at most how many.
type Quota struct {
	OK          bool
	MaxRequests int
}

// RateLimiter tracks LLM consumption in durable per-minute buckets.
// Buckets are keyed purely by wall-clock minute, so every replica reads
// and increments the same row without coordination; the worker lock
// keeps check-then-consume sequences from racing.
type RateLimiter struct {
	store     store.RateLimitStore
	rpm       int
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewRateLimiter creates a limiter enforcing the configured requests
// per minute ceiling.
func NewRateLimiter(s store.RateLimitStore, cfg config.RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if s == nil {
		panic("rate limit store cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 700
	}
	retention := time.Duration(cfg.BucketRetentionMinutes) * time.Minute
	if retention <= 0 {
		retention = 5 * time.Minute
	}

	return &RateLimiter{
		store:     s,
		rpm:       rpm,
		retention: retention,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "rate_limiter")),
	}
}

// MinuteBucket names the bucket for the given instant.
func MinuteBucket(t time.Time) string {
	return fmt.Sprintf("m:%d", t.UnixMilli()/60_000)
}

// GetQuota reports how many requests remain in the current minute
// bucket. A bucket with no row yet has the full ceiling available.
func (r *RateLimiter) GetQuota(ctx context.Context) (Quota, error) {
	bucket := MinuteBucket(r.now())
	usage, err := r.store.Get(ctx, bucket)
	if err != nil {
		return Quota{}, fmt.Errorf("failed to read quota: %w", err)
	}

	remaining := r.rpm - usage.Requests
	if remaining < 0 {
		remaining = 0
	}
	return Quota{OK: remaining > 0, MaxRequests: remaining}, nil
}

// Consume records requests and tokens against the current minute
// bucket.
func (r *RateLimiter) Consume(ctx context.Context, requests, tokens int) error {
	bucket := MinuteBucket(r.now())
	if err := r.store.Increment(ctx, bucket, requests, tokens); err != nil {
		return fmt.Errorf("failed to consume quota: %w", err)
	}
	return nil
}

// Vacuum deletes buckets past the retention window.
func (r *RateLimiter) Vacuum(ctx context.Context) (int, error) {
	log := logger.FromContextOrDefault(ctx, r.logger)

	n, err := r.store.DeleteOlderThan(ctx, r.retention)
	if err != nil {
		return 0, fmt.Errorf("failed to vacuum rate buckets: %w", err)
	}
	if n > 0 {
		log.Debug("vacuumed rate buckets", slog.Int("deleted", n))
	}
	return n, nil
}
