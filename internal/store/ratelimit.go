package store

import (
	"context"
	"time"
)

// BucketUsage is the consumption recorded in one rate-limit time bucket.
type BucketUsage struct {
	Requests int
	Tokens   int
}

// RateLimitStore defines the interface for durable rate-limit buckets.
// Bucket identity is derived purely from wall-clock time (one row per
// minute window), so no coordination is needed beyond the atomic
// increment.
type RateLimitStore interface {
	// Get returns the usage recorded in the named bucket. A bucket that
	// was never written reads as zero usage.
	Get(ctx context.Context, bucket string) (BucketUsage, error)

	// Increment atomically adds the given counts to the bucket, creating
	// the row on first consumption. Counts are clamped non-negative.
	Increment(ctx context.Context, bucket string, requests, tokens int) error

	// DeleteOlderThan removes buckets last touched before the retention
	// window, bounding storage growth. Returns the number of rows deleted.
	DeleteOlderThan(ctx context.Context, retention time.Duration) (int, error)
}
