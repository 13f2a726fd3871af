package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issuewatch/issuewatch-api/internal/config"
	"github.com/issuewatch/issuewatch-api/internal/mocks"
)

func newTestLimiter(t *testing.T, rpm int) (*RateLimiter, *mocks.MemRateLimitStore) {
	t.Helper()
	s := mocks.NewMemRateLimitStore()
	r := NewRateLimiter(s, config.RateLimitConfig{
		RequestsPerMinute:      rpm,
		BucketRetentionMinutes: 5,
		EstimatedTokensPerTask: 1300,
	}, discardLogger())
	// Pin the clock so consume and read land in the same bucket.
	fixed := time.UnixMilli(180_000)
	r.now = func() time.Time { return fixed }
	return r, s
}

func TestMinuteBucket(t *testing.T) {
	base := time.UnixMilli(120_000)
	assert.Equal(t, "m:2", MinuteBucket(base))
	assert.Equal(t, "m:2", MinuteBucket(base.Add(59*time.Second)))
	assert.Equal(t, "m:3", MinuteBucket(base.Add(time.Minute)))
}

func TestGetQuota_FreshBucketHasFullBudget(t *testing.T) {
	r, _ := newTestLimiter(t, 700)

	quota, err := r.GetQuota(context.Background())
	require.NoError(t, err)
	assert.True(t, quota.OK)
	assert.Equal(t, 700, quota.MaxRequests)
}

func TestGetQuota_ConsumeShrinksBudget(t *testing.T) {
	r, _ := newTestLimiter(t, 10)
	ctx := context.Background()

	require.NoError(t, r.Consume(ctx, 4, 4*1300))

	quota, err := r.GetQuota(ctx)
	require.NoError(t, err)
	assert.True(t, quota.OK)
	assert.Equal(t, 6, quota.MaxRequests)
}

func TestGetQuota_ExhaustedBucketBlocks(t *testing.T) {
	r, _ := newTestLimiter(t, 5)
	ctx := context.Background()

	require.NoError(t, r.Consume(ctx, 5, 0))

	quota, err := r.GetQuota(ctx)
	require.NoError(t, err)
	assert.False(t, quota.OK)
	assert.Zero(t, quota.MaxRequests)
}

func TestGetQuota_OverrunClampsToZero(t *testing.T) {
	r, s := newTestLimiter(t, 5)
	ctx := context.Background()

	// Usage above the ceiling can happen when the ceiling is lowered
	// between deploys.
	require.NoError(t, s.Increment(ctx, MinuteBucket(time.UnixMilli(180_000)), 9, 0))

	quota, err := r.GetQuota(ctx)
	require.NoError(t, err)
	assert.False(t, quota.OK)
	assert.Zero(t, quota.MaxRequests)
}

func TestVacuum_DropsStaleBuckets(t *testing.T) {
	r, _ := newTestLimiter(t, 10)
	ctx := context.Background()

	// The pinned clock writes into a bucket minutes in the past, far
	// outside the retention window.
	require.NoError(t, r.Consume(ctx, 2, 2*1300))

	n, err := r.Vacuum(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	quota, err := r.GetQuota(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, quota.MaxRequests)
}

func TestNewRateLimiter_NilStorePanics(t *testing.T) {
	assert.Panics(t, func() {
		NewRateLimiter(nil, config.RateLimitConfig{}, discardLogger())
	})
}
