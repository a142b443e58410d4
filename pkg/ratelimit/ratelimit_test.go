package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiter_AllowsWithinLimit(t *testing.T) {
	limiter := NewMemoryLimiter(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := limiter.Allow(ctx, "192.0.2.1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d should be allowed", i+1)
	}

	ok, err := limiter.Allow(ctx, "192.0.2.1")
	require.NoError(t, err)
	assert.False(t, ok, "request over the limit should be denied")
}

func TestMemoryLimiter_KeysAreIndependent(t *testing.T) {
	limiter := NewMemoryLimiter(1, time.Minute)
	ctx := context.Background()

	ok, _ := limiter.Allow(ctx, "192.0.2.1")
	assert.True(t, ok)
	ok, _ = limiter.Allow(ctx, "192.0.2.1")
	assert.False(t, ok)

	ok, _ = limiter.Allow(ctx, "192.0.2.2")
	assert.True(t, ok, "a different key has its own bucket")
}

func TestMemoryLimiter_WindowReset(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewMemoryLimiter(1, time.Minute).WithClock(func() time.Time { return now })
	ctx := context.Background()

	ok, _ := limiter.Allow(ctx, "192.0.2.1")
	assert.True(t, ok)
	ok, _ = limiter.Allow(ctx, "192.0.2.1")
	assert.False(t, ok)

	now = now.Add(61 * time.Second)

	ok, _ = limiter.Allow(ctx, "192.0.2.1")
	assert.True(t, ok, "bucket should reset after the window expires")
}

func TestMemoryLimiter_CleanupBoundsMapSize(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewMemoryLimiter(10, 100*time.Millisecond).WithClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 250; i++ {
		_, _ = limiter.Allow(ctx, fmt.Sprintf("10.0.0.%d", i))
	}

	now = now.Add(time.Second)
	limiter.Cleanup()

	assert.Empty(t, limiter.requests, "expired buckets should be removed")
}
