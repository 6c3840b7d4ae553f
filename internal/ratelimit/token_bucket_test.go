package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBucket(t *testing.T, capacity int, refill float64) *TokenBucket {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenBucket(client, capacity, refill, time.Hour)
}

func TestAllowUserConsumesTokens(t *testing.T) {
	b := newTestBucket(t, 2, 0)
	ctx := context.Background()

	allowed, remaining, err := b.AllowUser(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.InDelta(t, 1, remaining, 0.01)

	allowed, _, err = b.AllowUser(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, _, err = b.AllowUser(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, allowed, "bucket exhausted, third request must be throttled")
}

func TestAllowUserIsolatesUsers(t *testing.T) {
	b := newTestBucket(t, 1, 0)
	ctx := context.Background()

	allowed, _, err := b.AllowUser(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, _, err = b.AllowUser(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, allowed)

	// A different user has their own bucket.
	allowed, _, err = b.AllowUser(ctx, "user-2")
	require.NoError(t, err)
	assert.True(t, allowed)
}
