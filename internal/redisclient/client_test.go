package redisclient

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyNames(t *testing.T) {
	assert.Equal(t, "idempotency:abc", idempotencyKey("abc"))
	assert.Equal(t, "lock:reservation-sweeper", lockName("reservation-sweeper"))
}

func TestScriptsEmbedded(t *testing.T) {
	assert.Contains(t, acquireLockScript, `redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])`)
	assert.Contains(t, releaseLockScript, `redis.call("DEL", KEYS[1])`)
	assert.Contains(t, extendLockScript, `redis.call("PEXPIRE", KEYS[1], ARGV[2])`)
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("Integration test - requires redis")
	}
	c, err := NewClient(addr, "", 15)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestLockOwnership(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	key := "test-" + uuid.NewString()

	ok, err := c.AcquireLock(ctx, key, "owner-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.AcquireLock(ctx, key, "owner-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Re-acquiring an owned lock succeeds and refreshes it
	ok, err = c.AcquireLock(ctx, key, "owner-a", 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ttl, err := c.GetClient().PTTL(ctx, lockName(key)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Minute)

	// A foreign owner can neither extend nor release the lock
	extended, err := c.ExtendLock(ctx, key, "owner-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, extended)
	require.NoError(t, c.ReleaseLock(ctx, key, "owner-b"))

	_, err = c.GetClient().Get(ctx, lockName(key)).Result()
	require.NoError(t, err)

	require.NoError(t, c.ReleaseLock(ctx, key, "owner-a"))
	_, err = c.GetClient().Get(ctx, lockName(key)).Result()
	assert.ErrorIs(t, err, redis.Nil)
}

func TestIdempotencyKey(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	key := uuid.NewString()

	written, err := c.SetIdempotencyKey(ctx, key, "res-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, written)

	written, err = c.SetIdempotencyKey(ctx, key, "res-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, written)

	value, err := c.GetIdempotencyKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "res-1", value)

	require.NoError(t, c.StoreIdempotencyKey(ctx, key, "res-3", time.Minute))
	value, err = c.GetIdempotencyKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "res-3", value)

	require.NoError(t, c.DeleteIdempotencyKey(ctx, key))
	value, err = c.GetIdempotencyKey(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, value)
}
