package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradehive/tradehive/internal/clock"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedis(client, "test:", zerolog.Nop()), mr
}

func TestRedisGetPut(t *testing.T) {
	store, _ := newTestRedis(t)
	ctx := context.Background()

	_, ok := store.Get(ctx, "missing")
	assert.False(t, ok)

	store.Put(ctx, "dedupe:fp-1", "1", 10*time.Minute)
	val, ok := store.Get(ctx, "dedupe:fp-1")
	assert.True(t, ok)
	assert.Equal(t, "1", val)
}

func TestRedisTTLExpiry(t *testing.T) {
	store, mr := newTestRedis(t)
	ctx := context.Background()

	store.Put(ctx, "k", "v", 30*time.Second)
	mr.FastForward(31 * time.Second)

	_, ok := store.Get(ctx, "k")
	assert.False(t, ok)
}

func TestRedisIncrCountsWindow(t *testing.T) {
	store, mr := newTestRedis(t)
	ctx := context.Background()

	assert.Equal(t, int64(1), store.Incr(ctx, "ratelimit:discord:w", time.Minute))
	assert.Equal(t, int64(2), store.Incr(ctx, "ratelimit:discord:w", time.Minute))
	assert.Equal(t, int64(3), store.Incr(ctx, "ratelimit:discord:w", time.Minute))

	mr.FastForward(61 * time.Second)
	assert.Equal(t, int64(1), store.Incr(ctx, "ratelimit:discord:w", time.Minute))
}

func TestRedisDelete(t *testing.T) {
	store, _ := newTestRedis(t)
	ctx := context.Background()

	store.Put(ctx, "k", "v", 0)
	store.Delete(ctx, "k")
	_, ok := store.Get(ctx, "k")
	assert.False(t, ok)
}

func TestRedisUnavailableSwallowed(t *testing.T) {
	store, mr := newTestRedis(t)
	ctx := context.Background()
	mr.Close()

	// All operations degrade to miss/no-op without panicking.
	store.Put(ctx, "k", "v", time.Minute)
	_, ok := store.Get(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, int64(0), store.Incr(ctx, "c", time.Minute))
	store.Delete(ctx, "k")
}

func TestMemoryStore(t *testing.T) {
	fake := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	store := NewMemory(fake)
	ctx := context.Background()

	store.Put(ctx, "k", "v", time.Minute)
	val, ok := store.Get(ctx, "k")
	assert.True(t, ok)
	assert.Equal(t, "v", val)

	fake.Advance(61 * time.Second)
	_, ok = store.Get(ctx, "k")
	assert.False(t, ok)

	assert.Equal(t, int64(1), store.Incr(ctx, "c", time.Minute))
	assert.Equal(t, int64(2), store.Incr(ctx, "c", time.Minute))
	fake.Advance(2 * time.Minute)
	assert.Equal(t, int64(1), store.Incr(ctx, "c", time.Minute))
}
