package kv

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Per-operation timeout. The KV sits on hot paths (alert fan-out, dispatch
// bookkeeping); a slow Redis must not stall them.
const opTimeout = 500 * time.Millisecond

// Redis is the production Store backed by go-redis.
type Redis struct {
	client *redis.Client
	prefix string
	log    zerolog.Logger
}

// NewRedis wraps an existing client. All keys are namespaced with prefix
// (e.g. "tradehive:").
func NewRedis(client *redis.Client, prefix string, log zerolog.Logger) *Redis {
	return &Redis{
		client: client,
		prefix: prefix,
		log:    log.With().Str("component", "kv").Logger(),
	}
}

func (r *Redis) key(k string) string { return r.prefix + k }

func (r *Redis) Get(ctx context.Context, key string) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	val, err := r.client.Get(ctx, r.key(key)).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("kv get failed, treating as miss")
		return "", false
	}
	return val, true
}

func (r *Redis) Put(ctx context.Context, key, value string, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("kv put failed, dropping write")
	}
}

func (r *Redis) Delete(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("kv delete failed")
	}
}

func (r *Redis) Incr(ctx context.Context, key string, ttl time.Duration) int64 {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	full := r.key(key)
	n, err := r.client.Incr(ctx, full).Result()
	if err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("kv incr failed")
		return 0
	}
	// First writer stamps the window expiry.
	if n == 1 && ttl > 0 {
		if err := r.client.Expire(ctx, full, ttl).Err(); err != nil {
			r.log.Warn().Err(err).Str("key", key).Msg("kv expire failed")
		}
	}
	return n
}
