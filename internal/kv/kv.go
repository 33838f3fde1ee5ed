// Package kv is the TTL'd key/value capability backing alert dedupe and
// rate-limit counters. Store failures are swallowed: callers observe a miss
// or a no-op, never an error, so a degraded store can only cause duplicate
// notifications, not dropped trading work.
package kv

import (
	"context"
	"time"
)

// Store is the key/value capability.
type Store interface {
	// Get returns the value and true when the key exists and is unexpired.
	Get(ctx context.Context, key string) (string, bool)
	// Put writes a value with a TTL; ttl <= 0 means no expiry.
	Put(ctx context.Context, key, value string, ttl time.Duration)
	// Delete removes a key.
	Delete(ctx context.Context, key string)
	// Incr atomically increments a counter, applying ttl when the key is
	// created. Returns the post-increment value, or 0 when the store is
	// unavailable.
	Incr(ctx context.Context, key string, ttl time.Duration) int64
}
