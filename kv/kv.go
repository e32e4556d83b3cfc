// Package kv provides the keyed stores with expiry shared by the actor cache,
// the replay guard and the rate limiter.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("kv: key not found")

// Store is a keyed store with per-key time-to-live. SetNX and Incr are
// atomic with respect to concurrent callers of the same store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Incr increments the counter at key. The ttl is applied when the
	// counter is created and left alone afterwards.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Del(ctx context.Context, key string) error
}
