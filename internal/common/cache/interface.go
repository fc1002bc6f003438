package cache

import (
	"context"
	"time"
)

// Cache is the key-value store behind live job status and cancel flags.
type Cache interface {
	// Get returns the value for key, or "" when the key does not exist
	Get(ctx context.Context, key string) (string, error)

	// Set stores a value; a zero ttl means no expiry
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// SetNX stores the value only if key does not exist and reports whether it did
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)

	// Del deletes one or more keys
	Del(ctx context.Context, keys ...string) error

	// Exists returns how many of keys exist
	Exists(ctx context.Context, keys ...string) (int64, error)

	// Incr increments a counter key and returns the new value
	Incr(ctx context.Context, key string) (int64, error)

	// Expire sets a timeout on key
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// TTL returns the remaining time to live of a key
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Ping verifies the cache connection is alive
	Ping(ctx context.Context) error

	// Close closes the cache connection
	Close() error
}
