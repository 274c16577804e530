package cache

import (
	"context"
	"time"
)

// Cache defines the interface for cache operations
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}) error
	SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Close() error
}

// Locker hands out short-lived advisory locks keyed by name.
type Locker interface {
	// Lock returns ok=false without error when the lock is already held.
	Lock(ctx context.Context, key string, ttl time.Duration) (unlock func(), ok bool, err error)
}
