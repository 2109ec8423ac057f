// Package counter defines the shared counter store used for quota windows and
// cooldown markers, plus in-memory and Redis implementations.
package counter

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks failures that mean the backing store could not be reached.
var ErrUnavailable = errors.New("counter store unavailable")

// Store is a TTL-aware integer key/value store. Increment must be a single
// atomic operation: it creates the key with the TTL when absent and never
// performs a separate read followed by a write.
type Store interface {
	Get(ctx context.Context, key string) (int64, bool, error)
	Set(ctx context.Context, key string, value int64, ttl time.Duration) error
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Ping(ctx context.Context) error
}

// Entry is a live key reported by a Lister.
type Entry struct {
	Key       string
	Value     int64
	ExpiresAt time.Time
}

// Lister is implemented by stores that can enumerate keys by prefix.
type Lister interface {
	List(ctx context.Context, prefix string) ([]Entry, error)
}

// Resetter is implemented by stores that can drop keys by prefix.
type Resetter interface {
	Reset(ctx context.Context, prefix string) (int64, error)
}

// Releaser is implemented by stores that can hand back a unit taken by
// Increment. Decrement lowers a live counter by one, never below zero, and
// keeps its expiry; an absent key is left absent.
type Releaser interface {
	Decrement(ctx context.Context, key string) (int64, error)
}

// Closer is implemented by stores holding connections.
type Closer interface {
	Close() error
}
