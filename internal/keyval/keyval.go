// Package keyval wraps the networked key-value cache ticketd coordinates
// through. The interface is deliberately small: the lock manager needs an
// atomic set-if-absent with expiry, the ticket cache needs get/set/del and a
// batched multi-get. Redis backs production deployments; the in-memory
// implementation backs tests and single-process demos.
package keyval

import (
	"context"
	"time"
)

// Store is the contract the lock manager and ticket cache are built on.
type Store interface {
	// SetIfAbsent writes value under key with the supplied TTL only when no
	// live entry exists. It reports whether the write happened.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Set unconditionally overwrites key with value and resets its TTL.
	// A non-positive ttl stores the value without expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns the value stored under key and whether it was found.
	Get(ctx context.Context, key string) (string, bool, error)
	// MGet returns the found subset of keys mapped to their values. Missing
	// keys are simply absent from the result; they are not an error.
	MGet(ctx context.Context, keys []string) (map[string]string, error)
	// Del removes key and reports whether an entry was actually deleted.
	Del(ctx context.Context, key string) (bool, error)
	// Close releases the underlying client resources.
	Close() error
}
