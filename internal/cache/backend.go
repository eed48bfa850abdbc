// Package cache provides the write-through cache that sits in front of the
// entry store. Values whose size can outgrow a single physical cache entry are
// split into bounded chunks and reassembled on read.
package cache

import (
	"context"
	"errors"
	"time"
)

// DefaultMaxValueSize mirrors the per-item ceiling of common object caches.
const DefaultMaxValueSize = 1 << 20

var (
	// ErrValueTooLarge is returned when a single physical write exceeds the
	// backend's per-entry size ceiling.
	ErrValueTooLarge = errors.New("cache value exceeds backend entry limit")
	// ErrClosed is returned when a backend is used after Close.
	ErrClosed = errors.New("cache backend closed")
)

// Backend is a physical key/value cache with per-entry expiry.
type Backend interface {
	// Get returns the stored bytes and true, or false on a miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Add stores value only if key is absent and reports whether it did.
	Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}
