// Package store provides shared counter backends for distributed sliding windows.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Store holds expiring integer counters.
type Store interface {
	// Get returns the value of key, or an *ErrKeyNotFound.
	Get(ctx context.Context, key string) (int64, error)

	// GetMulti returns the values of keys in order. Missing keys read as zero.
	GetMulti(ctx context.Context, keys []string) ([]int64, error)

	// Set stores value under key. A zero expiration never expires.
	Set(ctx context.Context, key string, value int64, expiration time.Duration) error

	// Increment adds delta to key and returns the new value.
	Increment(ctx context.Context, key string, delta int64) (int64, error)

	// IncrementWithExpiry adds delta to key and sets the expiration when the key is created.
	IncrementWithExpiry(ctx context.Context, key string, delta int64, expiration time.Duration) (int64, error)

	// Delete removes key.
	Delete(ctx context.Context, key string) error

	// Close releases resources.
	Close() error
}

// ErrKeyNotFound is returned when a key is not present or has expired.
type ErrKeyNotFound struct {
	Key string
}

func (e *ErrKeyNotFound) Error() string {
	return "key not found: " + e.Key
}

// IsKeyNotFound reports whether err is an *ErrKeyNotFound.
func IsKeyNotFound(err error) bool {
	var target *ErrKeyNotFound
	return errors.As(err, &target)
}

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// Type names a backend.
type Type string

// Backends.
const (
	TypeMemory Type = "memory"
	TypeRedis  Type = "redis"
)

// New creates a backend by type. redisCfg is only used for TypeRedis.
func New(t Type, redisCfg *RedisConfig) (Store, error) {
	switch t {
	case TypeMemory, "":
		return NewMemoryStore(), nil
	case TypeRedis:
		s, err := NewRedisStoreWithConfig(redisCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store type: %s", t)
	}
}
