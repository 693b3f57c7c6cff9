package cache

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound     = errors.New("key not found in cache")
	ErrNotConnected = errors.New("not connected to cache")
)

// Cache is the shared counter service backing the rate limiter and quota
// tracker. Implementations must make the increment operations atomic
// read-modify-writes: two dispatch workers finishing concurrently for the
// same tenant must never lose an update.
type Cache interface {
	// Connect establishes a connection to the cache
	Connect() error

	// Close closes the connection to the cache
	Close() error

	// IsConnected returns true if the cache is connected
	IsConnected() bool

	// Name returns the name of this cache instance
	Name() string

	// Type returns the backend type ("memory", "redis", "memcached")
	Type() string

	// Get retrieves a value from the cache
	Get(ctx context.Context, key string) (string, error)

	// Set stores a value with an optional expiration (0 means no expiry)
	Set(ctx context.Context, key, value string, expiration time.Duration) error

	// SetNX stores a value only if the key does not exist
	SetNX(ctx context.Context, key, value string, expiration time.Duration) (bool, error)

	// Delete removes a key; deleting a missing key is not an error
	Delete(ctx context.Context, key string) error

	// Exists checks whether a key exists
	Exists(ctx context.Context, key string) (bool, error)

	// Increment atomically adds amount to a counter and returns the new
	// value. A missing key counts from zero.
	Increment(ctx context.Context, key string, amount int64) (int64, error)

	// IncrementWindow atomically adds amount to a counter and, when this
	// call created the key, starts its expiry window. After the window
	// lapses a fresh counter starts at zero.
	IncrementWindow(ctx context.Context, key string, amount int64, window time.Duration) (int64, error)

	// Expire sets an expiration on an existing key
	Expire(ctx context.Context, key string, expiration time.Duration) error

	// FlushAll removes every key; test and operator use only
	FlushAll(ctx context.Context) error
}

// Config represents the configuration for a cache backend
type Config struct {
	Type     string `toml:"type"`     // "memory", "redis" or "memcached"
	Name     string `toml:"name"`     // instance name for logging
	Host     string `toml:"host"`     // hostname or IP address
	Port     int    `toml:"port"`     // port number
	Password string `toml:"password"` // password for authentication (redis)
	Database int    `toml:"database"` // database number (redis)
}

// Factory creates a cache instance from configuration
func Factory(config Config) (Cache, error) {
	switch config.Type {
	case "redis":
		return NewRedis(config), nil
	case "memcached":
		return NewMemcached(config), nil
	case "memory", "":
		return NewMemory(config), nil
	default:
		return nil, errors.New("unsupported cache type: " + config.Type)
	}
}
