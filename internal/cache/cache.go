// Package cache holds serialized device registry entries so that task
// submission and check-storage runs do not hit the database per lookup.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrCacheMiss is returned when a key is absent or expired
var ErrCacheMiss = errors.New("cache miss")

// Cache defines the cache interface
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context, pattern string) error
	Close() error
}

const devicePrefix = "device:"

// DeviceKey is the key a registry entry is cached under
func DeviceKey(name string) string {
	return devicePrefix + name
}

// AllDevices matches every cached registry entry
const AllDevices = devicePrefix + "*"

// Options selects and configures a backend
type Options struct {
	Enabled       bool
	Type          string // "memory" or "redis"
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// RedisPrefix namespaces keys; defaults to "dicomgw:".
	RedisPrefix   string
}

// New returns the configured backend. A disabled cache is an in-memory one.
func New(opts Options) (Cache, error) {
	if !opts.Enabled || opts.Type != "redis" {
		return NewMemoryCache(), nil
	}
	c, err := NewRedisCache(opts)
	if err != nil {
		return nil, fmt.Errorf("redis cache at %s: %w", opts.RedisAddr, err)
	}
	return c, nil
}
