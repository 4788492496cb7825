package domain

import (
	"context"
	"time"
)

// Cache serves hot configuration and short-lived counters. It is optional:
// unavailability falls back to the authoritative repository without
// affecting correctness.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, key string) error

	// GetRulesetDocument retrieves a cached ruleset document by version.
	GetRulesetDocument(ctx context.Context, version string) ([]byte, error)

	// SetRulesetDocument caches a ruleset document for hot serving.
	SetRulesetDocument(ctx context.Context, version string, document []byte, ttl time.Duration) error

	// IncrementCounter atomically increments a windowed counter and
	// returns the new value. Used for activity burst detection.
	IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `mapstructure:"type"`

	// Local LRU cache settings
	LocalMaxSize int           `mapstructure:"local_max_size"`
	LocalTTL     time.Duration `mapstructure:"local_ttl"`

	// Redis settings
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	// Two-phase settings: check local first, then Redis
	EnableTwoPhase bool `mapstructure:"enable_two_phase"`
}
