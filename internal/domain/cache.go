package domain

import (
	"context"
	"time"
)

// SeenCache remembers ingested transaction ids so that redelivered transactions
// are rejected even after their edges were pruned from the graph.
// Supports a local LRU (Community) and Redis (Pro).
type SeenCache interface {
	// MarkSeen records key and reports whether it was new.
	// A false result means the key was already present and unexpired.
	MarkSeen(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Forget removes key, used when an ingest is rolled back.
	Forget(ctx context.Context, key string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory", "redis" or "none"
	Type string `json:"type" yaml:"type"`

	// Local LRU cache settings (Community tier)
	LocalMaxSize int `json:"localMaxSize" yaml:"localMaxSize"`

	// Redis settings (Pro tier)
	RedisAddr     string `json:"redisAddr" yaml:"redisAddr"`
	RedisPassword string `json:"redisPassword" yaml:"redisPassword"`
	RedisDB       int    `json:"redisDb" yaml:"redisDb"`

	// EnableTwoPhase checks the local LRU before Redis
	EnableTwoPhase bool `json:"enableTwoPhase" yaml:"enableTwoPhase"`
}
