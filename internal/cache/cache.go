package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

// New creates a new seen cache based on configuration.
// For Community tier: returns LRU cache.
// For Pro tier with two-phase: returns TwoPhaseCache wrapping LRU + Redis.
// For Pro tier without two-phase: returns Redis cache.
// "none" disables idempotency beyond the in-memory graph.
func New(cfg domain.CacheConfig) (domain.SeenCache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil

	case "redis":
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(cfg)
		}
		return NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	case "none", "":
		return Nop{}, nil

	default:
		return nil, fmt.Errorf("%w: unsupported cache type: %s", domain.ErrConfiguration, cfg.Type)
	}
}

// TwoPhaseCache answers repeats from the local LRU and consults Redis only
// for keys this process has not seen.
type TwoPhaseCache struct {
	local  *LRUCache
	remote *RedisCache
}

// NewTwoPhaseCache creates a two-phase cache with LRU + Redis.
func NewTwoPhaseCache(cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	remote, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis cache: %w", err)
	}
	return &TwoPhaseCache{
		local:  NewLRUCache(cfg.LocalMaxSize),
		remote: remote,
	}, nil
}

// MarkSeen checks L1 first, then claims the key in L2.
func (c *TwoPhaseCache) MarkSeen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	fresh, err := c.local.MarkSeen(ctx, key, ttl)
	if err != nil || !fresh {
		return false, err
	}

	fresh, err = c.remote.MarkSeen(ctx, key, ttl)
	if err != nil {
		_ = c.local.Forget(ctx, key)
		return false, err
	}
	return fresh, nil
}

// Forget removes from both L1 and L2.
func (c *TwoPhaseCache) Forget(ctx context.Context, key string) error {
	if err := c.local.Forget(ctx, key); err != nil {
		return err
	}
	return c.remote.Forget(ctx, key)
}

// Ping checks both L1 and L2 health.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.local.Ping(ctx); err != nil {
		return fmt.Errorf("L1 ping failed: %w", err)
	}
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("L2 ping failed: %w", err)
	}
	return nil
}

// Close closes both L1 and L2.
func (c *TwoPhaseCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}

// Stats returns L1 cache statistics.
func (c *TwoPhaseCache) Stats() (size int, capacity int) {
	return c.local.Stats()
}

// Nop treats every key as new. The graph still rejects duplicates it holds.
type Nop struct{}

func (Nop) MarkSeen(context.Context, string, time.Duration) (bool, error) { return true, nil }
func (Nop) Forget(context.Context, string) error                          { return nil }
func (Nop) Ping(context.Context) error                                    { return nil }
func (Nop) Close() error                                                  { return nil }
