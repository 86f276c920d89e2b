// Package cache provides a Redis-backed shared cache with an in-memory
// fallback, used for funding snapshot fan-out, refresh locks and outbound
// rate-limit accounting.
package cache

import (
	"context"
	"time"
)

// Cacher defines the cache operations the strategy needs
type Cacher interface {
	// Funding snapshots
	SetFundingSnapshot(ctx context.Context, symbol string, data interface{}, expiration time.Duration) error
	GetFundingSnapshot(ctx context.Context, symbol string, dest interface{}) error

	// Locks
	AcquireLock(ctx context.Context, name string, expiration time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name string) error

	// Rate Limiting
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)

	Close() error
}

// Config represents cache configuration
type Config struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewCacher creates a cache instance based on configuration. When Redis is
// disabled the process falls back to a local in-memory cache, which is enough
// for a single-node deployment.
func NewCacher(cfg *Config) (Cacher, error) {
	if cfg != nil && cfg.Enabled {
		return NewRedisCache(cfg)
	}
	return NewMemoryCache(0), nil
}
