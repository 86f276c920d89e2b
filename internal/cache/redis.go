package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache implements Cacher on top of Redis
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache instance
func NewRedisCache(cfg *Config) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// SetFundingSnapshot stores a funding snapshot
func (r *RedisCache) SetFundingSnapshot(ctx context.Context, symbol string, data interface{}, expiration time.Duration) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal funding snapshot: %w", err)
	}
	return r.client.Set(ctx, fundingKey(symbol), payload, expiration).Err()
}

// GetFundingSnapshot retrieves a funding snapshot into dest
func (r *RedisCache) GetFundingSnapshot(ctx context.Context, symbol string, dest interface{}) error {
	payload, err := r.client.Get(ctx, fundingKey(symbol)).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, dest)
}

// AcquireLock attempts to take a named lock with a TTL
func (r *RedisCache) AcquireLock(ctx context.Context, name string, expiration time.Duration) (bool, error) {
	return r.client.SetNX(ctx, lockKey(name), 1, expiration).Result()
}

// ReleaseLock releases a named lock
func (r *RedisCache) ReleaseLock(ctx context.Context, name string) error {
	return r.client.Del(ctx, lockKey(name)).Err()
}

// CheckRateLimit increments a windowed counter and reports whether the call
// is still within limit
func (r *RedisCache) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	k := rateKey(key, window)
	count, err := r.client.Incr(ctx, k).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := r.client.Expire(ctx, k, window).Err(); err != nil {
			return false, err
		}
	}
	return count <= int64(limit), nil
}

// Close closes the underlying client
func (r *RedisCache) Close() error {
	return r.client.Close()
}

func fundingKey(symbol string) string {
	return "funding:" + symbol
}

func lockKey(name string) string {
	return "lock:" + name
}

func rateKey(key string, window time.Duration) string {
	return fmt.Sprintf("rate:%s:%d", key, time.Now().UnixNano()/int64(window))
}
