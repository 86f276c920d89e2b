package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryCache implements Cacher in-process with TTL support
type MemoryCache struct {
	items    map[string]*memoryItem
	counters map[string]*rateWindow
	mu       sync.RWMutex
	maxSize  int
	stopCh   chan struct{}
	stopOnce sync.Once
}

type memoryItem struct {
	value      []byte
	expiration time.Time
	accessed   time.Time
}

type rateWindow struct {
	count   int
	resetAt time.Time
}

// NewMemoryCache creates a new memory cache
func NewMemoryCache(maxSize int) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	mc := &MemoryCache{
		items:    make(map[string]*memoryItem),
		counters: make(map[string]*rateWindow),
		maxSize:  maxSize,
		stopCh:   make(chan struct{}),
	}
	go mc.cleanupLoop()
	return mc
}

func (mc *MemoryCache) set(key string, value interface{}, expiration time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	if len(mc.items) >= mc.maxSize {
		mc.evictLRU()
	}

	if expiration <= 0 {
		expiration = 24 * time.Hour
	}
	mc.items[key] = &memoryItem{
		value:      payload,
		expiration: time.Now().Add(expiration),
		accessed:   time.Now(),
	}
	return nil
}

func (mc *MemoryCache) get(key string, dest interface{}) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	item, exists := mc.items[key]
	if !exists {
		return fmt.Errorf("key not found: %s", key)
	}
	if time.Now().After(item.expiration) {
		delete(mc.items, key)
		return fmt.Errorf("key expired: %s", key)
	}
	item.accessed = time.Now()
	return json.Unmarshal(item.value, dest)
}

// SetFundingSnapshot stores a funding snapshot
func (mc *MemoryCache) SetFundingSnapshot(_ context.Context, symbol string, data interface{}, expiration time.Duration) error {
	return mc.set(fundingKey(symbol), data, expiration)
}

// GetFundingSnapshot retrieves a funding snapshot into dest
func (mc *MemoryCache) GetFundingSnapshot(_ context.Context, symbol string, dest interface{}) error {
	return mc.get(fundingKey(symbol), dest)
}

// AcquireLock attempts to take a named lock with a TTL
func (mc *MemoryCache) AcquireLock(_ context.Context, name string, expiration time.Duration) (bool, error) {
	key := lockKey(name)

	mc.mu.Lock()
	defer mc.mu.Unlock()

	if item, exists := mc.items[key]; exists && time.Now().Before(item.expiration) {
		return false, nil
	}
	mc.items[key] = &memoryItem{
		value:      []byte("1"),
		expiration: time.Now().Add(expiration),
		accessed:   time.Now(),
	}
	return true, nil
}

// ReleaseLock releases a named lock
func (mc *MemoryCache) ReleaseLock(_ context.Context, name string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	delete(mc.items, lockKey(name))
	return nil
}

// CheckRateLimit increments a windowed counter and reports whether the call
// is still within limit
func (mc *MemoryCache) CheckRateLimit(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	w, exists := mc.counters[key]
	now := time.Now()
	if !exists || now.After(w.resetAt) {
		mc.counters[key] = &rateWindow{count: 1, resetAt: now.Add(window)}
		return true, nil
	}
	w.count++
	return w.count <= limit, nil
}

// Close stops the cleanup goroutine
func (mc *MemoryCache) Close() error {
	mc.stopOnce.Do(func() { close(mc.stopCh) })
	return nil
}

func (mc *MemoryCache) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			mc.cleanup()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MemoryCache) cleanup() {
	now := time.Now()

	mc.mu.Lock()
	defer mc.mu.Unlock()

	for key, item := range mc.items {
		if now.After(item.expiration) {
			delete(mc.items, key)
		}
	}
	for key, w := range mc.counters {
		if now.After(w.resetAt) {
			delete(mc.counters, key)
		}
	}
}

// evictLRU removes the least recently accessed item; caller holds the lock
func (mc *MemoryCache) evictLRU() {
	var oldestKey string
	var oldestTime time.Time
	for key, item := range mc.items {
		if oldestKey == "" || item.accessed.Before(oldestTime) {
			oldestKey = key
			oldestTime = item.accessed
		}
	}
	if oldestKey != "" {
		delete(mc.items, oldestKey)
	}
}
