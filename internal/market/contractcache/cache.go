// Package contractcache holds the last-known funding snapshot for every
// tracked contract, partitioned by settlement-interval bucket. Contracts
// settling hourly refresh on a different cadence than 8h ones, so each
// bucket carries its own write timestamp and staleness check.
package contractcache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"fundarb/internal/cache"
	"fundarb/internal/logger"
	"fundarb/internal/market/funding"
)

// Bucket identifies a settlement-interval group, e.g. "1h" or "8h"
type Bucket string

// The common settlement cadences on USDT perpetuals
const (
	Bucket1h Bucket = "1h"
	Bucket8h Bucket = "8h"
)

// BucketFor maps a detected settlement interval onto its bucket, rounding
// to the nearest hour
func BucketFor(interval time.Duration) Bucket {
	hours := int((interval + 30*time.Minute) / time.Hour)
	if hours < 1 {
		hours = 1
	}
	return Bucket(fmt.Sprintf("%dh", hours))
}

// Entry is one cached contract snapshot plus its cache write time
type Entry struct {
	Snapshot  funding.Snapshot `json:"snapshot"`
	WrittenAt time.Time        `json:"written_at"`
}

type bucketState struct {
	Entries   map[string]Entry `json:"entries"`
	WrittenAt time.Time        `json:"written_at"`
}

// Cache is the persisted symbol → snapshot mapping. All mutation happens
// under a single writer lock with copy-on-write bucket swaps, so a reader
// can never observe a partially rebuilt bucket.
type Cache struct {
	mu      sync.RWMutex
	buckets map[Bucket]*bucketState
	ttl     time.Duration
	file    string
	shared  cache.Cacher // optional write-through for other consumers
	log     logger.Logger
}

// New creates a contract cache persisting to file with the given TTL. If the
// file exists its contents are loaded, so pool state survives restarts.
func New(file string, ttl time.Duration, shared cache.Cacher) (*Cache, error) {
	c := &Cache{
		buckets: make(map[Bucket]*bucketState),
		ttl:     ttl,
		file:    file,
		shared:  shared,
		log:     logger.WithField("component", "contract_cache"),
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

// ReplaceBucket swaps a bucket's full contents in one step and persists.
// Used by the universe rescan and the scheduled rebuild.
func (c *Cache) ReplaceBucket(ctx context.Context, bucket Bucket, snaps map[string]funding.Snapshot) error {
	now := time.Now()
	state := &bucketState{Entries: make(map[string]Entry, len(snaps)), WrittenAt: now}
	for symbol, snap := range snaps {
		state.Entries[symbol] = Entry{Snapshot: snap, WrittenAt: now}
	}

	c.mu.Lock()
	prev := c.buckets[bucket]
	c.buckets[bucket] = state
	err := c.persistLocked()
	if err != nil {
		// persistence failure must not leave memory ahead of disk
		if prev != nil {
			c.buckets[bucket] = prev
		} else {
			delete(c.buckets, bucket)
		}
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.writeThrough(ctx, snaps)
	return nil
}

// UpdateSnapshots refreshes entries for symbols already assigned to buckets.
// Unknown symbols are ignored; bucket membership only changes on rescan.
func (c *Cache) UpdateSnapshots(ctx context.Context, snaps map[string]funding.Snapshot) error {
	now := time.Now()

	c.mu.Lock()
	touched := make(map[Bucket]*bucketState)
	for bucket, state := range c.buckets {
		var next *bucketState
		for symbol, snap := range snaps {
			if _, ok := state.Entries[symbol]; !ok {
				continue
			}
			if next == nil {
				next = cloneBucket(state)
			}
			next.Entries[symbol] = Entry{Snapshot: snap, WrittenAt: now}
		}
		if next != nil {
			next.WrittenAt = now
			touched[bucket] = next
		}
	}
	prev := make(map[Bucket]*bucketState, len(touched))
	for bucket, next := range touched {
		prev[bucket] = c.buckets[bucket]
		c.buckets[bucket] = next
	}
	err := c.persistLocked()
	if err != nil {
		for bucket, state := range prev {
			c.buckets[bucket] = state
		}
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.writeThrough(ctx, snaps)
	return nil
}

// SnapshotMap returns a merged copy of all cached snapshots, marked as
// cache-sourced, plus whether any contributing bucket is past its TTL.
func (c *Cache) SnapshotMap() (map[string]funding.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	stale := false
	merged := make(map[string]funding.Snapshot)
	for _, state := range c.buckets {
		if now.Sub(state.WrittenAt) >= c.ttl {
			stale = true
		}
		for symbol, entry := range state.Entries {
			merged[symbol] = entry.Snapshot.AsCached()
		}
	}
	return merged, stale
}

// Symbols returns the sorted symbols of one bucket
func (c *Cache) Symbols(bucket Bucket) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	state, ok := c.buckets[bucket]
	if !ok {
		return nil
	}
	symbols := make([]string, 0, len(state.Entries))
	for symbol := range state.Entries {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// AllSymbols returns the sorted union of every bucket's symbols
func (c *Cache) AllSymbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, state := range c.buckets {
		for symbol := range state.Entries {
			seen[symbol] = struct{}{}
		}
	}
	symbols := make([]string, 0, len(seen))
	for symbol := range seen {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// Fresh reports whether a bucket has been written within the TTL
func (c *Cache) Fresh(bucket Bucket) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	state, ok := c.buckets[bucket]
	if !ok {
		return false
	}
	return time.Since(state.WrittenAt) < c.ttl
}

// LastPrice returns the cached mark price for a symbol, if any
func (c *Cache) LastPrice(symbol string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, state := range c.buckets {
		if entry, ok := state.Entries[symbol]; ok && entry.Snapshot.MarkPrice > 0 {
			return entry.Snapshot.MarkPrice, true
		}
	}
	return 0, false
}

// Buckets returns the known bucket names, sorted
func (c *Cache) Buckets() []Bucket {
	c.mu.RLock()
	defer c.mu.RUnlock()

	buckets := make([]Bucket, 0, len(c.buckets))
	for bucket := range c.buckets {
		buckets = append(buckets, bucket)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i] < buckets[j] })
	return buckets
}

// AcquireRefreshLock takes a named lock in the shared cache so concurrent
// rebuilds (two instances, or an overlapping cron and interval fire) do not
// double-fetch. Without a shared cache it always succeeds.
func (c *Cache) AcquireRefreshLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	if c.shared == nil {
		return true, nil
	}
	return c.shared.AcquireLock(ctx, name, ttl)
}

// ReleaseRefreshLock releases a lock taken by AcquireRefreshLock
func (c *Cache) ReleaseRefreshLock(ctx context.Context, name string) error {
	if c.shared == nil {
		return nil
	}
	return c.shared.ReleaseLock(ctx, name)
}

// SharedSnapshot reads a symbol's snapshot from the shared cache, which may
// hold fresher data written through by another instance
func (c *Cache) SharedSnapshot(ctx context.Context, symbol string) (funding.Snapshot, bool) {
	if c.shared == nil {
		return funding.Snapshot{}, false
	}
	var snap funding.Snapshot
	if err := c.shared.GetFundingSnapshot(ctx, symbol, &snap); err != nil {
		return funding.Snapshot{}, false
	}
	return snap.AsCached(), true
}

func cloneBucket(state *bucketState) *bucketState {
	next := &bucketState{Entries: make(map[string]Entry, len(state.Entries)), WrittenAt: state.WrittenAt}
	for symbol, entry := range state.Entries {
		next.Entries[symbol] = entry
	}
	return next
}

func (c *Cache) writeThrough(ctx context.Context, snaps map[string]funding.Snapshot) {
	if c.shared == nil {
		return
	}
	for symbol, snap := range snaps {
		if err := c.shared.SetFundingSnapshot(ctx, symbol, snap, c.ttl); err != nil {
			c.log.Warn("shared cache write failed", "symbol", symbol, "error", err)
			return
		}
	}
}

type diskState struct {
	Buckets   map[Bucket]*bucketState `json:"buckets"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// persistLocked writes the cache to disk atomically; caller holds the lock
func (c *Cache) persistLocked() error {
	data, err := json.MarshalIndent(diskState{Buckets: c.buckets, UpdatedAt: time.Now()}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal contract cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.file), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	tmp := c.file + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write cache temp file: %w", err)
	}
	if err := os.Rename(tmp, c.file); err != nil {
		return fmt.Errorf("failed to replace cache file: %w", err)
	}
	return nil
}

func (c *Cache) load() error {
	data, err := os.ReadFile(c.file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read cache file: %w", err)
	}
	var state diskState
	if err := json.Unmarshal(data, &state); err != nil {
		// a corrupt cache file is recoverable by rescanning
		c.log.Warn("discarding unreadable contract cache file", "file", c.file, "error", err)
		return nil
	}
	if state.Buckets != nil {
		c.buckets = state.Buckets
	}
	c.log.Info("loaded contract cache", "buckets", len(c.buckets))
	return nil
}
