package pool

import (
	"context"
	"fmt"
	"time"

	apperrors "fundarb/internal/errors"
	"fundarb/internal/market/contractcache"
	"fundarb/internal/market/funding"
)

const (
	rebuildLockName = "universe_rebuild"
	rebuildLockTTL  = 10 * time.Minute
)

// RebuildUniverse discovers the tradable perpetual universe, groups it by
// settlement interval, and replaces the contract cache bucket by bucket.
// Only the configured settlement buckets are scanned; contracts on other
// cadences stay out of the universe. Buckets that fail to fetch keep their
// previous contents.
func (e *Engine) RebuildUniverse(ctx context.Context) error {
	held, err := e.cache.AcquireRefreshLock(ctx, rebuildLockName, rebuildLockTTL)
	if err != nil {
		e.log.Warn("rebuild lock check failed, proceeding without it", "error", err)
	} else if !held {
		e.log.Info("universe rebuild already running elsewhere, skipping")
		return nil
	} else {
		defer func() {
			if err := e.cache.ReleaseRefreshLock(ctx, rebuildLockName); err != nil {
				e.log.Warn("failed to release rebuild lock", "error", err)
			}
		}()
	}

	symbols, err := e.source.ListPerpetuals(ctx)
	if err != nil {
		e.metrics.IncFetchFailure()
		return apperrors.Wrap(err, apperrors.ErrCodeMarketDataUnavailable,
			"failed to list perpetual contracts")
	}
	e.log.Info("rebuilding contract universe", "symbols", len(symbols))

	allowed := make(map[contractcache.Bucket]struct{}, len(e.cfg.SettlementHours))
	for _, hours := range e.cfg.SettlementHours {
		allowed[contractcache.Bucket(fmt.Sprintf("%dh", hours))] = struct{}{}
	}

	grouped := make(map[contractcache.Bucket][]string)
	for _, symbol := range symbols {
		interval, err := e.source.SettlementInterval(ctx, symbol)
		if err != nil {
			// unknown cadence defaults to the common 8h schedule
			e.log.Debug("settlement interval detection failed",
				"symbol", symbol, "error", err)
			interval = 8 * time.Hour
		}
		bucket := contractcache.BucketFor(interval)
		if len(allowed) > 0 {
			if _, ok := allowed[bucket]; !ok {
				e.log.Debug("skipping contract outside configured buckets",
					"symbol", symbol, "bucket", bucket)
				continue
			}
		}
		grouped[bucket] = append(grouped[bucket], symbol)
	}

	var lastErr error
	for bucket, bucketSymbols := range grouped {
		snaps, err := e.source.FetchAll(ctx, bucketSymbols)
		if err != nil {
			e.metrics.IncFetchFailure()
			e.log.Error("bucket fetch failed, keeping previous contents",
				"bucket", bucket, "error", err)
			lastErr = err
			continue
		}
		if err := e.cache.ReplaceBucket(ctx, bucket, snaps); err != nil {
			e.log.Error("bucket replace failed", "bucket", bucket, "error", err)
			lastErr = err
			continue
		}
		if err := e.store.RecordAll(ctx, snaps); err != nil {
			e.log.Warn("failed to record funding history", "error", err)
		}
		e.log.Info("bucket rebuilt", "bucket", bucket, "contracts", len(snaps))
	}
	return lastErr
}

// ForceRefresh rebuilds the universe and immediately reconciles against it
func (e *Engine) ForceRefresh(ctx context.Context) error {
	if err := e.RebuildUniverse(ctx); err != nil {
		return err
	}
	return e.Tick(ctx)
}

// RefreshSymbol re-fetches a single symbol into the cache, for callers that
// need an up-to-date view of one contract without a full rebuild
func (e *Engine) RefreshSymbol(ctx context.Context, symbol string) (funding.Snapshot, error) {
	snap, err := e.source.FetchOne(ctx, symbol)
	if err != nil {
		return funding.Snapshot{}, err
	}
	if err := e.cache.UpdateSnapshots(ctx, map[string]funding.Snapshot{symbol: snap}); err != nil {
		e.log.Warn("failed to cache refreshed snapshot", "symbol", symbol, "error", err)
	}
	return snap, nil
}
