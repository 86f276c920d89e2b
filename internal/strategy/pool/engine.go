package pool

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"fundarb/internal/config"
	apperrors "fundarb/internal/errors"
	"fundarb/internal/logger"
	"fundarb/internal/market/contractcache"
	"fundarb/internal/market/funding"
	"fundarb/internal/monitor"
	"fundarb/internal/notify"
	"fundarb/internal/strategy/ledger"
)

// Broker places live orders. It is only consulted when auto trading is on
// and paper trading is off; everything else runs against the ledger alone.
type Broker interface {
	PlaceMarketOrder(ctx context.Context, symbol, side string, quantity float64) error
}

// Engine reconciles the funding pool against open positions. It is the only
// component that mutates the pool, once per tick, by full replacement.
type Engine struct {
	cfg      config.StrategyConfig
	cache    *contractcache.Cache
	source   funding.Source
	ledger   *ledger.Ledger
	store    *funding.Store
	notifier notify.Notifier
	metrics  *monitor.Metrics
	broker   Broker

	mu       sync.Mutex // serializes ticks and risk sweeps
	blocked  map[string]apperrors.ErrorCode
	degraded bool
	paused   bool
	log      logger.Logger
}

// NewEngine creates a reconciliation engine. store, metrics and broker may
// be nil.
func NewEngine(
	cfg config.StrategyConfig,
	cache *contractcache.Cache,
	source funding.Source,
	ldg *ledger.Ledger,
	store *funding.Store,
	notifier notify.Notifier,
	metrics *monitor.Metrics,
	broker Broker,
) *Engine {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Engine{
		cfg:      cfg,
		cache:    cache,
		source:   source,
		ledger:   ldg,
		store:    store,
		notifier: notifier,
		metrics:  metrics,
		broker:   broker,
		blocked:  make(map[string]apperrors.ErrorCode),
		log:      logger.WithField("component", "recon_engine"),
	}
}

// Tick runs one reconciliation pass: refresh data, select the pool, close
// positions for symbols that dropped out, open positions for new entrants,
// then swap the pool. Closes run before opens so freed capital is available
// to opens within the same tick.
func (e *Engine) Tick(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.paused {
		e.log.Debug("tick skipped, engine paused")
		return nil
	}

	snapshots, stale := e.latestSnapshots(ctx)
	e.metrics.SetStale(stale)
	if len(snapshots) == 0 {
		e.metrics.IncTickError()
		return apperrors.New(apperrors.ErrCodeMarketDataUnavailable,
			"no snapshot data available for reconciliation")
	}

	candidates := Select(snapshots, e.cfg.FundingRateThreshold, e.cfg.MinVolume, e.cfg.MaxPoolSize)
	newPool := Symbols(candidates)

	current := e.ledger.Pool()
	added, removed := diff(current, newPool)

	if e.cfg.AutoTrade {
		e.processRemovals(ctx, removed, snapshots)
		// every pool member without a position is attempted, not just new
		// entrants: a symbol blocked by risk limits on entry opens later,
		// once capacity frees up
		e.processAdditions(ctx, newPool, snapshots)
	}

	// pool replacement happens only after the diff is fully processed, so a
	// crashed tick can be retried from the old pool without double effects
	if err := e.ledger.SetPool(newPool); err != nil {
		e.metrics.IncTickError()
		return err
	}

	// symbols no longer in the pool can be retried fresh if they return
	for symbol := range e.blocked {
		if !contains(newPool, symbol) {
			delete(e.blocked, symbol)
		}
	}

	e.updateMetrics(len(newPool))
	e.notifyPoolState(ctx, candidates, added, removed, stale)
	e.metrics.IncTick()
	return nil
}

// latestSnapshots returns the freshest snapshot map it can get: live data
// written through the cache when the cache is past TTL, otherwise the cache
// itself. A failed refresh degrades to the last good cache contents.
func (e *Engine) latestSnapshots(ctx context.Context) (map[string]funding.Snapshot, bool) {
	cached, stale := e.cache.SnapshotMap()
	if !stale && len(cached) > 0 {
		e.setDegraded(ctx, false)
		return cached, false
	}

	symbols := e.cache.AllSymbols()
	if len(symbols) == 0 {
		// nothing cached yet; the universe rescan has not run
		return cached, stale
	}

	fresh, err := e.source.FetchAll(ctx, symbols)
	if err != nil || len(fresh) == 0 {
		e.metrics.IncFetchFailure()
		e.log.Warn("snapshot refresh failed, falling back to cache", "error", err)
		e.setDegraded(ctx, true)
		return cached, true
	}

	if err := e.cache.UpdateSnapshots(ctx, fresh); err != nil {
		e.log.Error("failed to persist refreshed snapshots", "error", err)
	}
	if err := e.store.RecordAll(ctx, fresh); err != nil {
		e.log.Warn("failed to record funding history", "error", err)
	}

	// merge: live data wins, cache fills the holes left by per-symbol failures
	merged := make(map[string]funding.Snapshot, len(cached))
	for symbol, snap := range cached {
		merged[symbol] = snap
	}
	for symbol, snap := range fresh {
		merged[symbol] = snap
	}
	e.setDegraded(ctx, len(fresh) < len(symbols))
	return merged, false
}

// processRemovals closes the position of every symbol that left the pool.
// Pool-exit closes are unconditional, not risk gated.
func (e *Engine) processRemovals(ctx context.Context, removed []string, snapshots map[string]funding.Snapshot) {
	for _, symbol := range removed {
		pos, ok := e.ledger.Position(symbol)
		if !ok {
			continue
		}
		price, ok := e.closePrice(ctx, symbol, snapshots)
		if !ok {
			e.log.Warn("cannot close position, no valid price", "symbol", symbol)
			continue
		}
		if err := e.executeClose(ctx, pos, price, ledger.ReasonPoolExit); err != nil {
			e.log.Error("pool-exit close failed", "symbol", symbol, "error", err)
		}
	}
}

// processAdditions attempts to open a position for every pool member that has
// none, subject to the open-eligibility checks. A blocked symbol stays in the
// pool unopened and is not re-reported every tick.
func (e *Engine) processAdditions(ctx context.Context, symbols []string, snapshots map[string]funding.Snapshot) {
	for _, symbol := range symbols {
		if err := e.tryOpen(ctx, symbol, snapshots); err != nil {
			code := blockCode(err)
			if code == "" {
				e.log.Error("open failed", "symbol", symbol, "error", err)
				continue
			}
			if prev, wasBlocked := e.blocked[symbol]; !wasBlocked || prev != code {
				e.blocked[symbol] = code
				e.log.Info("open blocked by risk limits", "symbol", symbol, "code", code)
				e.notifier.Notify(ctx, notify.LevelWarning, "Open blocked",
					fmt.Sprintf("%s qualified for the pool but was not opened: %s", symbol, code))
			} else {
				e.log.Debug("open still blocked", "symbol", symbol, "code", code)
			}
			continue
		}
		delete(e.blocked, symbol)
	}
}

// tryOpen runs the open-eligibility checks and opens the position
func (e *Engine) tryOpen(ctx context.Context, symbol string, snapshots map[string]funding.Snapshot) error {
	if _, exists := e.ledger.Position(symbol); exists {
		// idempotency: an open position for a re-added symbol is fine
		return nil
	}
	if e.ledger.OpenCount() >= e.cfg.MaxPositions {
		return apperrors.Newf(apperrors.ErrCodeMaxPositions,
			"max positions (%d) reached", e.cfg.MaxPositions)
	}

	snap, ok := snapshots[symbol]
	if !ok {
		return apperrors.Newf(apperrors.ErrCodeMarketDataUnavailable, "no snapshot for %s", symbol)
	}
	// the add decision may be stale by the time we get here
	if math.Abs(snap.FundingRate) < e.cfg.FundingRateThreshold {
		return apperrors.Newf(apperrors.ErrCodeMarketDataStale,
			"funding rate for %s fell below threshold before open", symbol)
	}

	price := snap.MarkPrice
	if price <= 0 {
		if cachedPrice, ok := e.cache.LastPrice(symbol); ok {
			price = cachedPrice
		}
	}
	if price <= 0 {
		return apperrors.Newf(apperrors.ErrCodeMarketDataInvalid,
			"no valid price for %s, skipping open", symbol)
	}

	capital := e.ledger.Capital()
	notional := capital.Total * e.cfg.PositionSize
	quantity := notional / price

	maxExposure := capital.Total * e.cfg.MaxTotalExposure
	if e.ledger.TotalExposure()+notional > maxExposure {
		return apperrors.Newf(apperrors.ErrCodeRiskLimitExceeded,
			"opening %s would exceed exposure cap %.2f", symbol, maxExposure)
	}

	// positive rate: longs collect funding from shorts; negative: short side
	side := ledger.SideLong
	orderSide := "buy"
	if snap.FundingRate < 0 {
		side = ledger.SideShort
		orderSide = "sell"
	}

	if e.broker != nil && !e.cfg.PaperTrading {
		if err := e.broker.PlaceMarketOrder(ctx, symbol, orderSide, quantity); err != nil {
			return err
		}
	}

	pos, err := e.ledger.Open(ctx, symbol, side, quantity, price, snap.FundingRate)
	if err != nil {
		return err
	}

	e.metrics.IncOpen()
	e.notifier.Notify(ctx, notify.LevelInfo, "Position opened",
		fmt.Sprintf("%s %s qty=%.6f @ %.4f (funding %.4f%%)",
			pos.Symbol, pos.Side, pos.Quantity, pos.EntryPrice, snap.FundingRate*100))
	return nil
}

// executeClose closes a position in the ledger (and on the exchange when
// live) and emits the close notification
func (e *Engine) executeClose(ctx context.Context, pos ledger.Position, price float64, reason ledger.CloseReason) error {
	if e.broker != nil && !e.cfg.PaperTrading {
		orderSide := "sell"
		if pos.Side == ledger.SideShort {
			orderSide = "buy"
		}
		if err := e.broker.PlaceMarketOrder(ctx, pos.Symbol, orderSide, pos.Quantity); err != nil {
			return err
		}
	}

	pnl, err := e.ledger.Close(ctx, pos.Symbol, price, reason)
	if err != nil {
		return err
	}

	e.metrics.IncClose(string(reason))
	e.notifier.Notify(ctx, notify.LevelInfo, "Position closed",
		fmt.Sprintf("%s %s @ %.4f, reason: %s, pnl: %.2f",
			pos.Symbol, pos.Side, price, reason, pnl))
	return nil
}

// closePrice resolves the best available exit price: live ticker, then the
// tick's snapshot, then the contract cache, then the shared cache (another
// instance may have fresher data)
func (e *Engine) closePrice(ctx context.Context, symbol string, snapshots map[string]funding.Snapshot) (float64, bool) {
	if price, err := e.source.LastPrice(ctx, symbol); err == nil && price > 0 {
		return price, true
	}
	if snap, ok := snapshots[symbol]; ok && snap.MarkPrice > 0 {
		return snap.MarkPrice, true
	}
	if price, ok := e.cache.LastPrice(symbol); ok {
		return price, true
	}
	if snap, ok := e.cache.SharedSnapshot(ctx, symbol); ok && snap.MarkPrice > 0 {
		return snap.MarkPrice, true
	}
	return 0, false
}

func (e *Engine) setDegraded(ctx context.Context, degraded bool) {
	if degraded == e.degraded {
		return
	}
	e.degraded = degraded
	if degraded {
		e.notifier.Notify(ctx, notify.LevelWarning, "Degraded mode",
			"funding data source unavailable, reconciling from cached snapshots")
	} else {
		e.notifier.Notify(ctx, notify.LevelInfo, "Degraded mode cleared",
			"live funding data restored")
	}
}

// notifyPoolState emits the consolidated per-tick notification. Unchanged
// pools still produce a low-urgency heartbeat so consumers can tell a quiet
// system from a dead one.
func (e *Engine) notifyPoolState(ctx context.Context, candidates []Candidate, added, removed []string, stale bool) {
	var b strings.Builder
	level := notify.LevelDebug

	if len(added) > 0 {
		level = notify.LevelInfo
		fmt.Fprintf(&b, "Entered pool (%d):\n", len(added))
		for _, symbol := range added {
			for _, c := range candidates {
				if c.Symbol == symbol {
					fmt.Fprintf(&b, "  • %s: %.4f%%\n", symbol, c.FundingRate*100)
					break
				}
			}
		}
	}
	if len(removed) > 0 {
		level = notify.LevelInfo
		fmt.Fprintf(&b, "Left pool (%d):\n", len(removed))
		for _, symbol := range removed {
			fmt.Fprintf(&b, "  • %s\n", symbol)
		}
	}

	if len(candidates) > 0 {
		fmt.Fprintf(&b, "Pool (%d contracts):\n", len(candidates))
		for _, c := range candidates {
			fmt.Fprintf(&b, "  • %s: %.4f%%\n", c.Symbol, c.FundingRate*100)
		}
	} else {
		b.WriteString("Pool is empty\n")
	}
	if stale {
		b.WriteString("⚠ running on stale cached data\n")
	}

	e.notifier.Notify(ctx, level, "Funding pool update", b.String())
}

func (e *Engine) updateMetrics(poolSize int) {
	e.metrics.SetPoolSize(poolSize)
	e.metrics.SetOpenPositions(e.ledger.OpenCount())
	capital := e.ledger.Capital()
	e.metrics.SetCapital(capital.Available, e.ledger.TotalExposure())
}

// diff returns newPool-current (in newPool order) and current-newPool
func diff(current, newPool []string) (added, removed []string) {
	curSet := make(map[string]struct{}, len(current))
	for _, s := range current {
		curSet[s] = struct{}{}
	}
	newSet := make(map[string]struct{}, len(newPool))
	for _, s := range newPool {
		newSet[s] = struct{}{}
	}
	for _, s := range newPool {
		if _, ok := curSet[s]; !ok {
			added = append(added, s)
		}
	}
	for _, s := range current {
		if _, ok := newSet[s]; !ok {
			removed = append(removed, s)
		}
	}
	return added, removed
}

func contains(list []string, symbol string) bool {
	for _, s := range list {
		if s == symbol {
			return true
		}
	}
	return false
}

// blockCode maps an open failure to the risk code that should damp repeated
// reporting, or "" for errors that should be surfaced every time
func blockCode(err error) apperrors.ErrorCode {
	for _, code := range []apperrors.ErrorCode{
		apperrors.ErrCodeRiskLimitExceeded,
		apperrors.ErrCodeMaxPositions,
		apperrors.ErrCodeInsufficientCapital,
	} {
		if apperrors.HasCode(err, code) {
			return code
		}
	}
	return ""
}

// Pause suspends reconciliation and risk sweeps. Open positions are left
// untouched; close them explicitly if flat is wanted.
func (e *Engine) Pause(ctx context.Context) {
	e.mu.Lock()
	already := e.paused
	e.paused = true
	e.mu.Unlock()
	if already {
		return
	}
	e.log.Info("engine paused")
	e.notifier.Notify(ctx, notify.LevelWarning, "Engine paused",
		"reconciliation and risk sweeps suspended, positions left open")
}

// Resume restarts reconciliation after a pause
func (e *Engine) Resume(ctx context.Context) {
	e.mu.Lock()
	already := !e.paused
	e.paused = false
	e.mu.Unlock()
	if already {
		return
	}
	e.log.Info("engine resumed")
	e.notifier.Notify(ctx, notify.LevelInfo, "Engine resumed", "reconciliation restarted")
}

// Status is the externally visible engine state
type Status struct {
	Pool      []Candidate           `json:"pool"`
	Positions []ledger.Position     `json:"positions"`
	Capital   ledger.CapitalAccount `json:"capital"`
	Stats     ledger.Stats          `json:"stats"`
	Degraded  bool                  `json:"degraded"`
	Paused    bool                  `json:"paused"`
	Blocked   map[string]string     `json:"blocked,omitempty"`
	AsOf      time.Time             `json:"as_of"`
}

// Status reports current pool, positions, capital and performance
func (e *Engine) Status() Status {
	e.mu.Lock()
	degraded := e.degraded
	paused := e.paused
	blocked := make(map[string]string, len(e.blocked))
	for symbol, code := range e.blocked {
		blocked[symbol] = string(code)
	}
	e.mu.Unlock()

	snapshots, _ := e.cache.SnapshotMap()
	poolSymbols := e.ledger.Pool()
	poolView := make([]Candidate, 0, len(poolSymbols))
	for _, symbol := range poolSymbols {
		c := Candidate{Symbol: symbol}
		if snap, ok := snapshots[symbol]; ok {
			c.FundingRate = snap.FundingRate
			c.Volume24h = snap.Volume24h
		}
		poolView = append(poolView, c)
	}

	return Status{
		Pool:      poolView,
		Positions: e.ledger.Positions(),
		Capital:   e.ledger.Capital(),
		Stats:     e.ledger.Stats(),
		Degraded:  degraded,
		Paused:    paused,
		Blocked:   blocked,
		AsOf:      time.Now(),
	}
}

// CloseAllPositions closes every open position, using the best price
// available per symbol
func (e *Engine) CloseAllPositions(ctx context.Context, reason ledger.CloseReason) []ledger.ClosedTrade {
	e.mu.Lock()
	defer e.mu.Unlock()

	snapshots, _ := e.cache.SnapshotMap()
	closed := e.ledger.CloseAll(ctx, reason, func(symbol string) (float64, bool) {
		return e.closePrice(ctx, symbol, snapshots)
	})
	for _, trade := range closed {
		e.metrics.IncClose(string(reason))
		e.notifier.Notify(ctx, notify.LevelInfo, "Position closed",
			fmt.Sprintf("%s %s @ %.4f, reason: %s, pnl: %.2f",
				trade.Symbol, trade.Side, trade.ExitPrice, reason, trade.RealizedPnL))
	}
	e.updateMetrics(len(e.ledger.Pool()))
	return closed
}
