package pool

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fundarb/internal/cache"
	"fundarb/internal/config"
	"fundarb/internal/market/contractcache"
	"fundarb/internal/market/funding"
	"fundarb/internal/notify"
	"fundarb/internal/strategy/ledger"
)

// fakeSource serves canned snapshots and prices
type fakeSource struct {
	mu        sync.Mutex
	snaps     map[string]funding.Snapshot
	prices    map[string]float64
	intervals map[string]time.Duration
	failFetch bool
}

func (f *fakeSource) FetchAll(ctx context.Context, symbols []string) (map[string]funding.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFetch {
		return nil, context.DeadlineExceeded
	}
	out := make(map[string]funding.Snapshot)
	for _, s := range symbols {
		if snap, ok := f.snaps[s]; ok {
			out[s] = snap
		}
	}
	return out, nil
}

func (f *fakeSource) FetchOne(ctx context.Context, symbol string) (funding.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if snap, ok := f.snaps[symbol]; ok {
		return snap, nil
	}
	return funding.Snapshot{}, context.DeadlineExceeded
}

func (f *fakeSource) ListPerpetuals(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	symbols := make([]string, 0, len(f.snaps))
	for s := range f.snaps {
		symbols = append(symbols, s)
	}
	return symbols, nil
}

func (f *fakeSource) SettlementInterval(ctx context.Context, symbol string) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if interval, ok := f.intervals[symbol]; ok {
		return interval, nil
	}
	return 8 * time.Hour, nil
}

func (f *fakeSource) LastPrice(ctx context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.prices[symbol]; ok {
		return p, nil
	}
	return 0, context.DeadlineExceeded
}

// captureNotifier records every notification it receives
type captureNotifier struct {
	mu     sync.Mutex
	events []capturedEvent
}

type capturedEvent struct {
	level notify.Level
	title string
}

func (c *captureNotifier) Notify(ctx context.Context, level notify.Level, title, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, capturedEvent{level: level, title: title})
}

func (c *captureNotifier) count(title string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.title == title {
			n++
		}
	}
	return n
}

func testConfig() config.StrategyConfig {
	return config.StrategyConfig{
		FundingRateThreshold: 0.005,
		MinVolume:            1_000_000,
		MaxPoolSize:          10,
		MaxPositions:         10,
		MaxTotalExposure:     0.8,
		PositionSize:         0.1,
		StopLossRatio:        0.05,
		TakeProfitRatio:      0.10,
		InitialCapital:       10_000,
		AutoTrade:            true,
		PaperTrading:         true,
		CacheTTL:             config.Duration(time.Hour),
		SettlementHours:      []int{1, 8},
	}
}

type engineEnv struct {
	engine   *Engine
	cache    *contractcache.Cache
	ledger   *ledger.Ledger
	source   *fakeSource
	notifier *captureNotifier
}

func newEngineEnv(t *testing.T, cfg config.StrategyConfig) *engineEnv {
	t.Helper()
	dir := t.TempDir()

	cc, err := contractcache.New(filepath.Join(dir, "contracts.json"), cfg.CacheTTL.Std(), nil)
	require.NoError(t, err)

	ldg, err := ledger.New(filepath.Join(dir, "ledger.json"), cfg.InitialCapital, nil)
	require.NoError(t, err)

	source := &fakeSource{
		snaps:     map[string]funding.Snapshot{},
		prices:    map[string]float64{},
		intervals: map[string]time.Duration{},
	}
	notifier := &captureNotifier{}
	engine := NewEngine(cfg, cc, source, ldg, nil, notifier, nil, nil)

	return &engineEnv{engine: engine, cache: cc, ledger: ldg, source: source, notifier: notifier}
}

// seed puts snapshots into both the fake source and the contract cache
func (e *engineEnv) seed(t *testing.T, snaps ...funding.Snapshot) {
	t.Helper()
	byName := make(map[string]funding.Snapshot, len(snaps))
	for _, s := range snaps {
		s.ObservedAt = time.Now()
		byName[s.Symbol] = s
		e.source.mu.Lock()
		e.source.snaps[s.Symbol] = s
		e.source.prices[s.Symbol] = s.MarkPrice
		e.source.mu.Unlock()
	}
	require.NoError(t, e.cache.ReplaceBucket(context.Background(), contractcache.Bucket8h, byName))
}

func mkSnap(symbol string, rate, price, volume float64) funding.Snapshot {
	return funding.Snapshot{
		Symbol:      symbol,
		FundingRate: rate,
		MarkPrice:   price,
		Volume24h:   volume,
		ObservedAt:  time.Now(),
	}
}

func TestTickColdStart(t *testing.T) {
	env := newEngineEnv(t, testConfig())
	ctx := context.Background()

	env.seed(t,
		mkSnap("ALPHA/USDT:USDT", 0.012, 100, 5_000_000),
		mkSnap("BETA/USDT:USDT", -0.009, 50, 3_000_000),
		mkSnap("GAMMA/USDT:USDT", 0.006, 10, 2_000_000),
		mkSnap("LOWRATE/USDT:USDT", 0.001, 10, 9_000_000),
		mkSnap("LOWVOL/USDT:USDT", 0.020, 10, 100_000),
	)

	require.NoError(t, env.engine.Tick(ctx))

	pool := env.ledger.Pool()
	require.Equal(t, []string{"ALPHA/USDT:USDT", "BETA/USDT:USDT", "GAMMA/USDT:USDT"}, pool,
		"pool must hold qualifying symbols ranked by funding magnitude")

	require.Equal(t, 3, env.ledger.OpenCount())

	alpha, ok := env.ledger.Position("ALPHA/USDT:USDT")
	require.True(t, ok)
	require.Equal(t, ledger.SideLong, alpha.Side, "positive funding rate opens long")

	beta, ok := env.ledger.Position("BETA/USDT:USDT")
	require.True(t, ok)
	require.Equal(t, ledger.SideShort, beta.Side, "negative funding rate opens short")

	// 10% of 10k capital per position at price 100
	require.InDelta(t, 10.0, alpha.Quantity, 1e-9)
}

func TestTickIdempotent(t *testing.T) {
	env := newEngineEnv(t, testConfig())
	ctx := context.Background()

	env.seed(t, mkSnap("ALPHA/USDT:USDT", 0.012, 100, 5_000_000))

	require.NoError(t, env.engine.Tick(ctx))
	first := env.ledger.Positions()

	// identical data: second tick changes nothing
	require.NoError(t, env.engine.Tick(ctx))
	second := env.ledger.Positions()

	require.Equal(t, first, second)
	require.Equal(t, 1, env.ledger.OpenCount())
}

func TestTickClosesBeforeOpens(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPositions = 1
	env := newEngineEnv(t, cfg)
	ctx := context.Background()

	env.seed(t, mkSnap("OLD/USDT:USDT", 0.012, 100, 5_000_000))
	require.NoError(t, env.engine.Tick(ctx))
	require.Equal(t, 1, env.ledger.OpenCount())

	// OLD falls below threshold, NEW qualifies; with max_positions=1 the
	// open of NEW only succeeds because OLD closes first in the same tick
	env.source.mu.Lock()
	delete(env.source.snaps, "OLD/USDT:USDT")
	env.source.mu.Unlock()
	env.seed(t,
		mkSnap("OLD/USDT:USDT", 0.001, 100, 5_000_000),
		mkSnap("NEW/USDT:USDT", 0.015, 200, 5_000_000),
	)

	require.NoError(t, env.engine.Tick(ctx))

	_, oldOpen := env.ledger.Position("OLD/USDT:USDT")
	require.False(t, oldOpen, "dropped symbol must be closed")
	_, newOpen := env.ledger.Position("NEW/USDT:USDT")
	require.True(t, newOpen, "freed slot must be reusable within the same tick")
	require.Equal(t, []string{"NEW/USDT:USDT"}, env.ledger.Pool())
}

func TestTickDegradesToCache(t *testing.T) {
	cfg := testConfig()
	cfg.CacheTTL = config.Duration(50 * time.Millisecond)
	env := newEngineEnv(t, cfg)
	ctx := context.Background()

	env.seed(t, mkSnap("ALPHA/USDT:USDT", 0.012, 100, 5_000_000))

	// let the cache go stale, then break the source
	time.Sleep(80 * time.Millisecond)
	env.source.mu.Lock()
	env.source.failFetch = true
	env.source.mu.Unlock()

	require.NoError(t, env.engine.Tick(ctx), "stale cache data must still drive a tick")
	require.Equal(t, []string{"ALPHA/USDT:USDT"}, env.ledger.Pool())
	require.Equal(t, 1, env.notifier.count("Degraded mode"), "degrade warning fires once")

	// still degraded on the next tick, no repeat warning
	require.NoError(t, env.engine.Tick(ctx))
	require.Equal(t, 1, env.notifier.count("Degraded mode"))
}

func TestTickEmptyCacheFails(t *testing.T) {
	env := newEngineEnv(t, testConfig())
	err := env.engine.Tick(context.Background())
	require.Error(t, err, "no data at all cannot produce a pool")
}

func TestRiskBlockedSymbolStaysInPool(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPositions = 1
	env := newEngineEnv(t, cfg)
	ctx := context.Background()

	env.seed(t,
		mkSnap("FIRST/USDT:USDT", 0.020, 100, 5_000_000),
		mkSnap("SECOND/USDT:USDT", 0.010, 100, 5_000_000),
	)

	require.NoError(t, env.engine.Tick(ctx))

	// both in pool, only one position
	require.Equal(t, []string{"FIRST/USDT:USDT", "SECOND/USDT:USDT"}, env.ledger.Pool())
	require.Equal(t, 1, env.ledger.OpenCount())
	require.Equal(t, 1, env.notifier.count("Open blocked"))
}

func TestMonitorOnlyMode(t *testing.T) {
	cfg := testConfig()
	cfg.AutoTrade = false
	env := newEngineEnv(t, cfg)
	ctx := context.Background()

	env.seed(t, mkSnap("ALPHA/USDT:USDT", 0.012, 100, 5_000_000))
	require.NoError(t, env.engine.Tick(ctx))

	require.Equal(t, []string{"ALPHA/USDT:USDT"}, env.ledger.Pool(), "pool still maintained")
	require.Equal(t, 0, env.ledger.OpenCount(), "no positions without auto trade")
}

func TestUnpriceableOpenSkipped(t *testing.T) {
	env := newEngineEnv(t, testConfig())
	ctx := context.Background()

	bad := mkSnap("BAD/USDT:USDT", 0.012, 0, 5_000_000) // no mark price
	good := mkSnap("GOOD/USDT:USDT", 0.010, 100, 5_000_000)
	env.seed(t, bad, good)

	require.NoError(t, env.engine.Tick(ctx))

	_, badOpen := env.ledger.Position("BAD/USDT:USDT")
	require.False(t, badOpen)
	_, goodOpen := env.ledger.Position("GOOD/USDT:USDT")
	require.True(t, goodOpen, "one unpriceable contract must not block the rest")
}

func TestExposureSweepClosesOldestFirst(t *testing.T) {
	cfg := testConfig()
	cfg.PositionSize = 0.3
	cfg.MaxTotalExposure = 1.0
	env := newEngineEnv(t, cfg)
	ctx := context.Background()

	env.seed(t,
		mkSnap("A/USDT:USDT", 0.020, 100, 5_000_000),
		mkSnap("B/USDT:USDT", 0.015, 100, 5_000_000),
	)
	require.NoError(t, env.engine.Tick(ctx))
	require.Equal(t, 2, env.ledger.OpenCount())

	// shrink the cap so current exposure breaches it
	env.engine.cfg.MaxTotalExposure = 0.4
	require.NoError(t, env.engine.RiskSweep(ctx))

	// oldest (A, highest magnitude so opened first) goes first
	_, aOpen := env.ledger.Position("A/USDT:USDT")
	require.False(t, aOpen, "oldest position closed to reduce exposure")

	capital := env.ledger.Capital()
	require.LessOrEqual(t, env.ledger.TotalExposure(), capital.Total*0.4*0.9+1e-9,
		"exposure reduced to at most 90%% of the cap")
}

func TestStopLossAndTakeProfit(t *testing.T) {
	env := newEngineEnv(t, testConfig())
	ctx := context.Background()

	env.seed(t,
		mkSnap("LOSS/USDT:USDT", 0.020, 100, 5_000_000),
		mkSnap("WIN/USDT:USDT", 0.015, 100, 5_000_000),
	)
	require.NoError(t, env.engine.Tick(ctx))

	// both long; LOSS drops 10%, WIN rallies 20%
	env.source.mu.Lock()
	env.source.prices["LOSS/USDT:USDT"] = 90
	env.source.prices["WIN/USDT:USDT"] = 120
	env.source.mu.Unlock()

	require.NoError(t, env.engine.RiskSweep(ctx))

	_, lossOpen := env.ledger.Position("LOSS/USDT:USDT")
	require.False(t, lossOpen, "stop loss must close the position")
	_, winOpen := env.ledger.Position("WIN/USDT:USDT")
	require.False(t, winOpen, "take profit must close the position")

	stats := env.ledger.Stats()
	require.Equal(t, 1, stats.Wins)
	require.Equal(t, 1, stats.Losses)
}

func TestCloseAllPositions(t *testing.T) {
	env := newEngineEnv(t, testConfig())
	ctx := context.Background()

	env.seed(t,
		mkSnap("A/USDT:USDT", 0.020, 100, 5_000_000),
		mkSnap("B/USDT:USDT", -0.015, 50, 5_000_000),
	)
	require.NoError(t, env.engine.Tick(ctx))
	require.Equal(t, 2, env.ledger.OpenCount())

	closed := env.engine.CloseAllPositions(ctx, ledger.ReasonManual)
	require.Len(t, closed, 2)
	require.Equal(t, 0, env.ledger.OpenCount())
}

func TestStatusReflectsState(t *testing.T) {
	env := newEngineEnv(t, testConfig())
	ctx := context.Background()

	env.seed(t, mkSnap("ALPHA/USDT:USDT", 0.012, 100, 5_000_000))
	require.NoError(t, env.engine.Tick(ctx))

	st := env.engine.Status()
	require.Len(t, st.Pool, 1)
	require.Equal(t, "ALPHA/USDT:USDT", st.Pool[0].Symbol)
	require.InDelta(t, 0.012, st.Pool[0].FundingRate, 1e-12)
	require.Len(t, st.Positions, 1)
	require.False(t, st.Degraded)
}

func TestPauseSuspendsTicks(t *testing.T) {
	env := newEngineEnv(t, testConfig())
	ctx := context.Background()

	env.seed(t, mkSnap("ALPHA/USDT:USDT", 0.012, 100, 5_000_000))

	env.engine.Pause(ctx)
	require.NoError(t, env.engine.Tick(ctx))
	require.Empty(t, env.ledger.Pool(), "paused engine must not touch the pool")
	require.Equal(t, 0, env.ledger.OpenCount())
	require.NoError(t, env.engine.RiskSweep(ctx))
	require.True(t, env.engine.Status().Paused)

	env.engine.Resume(ctx)
	require.NoError(t, env.engine.Tick(ctx))
	require.Equal(t, 1, env.ledger.OpenCount())
	require.False(t, env.engine.Status().Paused)

	// repeated pause only notifies once
	env.engine.Pause(ctx)
	env.engine.Pause(ctx)
	require.Equal(t, 1, env.notifier.count("Engine paused"))
}

func TestBlockedSymbolOpensWhenCapacityFrees(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPositions = 1
	env := newEngineEnv(t, cfg)
	ctx := context.Background()

	first := mkSnap("FIRST/USDT:USDT", 0.020, 100, 5_000_000)
	second := mkSnap("SECOND/USDT:USDT", 0.010, 100, 5_000_000)
	env.seed(t, first, second)

	require.NoError(t, env.engine.Tick(ctx))
	require.Equal(t, 1, env.ledger.OpenCount())
	_, open := env.ledger.Position("FIRST/USDT:USDT")
	require.True(t, open)

	// a repeat tick keeps the blocked symbol damped, no position appears
	require.NoError(t, env.engine.Tick(ctx))
	require.Equal(t, 1, env.ledger.OpenCount())
	require.Equal(t, 1, env.notifier.count("Open blocked"))

	// FIRST falls below threshold and exits the pool; the freed slot must go
	// to the still-qualifying SECOND within the same tick
	first.FundingRate = 0.001
	env.seed(t, first, second)
	require.NoError(t, env.engine.Tick(ctx))

	require.Equal(t, []string{"SECOND/USDT:USDT"}, env.ledger.Pool())
	_, open = env.ledger.Position("FIRST/USDT:USDT")
	require.False(t, open, "FIRST must close on pool exit")
	_, open = env.ledger.Position("SECOND/USDT:USDT")
	require.True(t, open, "SECOND must open once the position slot freed up")
	require.Equal(t, 1, env.ledger.OpenCount())
}

func TestRebuildUniverseFiltersBuckets(t *testing.T) {
	cfg := testConfig()
	cfg.SettlementHours = []int{8}
	env := newEngineEnv(t, cfg)
	ctx := context.Background()

	env.source.snaps["HOURLY/USDT:USDT"] = mkSnap("HOURLY/USDT:USDT", 0.015, 10, 2_000_000)
	env.source.snaps["EIGHT/USDT:USDT"] = mkSnap("EIGHT/USDT:USDT", 0.010, 10, 2_000_000)
	env.source.intervals["HOURLY/USDT:USDT"] = time.Hour
	env.source.intervals["EIGHT/USDT:USDT"] = 8 * time.Hour

	require.NoError(t, env.engine.RebuildUniverse(ctx))

	require.Equal(t, []string{"EIGHT/USDT:USDT"}, env.cache.AllSymbols(),
		"contracts outside the configured buckets must stay out of the universe")
	require.Equal(t, []string{"EIGHT/USDT:USDT"}, env.cache.Symbols(contractcache.Bucket8h))
	require.Empty(t, env.cache.Symbols(contractcache.Bucket1h))
}

func TestRebuildRespectsSharedLock(t *testing.T) {
	cfg := testConfig()
	dir := t.TempDir()
	mem := cache.NewMemoryCache(0)
	t.Cleanup(func() { _ = mem.Close() })

	cc, err := contractcache.New(filepath.Join(dir, "contracts.json"), cfg.CacheTTL.Std(), mem)
	require.NoError(t, err)
	ldg, err := ledger.New(filepath.Join(dir, "ledger.json"), cfg.InitialCapital, nil)
	require.NoError(t, err)
	source := &fakeSource{
		snaps: map[string]funding.Snapshot{
			"BTC/USDT:USDT": mkSnap("BTC/USDT:USDT", 0.010, 100, 5_000_000),
		},
		prices:    map[string]float64{},
		intervals: map[string]time.Duration{},
	}
	engine := NewEngine(cfg, cc, source, ldg, nil, nil, nil, nil)
	ctx := context.Background()

	held, err := mem.AcquireLock(ctx, "universe_rebuild", time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	require.NoError(t, engine.RebuildUniverse(ctx))
	require.Empty(t, cc.AllSymbols(), "a held rebuild lock must skip the rebuild")

	require.NoError(t, mem.ReleaseLock(ctx, "universe_rebuild"))
	require.NoError(t, engine.RebuildUniverse(ctx))
	require.Equal(t, []string{"BTC/USDT:USDT"}, cc.AllSymbols())
}
