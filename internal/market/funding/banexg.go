package funding

import (
	"context"
	"fmt"
	"time"

	"github.com/banbox/banexg"
	"github.com/banbox/banexg/bex"
	"golang.org/x/time/rate"

	"fundarb/internal/config"
	apperrors "fundarb/internal/errors"
	"fundarb/internal/logger"
)

// BanexgSource implements Source on top of the banexg exchange library
type BanexgSource struct {
	exchange banexg.BanExchange
	limiter  *rate.Limiter
	timeout  time.Duration
	log      logger.Logger
}

// NewBanexgSource creates a funding snapshot source for the configured
// exchange (USDT-margined perpetuals)
func NewBanexgSource(cfg *config.ExchangeConfig) (*BanexgSource, error) {
	options := map[string]interface{}{
		banexg.OptMarketType: banexg.MarketLinear,
	}
	if cfg.APIKey != "" {
		options[banexg.OptApiKey] = cfg.APIKey
		options[banexg.OptApiSecret] = cfg.APISecret
	}
	if cfg.TestNet {
		options[banexg.OptEnv] = "test"
	}

	exg, err := bex.New(cfg.Name, options)
	if err != nil {
		return nil, fmt.Errorf("failed to create banexg exchange: %w", err)
	}

	timeout := cfg.RequestTimeout.Std()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = 5
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 10
	}

	return &BanexgSource{
		exchange: exg,
		limiter:  rate.NewLimiter(rate.Limit(limit), burst),
		timeout:  timeout,
		log:      logger.WithField("component", "funding_source"),
	}, nil
}

// wait blocks until the rate limiter admits the call, bounded by the
// per-request timeout
func (s *BanexgSource) wait(ctx context.Context) (context.Context, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	if err := s.limiter.Wait(ctx); err != nil {
		cancel()
		return nil, nil, apperrors.Wrap(err, apperrors.ErrCodeRateLimit, "rate limiter wait aborted")
	}
	return ctx, cancel, nil
}

// FetchOne fetches and normalizes a snapshot for one symbol
func (s *BanexgSource) FetchOne(ctx context.Context, symbol string) (Snapshot, error) {
	ctx, cancel, err := s.wait(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	defer cancel()

	fr, err := s.exchange.FetchFundingRate(symbol, nil)
	if err != nil {
		return Snapshot{}, apperrors.Wrap(err, apperrors.ErrCodeMarketDataUnavailable,
			fmt.Sprintf("failed to fetch funding rate for %s", symbol))
	}
	if err := ctx.Err(); err != nil {
		return Snapshot{}, apperrors.Wrap(err, apperrors.ErrCodeTimeout, "funding rate fetch timed out")
	}

	ticker, err := s.exchange.FetchTicker(symbol, nil)
	if err != nil {
		return Snapshot{}, apperrors.Wrap(err, apperrors.ErrCodeMarketDataUnavailable,
			fmt.Sprintf("failed to fetch ticker for %s", symbol))
	}

	rateVal := fr.FundingRate
	raw := RawSnapshot{
		Symbol:      symbol,
		FundingRate: &rateVal,
		MarkPrice:   ticker.Last,
		Volume24h:   ticker.QuoteVolume,
	}
	if fr.FundingTimestamp > 0 {
		raw.NextSettlement = time.UnixMilli(fr.FundingTimestamp)
	}
	return Normalize(raw, time.Now())
}

// FetchAll fetches snapshots for the given symbols, skipping per-symbol
// failures so one bad contract never poisons the batch
func (s *BanexgSource) FetchAll(ctx context.Context, symbols []string) (map[string]Snapshot, error) {
	out := make(map[string]Snapshot, len(symbols))
	var lastErr error
	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return out, apperrors.Wrap(err, apperrors.ErrCodeTimeout, "batch fetch cancelled")
		}
		snap, err := s.FetchOne(ctx, symbol)
		if err != nil {
			lastErr = err
			s.log.Warn("skipping symbol after fetch failure", "symbol", symbol, "error", err)
			continue
		}
		out[symbol] = snap
	}
	if len(out) == 0 && lastErr != nil {
		return nil, apperrors.Wrap(lastErr, apperrors.ErrCodeMarketDataUnavailable,
			"no symbol in batch could be fetched")
	}
	return out, nil
}

// ListPerpetuals returns all active USDT-margined perpetual symbols
func (s *BanexgSource) ListPerpetuals(ctx context.Context) ([]string, error) {
	_, cancel, err := s.wait(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	markets, err := s.exchange.LoadMarkets(false, nil)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeMarketDataUnavailable, "failed to load markets")
	}

	symbols := make([]string, 0, len(markets))
	for _, market := range markets {
		if market.Swap && market.Quote == "USDT" {
			symbols = append(symbols, market.Symbol)
		}
	}
	return symbols, nil
}

// SettlementInterval detects the funding cadence from the spacing of the two
// most recent settlements
func (s *BanexgSource) SettlementInterval(ctx context.Context, symbol string) (time.Duration, error) {
	_, cancel, err := s.wait(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()

	history, err := s.exchange.FetchFundingRateHistory(symbol, 0, 2, nil)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrCodeMarketDataUnavailable,
			fmt.Sprintf("failed to fetch funding history for %s", symbol))
	}
	if len(history) < 2 {
		return 0, apperrors.Newf(apperrors.ErrCodeMarketDataInvalid,
			"not enough funding history for %s to detect interval", symbol)
	}

	t0 := history[0].Timestamp
	t1 := history[1].Timestamp
	delta := t0 - t1
	if delta < 0 {
		delta = -delta
	}
	if delta == 0 {
		return 0, apperrors.Newf(apperrors.ErrCodeMarketDataInvalid,
			"degenerate funding history timestamps for %s", symbol)
	}
	return time.Duration(delta) * time.Millisecond, nil
}

// LastPrice returns the latest traded price for a symbol
func (s *BanexgSource) LastPrice(ctx context.Context, symbol string) (float64, error) {
	_, cancel, err := s.wait(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()

	ticker, err := s.exchange.FetchTicker(symbol, nil)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrCodeMarketDataUnavailable,
			fmt.Sprintf("failed to fetch ticker for %s", symbol))
	}
	return ticker.Last, nil
}

// PlaceMarketOrder routes a single market order. Order mechanics beyond this
// (order types, partial fills) are intentionally not modeled.
func (s *BanexgSource) PlaceMarketOrder(ctx context.Context, symbol, side string, quantity float64) error {
	_, cancel, err := s.wait(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	_, err = s.exchange.CreateOrder(symbol, banexg.OdTypeMarket, side, quantity, 0, nil)
	if err != nil {
		return fmt.Errorf("failed to place market order for %s: %w", symbol, err)
	}
	return nil
}

// Close releases exchange resources
func (s *BanexgSource) Close() error {
	if s.exchange != nil {
		return s.exchange.Close()
	}
	return nil
}
