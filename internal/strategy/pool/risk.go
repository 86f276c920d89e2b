package pool

import (
	"context"
	"fmt"

	"fundarb/internal/notify"
	"fundarb/internal/strategy/ledger"
)

// RiskSweep runs independently of reconciliation ticks. It enforces the
// exposure cap and per-position stop-loss / take-profit, and may close
// positions for symbols still in the pool. It never opens positions.
func (e *Engine) RiskSweep(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.cfg.AutoTrade || e.paused {
		return nil
	}

	snapshots, _ := e.cache.SnapshotMap()

	// mark-to-market before any decision
	prices := make(map[string]float64)
	for _, pos := range e.ledger.Positions() {
		if price, ok := e.closePrice(ctx, pos.Symbol, snapshots); ok {
			prices[pos.Symbol] = price
		}
	}
	e.ledger.UpdateUnrealized(prices)

	e.sweepStops(ctx, prices)
	e.sweepExposure(ctx, prices)
	e.updateMetrics(len(e.ledger.Pool()))
	return nil
}

// sweepStops closes positions that hit the stop-loss or take-profit ratio
// relative to their entry notional. Unpriceable positions are skipped and
// retried on the next sweep.
func (e *Engine) sweepStops(ctx context.Context, prices map[string]float64) {
	for _, pos := range e.ledger.Positions() {
		price, ok := prices[pos.Symbol]
		if !ok {
			e.log.Warn("risk sweep skipping position, no valid price", "symbol", pos.Symbol)
			continue
		}

		notional := pos.Notional()
		if notional <= 0 {
			continue
		}
		ratio := pos.PnLAt(price) / notional

		switch {
		case e.cfg.StopLossRatio > 0 && ratio <= -e.cfg.StopLossRatio:
			e.log.Warn("stop loss triggered",
				"symbol", pos.Symbol, "pnl_ratio", fmt.Sprintf("%.4f", ratio))
			if err := e.executeClose(ctx, pos, price, ledger.ReasonStopLoss); err != nil {
				e.log.Error("stop-loss close failed", "symbol", pos.Symbol, "error", err)
			}
		case e.cfg.TakeProfitRatio > 0 && ratio >= e.cfg.TakeProfitRatio:
			e.log.Info("take profit triggered",
				"symbol", pos.Symbol, "pnl_ratio", fmt.Sprintf("%.4f", ratio))
			if err := e.executeClose(ctx, pos, price, ledger.ReasonTakeProfit); err != nil {
				e.log.Error("take-profit close failed", "symbol", pos.Symbol, "error", err)
			}
		}
	}
}

// sweepExposure closes positions oldest-first until total exposure is at or
// below 90% of the cap, leaving headroom so the next tick does not
// immediately re-trip the limit
func (e *Engine) sweepExposure(ctx context.Context, prices map[string]float64) {
	capital := e.ledger.Capital()
	limit := capital.Total * e.cfg.MaxTotalExposure
	if limit <= 0 || e.ledger.TotalExposure() <= limit {
		return
	}

	target := limit * 0.9
	e.log.Warn("total exposure over cap, reducing",
		"exposure", fmt.Sprintf("%.2f", e.ledger.TotalExposure()),
		"cap", fmt.Sprintf("%.2f", limit))
	e.notifier.Notify(ctx, notify.LevelWarning, "Exposure cap breached",
		fmt.Sprintf("exposure %.2f over cap %.2f, closing oldest positions to %.2f",
			e.ledger.TotalExposure(), limit, target))

	// Positions() is ordered oldest entry first
	for _, pos := range e.ledger.Positions() {
		if e.ledger.TotalExposure() <= target {
			break
		}
		price, ok := prices[pos.Symbol]
		if !ok {
			e.log.Warn("cannot reduce exposure via position, no valid price", "symbol", pos.Symbol)
			continue
		}
		if err := e.executeClose(ctx, pos, price, ledger.ReasonExposure); err != nil {
			e.log.Error("exposure-reduction close failed", "symbol", pos.Symbol, "error", err)
		}
	}
}
