package funding

import (
	"context"
	"time"
)

// Source provides funding snapshots for perpetual contracts. Implementations
// talk to an exchange and are expected to fail transiently: callers degrade
// to cached data rather than aborting.
type Source interface {
	// FetchAll fetches snapshots for the given symbols. Per-symbol failures
	// are skipped; the returned map holds whatever succeeded. The error is
	// non-nil only when the batch as a whole could not be attempted.
	FetchAll(ctx context.Context, symbols []string) (map[string]Snapshot, error)

	// FetchOne fetches a snapshot for a single symbol.
	FetchOne(ctx context.Context, symbol string) (Snapshot, error)

	// ListPerpetuals returns the tradable USDT-margined perpetual universe.
	ListPerpetuals(ctx context.Context) ([]string, error)

	// SettlementInterval detects a contract's funding settlement cadence
	// from its funding history.
	SettlementInterval(ctx context.Context, symbol string) (time.Duration, error)

	// LastPrice returns the most recent traded price for a symbol.
	LastPrice(ctx context.Context, symbol string) (float64, error)
}
