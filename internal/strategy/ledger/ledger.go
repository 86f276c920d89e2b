package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "fundarb/internal/errors"
	"fundarb/internal/logger"
)

// Ledger is the set of open positions plus the capital account backing them.
// A single mutex serializes every open/close, which upholds the at-most-one
// open position per symbol invariant under concurrent engine ticks.
type Ledger struct {
	mu sync.Mutex

	capital   CapitalAccount
	positions map[string]*Position
	pool      []string
	stats     Stats

	file string
	db   *sql.DB // optional closed-trade log
	log  logger.Logger
}

// New creates a ledger persisting to file, seeded with initialCapital. If the
// state file exists, positions, pool and capital are restored from it.
func New(file string, initialCapital float64, db *sql.DB) (*Ledger, error) {
	l := &Ledger{
		capital:   CapitalAccount{Total: initialCapital, Available: initialCapital},
		positions: make(map[string]*Position),
		file:      file,
		db:        db,
		log:       logger.WithField("component", "ledger"),
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

// Open creates a position for symbol. It rejects duplicates and opens that
// would drive available capital negative.
func (l *Ledger) Open(ctx context.Context, symbol string, side Side, quantity, price, fundingRate float64) (Position, error) {
	if quantity <= 0 || price <= 0 {
		return Position{}, apperrors.Newf(apperrors.ErrCodeInvalidInput,
			"invalid open for %s: quantity=%v price=%v", symbol, quantity, price)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.positions[symbol]; exists {
		return Position{}, apperrors.Newf(apperrors.ErrCodePositionAlreadyOpen,
			"position already open for %s", symbol)
	}

	notional := quantity * price
	if l.capital.Available-notional < 0 {
		return Position{}, apperrors.Newf(apperrors.ErrCodeInsufficientCapital,
			"open %s needs %.2f but only %.2f available", symbol, notional, l.capital.Available)
	}

	pos := &Position{
		Symbol:             symbol,
		Side:               side,
		Quantity:           quantity,
		EntryPrice:         price,
		EntryTime:          time.Now(),
		FundingRateAtEntry: fundingRate,
	}
	l.positions[symbol] = pos
	l.capital.Available -= notional

	if err := l.persistLocked(); err != nil {
		delete(l.positions, symbol)
		l.capital.Available += notional
		return Position{}, err
	}

	l.log.Info("position opened",
		"symbol", symbol, "side", side, "quantity", quantity,
		"price", price, "funding_rate", fundingRate)
	return *pos, nil
}

// Close closes the open position for symbol at price, returning the realized
// PnL. Capital is restored as notional plus PnL.
func (l *Ledger) Close(ctx context.Context, symbol string, price float64, reason CloseReason) (float64, error) {
	if price <= 0 {
		return 0, apperrors.Newf(apperrors.ErrCodeInvalidInput, "invalid close price %v for %s", price, symbol)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pos, exists := l.positions[symbol]
	if !exists {
		return 0, apperrors.Newf(apperrors.ErrCodePositionNotOpen, "no open position for %s", symbol)
	}

	pnl := pos.PnLAt(price)
	prevCapital := l.capital
	prevStats := l.stats

	l.capital.Available += pos.Notional() + pnl
	if l.capital.Available < 0 {
		// a short losing more than its notional would overdraw the account;
		// liquidation is not modeled, so floor at zero and flag it
		l.log.Error("loss exceeded committed notional, flooring available capital",
			"symbol", symbol, "pnl", pnl)
		l.capital.Available = 0
	}
	l.capital.Total += pnl
	l.stats.RealizedPnL += pnl
	if pnl >= 0 {
		l.stats.Wins++
	} else {
		l.stats.Losses++
	}
	if n := l.stats.Wins + l.stats.Losses; n > 0 {
		l.stats.WinRate = float64(l.stats.Wins) / float64(n)
	}
	delete(l.positions, symbol)

	if err := l.persistLocked(); err != nil {
		l.positions[symbol] = pos
		l.capital = prevCapital
		l.stats = prevStats
		return 0, err
	}

	trade := ClosedTrade{
		ID:          uuid.New().String(),
		Symbol:      symbol,
		Side:        pos.Side,
		Quantity:    pos.Quantity,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   price,
		RealizedPnL: pnl,
		Reason:      reason,
		EntryTime:   pos.EntryTime,
		ExitTime:    time.Now(),
	}
	l.recordTrade(ctx, trade)

	l.log.Info("position closed",
		"symbol", symbol, "reason", reason, "exit_price", price, "realized_pnl", pnl)
	return pnl, nil
}

// CloseAll closes every open position using the given price lookup. Symbols
// whose price cannot be resolved are skipped and reported.
func (l *Ledger) CloseAll(ctx context.Context, reason CloseReason, priceFor func(symbol string) (float64, bool)) []ClosedTrade {
	var closed []ClosedTrade
	for _, pos := range l.Positions() {
		price, ok := priceFor(pos.Symbol)
		if !ok {
			l.log.Warn("skipping close, no price available", "symbol", pos.Symbol)
			continue
		}
		pnl, err := l.Close(ctx, pos.Symbol, price, reason)
		if err != nil {
			l.log.Error("close failed", "symbol", pos.Symbol, "error", err)
			continue
		}
		closed = append(closed, ClosedTrade{
			Symbol:      pos.Symbol,
			Side:        pos.Side,
			Quantity:    pos.Quantity,
			EntryPrice:  pos.EntryPrice,
			ExitPrice:   price,
			RealizedPnL: pnl,
			Reason:      reason,
			EntryTime:   pos.EntryTime,
			ExitTime:    time.Now(),
		})
	}
	return closed
}

// Position returns the open position for a symbol, if any
func (l *Ledger) Position(symbol string) (Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// Positions returns copies of all open positions, oldest entry first
func (l *Ledger) Positions() []Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Position, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntryTime.Equal(out[j].EntryTime) {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].EntryTime.Before(out[j].EntryTime)
	})
	return out
}

// OpenCount returns the number of open positions
func (l *Ledger) OpenCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.positions)
}

// TotalExposure returns the summed notional of all open positions
func (l *Ledger) TotalExposure() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	var total float64
	for _, pos := range l.positions {
		total += pos.Notional()
	}
	return total
}

// Capital returns a copy of the capital account
func (l *Ledger) Capital() CapitalAccount {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.capital
}

// Stats returns realized performance statistics
func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// UpdateUnrealized refreshes unrealized PnL from current prices. Persisted
// best-effort: unrealized PnL is derived data.
func (l *Ledger) UpdateUnrealized(prices map[string]float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for symbol, pos := range l.positions {
		if price, ok := prices[symbol]; ok && price > 0 {
			pos.UnrealizedPnL = pos.PnLAt(price)
		}
	}
}

// SetPool replaces the persisted pool membership. The engine calls this once
// per tick after processing the diff.
func (l *Ledger) SetPool(symbols []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.pool
	next := make([]string, len(symbols))
	copy(next, symbols)
	l.pool = next

	if err := l.persistLocked(); err != nil {
		l.pool = prev
		return err
	}
	return nil
}

// Pool returns the persisted pool membership in rank order
func (l *Ledger) Pool() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, len(l.pool))
	copy(out, l.pool)
	return out
}

type diskState struct {
	Capital   CapitalAccount       `json:"capital"`
	Positions map[string]*Position `json:"positions"`
	Pool      []string             `json:"pool"`
	Stats     Stats                `json:"stats"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// persistLocked writes the ledger state atomically; caller holds the lock
func (l *Ledger) persistLocked() error {
	state := diskState{
		Capital:   l.capital,
		Positions: l.positions,
		Pool:      l.pool,
		Stats:     l.stats,
		UpdatedAt: time.Now(),
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodePersistence, "failed to marshal ledger state")
	}
	if err := os.MkdirAll(filepath.Dir(l.file), 0o755); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodePersistence, "failed to create state directory")
	}
	tmp := l.file + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodePersistence, "failed to write ledger temp file")
	}
	if err := os.Rename(tmp, l.file); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodePersistence, "failed to replace ledger file")
	}
	return nil
}

func (l *Ledger) load() error {
	data, err := os.ReadFile(l.file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperrors.Wrap(err, apperrors.ErrCodePersistence, "failed to read ledger file")
	}
	var state diskState
	if err := json.Unmarshal(data, &state); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodePersistence, "ledger state file is corrupt")
	}
	l.capital = state.Capital
	l.pool = state.Pool
	l.stats = state.Stats
	if state.Positions != nil {
		l.positions = state.Positions
	}
	l.log.Info("ledger state restored",
		"positions", len(l.positions), "pool", len(l.pool),
		"available", l.capital.Available)
	return nil
}

func (l *Ledger) recordTrade(ctx context.Context, trade ClosedTrade) {
	if l.db == nil {
		return
	}
	query := `
		INSERT INTO trades (id, symbol, side, quantity, entry_price, exit_price,
			realized_pnl, reason, entry_time, exit_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	if _, err := l.db.ExecContext(ctx, query,
		trade.ID, trade.Symbol, string(trade.Side), trade.Quantity,
		trade.EntryPrice, trade.ExitPrice, trade.RealizedPnL,
		string(trade.Reason), trade.EntryTime, trade.ExitTime,
	); err != nil {
		l.log.Warn("failed to record trade", "symbol", trade.Symbol, "error", err)
	}
}
