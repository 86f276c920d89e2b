// Package ledger owns open positions and capital accounting for the funding
// pool strategy. Every mutation is persisted before it is considered
// successful, so a crash cannot leave memory ahead of disk.
package ledger

import (
	"time"
)

// Side is the direction of a position
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// CloseReason records why a position was closed
type CloseReason string

const (
	ReasonPoolExit   CloseReason = "pool exit"
	ReasonStopLoss   CloseReason = "stop loss"
	ReasonTakeProfit CloseReason = "take profit"
	ReasonExposure   CloseReason = "reduce exposure"
	ReasonManual     CloseReason = "manual"
)

// Position is one open trade. At most one open position exists per symbol.
type Position struct {
	Symbol             string    `json:"symbol"`
	Side               Side      `json:"side"`
	Quantity           float64   `json:"quantity"`
	EntryPrice         float64   `json:"entry_price"`
	EntryTime          time.Time `json:"entry_time"`
	FundingRateAtEntry float64   `json:"funding_rate_at_entry"`
	UnrealizedPnL      float64   `json:"unrealized_pnl"`
}

// Notional returns the dollar-value size of the position
func (p Position) Notional() float64 {
	return p.Quantity * p.EntryPrice
}

// PnLAt computes the position's profit at the given exit price
func (p Position) PnLAt(price float64) float64 {
	if p.Side == SideShort {
		return (p.EntryPrice - price) * p.Quantity
	}
	return (price - p.EntryPrice) * p.Quantity
}

// ClosedTrade is the record of a completed round trip
type ClosedTrade struct {
	ID          string      `json:"id"`
	Symbol      string      `json:"symbol"`
	Side        Side        `json:"side"`
	Quantity    float64     `json:"quantity"`
	EntryPrice  float64     `json:"entry_price"`
	ExitPrice   float64     `json:"exit_price"`
	RealizedPnL float64     `json:"realized_pnl"`
	Reason      CloseReason `json:"reason"`
	EntryTime   time.Time   `json:"entry_time"`
	ExitTime    time.Time   `json:"exit_time"`
}

// CapitalAccount tracks total and available capital
type CapitalAccount struct {
	Total     float64 `json:"total"`
	Available float64 `json:"available"`
}

// Stats summarizes realized performance
type Stats struct {
	RealizedPnL float64 `json:"realized_pnl"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	WinRate     float64 `json:"win_rate"`
}
