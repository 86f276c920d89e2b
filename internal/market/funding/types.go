// Package funding defines the funding-rate snapshot model and the data
// source that produces it.
package funding

import (
	"math"
	"time"

	apperrors "fundarb/internal/errors"
)

// SnapshotSource tells consumers whether a snapshot came from a live fetch
// or from the contract cache.
type SnapshotSource string

const (
	SourceLive   SnapshotSource = "live"
	SourceCached SnapshotSource = "cached"
)

// Snapshot is one observation of a contract's funding state. Snapshots are
// immutable; a newer observation supersedes an older one, never mutates it.
type Snapshot struct {
	Symbol         string         `json:"symbol"`
	FundingRate    float64        `json:"funding_rate"` // signed fraction per settlement
	MarkPrice      float64        `json:"mark_price"`
	Volume24h      float64        `json:"volume_24h"`
	NextSettlement time.Time      `json:"next_settlement,omitempty"`
	ObservedAt     time.Time      `json:"observed_at"`
	Source         SnapshotSource `json:"source"`
}

// AsCached returns a copy of the snapshot marked as coming from cache
func (s Snapshot) AsCached() Snapshot {
	s.Source = SourceCached
	return s
}

// RawSnapshot is what the exchange hands back before validation. Fields may
// be missing or garbage; Normalize is the only place that deals with that.
type RawSnapshot struct {
	Symbol         string
	FundingRate    *float64
	MarkPrice      float64
	Volume24h      float64
	NextSettlement time.Time
}

// Normalize validates a raw exchange record and produces an immutable
// Snapshot. All malformed-data handling lives here so callers never need
// their own defensive casts.
func Normalize(raw RawSnapshot, observedAt time.Time) (Snapshot, error) {
	if raw.Symbol == "" {
		return Snapshot{}, apperrors.New(apperrors.ErrCodeMarketDataInvalid, "snapshot missing symbol")
	}
	if raw.FundingRate == nil {
		return Snapshot{}, apperrors.Newf(apperrors.ErrCodeMarketDataInvalid,
			"snapshot for %s missing funding rate", raw.Symbol)
	}
	rate := *raw.FundingRate
	if math.IsNaN(rate) || math.IsInf(rate, 0) {
		return Snapshot{}, apperrors.Newf(apperrors.ErrCodeMarketDataInvalid,
			"snapshot for %s has non-finite funding rate", raw.Symbol)
	}
	if raw.MarkPrice < 0 || math.IsNaN(raw.MarkPrice) || math.IsInf(raw.MarkPrice, 0) {
		return Snapshot{}, apperrors.Newf(apperrors.ErrCodeMarketDataInvalid,
			"snapshot for %s has invalid mark price %v", raw.Symbol, raw.MarkPrice)
	}
	if raw.Volume24h < 0 || math.IsNaN(raw.Volume24h) {
		return Snapshot{}, apperrors.Newf(apperrors.ErrCodeMarketDataInvalid,
			"snapshot for %s has invalid volume %v", raw.Symbol, raw.Volume24h)
	}

	return Snapshot{
		Symbol:         raw.Symbol,
		FundingRate:    rate,
		MarkPrice:      raw.MarkPrice,
		Volume24h:      raw.Volume24h,
		NextSettlement: raw.NextSettlement,
		ObservedAt:     observedAt,
		Source:         SourceLive,
	}, nil
}
