// Package pool implements the funding-rate contract pool strategy: candidate
// selection, pool/position reconciliation and the periodic risk sweep.
package pool

import (
	"math"
	"sort"

	"fundarb/internal/market/funding"
)

// Candidate is one symbol that qualified for the pool
type Candidate struct {
	Symbol      string
	FundingRate float64
	Volume24h   float64
}

// Select returns the ranked pool for a snapshot map: symbols whose absolute
// funding rate meets threshold and whose 24h volume meets minVolume, ranked
// by |rate| descending (ties broken by ascending symbol for determinism) and
// truncated to maxPoolSize. Pure function, no side effects.
func Select(snapshots map[string]funding.Snapshot, threshold, minVolume float64, maxPoolSize int) []Candidate {
	candidates := make([]Candidate, 0, len(snapshots))
	for symbol, snap := range snapshots {
		if math.Abs(snap.FundingRate) < threshold {
			continue
		}
		if snap.Volume24h < minVolume {
			continue
		}
		candidates = append(candidates, Candidate{
			Symbol:      symbol,
			FundingRate: snap.FundingRate,
			Volume24h:   snap.Volume24h,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		ri, rj := math.Abs(candidates[i].FundingRate), math.Abs(candidates[j].FundingRate)
		if ri != rj {
			return ri > rj
		}
		return candidates[i].Symbol < candidates[j].Symbol
	})

	if len(candidates) > maxPoolSize {
		candidates = candidates[:maxPoolSize]
	}
	return candidates
}

// Symbols projects candidates onto their symbols, preserving rank order
func Symbols(candidates []Candidate) []string {
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.Symbol
	}
	return out
}
