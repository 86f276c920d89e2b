package funding

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Store persists observed funding snapshots to Postgres for later analysis.
// It is optional: a nil *Store is a no-op so the strategy runs without a
// database in paper setups.
type Store struct {
	db *sql.DB
}

// NewStore creates a funding history store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record appends one observed snapshot
func (s *Store) Record(ctx context.Context, snap Snapshot) error {
	if s == nil || s.db == nil {
		return nil
	}
	query := `
		INSERT INTO funding_rates (symbol, rate, mark_price, volume_24h, next_time, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	var next interface{}
	if !snap.NextSettlement.IsZero() {
		next = snap.NextSettlement
	}
	if _, err := s.db.ExecContext(ctx, query,
		snap.Symbol, snap.FundingRate, snap.MarkPrice, snap.Volume24h, next, snap.ObservedAt,
	); err != nil {
		return fmt.Errorf("failed to store funding rate: %w", err)
	}
	return nil
}

// RecordAll appends a batch of snapshots, stopping at the first failure
func (s *Store) RecordAll(ctx context.Context, snaps map[string]Snapshot) error {
	if s == nil || s.db == nil {
		return nil
	}
	for _, snap := range snaps {
		if err := s.Record(ctx, snap); err != nil {
			return err
		}
	}
	return nil
}

// History returns snapshots for a symbol within [start, end], newest first
func (s *Store) History(ctx context.Context, symbol string, start, end time.Time) ([]Snapshot, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := `
		SELECT symbol, rate, mark_price, volume_24h, next_time, observed_at
		FROM funding_rates
		WHERE symbol = $1 AND observed_at BETWEEN $2 AND $3
		ORDER BY observed_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, symbol, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query funding history: %w", err)
	}
	defer rows.Close()

	var history []Snapshot
	for rows.Next() {
		var snap Snapshot
		var next sql.NullTime
		if err := rows.Scan(&snap.Symbol, &snap.FundingRate, &snap.MarkPrice,
			&snap.Volume24h, &next, &snap.ObservedAt); err != nil {
			return nil, fmt.Errorf("failed to scan funding rate: %w", err)
		}
		if next.Valid {
			snap.NextSettlement = next.Time
		}
		snap.Source = SourceCached
		history = append(history, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating funding rates: %w", err)
	}
	return history, nil
}
