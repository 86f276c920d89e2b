package config

import (
	"fmt"

	apperrors "fundarb/internal/errors"
)

// Validate checks the configuration for values that would make the strategy
// misbehave. A zero funding-rate threshold would admit every contract with a
// missing rate, so it is rejected outright.
func (c *Config) Validate() error {
	s := c.Strategy

	if s.FundingRateThreshold <= 0 {
		return apperrors.Newf(apperrors.ErrCodeInvalidInput,
			"funding_rate_threshold must be positive, got %v", s.FundingRateThreshold)
	}
	if s.MinVolume < 0 {
		return apperrors.Newf(apperrors.ErrCodeInvalidInput,
			"min_volume must be non-negative, got %v", s.MinVolume)
	}
	if s.MaxPoolSize <= 0 {
		return apperrors.Newf(apperrors.ErrCodeInvalidInput,
			"max_pool_size must be positive, got %d", s.MaxPoolSize)
	}
	if s.MaxPositions <= 0 {
		return apperrors.Newf(apperrors.ErrCodeInvalidInput,
			"max_positions must be positive, got %d", s.MaxPositions)
	}
	if s.MaxTotalExposure <= 0 || s.MaxTotalExposure > 1 {
		return apperrors.Newf(apperrors.ErrCodeInvalidInput,
			"max_total_exposure must be in (0, 1], got %v", s.MaxTotalExposure)
	}
	if s.PositionSize <= 0 || s.PositionSize > 1 {
		return apperrors.Newf(apperrors.ErrCodeInvalidInput,
			"position_size must be in (0, 1], got %v", s.PositionSize)
	}
	if s.StopLossRatio <= 0 || s.TakeProfitRatio <= 0 {
		return apperrors.New(apperrors.ErrCodeInvalidInput,
			"stop_loss_ratio and take_profit_ratio must be positive")
	}
	if s.InitialCapital <= 0 {
		return apperrors.Newf(apperrors.ErrCodeInvalidInput,
			"initial_capital must be positive, got %v", s.InitialCapital)
	}
	if s.CacheTTL <= 0 {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "cache_ttl must be positive")
	}
	if s.ScanInterval <= 0 {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "scan_interval must be positive")
	}
	if s.RescanInterval <= 0 {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "rescan_interval must be positive")
	}
	if s.RiskInterval <= 0 {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "risk_interval must be positive")
	}
	if s.StateFile == "" || s.CacheFile == "" {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "state_file and cache_file are required")
	}
	if len(s.SettlementHours) == 0 {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "settlement_hours must list at least one bucket")
	}
	for _, h := range s.SettlementHours {
		if h <= 0 || h > 24 {
			return apperrors.Newf(apperrors.ErrCodeInvalidInput, "invalid settlement bucket: %dh", h)
		}
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return apperrors.Newf(apperrors.ErrCodeInvalidInput, "invalid server port: %d", c.Server.Port)
	}
	if c.Database.Enabled {
		if c.Database.Host == "" || c.Database.DBName == "" {
			return apperrors.New(apperrors.ErrCodeInvalidInput, "database host and dbname are required when enabled")
		}
	}
	if s.AutoTrade && !s.PaperTrading {
		if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
			return fmt.Errorf("live trading requires exchange credentials")
		}
	}
	return nil
}
