package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"fundarb/internal/logger"
)

// Config represents the application configuration
type Config struct {
	App      AppConfig      `yaml:"app"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Exchange ExchangeConfig `yaml:"exchange"`
	Strategy StrategyConfig `yaml:"strategy"`
	Notify   NotifyConfig   `yaml:"notify"`
	Logging  logger.Config  `yaml:"logging"`
}

// AppConfig represents application configuration
type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Env     string `yaml:"env"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

// DatabaseConfig represents Postgres configuration
type DatabaseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	MaxOpen  int    `yaml:"max_open"`
	MaxIdle  int    `yaml:"max_idle"`
}

// DSN returns the Postgres connection string
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// ExchangeConfig represents exchange client configuration
type ExchangeConfig struct {
	Name           string   `yaml:"name"`
	APIKey         string   `yaml:"api_key"`
	APISecret      string   `yaml:"api_secret"`
	TestNet        bool     `yaml:"testnet"`
	RequestTimeout Duration `yaml:"request_timeout"`
	RateLimit      float64  `yaml:"rate_limit"` // requests per second
	RateBurst      int      `yaml:"rate_burst"`
}

// StrategyConfig represents the funding pool strategy configuration
type StrategyConfig struct {
	FundingRateThreshold float64 `yaml:"funding_rate_threshold"`
	MinVolume            float64 `yaml:"min_volume"`
	MaxPoolSize          int     `yaml:"max_pool_size"`
	MaxPositions         int     `yaml:"max_positions"`
	MaxTotalExposure     float64 `yaml:"max_total_exposure"` // fraction of capital
	PositionSize         float64 `yaml:"position_size"`      // fraction of capital per position
	StopLossRatio        float64 `yaml:"stop_loss_ratio"`
	TakeProfitRatio      float64 `yaml:"take_profit_ratio"`
	InitialCapital       float64 `yaml:"initial_capital"`
	AutoTrade            bool    `yaml:"auto_trade"`
	PaperTrading         bool    `yaml:"paper_trading"`

	CacheTTL        Duration `yaml:"cache_ttl"`
	ScanInterval    Duration `yaml:"scan_interval"`    // funding recheck / engine tick
	RescanInterval  Duration `yaml:"rescan_interval"`  // full universe rescan
	RiskInterval    Duration `yaml:"risk_interval"`    // risk sweep
	StateFile       string   `yaml:"state_file"`       // ledger/pool snapshot
	CacheFile       string   `yaml:"cache_file"`       // contract cache snapshot
	SettlementHours []int    `yaml:"settlement_hours"` // buckets to scan, e.g. [1, 8]
}

// NotifyConfig represents notification channel configuration
type NotifyConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Email    EmailConfig    `yaml:"email"`
}

// TelegramConfig represents the Telegram bot channel
type TelegramConfig struct {
	Enabled  bool     `yaml:"enabled"`
	BotToken string   `yaml:"bot_token"`
	ChatID   string   `yaml:"chat_id"`
	Timeout  Duration `yaml:"timeout"`
}

// EmailConfig represents the SMTP channel
type EmailConfig struct {
	Enabled  bool     `yaml:"enabled"`
	SMTPHost string   `yaml:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// Load loads configuration from a YAML file, with .env overlay for secrets
func Load(filename string) (*Config, error) {
	// .env is optional; ignore a missing file
	_ = godotenv.Load()

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Default returns the built-in defaults, matching the documented strategy
// parameters (0.5% threshold, 1M volume floor, 10 contract pool)
func Default() *Config {
	return &Config{
		App: AppConfig{Name: "fundarb", Version: "1.0.0", Env: "production"},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  Duration(10 * time.Second),
			WriteTimeout: Duration(10 * time.Second),
		},
		Database: DatabaseConfig{SSLMode: "disable", MaxOpen: 10, MaxIdle: 5},
		Redis:    RedisConfig{Addr: "localhost:6379", PoolSize: 10},
		Exchange: ExchangeConfig{
			Name:           "binance",
			RequestTimeout: Duration(30 * time.Second),
			RateLimit:      5,
			RateBurst:      10,
		},
		Strategy: StrategyConfig{
			FundingRateThreshold: 0.005,
			MinVolume:            1_000_000,
			MaxPoolSize:          10,
			MaxPositions:         10,
			MaxTotalExposure:     0.8,
			PositionSize:         0.1,
			StopLossRatio:        0.05,
			TakeProfitRatio:      0.10,
			InitialCapital:       10_000,
			PaperTrading:         true,
			CacheTTL:             Duration(time.Hour),
			ScanInterval:         Duration(30 * time.Minute),
			RescanInterval:       Duration(6 * time.Hour),
			RiskInterval:         Duration(5 * time.Minute),
			StateFile:            "state/ledger.json",
			CacheFile:            "cache/contracts.json",
			SettlementHours:      []int{1, 8},
		},
		Logging: logger.DefaultConfig,
	}
}

// applyEnv overlays secrets from the environment
func (c *Config) applyEnv() {
	if v := os.Getenv("EXCHANGE_API_KEY"); v != "" {
		c.Exchange.APIKey = v
	}
	if v := os.Getenv("EXCHANGE_API_SECRET"); v != "" {
		c.Exchange.APISecret = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Notify.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		c.Notify.Telegram.ChatID = v
	}
	if v := os.Getenv("DATABASE_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("PAPER_TRADING"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Strategy.PaperTrading = b
		}
	}
}
