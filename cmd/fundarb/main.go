package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fundarb/internal/api"
	"fundarb/internal/cache"
	"fundarb/internal/config"
	"fundarb/internal/database"
	"fundarb/internal/logger"
	"fundarb/internal/market/contractcache"
	"fundarb/internal/market/funding"
	"fundarb/internal/monitor"
	"fundarb/internal/notify"
	"fundarb/internal/scheduler"
	"fundarb/internal/strategy/ledger"
	"fundarb/internal/strategy/pool"
)

func main() {
	var (
		configPath = flag.String("config", "configs/config.yaml", "配置文件路径")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置文件失败: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Logging)
	logger.Info("Starting funding rate pool trader",
		"version", cfg.App.Version, "env", cfg.App.Env,
		"paper_trading", cfg.Strategy.PaperTrading, "auto_trade", cfg.Strategy.AutoTrade)

	if err := run(cfg); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 可选依赖:数据库和 Redis 不可用时降级为纯文件持久化
	var db *database.DB
	if cfg.Database.Enabled {
		var err error
		db, err = database.NewConnection(&cfg.Database)
		if err != nil {
			logger.Warn("database unavailable, running without trade history", "error", err)
			db = nil
		} else {
			defer db.Close()
			migrator, err := database.NewMigrator(db, "migrations")
			if err != nil {
				logger.Warn("migrator init failed", "error", err)
			} else if err := migrator.Up(); err != nil {
				logger.Warn("migrations failed", "error", err)
			}
		}
	}

	cacher, err := cache.NewCacher(&cache.Config{
		Enabled:  cfg.Redis.Enabled,
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err != nil {
		logger.Warn("shared cache unavailable, using local cache only", "error", err)
		cacher = nil
	} else {
		defer cacher.Close()
	}

	source, err := funding.NewBanexgSource(&cfg.Exchange)
	if err != nil {
		return fmt.Errorf("failed to create exchange source: %w", err)
	}
	defer source.Close()

	contracts, err := contractcache.New(cfg.Strategy.CacheFile, cfg.Strategy.CacheTTL.Std(), cacher)
	if err != nil {
		return fmt.Errorf("failed to init contract cache: %w", err)
	}

	sqlDB := databaseHandle(db)
	ldg, err := ledger.New(cfg.Strategy.StateFile, cfg.Strategy.InitialCapital, sqlDB)
	if err != nil {
		return fmt.Errorf("failed to init position ledger: %w", err)
	}

	notifier := buildNotifier(cfg)
	metrics := monitor.NewMetrics()
	store := funding.NewStore(sqlDB)

	var broker pool.Broker
	if cfg.Strategy.AutoTrade && !cfg.Strategy.PaperTrading {
		broker = source
	}

	engine := pool.NewEngine(cfg.Strategy, contracts, source, ldg, store, notifier, metrics, broker)

	// 首次启动时构建合约池
	if err := engine.RebuildUniverse(ctx); err != nil {
		logger.Warn("initial universe build failed, will retry on schedule", "error", err)
	}

	sched := scheduler.New()
	sched.AddInterval("pool_scan", cfg.Strategy.ScanInterval.Std(), engine.Tick)
	sched.AddInterval("universe_rescan", cfg.Strategy.RescanInterval.Std(), engine.RebuildUniverse)
	sched.AddInterval("risk_sweep", cfg.Strategy.RiskInterval.Std(), engine.RiskSweep)
	// 整点重建,与资金费率结算时刻对齐
	if err := sched.AddCron("hourly_rebuild", "0 0 * * * *", engine.ForceRefresh); err != nil {
		return err
	}
	sched.Start(ctx)
	defer sched.Stop()

	server := api.NewServer(cfg, engine, sched, db, cacher)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	notifier.Notify(ctx, notify.LevelInfo, "Trader started",
		fmt.Sprintf("scan every %s, rescan every %s", cfg.Strategy.ScanInterval, cfg.Strategy.RescanInterval))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Error("API server failed", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	return nil
}

// buildNotifier assembles the notification fan-out from config
func buildNotifier(cfg *config.Config) notify.Notifier {
	var channels []notify.Channel
	if cfg.Notify.Telegram.Enabled {
		channels = append(channels, notify.NewTelegramChannel(cfg.Notify.Telegram))
	}
	if cfg.Notify.Email.Enabled {
		channels = append(channels, notify.NewEmailChannel(cfg.Notify.Email))
	}
	if len(channels) == 0 {
		logger.Info("no notification channels configured")
	}
	return notify.NewManager(channels...)
}

// databaseHandle unwraps the optional DB for components that take *sql.DB
func databaseHandle(db *database.DB) *sql.DB {
	if db == nil {
		return nil
	}
	return db.DB
}
