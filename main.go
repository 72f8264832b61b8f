package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tradeflow/archive"
	"tradeflow/collector"
	"tradeflow/config"
	"tradeflow/internal/buffer"
	"tradeflow/internal/flow"
	"tradeflow/logger"
	"tradeflow/scheduler"
	"tradeflow/storage"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Tradeflow.Name,
		"version": cfg.Tradeflow.Version,
	}).Info("starting tradeflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.InitCloudWatch(cfg.Storage.S3.Region, "Tradeflow", cfg.Logging.DashboardName)
		logger.StartReport(ctx, log, 30*time.Second)
	}

	channels := flow.NewChannels(cfg.Channels.TradeBuffer)
	go channels.StartMetricsReporting(ctx)

	var store storage.Storage
	if cfg.Storage.Redis.Enabled {
		store, err = storage.NewRedisStorage(ctx, cfg.Storage.Redis)
		if err != nil {
			log.WithError(err).Error("failed to connect to redis")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("redis disabled; using in-memory storage")
		store = storage.NewMemoryStorage(time.Duration(cfg.Storage.Redis.RetentionMinutes)*time.Minute, cfg.Storage.Redis.MaxTradesPerKey)
	}
	defer store.Close()

	var archiver *archive.TradeArchiver
	if cfg.Storage.S3.Enabled {
		archiver, err = archive.NewTradeArchiver(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create trade archiver")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("S3 storage disabled; skipping trade archive")
	}

	registry, err := scheduler.NewRegistry(cfg.Scheduler)
	if err != nil {
		log.WithError(err).Error("invalid indicator configuration")
		os.Exit(1)
	}

	tradeBuffer := buffer.NewTradeBuffer(cfg.Buffer.MaxTradesPerKey, cfg.Buffer.MaxTotalTrades)

	var sink scheduler.TradeSink
	if archiver != nil {
		sink = archiver
	}
	manager := scheduler.NewManager(cfg, registry, channels, tradeBuffer, store, sink)

	collectors := buildCollectors(ctx, cfg, channels, log)
	if len(collectors) == 0 {
		log.WithComponent("main").Error("no exchange sources enabled")
		os.Exit(1)
	}

	var wg sync.WaitGroup

	if archiver != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := archiver.Start(ctx); err != nil {
				log.WithError(err).Warn("trade archiver failed to start")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := manager.Start(ctx); err != nil {
			log.WithError(err).Warn("scheduler failed to start")
		}
	}()

	for _, c := range collectors {
		wg.Add(1)
		go func(c *collector.Collector) {
			defer wg.Done()
			if err := c.Start(ctx); err != nil {
				log.WithError(err).Warn("collector failed to start")
			}
		}(c)
	}

	time.Sleep(2 * time.Second)
	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping collectors")
	for _, c := range collectors {
		c.Stop()
	}

	log.Info("stopping scheduler")
	manager.Stop()

	if archiver != nil {
		log.Info("stopping trade archiver")
		archiver.Stop()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("tradeflow stopped")
}

// buildCollectors creates one collector per enabled exchange source. Binance
// symbols are optionally validated against exchange info first.
func buildCollectors(ctx context.Context, cfg *config.Config, channels *flow.Channels, log *logger.Log) []*collector.Collector {
	var collectors []*collector.Collector

	if cfg.Source.Bybit.Enabled {
		adapter := collector.NewBybitAdapter(cfg)
		collectors = append(collectors, collector.New(cfg, adapter, channels, cfg.Source.Bybit.Symbols))
	}

	if cfg.Source.Binance.Enabled {
		adapter := collector.NewBinanceAdapter(cfg)
		symbols := cfg.Source.Binance.Symbols
		if cfg.Source.Binance.ValidateSymbols {
			valid, err := adapter.ValidateSymbols(ctx, symbols)
			if err != nil {
				log.WithError(err).Warn("binance symbol validation failed, using configured symbols")
			} else {
				symbols = valid
			}
		}
		collectors = append(collectors, collector.New(cfg, adapter, channels, symbols))
	}

	if cfg.Source.Coinbase.Enabled {
		adapter := collector.NewCoinbaseAdapter(cfg)
		collectors = append(collectors, collector.New(cfg, adapter, channels, cfg.Source.Coinbase.Symbols))
	}

	if cfg.Source.Kraken.Enabled {
		adapter := collector.NewKrakenAdapter(cfg)
		collectors = append(collectors, collector.New(cfg, adapter, channels, cfg.Source.Kraken.Symbols))
	}

	return collectors
}
