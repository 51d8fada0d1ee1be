// Package main is the engine server: broker bridge, signal pipeline,
// execution, auto-trading, and the HTTP/WebSocket surface in one process.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fluxtrade/engine/internal/analyzers"
	"github.com/fluxtrade/engine/internal/api"
	"github.com/fluxtrade/engine/internal/bridge"
	"github.com/fluxtrade/engine/internal/catalog"
	"github.com/fluxtrade/engine/internal/config"
	"github.com/fluxtrade/engine/internal/data"
	"github.com/fluxtrade/engine/internal/events"
	"github.com/fluxtrade/engine/internal/execution"
	"github.com/fluxtrade/engine/internal/filters"
	"github.com/fluxtrade/engine/internal/gate"
	"github.com/fluxtrade/engine/internal/manager"
	"github.com/fluxtrade/engine/internal/metrics"
	"github.com/fluxtrade/engine/internal/orchestrator"
	"github.com/fluxtrade/engine/internal/quality"
	"github.com/fluxtrade/engine/internal/realtime"
	"github.com/fluxtrade/engine/internal/risk"
	"github.com/fluxtrade/engine/internal/workers"
	"github.com/fluxtrade/engine/pkg/types"
)

const accountPollInterval = 15 * time.Second

func main() {
	host := flag.String("host", "0.0.0.0", "HTTP listen host")
	port := flag.Int("port", 8090, "HTTP listen port")
	configFile := flag.String("config", "", "Config file path (optional)")
	dataDir := flag.String("data", "./data", "Persistence directory")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	snap, err := config.Load(*configFile)
	if err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}
	logger.Info("starting engine server",
		zap.String("host", *host),
		zap.Int("port", *port),
		zap.String("dataDir", *dataDir),
		zap.String("env", snap.Runtime.Env))

	cat := catalog.New()
	bus := events.NewBus(logger, events.DefaultConfig())

	store, err := data.NewStore(*dataDir, logger)
	if err != nil {
		logger.Fatal("data store init failed", zap.Error(err))
	}
	auditSub := store.Attach(bus)

	br := bridge.New(bridgeConfig(snap), cat, bus, logger)
	guard := quality.New(qualityConfig(snap), br, cat, bus, store, logger)
	set := analyzers.DefaultSet(cat,
		time.Duration(snap.Gates.NewsBlackoutMinutes)*time.Minute,
		snap.Gates.NewsBlackoutImpactThreshold)
	rk := risk.New(snap.Risk, cat, bus, logger)
	g := gate.New(snap, cat, logger)
	coordinator := orchestrator.New(snap, cat, br, guard, set, rk, g, bus, logger)

	barLookup := filters.BarLookup(func(pair string) []types.Bar {
		for _, sess := range br.Sessions() {
			if bars := br.GetBarsAscending(sess.Broker, pair, types.TimeframeH1, 240); len(bars) > 0 {
				return bars
			}
		}
		return nil
	})
	coordinator.AddSecondaryFilter(filters.NewBacktestValidator(barLookup, logger))
	coordinator.AddSecondaryFilter(filters.NewRegimeFilter(barLookup, logger))

	eng := execution.New(snap, cat, br, br, guard, rk, bus, logger)
	eng.SetHistorySink(store)
	coordinator.SetExecutor(eng)
	coordinator.SetBlotter(eng)
	rk.SetTradesProvider(eng)

	mgr := manager.New(snap, cat, br, coordinator, eng, bus, logger)

	pool := workers.NewPool(logger, workers.DefaultConfig("realtime"))
	pool.Start()
	runner := realtime.New(snap, coordinator, mgr, br, pool, logger)
	br.SetBarTrigger(runner.IngestSymbols)
	runner.Start()

	registry := metrics.NewRegistry()
	metricsSub := registry.Attach(bus)

	pollCtx, pollCancel := context.WithCancel(context.Background())
	go pollAccount(pollCtx, registry, eng, br)

	opts := api.DefaultOptions()
	opts.Host = *host
	opts.Port = *port
	server := api.NewServer(opts, snap, br, coordinator, mgr, eng, guard, set.Candle, bus, logger)
	server.MountMetrics(registry.Handler())

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("api server stopped", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	mgr.Stop()
	runner.Stop()
	if err := pool.Stop(); err != nil {
		logger.Warn("worker pool stop", zap.Error(err))
	}
	pollCancel()
	bus.Unsubscribe(metricsSub)
	bus.Unsubscribe(auditSub)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("api shutdown error", zap.Error(err))
	}
	br.Stop()
	bus.Stop()
	logger.Info("engine server stopped")
}

// pollAccount keeps the account-level gauges current between events.
func pollAccount(ctx context.Context, reg *metrics.Registry, eng *execution.Engine, br *bridge.Service) {
	ticker := time.NewTicker(accountPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			equity, drawdown := eng.Equity()
			f, _ := equity.Float64()
			reg.SetAccount(f, drawdown, eng.OpenTradeCount(), len(br.Sessions()))
		}
	}
}

func bridgeConfig(snap *config.Snapshot) bridge.Config {
	cfg := bridge.DefaultConfig()
	if snap.Runtime.QuoteRetention > 0 {
		cfg.QuoteRetention = snap.Runtime.QuoteRetention
	}
	if snap.Runtime.QuoteMaxPoints > 0 {
		cfg.QuoteMaxPoints = snap.Runtime.QuoteMaxPoints
	}
	cfg.StrictSymbolFilter = !snap.Runtime.AllowAllSymbols
	return cfg
}

func qualityConfig(snap *config.Snapshot) quality.Config {
	cfg := quality.DefaultConfig()
	q := snap.Quality
	if q.DefaultBars > 0 {
		cfg.DefaultBars = q.DefaultBars
	}
	if q.CircuitBreakerDuration > 0 {
		cfg.CircuitBreakerDuration = q.CircuitBreakerDuration
	}
	cfg.AutoReenable = q.AutoReenable
	if q.AutoReenableMinScore > 0 {
		cfg.AutoReenableMinScore = q.AutoReenableMinScore
	}
	if q.AutoReenableMinHealthy > 0 {
		cfg.AutoReenableMinHealthy = q.AutoReenableMinHealthy
	}
	if q.AutoReenableWindow > 0 {
		cfg.AutoReenableWindow = q.AutoReenableWindow
	}
	return cfg
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
