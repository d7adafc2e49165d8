// Perp Market Maker — a cross-venue perpetual futures market-making and
// hedging bot.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: adapter cache, health model, subsystem lifecycle
//	strategy/executor.go — per-symbol quoting scheduler: tick loop, pause gates, fill pipeline
//	strategy/pricing.go  — quote geometry: base distance, volatility widening, inventory skew
//	strategy/hedge.go    — mirrors primary fills onto the hedge venue with retry + risk control
//	monitor/monitor.go   — samples top-of-book across venues, flags price dislocations
//	monitor/arbitrage.go — executes both legs of the best dislocation concurrently
//	exchange/            — venue adapters (StandX REST+WS, Binance USD-M futures)
//	store/store.go       — JSON file persistence for positions (survives restarts)
//
// How it makes money:
//
//	The bot rests a bid and an ask around the touch on the primary venue and
//	earns the spread (or the venue's maker program rewards) when they fill.
//	Each fill is immediately mirrored with an opposite market order on the
//	hedge venue, so the book's directional exposure stays near zero and the
//	income is the spread minus hedge costs. Inventory skew leans the quotes
//	to shed whatever position does accumulate.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"perp-mm/internal/api"
	"perp-mm/internal/config"
	"perp-mm/internal/engine"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("PERP_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	// Create and start engine
	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	// Start status API server if enabled
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(eng, cfg.API.Port, logger)
		apiServer.Start()
		logger.Info("status api started", "url", fmt.Sprintf("http://localhost:%d", cfg.API.Port))
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("perp market maker started",
		"symbol", cfg.Strategy.Symbol,
		"mode", cfg.Strategy.Mode,
		"order_size", cfg.Strategy.OrderSize,
		"max_position", cfg.Strategy.MaxPosition,
		"dry_run", cfg.DryRun,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop the API first so clients see the engine go away cleanly
	if apiServer != nil {
		apiServer.Shutdown()
	}

	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
