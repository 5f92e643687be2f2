// Signalmill — a trading-strategy execution engine. Strategies produce
// signal requests; the engine turns them into simulated positions, walks
// them through partial exits, trailing stops, and breakeven moves, and
// settles them against candle streams, live or replayed.
//
// Architecture:
//
//	main.go                  — entry point: config, logger, schema registration, live loop
//	engine/instance.go       — per-key tick machine: idle → scheduled → active → closed
//	engine/controller.go     — verb surface: run, backtest, cancel, partials, reports
//	signal/machine.go        — pure transition rules: activation, exits, partials, pnl
//	risk/risk.go             — shared-ledger admission rules across strategies
//	exchange/adapter.go      — candle access with look-ahead guard, rate limit, retry
//	exchange/binance/        — reference exchange: REST klines + kline WebSocket feed
//	strategy/sma.go          — built-in SMA crossover reference strategy
//	bus/bus.go               — in-process event multicast, one topic per stream
//	report/report.go         — JSONL event collectors, one file per topic
//	store/store.go           — atomic JSON file persistence (signals survive restarts)
//	api/                     — HTTP control surface + WebSocket event mirror
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"signalmill/internal/api"
	"signalmill/internal/bus"
	"signalmill/internal/config"
	"signalmill/internal/engine"
	"signalmill/internal/exchange"
	"signalmill/internal/exchange/binance"
	"signalmill/internal/report"
	"signalmill/internal/risk"
	"signalmill/internal/schema"
	"signalmill/internal/store"
	"signalmill/internal/strategy"
	"signalmill/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("SIGNALMILL_CONFIG"); p != "" {
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

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	if err := run(cfg, logger); err != nil {
		logger.Error("signalmill failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	b := bus.New(logger)
	risks := risk.NewEngine(logger)
	schemas := schema.NewRegistries()

	// Reference exchange: Binance public market data.
	client := binance.NewClient(cfg.Exchange.BinanceBaseURL, cfg.Exchange.HTTPTimeout, logger)
	if err := schemas.AddExchange(client.Schema()); err != nil {
		return err
	}

	// Built-in reference strategy, reading candles through the same adapter
	// path the engine uses.
	adapter, err := exchange.New(client.Schema(), st, logger)
	if err != nil {
		return err
	}
	sma, err := strategy.NewSMACross(adapter, strategy.SMACrossConfig{
		Interval:         types.Interval(cfg.Strategy.Interval),
		Fast:             cfg.Strategy.Fast,
		Slow:             cfg.Strategy.Slow,
		TakeProfitPct:    cfg.Strategy.TakeProfitPct,
		StopLossPct:      cfg.Strategy.StopLossPct,
		EstimatedMinutes: cfg.Strategy.EstimatedMinutes,
		RiskName:         cfg.Strategy.RiskName,
	}, logger)
	if err != nil {
		return err
	}
	if err := schemas.AddStrategy(sma.Schema()); err != nil {
		return err
	}
	if cfg.Strategy.RiskName != "" {
		err := schemas.AddRisk(schema.Risk{
			RiskName:    cfg.Strategy.RiskName,
			Note:        fmt.Sprintf("at most %d open positions", cfg.Strategy.MaxPositions),
			Validations: []schema.RiskRule{risk.MaxPositions(cfg.Strategy.MaxPositions)},
		})
		if err != nil {
			return err
		}
	}

	reg := engine.NewRegistry(schemas, engine.Deps{
		Store:   st,
		Bus:     b,
		Risks:   risks,
		Logger:  logger,
		FeePct:  cfg.Engine.FeePct,
		SlipPct: cfg.Engine.SlippagePct,
	})
	ctrl := engine.NewController(reg, cfg.Engine.DumpDir)

	collector, err := report.NewCollector(b, filepath.Join(cfg.Engine.DumpDir, "report"), logger)
	if err != nil {
		return fmt.Errorf("report collector: %w", err)
	}
	defer collector.Close()

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API, ctrl, b, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("api server failed", "error", err)
			}
		}()
		logger.Info("api started", "url", fmt.Sprintf("http://localhost:%d", cfg.API.Port))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if len(cfg.Engine.Instances) > 0 {
		go func() {
			if err := runLive(ctx, cfg, schemas, ctrl, logger); err != nil && ctx.Err() == nil {
				logger.Error("live loop failed", "error", err)
			}
		}()
	}

	logger.Info("signalmill started",
		"strategy", sma.Schema().StrategyName,
		"instances", len(cfg.Engine.Instances),
		"store", cfg.Store.DataDir,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())
	cancel()

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop api server", "error", err)
		}
	}
	ctrl.Wait()
	return nil
}

// runLive ticks the configured instances off the Binance kline stream. Each
// closed candle drives one live tick for every key trading that
// (symbol, interval) pair.
func runLive(ctx context.Context, cfg *config.Config, schemas *schema.Registries, ctrl *engine.Controller, logger *slog.Logger) error {
	feed := binance.NewKlineFeed(cfg.Exchange.BinanceWSURL, logger)
	defer feed.Close()

	byStream := make(map[string][]engine.Key)
	for _, raw := range cfg.Engine.Instances {
		key, err := engine.ParseKey(raw)
		if err != nil {
			return fmt.Errorf("engine.instances: %w", err)
		}
		if key.Backtest {
			return fmt.Errorf("engine.instances: %s is a backtest key", key)
		}
		strat, err := schemas.Strategy(key.Strategy)
		if err != nil {
			return fmt.Errorf("engine.instances: %w", err)
		}
		if err := feed.Subscribe(key.Symbol, strat.Interval); err != nil {
			return err
		}
		stream := key.Symbol + "|" + string(strat.Interval)
		byStream[stream] = append(byStream[stream], key)
	}

	go func() {
		if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("kline feed stopped", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case k := <-feed.Candles():
			for _, key := range byStream[k.Symbol+"|"+string(k.Interval)] {
				if _, err := ctrl.Run(ctx, key); err != nil {
					logger.Error("live tick failed", "key", key.String(), "error", err)
				}
			}
		}
	}
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
