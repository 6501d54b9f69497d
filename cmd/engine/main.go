// Command engine is the process entrypoint: it loads configuration, wires
// every component (storage, broker, market data, strategy, risk pipeline,
// idempotency, event bus, execution, exits, reconciliation, watchdog) and
// runs the per-symbol orchestrator loops until signaled to stop.
//
// Grounded on cmd/live_server/main.go and cmd/exchange_connector/main.go's
// flag-parse -> config.Load -> component-wire -> signal.NotifyContext ->
// graceful-shutdown shape, generalized from those two process roles into
// this engine's single combined process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/broker/binance"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/broker/live"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/broker/paper"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/config"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/core"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/durable"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/eventbus"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/execute"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/exits"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/logging"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/marketdata"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/orchestrator"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/reconcile"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/risk"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/safety"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/storage"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/strategy"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/telemetry"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/watchdog"

	"github.com/shopspring/decimal"
)

// Exit codes per the engine's operating contract: 0 normal shutdown, 1
// instance lock held by another process, 2 invalid configuration, 3 any
// other fatal startup error.
const (
	exitOK            = 0
	exitLockHeld      = 1
	exitBadConfig     = 2
	exitStartupFailed = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the engine's YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return exitBadConfig
	}

	log, err := logging.New(cfg.Log.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger error:", err)
		return exitBadConfig
	}
	logging.SetGlobal(log)
	log.Info("starting engine", "mode", string(cfg.Mode), "symbols", cfg.Symbols)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	providers, err := telemetry.New(ctx, "dev")
	if err != nil {
		log.Error("telemetry init failed", "error", err.Error())
		return exitStartupFailed
	}
	defer providers.Shutdown(context.Background())

	instruments, err := telemetry.NewInstruments(providers.Meter.Meter("engine"))
	if err != nil {
		log.Error("instruments init failed", "error", err.Error())
		return exitStartupFailed
	}

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		log.Error("storage open failed", "error", err.Error())
		return exitStartupFailed
	}
	defer store.Close()

	lock := safety.NewInstanceLock(store.KV())
	if err := lock.Acquire(ctx); err != nil {
		log.Error("instance lock held", "error", err.Error())
		return exitLockHeld
	}
	defer lock.Release(context.Background())
	stopHeartbeat := startLockHeartbeat(ctx, lock, log)
	defer stopHeartbeat()

	exchange := binance.New(string(cfg.Credentials.APIKey), string(cfg.Credentials.APISecret))
	mdSource := marketdata.New(exchange, 2*time.Second)

	var broker core.Broker
	switch cfg.Mode {
	case config.ModeLive:
		broker = live.New(exchange, exchange.BaseURL, time.Duration(cfg.HTTP.TimeoutSec)*time.Second, 10, log)
	default:
		broker = paper.New(mdSource, decimal.NewFromInt(10000), "USDT", decimal.NewFromFloat(0.001))
	}

	bus := eventbus.New(log, 4, 256, 5*time.Second)
	if err := bus.Start(ctx); err != nil {
		log.Error("event bus start failed", "error", err.Error())
		return exitStartupFailed
	}
	defer bus.Stop()

	allTrades, err := collectAllTrades(ctx, store, cfg.Symbols)
	if err != nil {
		log.Error("ledger warm-up failed", "error", err.Error())
		return exitStartupFailed
	}
	ledger := risk.Rebuild(allTrades)

	riskRules := risk.BuildStandardRules(cfg.Risk)
	pipeline := risk.NewPipeline(bus, riskRules...)

	executor := execute.New(execute.Config{
		BucketMs:          int64(cfg.Idempotency.BucketMs),
		TTLMs:             int64(cfg.Idempotency.TTLSec) * 1000,
		CorrelationGroups: cfg.Risk.CorrelationGroups,
		FeeRate:           decimal.NewFromFloat(0.001),
	}, store, broker, bus, pipeline, ledger, log)

	var durableEngine *durable.Engine
	if cfg.Storage.DatabaseURL != "" {
		durableEngine, err = durable.New(cfg.Storage.DatabaseURL, "crypto-ai-bot-sub002", executor)
		if err != nil {
			log.Error("durable workflow engine init failed", "error", err.Error())
			return exitStartupFailed
		}
		defer durableEngine.Shutdown()
	}

	exitsManager := exits.New(exits.Config{
		Mode:          core.ExitMode(cfg.Exits.Mode),
		StopPct:       decimal.NewFromFloat(cfg.Exits.StopPct),
		TakePct:       decimal.NewFromFloat(cfg.Exits.TakePct),
		TrailingPct:   decimal.NewFromFloat(cfg.Exits.TrailingPct),
		MinBaseToExit: decimal.NewFromFloat(cfg.Exits.MinBaseToExit),
	}, store, mdSource, bus, executor, log)
	executor.SetExitArmer(exitsManager)

	reconciler := reconcile.New(reconcile.Config{
		PositionEpsilon: decimal.NewFromFloat(0.00000001),
	}, store, broker, mdSource, bus, executor, log)

	watchdogMgr := watchdog.New(
		watchdog.FromConfig(cfg.AutoPause, cfg.AutoResume),
		store, broker, bus, executor, instruments, log,
	)

	strat := strategy.New(strategy.Config{})

	symbols := make([]*orchestrator.Symbol, 0, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		symbol := core.Symbol(s)
		symbols = append(symbols, orchestrator.New(symbol, orchestrator.Dependencies{
			Strategy:    strat,
			MarketData:  mdSource,
			Storage:     store,
			Executor:    executor,
			Durable:     durableEngine,
			Exits:       exitsManager,
			Reconciler:  reconciler,
			Watchdog:    watchdogMgr,
			Bus:         bus,
			Log:         log,
			FixedAmount: decimal.NewFromFloat(cfg.FixedAmount),
		}, cfg.Intervals))
	}

	eng := orchestrator.NewEngine(symbols)
	if err := eng.Start(ctx); err != nil {
		log.Error("orchestrator start failed", "error", err.Error())
		return exitStartupFailed
	}

	log.Info("engine running", "symbol_count", len(symbols))
	<-ctx.Done()

	log.Info("shutdown signal received, draining loops")
	eng.Stop(10 * time.Second)

	return exitOK
}

// startLockHeartbeat refreshes the instance lock well under its staleness
// timeout for as long as ctx is alive, so a long-running process does not
// get treated as crashed by a would-be second instance.
func startLockHeartbeat(ctx context.Context, lock *safety.InstanceLock, log core.Logger) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				close(done)
				return
			case <-ticker.C:
				if err := lock.Heartbeat(ctx); err != nil {
					log.Warn("instance lock heartbeat failed", "error", err.Error())
				}
			}
		}
	}()
	return func() { <-done }
}

// collectAllTrades gathers every configured symbol's full trade history so
// risk.Rebuild can reconstruct the FIFO ledger across a process restart.
// ListSince with the zero time, rather than ListBySymbol with a limit, is
// the only port method that returns unbounded history (limit=0 means "no
// rows" on both storage backends, not "no limit").
func collectAllTrades(ctx context.Context, store core.Storage, symbols []string) ([]core.Trade, error) {
	var all []core.Trade
	for _, s := range symbols {
		trades, err := store.Trades().ListSince(ctx, core.Symbol(s), time.Time{})
		if err != nil {
			return nil, fmt.Errorf("list trades for %s: %w", s, err)
		}
		all = append(all, trades...)
	}
	return all, nil
}
