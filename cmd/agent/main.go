// Command agent is the spotguard process entrypoint: it loads
// configuration, wires the dependency graph leaves-first, and runs the
// cycle loop until an interrupt or terminal error.
//
// Grounded on the teacher's cmd/live_server/main.go (flag parsing for
// a config path, construct-then-wire-then-run shape) and
// internal/bootstrap/app.go (errgroup-based graceful shutdown on
// SIGINT/SIGTERM).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"spotguard/internal/clock"
	"spotguard/internal/config"
	"spotguard/internal/core"
	"spotguard/internal/execution"
	"spotguard/internal/health"
	"spotguard/internal/ledger"
	"spotguard/internal/logging"
	"spotguard/internal/metrics"
	"spotguard/internal/orchestrator"
	"spotguard/internal/rules"
	"spotguard/internal/state"
	"spotguard/internal/strategy"
	"spotguard/internal/transport"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

const (
	rulesRefreshInterval  = time.Hour
	healthCheckInterval   = 30 * time.Second
	takeProfitSellFraction = "0.25"
	takeProfitStrategyID  = "s1_take_profit"
)

func main() {
	configPath := flag.String("config", "configs/agent.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("spotguard agent version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "spotguard: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.System.LogLevel, cfg.System.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "spotguard: failed to create logger: %v\n", err)
		os.Exit(1)
	}

	logger.Info("starting spotguard agent",
		"version", version,
		"symbol", cfg.App.Symbol,
		"process_role", cfg.App.ProcessRole,
		"cycle_seconds", cfg.App.CycleSeconds,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("spotguard agent stopped with error", "error", err.Error())
		os.Exit(1)
	}
	logger.Info("spotguard agent stopped")
}

func run(cfg *config.Config, logger core.Logger) error {
	reg := metrics.New()
	sysClock := clock.New()

	store, err := state.Open(cfg.App.StateDBPath, logger)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()

	limiter := rate.NewLimiter(rate.Limit(cfg.Transport.RateLimitRPS), cfg.Transport.RateLimitBurst)
	exchange := transport.New(
		transport.Unconfigured{Exchange: cfg.Exchange.BaseURL},
		limiter,
		cfg.Transport.RestMaxRetries,
		time.Duration(cfg.Transport.RestBaseDelayMs)*time.Millisecond,
		time.Duration(cfg.Transport.RestMaxDelayMs)*time.Millisecond,
	)

	rulesProvider := rules.New(logger, rules.InvalidMetadataPolicy(cfg.RulesPolicy.InvalidMetadataPolicy))
	if err := rulesProvider.Refresh(context.Background(), exchange); err != nil {
		logger.Warn("initial rules refresh failed, cycles will reject on rules_unavailable until it succeeds", "error", err.Error())
	}

	book := ledger.New(logger)
	replayed, err := store.ReplayLedger(context.Background(), 0)
	if err != nil {
		return fmt.Errorf("replay ledger: %w", err)
	}
	if err := book.Apply(replayed); err != nil {
		return fmt.Errorf("apply replayed ledger events: %w", err)
	}
	logger.Info("ledger replayed from state store", "events", len(replayed))

	symbol, err := symbolFromConfig(cfg.App.Symbol)
	if err != nil {
		return err
	}
	strat := strategy.NewTakeProfit(symbol, cfg.Risk.MinProfitBps, config.Decimal(takeProfitSellFraction), takeProfitStrategyID)

	execEngine := execution.New(exchange, store, logger, reg, sysClock, execution.Config{
		MaxReconcileAttempts:    cfg.Execution.MaxReconcileAttempts,
		ReconcileCeiling:        time.Duration(cfg.Execution.ReconcileWallClockCeilingSecs) * time.Second,
		UnknownEscalationThresh: cfg.Execution.UnknownOrderEscalationThreshold,
	})

	orch, err := orchestrator.New(cfg, store, exchange, rulesProvider, book, strat, execEngine, sysClock, logger, reg)
	if err != nil {
		return fmt.Errorf("construct orchestrator: %w", err)
	}
	defer orch.Close()

	hm := health.New(logger)
	hm.Register("state_store", func() error {
		_, err := store.GetCapitalState(context.Background())
		return err
	})
	hm.Register("exchange_rules", func() error {
		if _, ok := rulesProvider.Rules(symbol); !ok {
			return fmt.Errorf("no cached rules for %s", symbol.String())
		}
		return nil
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return runCycleLoop(gctx, orch, logger, time.Duration(cfg.App.CycleSeconds)*time.Second) })
	g.Go(func() error { return runRulesRefreshLoop(gctx, rulesProvider, exchange, logger) })
	g.Go(func() error { return runHealthLoop(gctx, hm, logger) })

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		return err
	}
	return nil
}

func symbolFromConfig(s string) (core.Symbol, error) {
	if len(s) <= 3 {
		return core.Symbol{}, fmt.Errorf("app.symbol %q too short to split base/quote", s)
	}
	return core.Symbol{Base: s[:len(s)-3], Quote: s[len(s)-3:]}, nil
}

func runCycleLoop(ctx context.Context, orch *orchestrator.Orchestrator, logger core.Logger, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rec, err := orch.RunOneCycle(ctx)
			if err != nil {
				logger.Error("cycle failed", "error", err.Error())
				continue
			}
			logger.Debug("cycle complete", "cycle_id", rec.CycleID, "mode", rec.RiskDecision.Mode, "orders", len(rec.OrderDecisions))
		}
	}
}

func runRulesRefreshLoop(ctx context.Context, rulesProvider *rules.Provider, exchange core.ExchangeTransport, logger core.Logger) error {
	ticker := time.NewTicker(rulesRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := rulesProvider.Refresh(ctx, exchange); err != nil {
				logger.Warn("periodic rules refresh failed", "error", err.Error())
			}
		}
	}
}

func runHealthLoop(ctx context.Context, hm *health.Manager, logger core.Logger) error {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !hm.IsHealthy() {
				for component, err := range hm.GetStatus() {
					logger.Warn("health check failing", "component", component, "error", err.Error())
				}
			}
		}
	}
}
