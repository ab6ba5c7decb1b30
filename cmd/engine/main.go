// Command engine is the process entrypoint: it wires configuration,
// logging, the exchange client, the WS stream manager, the strategy
// registry, the risk sizer, the statistics tracker, and the auto-tune
// trigger together, then starts one runner per configured strategy
// instance and blocks until SIGINT/SIGTERM. It is wiring only — no HTTP
// API, no CLI framework.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/koshedu/strategy-engine/internal/autotune"
	"github.com/koshedu/strategy-engine/internal/config"
	"github.com/koshedu/strategy-engine/internal/exchange"
	"github.com/koshedu/strategy-engine/internal/log"
	"github.com/koshedu/strategy-engine/internal/risk"
	"github.com/koshedu/strategy-engine/internal/runner"
	"github.com/koshedu/strategy-engine/internal/stats"
	"github.com/koshedu/strategy-engine/internal/strategy"
	"github.com/koshedu/strategy-engine/internal/stream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(os.Stderr, parseLevel(cfg.Logging.Level), cfg.Logging.Pretty)
	log.SetDefault(logger)
	logger.Info("configuration loaded: %d runner(s), test_mode=%v", len(cfg.Runners), cfg.TestMode)

	baseURL := cfg.Exchange.BaseURL
	if cfg.Exchange.Testnet || cfg.TestMode {
		baseURL = exchange.TestnetBaseURL
	}
	client, err := exchange.New(cfg.Exchange.APIKey, cfg.Exchange.SecretKey, baseURL, cfg.TestMode,
		exchange.WithLogger(logger.WithComponent("exchange")))
	if err != nil {
		logger.Fatal("exchange client: %v", err)
	}

	streamMgr := stream.NewManager(cfg.Exchange.Testnet || cfg.TestMode, client, logger.WithComponent("stream"))
	registry := strategy.NewRegistry()
	sizer := risk.NewSizer(risk.SizingConfig{
		VolatilityEnabled:      cfg.Risk.VolatilityEnabled,
		ATRPeriod:              cfg.Risk.ATRPeriod,
		ATRMultiplier:          cfg.Risk.ATRMultiplier,
		PerformanceEnabled:     cfg.Risk.PerformanceEnabled,
		WinStreakBoost:         cfg.Risk.WinStreakBoost,
		LossStreakReduction:    cfg.Risk.LossStreakReduction,
		MaxWinStreakBoost:      cfg.Risk.MaxWinStreakBoost,
		MaxLossStreakReduction: cfg.Risk.MaxLossStreakReduction,
		KellyEnabled:           cfg.Risk.KellyEnabled,
		KellyFraction:          cfg.Risk.KellyFraction,
		MinTradesForKelly:      cfg.Risk.MinTradesForKelly,
		MaxKellyPositionPct:    cfg.Risk.MaxKellyPositionPct,
	})
	tracker := stats.NewTracker()

	runners := newRunnerRegistry()
	autotuner := autotune.New(autotune.Config{
		MinTimeBetweenTuningHours: cfg.Autotune.MinTimeBetweenTuningHours,
		MinTrades:                 cfg.Autotune.MinTrades,
	}, runners)
	_ = autotuner // held by the process; an external tuning collaborator drives it via this reference

	if len(cfg.Runners) == 0 {
		logger.Warn("no runners configured (empty or missing runners.json); idling until shutdown")
	}

	var wg sync.WaitGroup
	for _, rc := range cfg.Runners {
		rCfg := runner.Config{
			StrategyID:    rc.StrategyID,
			StrategyType:  rc.StrategyType,
			Symbol:        rc.Symbol,
			Interval:      rc.Interval,
			Params:        rc.Params,
			RiskPerTrade:  rc.RiskPerTrade,
			FixedAmount:   rc.FixedAmount,
			QuoteAsset:    rc.QuoteAsset,
			CloseOnCancel: rc.CloseOnCancel,
		}
		r, err := runner.New(rCfg, client, streamMgr, registry, sizer, tracker, logger)
		if err != nil {
			logger.Error("skipping runner %s (%s/%s): %v", rc.StrategyID, rc.Symbol, rc.StrategyType, err)
			continue
		}
		runners.put(rc.StrategyID, r)

		wg.Add(1)
		go func(r *runner.Runner, id string) {
			defer wg.Done()
			r.Run()
			if status, rerr := r.Status(); status == runner.StatusError {
				logger.Error("runner %s stopped: %v", id, rerr)
			}
		}(r, rc.StrategyID)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, cancelling runners")
	for _, r := range runners.all() {
		r.Cancel()
	}
	wg.Wait()
	logger.Info("shutdown complete")
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// runnerRegistry is the concrete autotune.ParamApplier: a strategy-ID
// lookup onto the live *runner.Runner so an external tuning collaborator's
// accepted parameter update reaches the runner that owns that strategy.
type runnerRegistry struct {
	mu      sync.RWMutex
	runners map[string]*runner.Runner
}

func newRunnerRegistry() *runnerRegistry {
	return &runnerRegistry{runners: make(map[string]*runner.Runner)}
}

func (r *runnerRegistry) put(strategyID string, run *runner.Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[strategyID] = run
}

func (r *runnerRegistry) all() []*runner.Runner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*runner.Runner, 0, len(r.runners))
	for _, run := range r.runners {
		out = append(out, run)
	}
	return out
}

// UpdateParams implements autotune.ParamApplier.
func (r *runnerRegistry) UpdateParams(strategyID string, newParams map[string]string) error {
	r.mu.RLock()
	run, ok := r.runners[strategyID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no runner registered for strategy %q", strategyID)
	}
	return run.UpdateParams(newParams)
}
