// Dual Grid Optimizer CLI
// Simulates and optimizes dual-grid strategies on historical Binance data
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/gridlabs/dualgrid/internal/analyzer"
	"github.com/gridlabs/dualgrid/internal/collector"
	"github.com/gridlabs/dualgrid/internal/config"
	"github.com/gridlabs/dualgrid/pkg/grid"
)

// ============================================================================
// CLI FLAGS
// ============================================================================

var (
	// Mode selection
	mode   = flag.String("mode", "simulate", "Run mode (simulate, optimize, analyze)")
	method = flag.String("method", "genetic", "Optimization method (genetic, adaptive)")

	// Market data
	symbol   = flag.String("symbol", "BTCUSDT", "Trading pair symbol")
	symbols  = flag.String("symbols", "", "Comma-separated symbols for analyze mode (default: all USDT pairs)")
	interval = flag.String("interval", "", "Kline interval (overrides config)")
	days     = flag.Int("days", 0, "Days of history to fetch (overrides config)")

	// Grid parameters for simulate mode
	gridRange = flag.Float64("range", 20.0, "Grid range in percent")
	gridStep  = flag.Float64("step", 1.0, "Grid step in percent")
	stopLoss  = flag.Float64("stop", 10.0, "Stop-loss threshold in percent (0 disables)")
	balance   = flag.Float64("balance", 0, "Initial balance per side in USD (overrides config)")

	// Optimizer overrides
	population  = flag.Int("population", 0, "Genetic population size (overrides config)")
	generations = flag.Int("generations", 0, "Genetic generations (overrides config)")
	iterations  = flag.Int("iterations", 0, "Adaptive search iterations (overrides config)")
	points      = flag.Int("points", 0, "Adaptive points per iteration (overrides config)")
	forward     = flag.Float64("forward", 0, "Forward-test fraction in (0, 1) (overrides config)")
	workers     = flag.Int("workers", 0, "Concurrent evaluations (overrides config)")
	seed        = flag.Int64("seed", 0, "Random seed for reproducible searches (0 = time-based)")

	// Output
	configPath = flag.String("config", "", "Path to config file")
	outputFile = flag.String("output", "", "Write results as JSON to this file (optional)")
	verbose    = flag.Bool("verbose", false, "Enable verbose logging")
)

// ============================================================================
// MAIN
// ============================================================================

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	applyOverrides(cfg)

	if *verbose {
		cfg.App.LogLevel = "debug"
	}
	config.InitLogger(cfg.App.LogLevel, "console")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	source := collector.NewBinanceCollector(collector.Options{
		APIKey:            cfg.Binance.APIKey,
		APISecret:         cfg.Binance.APISecret,
		Testnet:           cfg.Binance.Testnet,
		KlinesPerRequest:  cfg.Collector.KlinesPerRequest,
		RequestsPerSecond: cfg.Collector.RequestsPerSecond,
		MaxRetries:        cfg.Collector.MaxRetries,
	})

	switch *mode {
	case "simulate":
		err = runSimulate(ctx, cfg, source)
	case "optimize":
		err = runOptimize(ctx, cfg, source)
	case "analyze":
		err = runAnalyze(ctx, cfg, source)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown mode %q\n", *mode)
		flag.Usage()
		os.Exit(1)
	}

	if err != nil {
		log.Fatal().Err(err).Str("mode", *mode).Msg("Run failed")
	}
}

func applyOverrides(cfg *config.Config) {
	if *interval != "" {
		cfg.Collector.Interval = *interval
	}
	if *days > 0 {
		cfg.Collector.Days = *days
	}
	if *population > 0 {
		cfg.Optimizer.PopulationSize = *population
	}
	if *generations > 0 {
		cfg.Optimizer.Generations = *generations
	}
	if *iterations > 0 {
		cfg.Optimizer.Iterations = *iterations
	}
	if *points > 0 {
		cfg.Optimizer.PointsPerIteration = *points
	}
	if *forward > 0 && *forward < 1 {
		cfg.Optimizer.ForwardTestPct = *forward
	}
	if *workers > 0 {
		cfg.Optimizer.MaxWorkers = *workers
	}
	if *balance > 0 {
		cfg.Engine.InitialBalanceLong = *balance
		cfg.Engine.InitialBalanceShort = *balance
	}
}

// ============================================================================
// SIMULATE MODE
// ============================================================================

func runSimulate(ctx context.Context, cfg *config.Config, source collector.CandleSource) error {
	candles, err := source.Candles(ctx, *symbol, cfg.Collector.Interval, cfg.Collector.Days)
	if err != nil {
		return fmt.Errorf("collect candles: %w", err)
	}

	params := grid.Params{
		RangePct:    *gridRange,
		StepPct:     *gridStep,
		StopLossPct: *stopLoss,
	}

	log.Info().
		Str("symbol", *symbol).
		Int("candles", len(candles)).
		Str("params", params.Key()).
		Msg("Starting simulation")

	result, err := grid.Simulate(candles, params, cfg.SimConfig())
	if err != nil {
		return err
	}

	long, short := result.LongStats(), result.ShortStats()
	fmt.Println(grid.GenerateReport(params, long, short))

	return writeOutput(map[string]any{
		"symbol": *symbol,
		"params": params,
		"long":   long,
		"short":  short,
	})
}

// ============================================================================
// OPTIMIZE MODE
// ============================================================================

func runOptimize(ctx context.Context, cfg *config.Config, source collector.CandleSource) error {
	candles, err := source.Candles(ctx, *symbol, cfg.Collector.Interval, cfg.Collector.Days)
	if err != nil {
		return fmt.Errorf("collect candles: %w", err)
	}

	opt := grid.NewOptimizer(cfg.SimConfig())
	opt.SetParallelism(cfg.Optimizer.MaxWorkers)
	if *seed != 0 {
		opt.SetSeed(*seed)
	}

	initialBalance := cfg.Engine.InitialBalanceLong

	var results []grid.OptimizationResult
	switch *method {
	case "genetic":
		results, err = opt.OptimizeGenetic(ctx, candles, grid.GeneticOptions{
			PopulationSize: cfg.Optimizer.PopulationSize,
			Generations:    cfg.Optimizer.Generations,
			ForwardTestPct: cfg.Optimizer.ForwardTestPct,
			MutationRate:   cfg.Optimizer.MutationRate,
			MaxWorkers:     cfg.Optimizer.MaxWorkers,
			InitialBalance: initialBalance,
		})
	case "adaptive":
		results, err = opt.GridSearchAdaptive(ctx, candles, grid.AdaptiveOptions{
			Iterations:         cfg.Optimizer.Iterations,
			PointsPerIteration: cfg.Optimizer.PointsPerIteration,
			ForwardTestPct:     cfg.Optimizer.ForwardTestPct,
			MaxWorkers:         cfg.Optimizer.MaxWorkers,
			InitialBalance:     initialBalance,
		})
	default:
		return fmt.Errorf("unknown method %q", *method)
	}
	if err != nil {
		// Interrupted searches still return the rounds completed so far.
		if errors.Is(err, context.Canceled) && len(results) > 0 {
			log.Warn().Int("results", len(results)).Msg("Search interrupted, showing partial results")
			printTopResults(results, 10)
		}
		return err
	}

	printTopResults(results, 10)

	return writeOutput(map[string]any{
		"symbol":  *symbol,
		"method":  *method,
		"results": results,
	})
}

func printTopResults(results []grid.OptimizationResult, n int) {
	if n > len(results) {
		n = len(results)
	}

	fmt.Println()
	fmt.Println("RANK  RANGE%  STEP%  STOP%  BACKTEST%  FORWARD%  COMBINED  TRADES")
	fmt.Println(strings.Repeat("-", 70))
	for i := 0; i < n; i++ {
		r := results[i]
		fmt.Printf("%4d  %6.1f  %5.1f  %5.1f  %9.2f  %8.2f  %8.2f  %6d\n",
			i+1,
			r.Params.RangePct,
			r.Params.StepPct,
			r.Params.StopLossPct,
			r.BacktestScore,
			r.ForwardScore,
			r.CombinedScore,
			r.TradesCount,
		)
	}
	fmt.Println()
}

// ============================================================================
// ANALYZE MODE
// ============================================================================

func runAnalyze(ctx context.Context, cfg *config.Config, source collector.CandleSource) error {
	list := parseSymbols(*symbols)
	if len(list) == 0 {
		bc, ok := source.(*collector.BinanceCollector)
		if !ok {
			return fmt.Errorf("-symbols is required for this candle source")
		}
		var err error
		list, err = bc.ListUSDTPairs(ctx)
		if err != nil {
			return fmt.Errorf("list pairs: %w", err)
		}
	}

	log.Info().Int("symbols", len(list)).Msg("Starting batch analysis")

	// Round-trip commission: one maker entry plus one maker exit.
	commissionPct := cfg.Engine.MakerRatePct * 2

	results, err := analyzer.AnalyzeBatch(ctx, source, list,
		cfg.Collector.Interval, cfg.Collector.Days,
		cfg.SimConfig().Tuning, commissionPct, cfg.Optimizer.MaxWorkers)
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Println("SYMBOL        ATR%   REC-STEP%  EST-MONTHLY%  RISK    TRADEABLE")
	fmt.Println(strings.Repeat("-", 66))
	for _, a := range results {
		note := ""
		if !a.Tradeable {
			note = "  (" + a.Reason + ")"
		}
		fmt.Printf("%-12s %5.2f  %9.2f  %12.2f  %-6s  %v%s\n",
			a.Symbol, a.ATRPct, a.RecommendedStepPct,
			a.Estimate.PotentialMonthlyProfitPct, a.Estimate.RiskLevel,
			a.Tradeable, note)
	}
	fmt.Println()

	return writeOutput(map[string]any{"analyses": results})
}

// ============================================================================
// HELPERS
// ============================================================================

func parseSymbols(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, strings.ToUpper(trimmed))
		}
	}
	return out
}

func writeOutput(payload any) error {
	if *outputFile == "" {
		return nil
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	if err := os.WriteFile(*outputFile, data, 0o600); err != nil {
		return fmt.Errorf("write results: %w", err)
	}

	log.Info().Str("file", *outputFile).Msg("Results written")
	return nil
}
