// Parameter optimization for the dual-grid simulation engine
package grid

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ============================================================================
// OPTIMIZATION RESULT
// ============================================================================

// OptimizationResult scores one evaluated parameter set. Results are ranked
// by CombinedScore descending.
type OptimizationResult struct {
	Params        Params  `json:"params"`
	BacktestScore float64 `json:"backtest_score"`
	ForwardScore  float64 `json:"forward_score"`
	CombinedScore float64 `json:"combined_score"`
	TradesCount   int     `json:"trades_count"`
	Drawdown      float64 `json:"drawdown"`
}

// sentinelResult is the worst-case result substituted for a failed
// evaluation so a bad candidate never aborts the batch.
func sentinelResult(params Params) OptimizationResult {
	return OptimizationResult{
		Params:        params,
		BacktestScore: -100.0,
		ForwardScore:  -100.0,
		CombinedScore: -100.0,
		TradesCount:   0,
		Drawdown:      100.0,
	}
}

// ============================================================================
// OPTIMIZER
// ============================================================================

// Optimizer searches the discretized parameter space for configurations that
// perform consistently across a backtest window and a held-out forward
// window. Evaluations within a round run on a bounded worker pool; selection
// and reproduction run sequentially between rounds.
type Optimizer struct {
	makerRatePct     float64
	takerRatePct     float64
	stopLossStrategy StopLossStrategy
	tuning           Tuning

	parallel int
	rng      *rand.Rand
	seed     int64
}

// NewOptimizer creates an optimizer that evaluates candidates with the given
// commission schedule, stop-loss policy and engine tuning. The random seed is
// time-based; use SetSeed for reproducible searches.
func NewOptimizer(cfg SimConfig) *Optimizer {
	seed := time.Now().UnixNano()

	tuning := cfg.Tuning
	if tuning == (Tuning{}) {
		tuning = DefaultTuning()
	}
	strategy := cfg.StopLossStrategy
	if strategy == "" {
		strategy = StopLossIndependent
	}

	return &Optimizer{
		makerRatePct:     cfg.MakerRatePct,
		takerRatePct:     cfg.TakerRatePct,
		stopLossStrategy: strategy,
		tuning:           tuning,
		parallel:         4,
		rng:              rand.New(rand.NewSource(seed)), // #nosec G404 -- Non-cryptographic use: parameter search needs reproducible randomness
		seed:             seed,
	}
}

// SetSeed sets a specific random seed for reproducible results.
func (o *Optimizer) SetSeed(seed int64) {
	o.seed = seed
	o.rng = rand.New(rand.NewSource(seed)) // #nosec G404 -- Non-cryptographic use: parameter search needs reproducible randomness
}

// SetParallelism sets the number of concurrent evaluations per round.
func (o *Optimizer) SetParallelism(n int) {
	if n > 0 {
		o.parallel = n
	}
}

func (o *Optimizer) simConfig(initialBalance float64) SimConfig {
	return SimConfig{
		InitialBalanceLong:  initialBalance,
		InitialBalanceShort: initialBalance,
		MakerRatePct:        o.makerRatePct,
		TakerRatePct:        o.takerRatePct,
		StopLossStrategy:    o.stopLossStrategy,
		Tuning:              o.tuning,
	}
}

// ============================================================================
// EVALUATION
// ============================================================================

// Evaluate runs the simulation engine once on each slice and scores the
// parameter set by its stability-penalized average performance. A returned
// error marks an evaluation failure; callers inside a search round convert
// it to a sentinel result rather than aborting the batch.
func (o *Optimizer) Evaluate(params Params, backtest, forward []Candle, initialBalance float64) (OptimizationResult, error) {
	if initialBalance <= 0 {
		return OptimizationResult{}, ErrNegativeBalance
	}

	cfg := o.simConfig(initialBalance)

	bt, err := Simulate(backtest, params, cfg)
	if err != nil {
		return OptimizationResult{}, err
	}

	ft, err := Simulate(forward, params, cfg)
	if err != nil {
		return OptimizationResult{}, err
	}

	btPct := (bt.Long.CumulativePnL + bt.Short.CumulativePnL) / (initialBalance * 2) * 100
	ftPct := (ft.Long.CumulativePnL + ft.Short.CumulativePnL) / (initialBalance * 2) * 100

	stabilityPenalty := math.Abs(btPct-ftPct) * 0.5
	combined := (btPct+ftPct)/2 - stabilityPenalty

	trades := bt.Long.MakerTrades + bt.Long.TakerTrades +
		bt.Short.MakerTrades + bt.Short.TakerTrades +
		ft.Long.MakerTrades + ft.Long.TakerTrades +
		ft.Short.MakerTrades + ft.Short.TakerTrades

	return OptimizationResult{
		Params:        params,
		BacktestScore: btPct,
		ForwardScore:  ftPct,
		CombinedScore: combined,
		TradesCount:   trades,
		Drawdown:      math.Max(0, -math.Min(btPct, ftPct)),
	}, nil
}

// evaluateRound evaluates a population concurrently on a bounded worker
// pool and blocks until every result is in. The round boundary is a
// synchronization barrier: no partial carry-over.
func (o *Optimizer) evaluateRound(population []Params, backtest, forward []Candle, initialBalance float64) []OptimizationResult {
	results := make([]OptimizationResult, len(population))

	type indexed struct {
		idx    int
		result OptimizationResult
	}

	resultsChan := make(chan indexed, len(population))
	semaphore := make(chan struct{}, o.parallel)
	var wg sync.WaitGroup

	for i, params := range population {
		wg.Add(1)
		go func(idx int, p Params) {
			defer wg.Done()

			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			result, err := o.Evaluate(p, backtest, forward, initialBalance)
			if err != nil {
				log.Warn().Err(err).Str("params", p.Key()).Msg("Evaluation failed, substituting sentinel result")
				result = sentinelResult(p)
			}
			resultsChan <- indexed{idx, result}
		}(i, params)
	}

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	for r := range resultsChan {
		results[r.idx] = r.result
	}

	return results
}

// ============================================================================
// CANDIDATE GENERATION
// ============================================================================

// randomParams draws a uniform random candidate from the discretized domains.
func (o *Optimizer) randomParams() Params {
	return Params{
		RangePct:    RangeOptions[o.rng.Intn(len(RangeOptions))],
		StepPct:     StepOptions[o.rng.Intn(len(StepOptions))],
		StopLossPct: StopLossOptions[o.rng.Intn(len(StopLossOptions))],
	}
}

// mutate replaces genes, with probability rate each, by an adjacent value in
// their discretized domain. Adjacent moves keep the search local.
func (o *Optimizer) mutate(p Params, rate float64) Params {
	if o.rng.Float64() < rate {
		p.RangePct = o.adjacent(RangeOptions, p.RangePct)
	}
	if o.rng.Float64() < rate {
		p.StepPct = o.adjacent(StepOptions, p.StepPct)
	}
	if o.rng.Float64() < rate {
		p.StopLossPct = o.adjacent(StopLossOptions, p.StopLossPct)
	}
	return p
}

func (o *Optimizer) adjacent(options []float64, current float64) float64 {
	idx := 0
	for i, v := range options {
		if v == current {
			idx = i
			break
		}
	}

	switch {
	case idx == 0:
		idx++
	case idx == len(options)-1:
		idx--
	default:
		if o.rng.Float64() < 0.5 {
			idx--
		} else {
			idx++
		}
	}

	return options[idx]
}

// crossover builds a child that inherits each gene from a uniformly chosen
// parent.
func (o *Optimizer) crossover(a, b Params) Params {
	pick := func(x, y float64) float64 {
		if o.rng.Float64() < 0.5 {
			return x
		}
		return y
	}
	return Params{
		RangePct:    pick(a.RangePct, b.RangePct),
		StepPct:     pick(a.StepPct, b.StepPct),
		StopLossPct: pick(a.StopLossPct, b.StopLossPct),
	}
}

// uniqueDraw draws up to n unique candidates using the supplied generator,
// backfilling with fresh random draws. Attempts are bounded so a saturated
// domain cannot loop forever.
func (o *Optimizer) uniqueDraw(n int, seen map[string]bool, draw func() Params) []Params {
	if n <= 0 {
		return nil
	}

	out := make([]Params, 0, n)
	attempts := 0
	maxAttempts := n * 50

	for len(out) < n && attempts < maxAttempts {
		attempts++

		p := draw()
		if seen[p.Key()] {
			p = o.randomParams()
		}
		if seen[p.Key()] {
			continue
		}

		seen[p.Key()] = true
		out = append(out, p)
	}

	// Domain exhausted: accept duplicates rather than under-filling.
	for len(out) < n {
		out = append(out, o.randomParams())
	}

	return out
}

// splitCandles divides the series chronologically into backtest and forward
// slices. No shuffling: out-of-sample validity depends on temporal order.
func splitCandles(candles []Candle, forwardPct float64) (backtest, forward []Candle) {
	split := int(float64(len(candles)) * (1 - forwardPct))
	if split < 0 {
		split = 0
	}
	if split > len(candles) {
		split = len(candles)
	}
	return candles[:split], candles[split:]
}

// ============================================================================
// GENETIC SEARCH
// ============================================================================

// GeneticOptions configures OptimizeGenetic. Zero fields take defaults.
type GeneticOptions struct {
	PopulationSize int     // default 50
	Generations    int     // default 20
	ForwardTestPct float64 // default 0.3
	MutationRate   float64 // default 0.1
	MaxWorkers     int     // default 4
	InitialBalance float64 // default 1000
}

func (opts *GeneticOptions) setDefaults() {
	if opts.PopulationSize <= 0 {
		opts.PopulationSize = 50
	}
	if opts.Generations <= 0 {
		opts.Generations = 20
	}
	if opts.ForwardTestPct <= 0 || opts.ForwardTestPct >= 1 {
		opts.ForwardTestPct = 0.3
	}
	if opts.MutationRate <= 0 {
		opts.MutationRate = 0.1
	}
	if opts.InitialBalance <= 0 {
		opts.InitialBalance = 1000.0
	}
}

// freshPerGeneration is the number of random individuals injected into each
// new generation for diversity.
const freshPerGeneration = 5

// OptimizeGenetic evolves a population of unique discretized parameter sets
// and returns every recorded best-of-generation result ranked by combined
// score descending. The returned list is never empty.
func (o *Optimizer) OptimizeGenetic(ctx context.Context, candles []Candle, opts GeneticOptions) ([]OptimizationResult, error) {
	opts.setDefaults()
	if opts.MaxWorkers > 0 {
		o.parallel = opts.MaxWorkers
	}

	backtest, forward := splitCandles(candles, opts.ForwardTestPct)

	log.Info().
		Int("population", opts.PopulationSize).
		Int("generations", opts.Generations).
		Int("backtest_candles", len(backtest)).
		Int("forward_candles", len(forward)).
		Msg("Starting genetic optimization")

	// Initial population: unique discretized draws.
	population := o.uniqueDraw(opts.PopulationSize, make(map[string]bool), o.randomParams)

	var bestResults []OptimizationResult

	for gen := 0; gen < opts.Generations; gen++ {
		if err := ctx.Err(); err != nil {
			return rankResults(bestResults, o.randomParams), err
		}

		results := o.evaluateRound(population, backtest, forward, opts.InitialBalance)

		sort.SliceStable(results, func(i, j int) bool {
			return results[i].CombinedScore > results[j].CombinedScore
		})

		bestResults = append(bestResults, results[0])

		log.Info().
			Int("generation", gen+1).
			Int("total", opts.Generations).
			Float64("best_score", results[0].CombinedScore).
			Float64("worst_score", results[len(results)-1].CombinedScore).
			Msg("Generation complete")

		if gen == opts.Generations-1 {
			break
		}

		// Selection: top half survives unchanged.
		eliteSize := opts.PopulationSize / 2
		if eliteSize < 1 {
			eliteSize = 1
		}
		elite := results[:eliteSize]

		seen := make(map[string]bool, opts.PopulationSize)
		next := make([]Params, 0, opts.PopulationSize)
		for _, r := range elite {
			if !seen[r.Params.Key()] {
				seen[r.Params.Key()] = true
				next = append(next, r.Params)
			}
		}

		// Refill: crossover of elite parents plus a few fresh randoms.
		crossoverSlots := opts.PopulationSize - freshPerGeneration
		children := o.uniqueDraw(crossoverSlots-len(next), seen, func() Params {
			p1 := elite[o.rng.Intn(len(elite))].Params
			p2 := elite[o.rng.Intn(len(elite))].Params
			return o.mutate(o.crossover(p1, p2), opts.MutationRate)
		})
		next = append(next, children...)

		fresh := o.uniqueDraw(opts.PopulationSize-len(next), seen, o.randomParams)
		next = append(next, fresh...)

		population = next
	}

	return rankResults(bestResults, o.randomParams), nil
}

// ============================================================================
// ADAPTIVE GRID SEARCH
// ============================================================================

// AdaptiveOptions configures GridSearchAdaptive. Zero fields take defaults.
type AdaptiveOptions struct {
	Iterations         int     // default 3
	PointsPerIteration int     // default 50
	ForwardTestPct     float64 // default 0.3
	MaxWorkers         int     // default 4
	InitialBalance     float64 // default 1000
}

func (opts *AdaptiveOptions) setDefaults() {
	if opts.Iterations <= 0 {
		opts.Iterations = 3
	}
	if opts.PointsPerIteration <= 0 {
		opts.PointsPerIteration = 50
	}
	if opts.ForwardTestPct <= 0 || opts.ForwardTestPct >= 1 {
		opts.ForwardTestPct = 0.3
	}
	if opts.InitialBalance <= 0 {
		opts.InitialBalance = 1000.0
	}
}

type paramBounds struct {
	lo, hi float64
}

func (b paramBounds) filter(options []float64) []float64 {
	var out []float64
	for _, v := range options {
		if v >= b.lo && v <= b.hi {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return options
	}
	return out
}

// GridSearchAdaptive samples unique discretized points inside progressively
// narrowing bounds and returns every evaluated result ranked by combined
// score descending. The returned list is never empty.
func (o *Optimizer) GridSearchAdaptive(ctx context.Context, candles []Candle, opts AdaptiveOptions) ([]OptimizationResult, error) {
	opts.setDefaults()
	if opts.MaxWorkers > 0 {
		o.parallel = opts.MaxWorkers
	}

	backtest, forward := splitCandles(candles, opts.ForwardTestPct)

	log.Info().
		Int("iterations", opts.Iterations).
		Int("points_per_iteration", opts.PointsPerIteration).
		Int("backtest_candles", len(backtest)).
		Int("forward_candles", len(forward)).
		Msg("Starting adaptive grid search")

	absRange := paramBounds{RangeOptions[0], RangeOptions[len(RangeOptions)-1]}
	absStep := paramBounds{StepOptions[0], StepOptions[len(StepOptions)-1]}
	absStop := paramBounds{StopLossOptions[0], StopLossOptions[len(StopLossOptions)-1]}

	rangeBounds, stepBounds, stopBounds := absRange, absStep, absStop

	var allResults []OptimizationResult

	for iter := 0; iter < opts.Iterations; iter++ {
		if err := ctx.Err(); err != nil {
			return rankResults(allResults, o.randomParams), err
		}

		rangeOpts := rangeBounds.filter(RangeOptions)
		stepOpts := stepBounds.filter(StepOptions)
		stopOpts := stopBounds.filter(StopLossOptions)

		points := o.uniqueDraw(opts.PointsPerIteration, make(map[string]bool), func() Params {
			return Params{
				RangePct:    rangeOpts[o.rng.Intn(len(rangeOpts))],
				StepPct:     stepOpts[o.rng.Intn(len(stepOpts))],
				StopLossPct: stopOpts[o.rng.Intn(len(stopOpts))],
			}
		})

		results := o.evaluateRound(points, backtest, forward, opts.InitialBalance)

		sort.SliceStable(results, func(i, j int) bool {
			return results[i].CombinedScore > results[j].CombinedScore
		})
		allResults = append(allResults, results...)

		log.Info().
			Int("iteration", iter+1).
			Int("total", opts.Iterations).
			Float64("best_score", results[0].CombinedScore).
			Msg("Iteration complete")

		if iter == opts.Iterations-1 {
			break
		}

		// Narrow the bounds around the top 20% of this iteration.
		topN := opts.PointsPerIteration / 5
		if topN < 1 {
			topN = 1
		}
		if topN > len(results) {
			topN = len(results)
		}
		top := results[:topN]

		rangeBounds = narrowBounds(top, func(r OptimizationResult) float64 { return r.Params.RangePct }, 1.0, absRange)
		stepBounds = narrowBounds(top, func(r OptimizationResult) float64 { return r.Params.StepPct }, 0.1, absStep)
		stopBounds = narrowBounds(top, func(r OptimizationResult) float64 { return r.Params.StopLossPct }, 1.0, absStop)

		log.Debug().
			Float64("range_lo", rangeBounds.lo).
			Float64("range_hi", rangeBounds.hi).
			Float64("step_lo", stepBounds.lo).
			Float64("step_hi", stepBounds.hi).
			Msg("Narrowed search bounds")
	}

	return rankResults(allResults, o.randomParams), nil
}

// narrowBounds recenters a parameter's bounds on the mean of the best values
// with a spread of half their range plus epsilon, clamped to the absolute
// bounds.
func narrowBounds(top []OptimizationResult, value func(OptimizationResult) float64, epsilon float64, abs paramBounds) paramBounds {
	lo, hi := value(top[0]), value(top[0])
	var sum float64

	for _, r := range top {
		v := value(r)
		sum += v
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}

	center := sum / float64(len(top))
	spread := (hi-lo)/2 + epsilon

	return paramBounds{
		lo: math.Max(abs.lo, center-spread),
		hi: math.Min(abs.hi, center+spread),
	}
}

// rankResults sorts results by combined score descending and guarantees a
// non-empty list so downstream ranking logic never special-cases "no
// results".
func rankResults(results []OptimizationResult, fallback func() Params) []OptimizationResult {
	if len(results) == 0 {
		results = []OptimizationResult{sentinelResult(fallback())}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].CombinedScore > results[j].CombinedScore
	})

	return results
}
