// Package analyzer screens symbols for grid-trading suitability before a
// full optimization run is spent on them.
package analyzer

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/cinar/indicator/v2/volatility"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/gridlabs/dualgrid/internal/collector"
	"github.com/gridlabs/dualgrid/pkg/grid"
)

// Analysis summarizes one symbol's recent price behavior.
type Analysis struct {
	Symbol             string  `json:"symbol"`
	Candles            int     `json:"candles"`
	ATRPct             float64 `json:"atr_pct"`
	AvgRangePct        float64 `json:"avg_range_pct"`
	SpikeCount         int     `json:"spike_count"`
	RecommendedStepPct float64 `json:"recommended_step_pct"`
	Tradeable          bool    `json:"tradeable"`
	Reason             string  `json:"reason,omitempty"`

	Estimate Estimate `json:"estimate"`
}

const (
	atrPeriod = 14
	// minCandles is the shortest series the ATR window can say anything about.
	minCandles = atrPeriod * 2
	// maxSpikeRatio is the largest tolerable share of extreme candles.
	maxSpikeRatio = 0.02
	// minStepPct keeps the recommended step above commission noise.
	minStepPct = 0.5
)

// Analyze screens one candle series. Spike candles reuse the engine's
// extreme-event threshold; the embedded profitability estimate assumes the
// recommended step and the given round-trip commission.
func Analyze(symbol string, candles []grid.Candle, tuning grid.Tuning, commissionPct float64) Analysis {
	a := Analysis{Symbol: symbol, Candles: len(candles)}

	if len(candles) < minCandles {
		a.Reason = fmt.Sprintf("insufficient data: %d candles, need %d", len(candles), minCandles)
		return a
	}

	a.ATRPct = ATRPct(candles, atrPeriod)
	a.AvgRangePct = avgRangePct(candles)
	a.SpikeCount = CountPriceSpikes(candles, tuning.LightningThresholdPct)

	// A third of the typical true range gives the grid several fills per
	// candle without drowning in commission.
	a.RecommendedStepPct = math.Max(a.ATRPct/3, minStepPct)

	a.Estimate = EstimateProfitability(symbol, candles, grid.Params{
		RangePct: 20.0,
		StepPct:  a.RecommendedStepPct,
	}, commissionPct)

	spikeRatio := float64(a.SpikeCount) / float64(len(candles))
	switch {
	case a.ATRPct <= 0:
		a.Reason = "flat price series"
	case spikeRatio > maxSpikeRatio:
		a.Reason = fmt.Sprintf("too many extreme candles: %.1f%%", spikeRatio*100)
	default:
		a.Tradeable = true
	}

	log.Debug().
		Str("symbol", symbol).
		Float64("atr_pct", a.ATRPct).
		Int("spikes", a.SpikeCount).
		Bool("tradeable", a.Tradeable).
		Msg("Symbol analyzed")

	return a
}

// ATRPct computes the Average True Range over the series and returns it as a
// percent of the final close.
func ATRPct(candles []grid.Candle, period int) float64 {
	if len(candles) <= period {
		return 0
	}

	highs := make(chan float64, len(candles))
	lows := make(chan float64, len(candles))
	closings := make(chan float64, len(candles))
	for _, c := range candles {
		highs <- c.High
		lows <- c.Low
		closings <- c.Close
	}
	close(highs)
	close(lows)
	close(closings)

	atr := volatility.NewAtrWithPeriod[float64](period)

	var last float64
	for v := range atr.Compute(highs, lows, closings) {
		last = v
	}

	finalClose := candles[len(candles)-1].Close
	if finalClose <= 0 {
		return 0
	}
	return last / finalClose * 100
}

// CountPriceSpikes counts candles whose high-low range exceeds the threshold
// percent of the low.
func CountPriceSpikes(candles []grid.Candle, thresholdPct float64) int {
	count := 0
	for _, c := range candles {
		if c.Low <= 0 {
			continue
		}
		if (c.High-c.Low)/c.Low*100 > thresholdPct {
			count++
		}
	}
	return count
}

func avgRangePct(candles []grid.Candle) float64 {
	var sum float64
	n := 0
	for _, c := range candles {
		if c.Low <= 0 {
			continue
		}
		sum += (c.High - c.Low) / c.Low * 100
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Estimate projects a grid configuration's earning potential over a 30-day
// month from recent price behavior.
type Estimate struct {
	Symbol                    string  `json:"symbol"`
	GridLevels                int     `json:"grid_levels"`
	AvgDailyRangePct          float64 `json:"avg_daily_range_pct"`
	ExpectedDailyTrades       float64 `json:"expected_daily_trades"`
	ExpectedMonthlyTrades     float64 `json:"expected_monthly_trades"`
	PotentialMonthlyProfitPct float64 `json:"potential_monthly_profit_pct"`
	SpikesPerMonth            float64 `json:"spikes_per_month"`
	RiskLevel                 string  `json:"risk_level"`
	Attractiveness            string  `json:"attractiveness"`
}

// spikeRiskThresholdPct flags candles sharp enough to blow through several
// grid levels at once, below the engine's full extreme-event threshold.
const spikeRiskThresholdPct = 10.0

// EstimateProfitability projects monthly grid performance from daily candles:
// each step-sized slice of the average daily range is one round trip earning
// the step minus commission.
func EstimateProfitability(symbol string, candles []grid.Candle, params grid.Params, commissionPct float64) Estimate {
	e := Estimate{Symbol: symbol}
	if len(candles) == 0 || params.StepPct <= 0 {
		return e
	}

	levels := int(params.RangePct / params.StepPct)
	if levels < 1 {
		levels = 1
	}
	e.GridLevels = levels

	e.AvgDailyRangePct = avgRangePct(candles)
	e.ExpectedDailyTrades = e.AvgDailyRangePct / params.StepPct
	e.ExpectedMonthlyTrades = e.ExpectedDailyTrades * 30
	e.PotentialMonthlyProfitPct = e.ExpectedMonthlyTrades * (params.StepPct - commissionPct)

	spikes := CountPriceSpikes(candles, spikeRiskThresholdPct)
	e.SpikesPerMonth = float64(spikes) / (float64(len(candles)) / 30)

	switch {
	case e.SpikesPerMonth <= 1:
		e.RiskLevel = "low"
	case e.SpikesPerMonth <= 3:
		e.RiskLevel = "medium"
	default:
		e.RiskLevel = "high"
	}

	switch {
	case e.PotentialMonthlyProfitPct > 15 && e.SpikesPerMonth <= 2:
		e.Attractiveness = "high"
	case e.PotentialMonthlyProfitPct > 10 && e.SpikesPerMonth <= 3:
		e.Attractiveness = "medium"
	default:
		e.Attractiveness = "low"
	}

	return e
}

// AnalyzeBatch screens many symbols concurrently. Individual fetch failures
// mark the symbol untradeable instead of failing the batch; only context
// cancellation aborts.
func AnalyzeBatch(ctx context.Context, source collector.CandleSource, symbols []string, interval string, days int, tuning grid.Tuning, commissionPct float64, workers int) ([]Analysis, error) {
	if workers < 1 {
		workers = 4
	}

	results := make([]Analysis, len(symbols))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, symbol := range symbols {
		i, symbol := i, symbol
		g.Go(func() error {
			candles, err := source.Candles(ctx, symbol, interval, days)

			var a Analysis
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Warn().Err(err).Str("symbol", symbol).Msg("Fetch failed, symbol skipped")
				a = Analysis{Symbol: symbol, Reason: fmt.Sprintf("fetch failed: %v", err)}
			} else {
				a = Analyze(symbol, candles, tuning, commissionPct)
			}

			mu.Lock()
			results[i] = a
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Tradeable symbols first, most promising first within each group.
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Tradeable != results[j].Tradeable {
			return results[i].Tradeable
		}
		return results[i].Estimate.PotentialMonthlyProfitPct > results[j].Estimate.PotentialMonthlyProfitPct
	})

	return results, nil
}
