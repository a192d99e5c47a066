// Per-side performance statistics for simulation runs
package grid

import (
	"fmt"
	"math"
)

// ============================================================================
// SIMULATION STATS
// ============================================================================

// SimulationStats is the fixed-shape per-side summary exported to callers.
type SimulationStats struct {
	Side             Side    `json:"side"`
	InitialBalance   float64 `json:"initial_balance"`
	FinalBalance     float64 `json:"final_balance"`
	TotalPnL         float64 `json:"total_pnl"`
	TotalPnLPct      float64 `json:"total_pnl_pct"`
	TradesCount      int     `json:"trades_count"`
	TotalCommission  float64 `json:"total_commission"`
	StopLossTriggers int     `json:"stop_loss_triggers"`
	LightningHits    int     `json:"lightning_hits"`
	MaxDrawdownPct   float64 `json:"max_drawdown_pct"`
	SharpeRatio      float64 `json:"sharpe_ratio"`
	ProfitFactor     float64 `json:"profit_factor"`
}

// LongStats derives the long side's statistics from the run.
func (r *Result) LongStats() SimulationStats {
	return sideStats(r.Long, r.trajLong, r.periodsPerYear)
}

// ShortStats derives the short side's statistics from the run.
func (r *Result) ShortStats() SimulationStats {
	return sideStats(r.Short, r.trajShort, r.periodsPerYear)
}

func sideStats(ledger SideLedger, trajectory []float64, periodsPerYear float64) SimulationStats {
	stats := SimulationStats{
		Side:             ledger.Side,
		InitialBalance:   ledger.InitialBalance,
		FinalBalance:     ledger.Balance,
		TotalPnL:         ledger.Balance - ledger.InitialBalance,
		TradesCount:      ledger.MakerTrades + ledger.TakerTrades,
		TotalCommission:  ledger.CommissionPaid,
		StopLossTriggers: ledger.StopLossTriggers,
		LightningHits:    ledger.LightningHits,
	}

	if ledger.InitialBalance > 0 {
		stats.TotalPnLPct = stats.TotalPnL / ledger.InitialBalance * 100
	}

	stats.MaxDrawdownPct = maxDrawdownPct(ledger.InitialBalance, trajectory)
	stats.SharpeRatio = sharpeRatio(ledger.InitialBalance, trajectory, periodsPerYear)
	stats.ProfitFactor = profitFactor(ledger.InitialBalance, trajectory)

	return stats
}

// ============================================================================
// RISK METRICS
// ============================================================================

// maxDrawdownPct computes the worst peak-to-trough decline over the balance
// trajectory, in percent of the peak.
func maxDrawdownPct(initial float64, trajectory []float64) float64 {
	peak := initial
	maxDD := 0.0

	for _, balance := range trajectory {
		if balance > peak {
			peak = balance
		}
		if peak <= 0 {
			continue
		}
		dd := (peak - balance) / peak * 100
		if dd > maxDD {
			maxDD = dd
		}
	}

	return maxDD
}

// sharpeRatio computes the annualized Sharpe ratio from the per-candle return
// series, scaled by the candle frequency derived from the series timestamps.
// Zero volatility yields zero.
func sharpeRatio(initial float64, trajectory []float64, periodsPerYear float64) float64 {
	returns := periodReturns(initial, trajectory)
	if len(returns) < 2 {
		return 0
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var sumSquaredDiff float64
	for _, r := range returns {
		diff := r - mean
		sumSquaredDiff += diff * diff
	}
	stdDev := math.Sqrt(sumSquaredDiff / float64(len(returns)))
	if stdDev == 0 {
		return 0
	}

	if periodsPerYear <= 0 {
		// Timestampless series fall back to a daily-candle scale.
		periodsPerYear = 365
	}
	return mean / stdDev * math.Sqrt(periodsPerYear)
}

// profitFactor computes gross gains over gross losses from the per-candle
// balance deltas. With no losing candles the factor stays zero.
func profitFactor(initial float64, trajectory []float64) float64 {
	prev := initial
	var gains, losses float64

	for _, balance := range trajectory {
		delta := balance - prev
		if delta > 0 {
			gains += delta
		} else {
			losses -= delta
		}
		prev = balance
	}

	if losses == 0 {
		return 0
	}
	return gains / losses
}

// periodReturns converts a balance trajectory into simple returns. Periods
// starting from a zero balance contribute nothing.
func periodReturns(initial float64, trajectory []float64) []float64 {
	prev := initial
	returns := make([]float64, 0, len(trajectory))

	for _, balance := range trajectory {
		if prev > 0 {
			returns = append(returns, (balance-prev)/prev)
		}
		prev = balance
	}

	return returns
}

// ============================================================================
// REPORT GENERATION
// ============================================================================

// GenerateReport renders a human-readable summary of a simulation run.
func GenerateReport(params Params, long, short SimulationStats) string {
	combinedPnL := long.TotalPnL + short.TotalPnL
	combinedInitial := long.InitialBalance + short.InitialBalance
	combinedPct := 0.0
	if combinedInitial > 0 {
		combinedPct = combinedPnL / combinedInitial * 100
	}

	return fmt.Sprintf(`
================================================================================
DUAL GRID SIMULATION REPORT
================================================================================

PARAMETERS
----------
Grid Range:       %.1f%%
Grid Step:        %.1f%%
Stop Loss:        %.1f%%

COMBINED
--------
Total PnL:        $%.2f (%.2f%%)

%s
%s
================================================================================
`,
		params.RangePct,
		params.StepPct,
		params.StopLossPct,
		combinedPnL,
		combinedPct,
		sideReport(long),
		sideReport(short),
	)
}

func sideReport(s SimulationStats) string {
	return fmt.Sprintf(`%s GRID
---------
Final Balance:    $%.2f
Total PnL:        $%.2f (%.2f%%)
Trades:           %d
Commission Paid:  $%.2f
Stop Losses:      %d
Lightning Hits:   %d
Max Drawdown:     %.2f%%
Sharpe Ratio:     %.2f
Profit Factor:    %.2f
`,
		upperSide(s.Side),
		s.FinalBalance,
		s.TotalPnL,
		s.TotalPnLPct,
		s.TradesCount,
		s.TotalCommission,
		s.StopLossTriggers,
		s.LightningHits,
		s.MaxDrawdownPct,
		s.SharpeRatio,
		s.ProfitFactor,
	)
}

func upperSide(s Side) string {
	if s == SideLong {
		return "LONG"
	}
	return "SHORT"
}
