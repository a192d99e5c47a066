// Package grid provides a dual-grid trading backtester: a candle-by-candle
// simulation of a long grid and a short grid, plus parameter optimization
// on top of the simulation engine.
package grid

import (
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// DATA STRUCTURES
// ============================================================================

// Candle represents OHLCV data for a time period. Candles are owned by the
// caller and borrowed read-only by the engine.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Side identifies one of the two grids.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// StopLossStrategy selects how a stop-loss event is distributed across the grids.
type StopLossStrategy string

const (
	// StopLossIndependent applies the full loss to the triggering side only.
	StopLossIndependent StopLossStrategy = "independent"
	// StopLossCloseBoth splits the loss across both sides and ends the run.
	StopLossCloseBoth StopLossStrategy = "close_both"
)

// TradeKind classifies a trade log entry.
type TradeKind string

const (
	TradeMaker     TradeKind = "maker"
	TradeTaker     TradeKind = "taker"
	TradeStopLoss  TradeKind = "stop_loss"
	TradeLightning TradeKind = "lightning"
)

// Params describes one dual-grid configuration: grid span, level spacing and
// the capital-protection threshold, all in percent. A StopLossPct of 0
// disables capital protection.
type Params struct {
	RangePct    float64 `json:"range_pct"`
	StepPct     float64 `json:"step_pct"`
	StopLossPct float64 `json:"stop_loss_pct"`
}

// Key returns the formatted tuple that defines parameter equality. The
// optimizer uses it to de-duplicate candidates.
func (p Params) Key() string {
	return fmt.Sprintf("%.1f_%.1f_%.1f", p.RangePct, p.StepPct, p.StopLossPct)
}

// Discretized parameter domains searched by the optimizer.
var (
	RangeOptions    = []float64{5, 10, 15, 20, 25, 30, 35, 40, 45, 50}
	StepOptions     = []float64{0.5, 1.0, 1.5, 2.0, 2.5, 3.0, 3.5, 4.0, 4.5, 5.0}
	StopLossOptions = []float64{0, 5, 10, 15}
)

// Tuning holds the empirical constants of the simulation. They have no
// documented derivation, so they are configuration rather than hard-coded
// literals.
type Tuning struct {
	// LightningThresholdPct is the single-candle high-low range, in percent,
	// above which the candle is treated as a non-tradeable extreme event.
	LightningThresholdPct float64 `json:"lightning_threshold_pct"`
	// LightningLossFactor scales the candle range into a capital loss.
	LightningLossFactor float64 `json:"lightning_loss_factor"`
	// LightningLossCapPct caps the lightning loss as a percent of capital.
	LightningLossCapPct float64 `json:"lightning_loss_cap_pct"`
	// FillEfficiency discounts wick-spanned levels for partial execution
	// due to liquidity and slippage.
	FillEfficiency float64 `json:"fill_efficiency"`
}

// DefaultTuning returns the tuning constants used by the original strategy.
func DefaultTuning() Tuning {
	return Tuning{
		LightningThresholdPct: 15.0,
		LightningLossFactor:   0.3,
		LightningLossCapPct:   10.0,
		FillEfficiency:        0.75,
	}
}

// SimConfig holds the per-run inputs of the simulation engine that are not
// grid parameters: starting capital, the commission schedule and the
// stop-loss policy.
type SimConfig struct {
	InitialBalanceLong  float64          `json:"initial_balance_long"`
	InitialBalanceShort float64          `json:"initial_balance_short"`
	MakerRatePct        float64          `json:"maker_rate_pct"`
	TakerRatePct        float64          `json:"taker_rate_pct"`
	StopLossStrategy    StopLossStrategy `json:"stop_loss_strategy"`
	Tuning              Tuning           `json:"tuning"`
}

// SideLedger tracks one grid's capital through a simulation run. It is owned
// exclusively by the run that produced it.
type SideLedger struct {
	Side             Side    `json:"side"`
	InitialBalance   float64 `json:"initial_balance"`
	Balance          float64 `json:"balance"`
	CumulativePnL    float64 `json:"cumulative_pnl"`
	MakerTrades      int     `json:"maker_trades"`
	TakerTrades      int     `json:"taker_trades"`
	CommissionPaid   float64 `json:"commission_paid"`
	StopLossTriggers int     `json:"stop_loss_triggers"`
	LightningHits    int     `json:"lightning_hits"`
	Active           bool    `json:"active"`
}

// TradeLogEntry records one simulated event. The log is append-only and never
// mutated after the run completes.
type TradeLogEntry struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Side      Side      `json:"side"`
	Kind      TradeKind `json:"kind"`
	PnLDelta  float64   `json:"pnl_delta"`
	Balance   float64   `json:"balance"` // balance after the event
}

// ============================================================================
// ERRORS
// ============================================================================

var (
	// ErrInvalidStep is returned when params.StepPct is not positive.
	ErrInvalidStep = errors.New("grid: step_pct must be > 0")
	// ErrNegativeBalance is returned when an initial balance is negative.
	ErrNegativeBalance = errors.New("grid: initial balance must not be negative")
)
