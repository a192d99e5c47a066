// Simulation engine unit tests
package grid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// TEST HELPERS
// ============================================================================

func testConfig() SimConfig {
	return SimConfig{
		InitialBalanceLong:  1000.0,
		InitialBalanceShort: 1000.0,
		MakerRatePct:        0.02,
		TakerRatePct:        0.05,
		StopLossStrategy:    StopLossIndependent,
		Tuning:              DefaultTuning(),
	}
}

func testParams() Params {
	return Params{RangePct: 10, StepPct: 1.0, StopLossPct: 10}
}

func candleAt(i int, open, high, low, close float64) Candle {
	return Candle{
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Hour),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
		Volume:    100,
	}
}

// dojiCandles builds a flat oscillating series: no body, symmetric wicks.
func dojiCandles(n int) []Candle {
	candles := make([]Candle, n)
	for i := range candles {
		candles[i] = candleAt(i, 100, 101, 99, 100)
	}
	return candles
}

// ============================================================================
// SIMULATION TESTS
// ============================================================================

func TestSimulateFlatMarketProfitsBothSides(t *testing.T) {
	result, err := Simulate(dojiCandles(10), testParams(), testConfig())
	require.NoError(t, err)

	// Each doji spans 2% of wicks; at 1% step and 0.75 fill efficiency that
	// is 1.5 effective levels per candle. Order size is 1000/10 = 100, so
	// profit per candle per side is 100 * 1.5 * (1.0 - 0.02) / 100 = 1.47.
	assert.InDelta(t, 1014.70, result.Long.Balance, 0.001)
	assert.InDelta(t, 1014.70, result.Short.Balance, 0.001)
	assert.InDelta(t, result.Long.Balance, result.Short.Balance, 1e-9)

	assert.Equal(t, 10, result.Long.MakerTrades)
	assert.Equal(t, 10, result.Short.MakerTrades)
	assert.Equal(t, 0, result.Long.TakerTrades)
	assert.Equal(t, 0, result.Long.StopLossTriggers)
	assert.Equal(t, 0, result.Long.LightningHits)
	assert.True(t, result.Long.Active)
	assert.True(t, result.Short.Active)

	assert.InDelta(t, 10*0.03, result.Long.CommissionPaid, 0.001)
}

func TestSimulateStopLossIndependent(t *testing.T) {
	// A 12-point red body on base 88 is a 13.64% move, above the 10% stop.
	candles := []Candle{candleAt(0, 100, 100, 88, 88)}

	result, err := Simulate(candles, testParams(), testConfig())
	require.NoError(t, err)

	// Loss is the body move applied to total capital: 2000 * 13.636% = 272.73,
	// charged to the long side only.
	assert.InDelta(t, 727.27, result.Long.Balance, 0.01)
	assert.InDelta(t, 1000.0, result.Short.Balance, 1e-9)

	assert.Equal(t, 1, result.Long.StopLossTriggers)
	assert.Equal(t, 0, result.Short.StopLossTriggers)
	assert.True(t, result.Long.Active)
	assert.True(t, result.Short.Active)

	require.Len(t, result.LogLong, 1)
	assert.Equal(t, TradeStopLoss, result.LogLong[0].Kind)
	assert.InDelta(t, -272.73, result.LogLong[0].PnLDelta, 0.01)
	assert.Empty(t, result.LogShort)
}

func TestSimulateStopLossGreenBodyHitsShort(t *testing.T) {
	candles := []Candle{candleAt(0, 100, 112, 100, 112)}

	result, err := Simulate(candles, testParams(), testConfig())
	require.NoError(t, err)

	assert.Equal(t, 0, result.Long.StopLossTriggers)
	assert.Equal(t, 1, result.Short.StopLossTriggers)
	assert.InDelta(t, 1000.0, result.Long.Balance, 1e-9)
	assert.Less(t, result.Short.Balance, 1000.0)
}

func TestSimulateStopLossCloseBoth(t *testing.T) {
	cfg := testConfig()
	cfg.StopLossStrategy = StopLossCloseBoth

	crash := candleAt(0, 100, 100, 88, 88)
	candles := append([]Candle{crash}, dojiCandles(5)...)

	result, err := Simulate(candles, testParams(), cfg)
	require.NoError(t, err)

	// Loss 2000 * 13.636% = 272.73 split evenly, then both sides end.
	assert.InDelta(t, 863.64, result.Long.Balance, 0.01)
	assert.InDelta(t, 863.64, result.Short.Balance, 0.01)
	assert.False(t, result.Long.Active)
	assert.False(t, result.Short.Active)

	// No further entries after deactivation, whatever follows.
	assert.Len(t, result.LogLong, 1)
	assert.Len(t, result.LogShort, 1)
	assert.Equal(t, 1, result.Long.StopLossTriggers)
	assert.Equal(t, 0, result.Short.StopLossTriggers)
}

func TestSimulateBodyOnlyCandleTakerCost(t *testing.T) {
	// Pure body, no wicks, below the stop threshold.
	candles := []Candle{candleAt(0, 100, 100, 98, 98)}

	result, err := Simulate(candles, testParams(), testConfig())
	require.NoError(t, err)

	// No wick span means no maker fills on either side.
	assert.Equal(t, 0, result.Long.MakerTrades)
	assert.Equal(t, 0, result.Short.MakerTrades)

	// The red body crosses the long grid: body 2/98 = 2.04% at 1% step is
	// 2.04 levels, costing 100 * 2.0408 * 0.05 / 100 = 0.102 in taker fees.
	assert.Equal(t, 2, result.Long.TakerTrades)
	assert.Equal(t, 0, result.Short.TakerTrades)
	assert.InDelta(t, 999.898, result.Long.Balance, 0.001)
	assert.InDelta(t, 1000.0, result.Short.Balance, 1e-9)
	assert.InDelta(t, 0.102, result.Long.CommissionPaid, 0.001)
}

func TestSimulateLightningCandle(t *testing.T) {
	// 20% high-low range exceeds the 15% threshold.
	candles := []Candle{candleAt(0, 100, 120, 100, 100)}

	result, err := Simulate(candles, testParams(), testConfig())
	require.NoError(t, err)

	// Loss percent min(0.3 * 20, 10) = 6% of 2000 total = 120, split across
	// both active sides.
	assert.InDelta(t, 940.0, result.Long.Balance, 0.001)
	assert.InDelta(t, 940.0, result.Short.Balance, 0.001)
	assert.Equal(t, 1, result.Long.LightningHits)
	assert.Equal(t, 1, result.Short.LightningHits)

	// Lightning candles produce no maker or taker activity.
	assert.Equal(t, 0, result.Long.MakerTrades)
	assert.Equal(t, 0, result.Long.TakerTrades)
	require.Len(t, result.LogLong, 1)
	assert.Equal(t, TradeLightning, result.LogLong[0].Kind)
}

func TestSimulateLightningLossCap(t *testing.T) {
	// A 50% range would imply a 15% loss; the cap holds it at 10%.
	candles := []Candle{candleAt(0, 100, 150, 100, 100)}

	result, err := Simulate(candles, testParams(), testConfig())
	require.NoError(t, err)

	assert.InDelta(t, 900.0, result.Long.Balance, 0.001)
	assert.InDelta(t, 900.0, result.Short.Balance, 0.001)
}

func TestSimulateLightningSplitAcrossSides(t *testing.T) {
	// 50% range: loss capped at 10% of the 2000 total, 100 per side.
	candles := []Candle{candleAt(0, 1.0, 1.20, 0.80, 1.05)}

	result, err := Simulate(candles, testParams(), testConfig())
	require.NoError(t, err)

	assert.InDelta(t, 900.0, result.Long.Balance, 0.001)
	assert.InDelta(t, 900.0, result.Short.Balance, 0.001)
	assert.InDelta(t, result.Long.CumulativePnL, result.Short.CumulativePnL, 1e-9)
}

func TestSimulateSubStepWicksNoFills(t *testing.T) {
	// 0.2% of total wick at a 0.5% step never spans a whole level, even
	// before the fill-efficiency discount.
	params := Params{RangePct: 10, StepPct: 0.5}
	candles := make([]Candle, 10)
	for i := range candles {
		candles[i] = candleAt(i, 100, 100.1, 99.9, 100)
	}

	result, err := Simulate(candles, params, testConfig())
	require.NoError(t, err)

	assert.Equal(t, 0, result.Long.MakerTrades)
	assert.Equal(t, 0, result.Short.MakerTrades)

	// Fractional fills still accrue a sliver of pnl.
	assert.Greater(t, result.Long.CumulativePnL, 0.0)
	assert.Less(t, result.Long.CumulativePnL, 1.0)
}

func TestSimulateStopLossDisabled(t *testing.T) {
	params := testParams()
	params.StopLossPct = 0

	candles := []Candle{candleAt(0, 100, 100, 88, 88)}

	result, err := Simulate(candles, params, testConfig())
	require.NoError(t, err)

	// Without capital protection the big red body is only a taker cost.
	assert.Equal(t, 0, result.Long.StopLossTriggers)
	assert.Greater(t, result.Long.TakerTrades, 0)
	assert.Greater(t, result.Long.Balance, 990.0)
}

func TestSimulateDeterministic(t *testing.T) {
	candles := make([]Candle, 50)
	for i := range candles {
		base := 100 + float64(i%7)
		candles[i] = candleAt(i, base, base+2, base-2, base+float64(i%3)-1)
	}

	first, err := Simulate(candles, testParams(), testConfig())
	require.NoError(t, err)
	second, err := Simulate(candles, testParams(), testConfig())
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestSimulateZeroBalanceSideInactive(t *testing.T) {
	cfg := testConfig()
	cfg.InitialBalanceShort = 0

	result, err := Simulate(dojiCandles(5), testParams(), cfg)
	require.NoError(t, err)

	assert.False(t, result.Short.Active)
	assert.Zero(t, result.Short.Balance)
	assert.Empty(t, result.LogShort)

	assert.True(t, result.Long.Active)
	assert.Greater(t, result.Long.Balance, 1000.0)
	assert.Equal(t, 5, result.Long.MakerTrades)
}

func TestSimulateMalformedCandleSkipped(t *testing.T) {
	candles := []Candle{
		candleAt(0, 100, 101, 99, 100),
		candleAt(1, 0, 0, 0, 0), // corrupted row
		candleAt(2, 100, 101, 99, 100),
	}

	result, err := Simulate(candles, testParams(), testConfig())
	require.NoError(t, err)

	// Only the two valid candles trade.
	assert.Equal(t, 2, result.Long.MakerTrades)
	assert.Len(t, result.LogLong, 2)
}

func TestSimulateClampsInvertedWicks(t *testing.T) {
	// High below close violates the candle invariant; the negative upper
	// wick must clamp to zero rather than produce negative fills.
	candles := []Candle{candleAt(0, 100, 100.5, 100, 101)}

	result, err := Simulate(candles, testParams(), testConfig())
	require.NoError(t, err)

	assert.Equal(t, 0, result.Long.MakerTrades)
	assert.Equal(t, 0, result.Short.MakerTrades)
	assert.GreaterOrEqual(t, result.Long.Balance, 1000.0)
}

func TestSimulateEmptyCandles(t *testing.T) {
	result, err := Simulate(nil, testParams(), testConfig())
	require.NoError(t, err)

	assert.InDelta(t, 1000.0, result.Long.Balance, 1e-9)
	assert.InDelta(t, 1000.0, result.Short.Balance, 1e-9)
	assert.Zero(t, result.Long.MakerTrades+result.Long.TakerTrades)
	assert.Empty(t, result.LogLong)
	assert.Empty(t, result.LogShort)
}

func TestSimulateInvalidStep(t *testing.T) {
	_, err := Simulate(dojiCandles(1), Params{RangePct: 10, StepPct: 0}, testConfig())
	assert.ErrorIs(t, err, ErrInvalidStep)

	_, err = Simulate(dojiCandles(1), Params{RangePct: 10, StepPct: -1}, testConfig())
	assert.ErrorIs(t, err, ErrInvalidStep)
}

func TestSimulateNegativeBalance(t *testing.T) {
	cfg := testConfig()
	cfg.InitialBalanceLong = -100

	_, err := Simulate(dojiCandles(1), testParams(), cfg)
	assert.ErrorIs(t, err, ErrNegativeBalance)
}

func TestSimulateDefaultsApplied(t *testing.T) {
	cfg := SimConfig{
		InitialBalanceLong:  1000,
		InitialBalanceShort: 1000,
	}

	// Zero-value tuning and strategy fall back to defaults instead of
	// dividing by zero or skipping the stop-loss branch.
	result, err := Simulate([]Candle{candleAt(0, 100, 120, 100, 100)}, testParams(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Long.LightningHits)
}

func TestSimulateGridResizeAfterLoss(t *testing.T) {
	// Stop-loss drains the long side to 727; the grid shrinks to 7 levels
	// of ~103.9 each, so the next doji credits more per level than before.
	crash := candleAt(0, 100, 100, 88, 88)
	doji := candleAt(1, 100, 101, 99, 100)

	result, err := Simulate([]Candle{crash, doji}, testParams(), testConfig())
	require.NoError(t, err)

	require.Len(t, result.LogLong, 2)
	longMaker := result.LogLong[1]
	require.Len(t, result.LogShort, 1)
	shortMaker := result.LogShort[0]

	// Same candle, but the resized long grid works bigger orders.
	assert.Equal(t, TradeMaker, longMaker.Kind)
	assert.Equal(t, TradeMaker, shortMaker.Kind)
	assert.Greater(t, longMaker.PnLDelta, shortMaker.PnLDelta)
}

func TestSimulateBalanceNeverNegative(t *testing.T) {
	// Repeated crashes cannot push a balance below zero.
	candles := make([]Candle, 20)
	for i := range candles {
		candles[i] = candleAt(i, 100, 100, 86, 86)
	}

	result, err := Simulate(candles, testParams(), testConfig())
	require.NoError(t, err)

	assert.GreaterOrEqual(t, result.Long.Balance, 0.0)
	assert.GreaterOrEqual(t, result.Short.Balance, 0.0)
	for _, entry := range result.LogLong {
		assert.GreaterOrEqual(t, entry.Balance, 0.0)
	}
}

func TestParamsKey(t *testing.T) {
	p := Params{RangePct: 25, StepPct: 1.5, StopLossPct: 10}
	assert.Equal(t, "25.0_1.5_10.0", p.Key())

	// Keys define candidate identity for de-duplication.
	assert.Equal(t, p.Key(), Params{RangePct: 25.0, StepPct: 1.5, StopLossPct: 10.0}.Key())
	assert.NotEqual(t, p.Key(), Params{RangePct: 25, StepPct: 2.0, StopLossPct: 10}.Key())
}
