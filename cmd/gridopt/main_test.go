// CLI mode tests
package main

import (
	"context"
	"io"
	"math"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridlabs/dualgrid/internal/collector"
	"github.com/gridlabs/dualgrid/internal/config"
	"github.com/gridlabs/dualgrid/pkg/grid"
)

func testCLIConfig() *config.Config {
	return &config.Config{
		Engine: config.EngineConfig{
			InitialBalanceLong:  1000,
			InitialBalanceShort: 1000,
			MakerRatePct:        0.02,
			TakerRatePct:        0.05,
			StopLossStrategy:    "independent",
		},
		Optimizer: config.OptimizerConfig{
			PopulationSize: 6,
			Generations:    2,
			MutationRate:   0.3,
			ForwardTestPct: 0.3,
			MaxWorkers:     2,
		},
		Collector: config.CollectorConfig{Interval: "1h", Days: 30},
	}
}

func waveCandles(n int) []grid.Candle {
	candles := make([]grid.Candle, n)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range candles {
		mid := 100 + 5*math.Sin(float64(i)/6)
		candles[i] = grid.Candle{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Open:      mid,
			High:      mid * 1.01,
			Low:       mid * 0.99,
			Close:     mid + 0.2,
			Volume:    100,
		}
	}
	return candles
}

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	prev := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = prev }()

	fn()

	require.NoError(t, w.Close())
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(out)
}

func TestRunOptimizePrintsPartialResultsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	source := &collector.StaticSource{Series: waveCandles(60)}

	var runErr error
	out := captureStdout(t, func() {
		runErr = runOptimize(ctx, testCLIConfig(), source)
	})

	assert.ErrorIs(t, runErr, context.Canceled)
	// The rounds completed before the interrupt still reach the user.
	assert.Contains(t, out, "RANK  RANGE%  STEP%  STOP%")
}

func TestParseSymbols(t *testing.T) {
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, parseSymbols("btcusdt, ethusdt"))
	assert.Empty(t, parseSymbols(""))
	assert.Empty(t, parseSymbols(" , "))
}
