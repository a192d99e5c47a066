// Collector unit tests
package collector

import (
	"context"
	"testing"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridlabs/dualgrid/pkg/grid"
)

func TestStaticSource(t *testing.T) {
	series := []grid.Candle{
		{Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Open: 100, High: 101, Low: 99, Close: 100},
		{Timestamp: time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC), Open: 100, High: 102, Low: 100, Close: 101},
	}
	source := &StaticSource{Series: series}

	got, err := source.Candles(context.Background(), "BTCUSDT", "1h", 30)
	require.NoError(t, err)
	assert.Equal(t, series, got)
}

func TestParseKline(t *testing.T) {
	k := &binance.Kline{
		OpenTime: 1704067200000, // 2024-01-01 00:00:00 UTC
		Open:     "42000.50",
		High:     "42500.00",
		Low:      "41800.25",
		Close:    "42300.75",
		Volume:   "1234.56",
	}

	candle, err := parseKline(k)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), candle.Timestamp)
	assert.Equal(t, 42000.50, candle.Open)
	assert.Equal(t, 42500.00, candle.High)
	assert.Equal(t, 41800.25, candle.Low)
	assert.Equal(t, 42300.75, candle.Close)
	assert.Equal(t, 1234.56, candle.Volume)
}

func TestParseKlineBadNumber(t *testing.T) {
	k := &binance.Kline{
		OpenTime: 1704067200000,
		Open:     "not-a-number",
		High:     "42500.00",
		Low:      "41800.25",
		Close:    "42300.75",
		Volume:   "1234.56",
	}

	_, err := parseKline(k)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "parse open")
}

func TestParseInterval(t *testing.T) {
	d, err := parseInterval("1h")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, d)

	d, err = parseInterval("1d")
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, d)

	_, err = parseInterval("7m")
	assert.Error(t, err)
}

func TestDedupeCandles(t *testing.T) {
	at := func(hour int) time.Time {
		return time.Date(2024, 1, 1, hour, 0, 0, 0, time.UTC)
	}
	// Overlapping chunk fetches repeat the boundary candle.
	candles := []grid.Candle{
		{Timestamp: at(0), Open: 100, High: 101, Low: 99, Close: 100},
		{Timestamp: at(1), Open: 100, High: 102, Low: 100, Close: 101},
		{Timestamp: at(1), Open: 100, High: 102, Low: 100, Close: 101},
		{Timestamp: at(2), Open: 101, High: 103, Low: 101, Close: 102},
		{Timestamp: at(2), Open: 101, High: 103, Low: 101, Close: 102},
		{Timestamp: at(3), Open: 102, High: 104, Low: 102, Close: 103},
	}

	got := dedupeCandles(candles)

	require.Len(t, got, 4)
	for i, c := range got {
		assert.Equal(t, at(i), c.Timestamp)
	}

	// Already-unique series pass through untouched.
	unique := []grid.Candle{{Timestamp: at(0)}, {Timestamp: at(1)}}
	assert.Equal(t, unique, dedupeCandles(unique))

	assert.Empty(t, dedupeCandles(nil))
}

func TestNewBinanceCollectorDefaults(t *testing.T) {
	c := NewBinanceCollector(Options{})

	assert.Equal(t, 1000, c.klinesPerRequest)
	assert.Equal(t, 3, c.maxRetries)
	assert.NotNil(t, c.client)
	assert.NotNil(t, c.rateLimiter)

	// Out-of-range request size falls back to the API maximum.
	c = NewBinanceCollector(Options{KlinesPerRequest: 5000})
	assert.Equal(t, 1000, c.klinesPerRequest)
}
