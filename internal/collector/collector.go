// Package collector fetches historical OHLCV data for the simulation engine.
package collector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/gridlabs/dualgrid/pkg/grid"
)

// CandleSource provides the candle series a simulation or optimization run
// consumes. Implementations return candles in chronological order.
type CandleSource interface {
	Candles(ctx context.Context, symbol, interval string, days int) ([]grid.Candle, error)
}

// ============================================================================
// STATIC SOURCE
// ============================================================================

// StaticSource serves a fixed in-memory series. Used for tests and for
// replaying previously exported data.
type StaticSource struct {
	Series []grid.Candle
}

// Candles returns the stored series regardless of symbol or window.
func (s *StaticSource) Candles(_ context.Context, _, _ string, _ int) ([]grid.Candle, error) {
	return s.Series, nil
}

// ============================================================================
// BINANCE COLLECTOR
// ============================================================================

// BinanceCollector fetches klines from the Binance spot API with rate
// limiting, retries and chunked requests.
type BinanceCollector struct {
	client      *binance.Client
	rateLimiter *rate.Limiter

	klinesPerRequest int
	maxRetries       int
}

// Options tunes the collector's request behavior. Zero fields take defaults.
type Options struct {
	APIKey            string
	APISecret         string
	Testnet           bool
	KlinesPerRequest  int // default 1000, the API maximum
	RequestsPerSecond int // default 10
	MaxRetries        int // default 3
}

// NewBinanceCollector creates a collector for historical spot klines.
// Klines are public data, so empty credentials are fine.
func NewBinanceCollector(opts Options) *BinanceCollector {
	if opts.KlinesPerRequest <= 0 || opts.KlinesPerRequest > 1000 {
		opts.KlinesPerRequest = 1000
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 10
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}

	if opts.Testnet {
		binance.UseTestnet = true
		log.Info().Msg("Binance collector initialized (TESTNET mode)")
	}

	return &BinanceCollector{
		client:           binance.NewClient(opts.APIKey, opts.APISecret),
		rateLimiter:      rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.RequestsPerSecond*2),
		klinesPerRequest: opts.KlinesPerRequest,
		maxRetries:       opts.MaxRetries,
	}
}

// Candles fetches the last `days` of klines for the symbol at the given
// interval, in chronological order.
func (c *BinanceCollector) Candles(ctx context.Context, symbol, interval string, days int) ([]grid.Candle, error) {
	intervalDur, err := parseInterval(interval)
	if err != nil {
		return nil, err
	}

	end := time.Now()
	start := end.AddDate(0, 0, -days)

	// Chunk the window so each request stays within the kline limit.
	chunk := intervalDur * time.Duration(c.klinesPerRequest)

	var candles []grid.Candle
	cur := start
	for cur.Before(end) {
		chunkEnd := cur.Add(chunk)
		if chunkEnd.After(end) {
			chunkEnd = end
		}

		klines, err := c.fetchKlines(ctx, symbol, interval, cur.UnixMilli(), chunkEnd.UnixMilli())
		if err != nil {
			return nil, fmt.Errorf("fetch klines %s %s: %w", symbol, interval, err)
		}

		for _, k := range klines {
			candle, err := parseKline(k)
			if err != nil {
				log.Warn().Err(err).Str("symbol", symbol).Int64("open_time", k.OpenTime).Msg("Skipping unparseable kline")
				continue
			}
			candles = append(candles, candle)
		}

		// The start/end filters are inclusive on open time, so the next
		// request must begin one interval past the last kline returned or
		// the boundary candle comes back twice.
		if len(klines) > 0 {
			next := time.UnixMilli(klines[len(klines)-1].OpenTime).Add(intervalDur)
			if next.After(cur) {
				cur = next
				continue
			}
		}
		cur = chunkEnd
	}

	sort.Slice(candles, func(i, j int) bool {
		return candles[i].Timestamp.Before(candles[j].Timestamp)
	})
	candles = dedupeCandles(candles)

	log.Info().
		Str("symbol", symbol).
		Str("interval", interval).
		Int("days", days).
		Int("candles", len(candles)).
		Msg("Historical data collected")

	return candles, nil
}

// dedupeCandles drops repeated timestamps from a sorted series, keeping the
// first occurrence.
func dedupeCandles(candles []grid.Candle) []grid.Candle {
	if len(candles) < 2 {
		return candles
	}
	out := candles[:1]
	for _, c := range candles[1:] {
		if c.Timestamp.Equal(out[len(out)-1].Timestamp) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// fetchKlines performs one rate-limited API call with exponential backoff
// retries.
func (c *BinanceCollector) fetchKlines(ctx context.Context, symbol, interval string, startMs, endMs int64) ([]*binance.Kline, error) {
	backoff := 100 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, err
		}

		klines, err := c.client.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			StartTime(startMs).
			EndTime(endMs).
			Limit(c.klinesPerRequest).
			Do(ctx)
		if err == nil {
			return klines, nil
		}
		lastErr = err

		if attempt == c.maxRetries {
			break
		}

		waitTime := time.Duration(math.Pow(2, float64(attempt))) * backoff
		log.Warn().
			Err(err).
			Str("symbol", symbol).
			Int("attempt", attempt+1).
			Dur("backoff", waitTime).
			Msg("Kline request failed, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(waitTime):
		}
	}

	return nil, lastErr
}

// ListUSDTPairs returns all trading spot symbols quoted in USDT.
func (c *BinanceCollector) ListUSDTPairs(ctx context.Context) ([]string, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	info, err := c.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("exchange info: %w", err)
	}

	var pairs []string
	for _, s := range info.Symbols {
		if s.QuoteAsset == "USDT" && s.Status == "TRADING" {
			pairs = append(pairs, s.Symbol)
		}
	}
	sort.Strings(pairs)

	return pairs, nil
}

// ============================================================================
// PARSING
// ============================================================================

// parseKline converts one API kline into an engine candle.
func parseKline(k *binance.Kline) (grid.Candle, error) {
	open, err := strconv.ParseFloat(k.Open, 64)
	if err != nil {
		return grid.Candle{}, fmt.Errorf("parse open %q: %w", k.Open, err)
	}
	high, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return grid.Candle{}, fmt.Errorf("parse high %q: %w", k.High, err)
	}
	low, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return grid.Candle{}, fmt.Errorf("parse low %q: %w", k.Low, err)
	}
	closePrice, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return grid.Candle{}, fmt.Errorf("parse close %q: %w", k.Close, err)
	}
	volume, err := strconv.ParseFloat(k.Volume, 64)
	if err != nil {
		return grid.Candle{}, fmt.Errorf("parse volume %q: %w", k.Volume, err)
	}

	return grid.Candle{
		Timestamp: time.UnixMilli(k.OpenTime).UTC(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
	}, nil
}

// parseInterval maps a Binance interval string to its duration.
func parseInterval(interval string) (time.Duration, error) {
	intervals := map[string]time.Duration{
		"1m":  time.Minute,
		"3m":  3 * time.Minute,
		"5m":  5 * time.Minute,
		"15m": 15 * time.Minute,
		"30m": 30 * time.Minute,
		"1h":  time.Hour,
		"2h":  2 * time.Hour,
		"4h":  4 * time.Hour,
		"6h":  6 * time.Hour,
		"8h":  8 * time.Hour,
		"12h": 12 * time.Hour,
		"1d":  24 * time.Hour,
		"3d":  72 * time.Hour,
		"1w":  7 * 24 * time.Hour,
	}

	d, ok := intervals[interval]
	if !ok {
		return 0, fmt.Errorf("unsupported interval %q", interval)
	}
	return d, nil
}
