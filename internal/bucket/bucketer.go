package bucket

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"NavCurve/internal/observability"
)

// Market selects which candle universe a price series comes from.
type Market string

const (
	MarketSpot Market = "spot"
	MarketPerp Market = "perp"
)

// PriceSource fetches historical open prices at the requested interval.
// The returned map is keyed by candle start time in milliseconds.
type PriceSource interface {
	OpenPrices(ctx context.Context, market Market, coin string, iv Interval, startMs, endMs int64) (map[int64]float64, error)
}

// Series maps a bucket start timestamp to the open price at that boundary.
// A zero value means no candle covered the boundary.
type Series map[int64]float64

// Grid is a complete bucket timeline with the prices needed to value
// positions at each boundary.
type Grid struct {
	Interval   Interval
	Starts     []int64
	SpotPrices map[string]Series
	PerpPrices map[string]Series
}

// SpotPrice returns the spot open price for coin at a bucket boundary.
// USDC is always 1. The second return is false when no price is known.
func (g *Grid) SpotPrice(coin string, tsMs int64) (float64, bool) {
	if coin == "USDC" {
		return 1.0, true
	}
	s, ok := g.SpotPrices[coin]
	if !ok {
		return 0, false
	}
	p, ok := s[tsMs]
	return p, ok
}

// PerpPrice returns the perp open price for coin at a bucket boundary.
func (g *Grid) PerpPrice(coin string, tsMs int64) (float64, bool) {
	s, ok := g.PerpPrices[coin]
	if !ok {
		return 0, false
	}
	p, ok := s[tsMs]
	return p, ok
}

// Bucketer builds the time grid and preloads prices for every coin that
// appears in the reconstructed timeline.
type Bucketer struct {
	prices  PriceSource
	workers int
	log     zerolog.Logger
	metrics *observability.Metrics
}

// NewBucketer wires a bucketer to its price source. workers bounds the
// number of concurrent coin fetches; values below 1 fall back to 4.
func NewBucketer(prices PriceSource, workers int, log zerolog.Logger, metrics *observability.Metrics) *Bucketer {
	if workers < 1 {
		workers = 4
	}
	return &Bucketer{prices: prices, workers: workers, log: log, metrics: metrics}
}

// MakeStarts generates the bucket start timestamps covering firstEventMs
// through lastCheckedMs. The grid begins at the boundary containing the
// first event and ends at the boundary after the last event whose position
// was verified against an account snapshot.
func (iv Interval) MakeStarts(firstEventMs, lastCheckedMs int64) []int64 {
	if lastCheckedMs < firstEventMs {
		lastCheckedMs = firstEventMs
	}
	start := iv.Truncate(firstEventMs)
	end := iv.Truncate(lastCheckedMs) + iv.Millis
	starts := make([]int64, 0, (end-start)/iv.Millis)
	for ts := start; ts < end; ts += iv.Millis {
		starts = append(starts, ts)
	}
	return starts
}

// Build creates the grid for the given coin sets. Spot coins are valued
// against spot candles and perp coins against perp candles; USDC never
// needs a series. Boundaries with no candle are recorded as price zero.
func (b *Bucketer) Build(ctx context.Context, iv Interval, firstEventMs, lastCheckedMs int64, spotCoins, perpCoins map[string]struct{}) (*Grid, error) {
	grid := &Grid{
		Interval:   iv,
		Starts:     iv.MakeStarts(firstEventMs, lastCheckedMs),
		SpotPrices: make(map[string]Series),
		PerpPrices: make(map[string]Series),
	}
	if len(grid.Starts) == 0 {
		return nil, fmt.Errorf("empty bucket grid for interval %s", iv.Name)
	}

	type job struct {
		market Market
		coin   string
	}
	jobs := make([]job, 0, len(spotCoins)+len(perpCoins))
	for _, coin := range sortedCoins(spotCoins) {
		if coin == "USDC" {
			continue
		}
		jobs = append(jobs, job{market: MarketSpot, coin: coin})
	}
	for _, coin := range sortedCoins(perpCoins) {
		jobs = append(jobs, job{market: MarketPerp, coin: coin})
	}

	b.log.Info().
		Str("interval", iv.Name).
		Int("buckets", len(grid.Starts)).
		Int("coins", len(jobs)).
		Msg("preloading open prices")

	startMs := grid.Starts[0]
	endMs := grid.Starts[len(grid.Starts)-1] + iv.Millis

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		sem  = make(chan struct{}, b.workers)
		errs []error
	)
	for _, j := range jobs {
		j := j
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			series, err := b.loadSeries(ctx, j.market, j.coin, iv, startMs, endMs, grid.Starts)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("load %s prices for %s: %w", j.market, j.coin, err))
				return
			}
			if j.market == MarketSpot {
				grid.SpotPrices[j.coin] = series
			} else {
				grid.PerpPrices[j.coin] = series
			}
		}()
	}
	wg.Wait()
	if len(errs) > 0 {
		return nil, errs[0]
	}
	return grid, nil
}

func (b *Bucketer) loadSeries(ctx context.Context, market Market, coin string, iv Interval, startMs, endMs int64, starts []int64) (Series, error) {
	raw, err := b.prices.OpenPrices(ctx, market, coin, iv, startMs, endMs)
	if err != nil {
		return nil, err
	}

	// Candles and bucket boundaries are both aligned to the interval
	// width, so joining on the truncated key absorbs drift in the
	// upstream candle timestamps.
	byKey := make(map[int64]float64, len(raw))
	for ts, open := range raw {
		byKey[iv.Key(ts)] = open
	}

	series := make(Series, len(starts))
	gaps := 0
	for _, ts := range starts {
		open, ok := byKey[iv.Key(ts)]
		if !ok {
			gaps++
			series[ts] = 0
			continue
		}
		series[ts] = open
	}
	if gaps > 0 {
		if b.metrics != nil {
			b.metrics.PriceGaps.WithLabelValues(string(market)).Add(float64(gaps))
		}
		b.log.Warn().
			Str("market", string(market)).
			Str("coin", coin).
			Int("gaps", gaps).
			Int("buckets", len(starts)).
			Msg("missing open prices at bucket boundaries")
	}
	return series, nil
}

func sortedCoins(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
