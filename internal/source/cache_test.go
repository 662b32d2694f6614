package source_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"NavCurve/internal/bucket"
	"NavCurve/internal/source"
)

type countingBackend struct {
	seriesCalls int
	pointCalls  int
	pointErr    error
}

func (b *countingBackend) OpenPrices(_ context.Context, _ bucket.Market, _ string, iv bucket.Interval, startMs, endMs int64) (map[int64]float64, error) {
	b.seriesCalls++
	out := make(map[int64]float64)
	for ts := iv.Truncate(startMs); ts < endMs; ts += iv.Millis {
		out[ts] = 100
	}
	return out, nil
}

func (b *countingBackend) SpotOpenPriceAt(_ context.Context, _ string, _ int64) (float64, error) {
	b.pointCalls++
	if b.pointErr != nil {
		return 0, b.pointErr
	}
	return 4.2, nil
}

// ============================================================================
// Test: CachedPriceSource
// ============================================================================

func TestCachedOpenPrices_MemoizesPerRange(t *testing.T) {
	backend := &countingBackend{}
	c := source.NewCachedPriceSource(backend, nil, time.Hour, zerolog.Nop(), nil)
	iv, _ := bucket.ParseInterval("1h")
	ctx := context.Background()

	first, err := c.OpenPrices(ctx, bucket.MarketPerp, "BTC", iv, 0, 7_200_000)
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.OpenPrices(ctx, bucket.MarketPerp, "BTC", iv, 0, 7_200_000)
	if err != nil {
		t.Fatal(err)
	}
	if backend.seriesCalls != 1 {
		t.Errorf("backend called %d times, want 1", backend.seriesCalls)
	}
	if len(first) != 2 || len(second) != 2 {
		t.Errorf("series lengths = %d/%d, want 2/2", len(first), len(second))
	}

	// a different range is a different entry
	if _, err := c.OpenPrices(ctx, bucket.MarketPerp, "BTC", iv, 0, 10_800_000); err != nil {
		t.Fatal(err)
	}
	if backend.seriesCalls != 2 {
		t.Errorf("backend called %d times after new range, want 2", backend.seriesCalls)
	}
}

func TestCachedOpenPrices_KeysIncludeMarket(t *testing.T) {
	backend := &countingBackend{}
	c := source.NewCachedPriceSource(backend, nil, time.Hour, zerolog.Nop(), nil)
	iv, _ := bucket.ParseInterval("1h")
	ctx := context.Background()

	if _, err := c.OpenPrices(ctx, bucket.MarketPerp, "HYPE", iv, 0, 3_600_000); err != nil {
		t.Fatal(err)
	}
	if _, err := c.OpenPrices(ctx, bucket.MarketSpot, "HYPE", iv, 0, 3_600_000); err != nil {
		t.Fatal(err)
	}
	if backend.seriesCalls != 2 {
		t.Errorf("backend called %d times, want 2 (per market)", backend.seriesCalls)
	}
}

func TestCachedSpotOpenPriceAt_Memoizes(t *testing.T) {
	backend := &countingBackend{}
	c := source.NewCachedPriceSource(backend, nil, time.Hour, zerolog.Nop(), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		price, err := c.SpotOpenPriceAt(ctx, "HYPE", 1_000)
		if err != nil {
			t.Fatal(err)
		}
		if price != 4.2 {
			t.Errorf("price = %v, want 4.2", price)
		}
	}
	if backend.pointCalls != 1 {
		t.Errorf("backend called %d times, want 1", backend.pointCalls)
	}
}

func TestCachedSpotOpenPriceAt_ErrorsNotCached(t *testing.T) {
	backend := &countingBackend{pointErr: errors.New("no candle")}
	c := source.NewCachedPriceSource(backend, nil, time.Hour, zerolog.Nop(), nil)
	ctx := context.Background()

	if _, err := c.SpotOpenPriceAt(ctx, "HYPE", 1_000); err == nil {
		t.Fatal("expected backend error")
	}
	backend.pointErr = nil
	price, err := c.SpotOpenPriceAt(ctx, "HYPE", 1_000)
	if err != nil {
		t.Fatal(err)
	}
	if price != 4.2 {
		t.Errorf("price = %v, want 4.2", price)
	}
	if backend.pointCalls != 2 {
		t.Errorf("backend called %d times, want 2", backend.pointCalls)
	}
}
