package bucket_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"NavCurve/internal/bucket"
	"NavCurve/internal/testutil"
)

const hourMs = int64(3_600_000)

// ============================================================================
// Test: Interval
// ============================================================================

func TestParseInterval(t *testing.T) {
	for _, name := range []string{"1h", "2h", "4h", "8h", "12h", "1d"} {
		iv, err := bucket.ParseInterval(name)
		if err != nil {
			t.Errorf("ParseInterval(%q): %v", name, err)
		}
		if iv.Name != name {
			t.Errorf("got %q, want %q", iv.Name, name)
		}
	}
	if _, err := bucket.ParseInterval("3h"); err == nil {
		t.Error("ParseInterval(3h) should fail")
	}
	if _, err := bucket.ParseInterval(""); err == nil {
		t.Error("ParseInterval of empty string should fail")
	}
}

func TestInterval_Truncate(t *testing.T) {
	iv, _ := bucket.ParseInterval("4h")
	base := 100 * 4 * hourMs
	if got := iv.Truncate(base + 3*hourMs + 17); got != base {
		t.Errorf("Truncate = %d, want %d", got, base)
	}
	if got := iv.Truncate(base); got != base {
		t.Errorf("Truncate of aligned ts = %d, want %d", got, base)
	}
}

func TestInterval_KeyHourly(t *testing.T) {
	iv, _ := bucket.ParseInterval("2h")
	// 2025-08-18 06:00:00.250 UTC keys to 06:00:00.
	ts := time.Date(2025, 8, 18, 6, 0, 0, 250_000_000, time.UTC).UnixMilli()
	want := time.Date(2025, 8, 18, 6, 0, 0, 0, time.UTC).UnixMilli()
	if got := iv.Key(ts); got != want {
		t.Errorf("Key = %d, want %d", got, want)
	}
}

func TestInterval_KeyDaily(t *testing.T) {
	iv, _ := bucket.ParseInterval("1d")
	ts := time.Date(2025, 8, 18, 23, 59, 59, 0, time.UTC).UnixMilli()
	want := time.Date(2025, 8, 18, 0, 0, 0, 0, time.UTC).UnixMilli()
	if got := iv.Key(ts); got != want {
		t.Errorf("Key = %d, want %d", got, want)
	}
}

// ============================================================================
// Test: MakeStarts
// ============================================================================

func TestMakeStarts_CoversFirstThroughLastChecked(t *testing.T) {
	iv, _ := bucket.ParseInterval("1h")
	first := 10*hourMs + 500
	last := 12*hourMs + 100

	starts := iv.MakeStarts(first, last)
	want := []int64{10 * hourMs, 11 * hourMs, 12 * hourMs}
	if len(starts) != len(want) {
		t.Fatalf("got %d starts, want %d", len(starts), len(want))
	}
	for i := range want {
		if starts[i] != want[i] {
			t.Errorf("starts[%d] = %d, want %d", i, starts[i], want[i])
		}
	}
}

func TestMakeStarts_SingleBucket(t *testing.T) {
	iv, _ := bucket.ParseInterval("1h")
	starts := iv.MakeStarts(10*hourMs+1, 10*hourMs+2)
	if len(starts) != 1 || starts[0] != 10*hourMs {
		t.Errorf("got %v, want one start at %d", starts, 10*hourMs)
	}
}

func TestMakeStarts_LastBeforeFirst(t *testing.T) {
	iv, _ := bucket.ParseInterval("1h")
	starts := iv.MakeStarts(10*hourMs, 5*hourMs)
	if len(starts) != 1 || starts[0] != 10*hourMs {
		t.Errorf("got %v, want the first-event bucket only", starts)
	}
}

// ============================================================================
// Test: Build
// ============================================================================

func TestBuild_LoadsBothMarkets(t *testing.T) {
	prices := testutil.NewFakePrices()
	prices.Spot["HYPE"] = 25
	prices.Perp["BTC"] = 60000

	iv, _ := bucket.ParseInterval("1h")
	b := bucket.NewBucketer(prices, 2, zerolog.Nop(), nil)

	grid, err := b.Build(context.Background(), iv, 10*hourMs, 12*hourMs,
		map[string]struct{}{"HYPE": {}},
		map[string]struct{}{"BTC": {}})
	if err != nil {
		t.Fatal(err)
	}

	if len(grid.Starts) != 3 {
		t.Fatalf("got %d buckets, want 3", len(grid.Starts))
	}
	for _, ts := range grid.Starts {
		if p, ok := grid.SpotPrice("HYPE", ts); !ok || p != 25 {
			t.Errorf("spot HYPE at %d = (%v, %v), want (25, true)", ts, p, ok)
		}
		if p, ok := grid.PerpPrice("BTC", ts); !ok || p != 60000 {
			t.Errorf("perp BTC at %d = (%v, %v), want (60000, true)", ts, p, ok)
		}
	}
}

func TestBuild_USDCNeedsNoSeries(t *testing.T) {
	prices := testutil.NewFakePrices()
	iv, _ := bucket.ParseInterval("1h")
	b := bucket.NewBucketer(prices, 2, zerolog.Nop(), nil)

	grid, err := b.Build(context.Background(), iv, 10*hourMs, 10*hourMs,
		map[string]struct{}{"USDC": {}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if prices.Calls["spot/USDC"] != 0 {
		t.Error("USDC spot prices should never be fetched")
	}
	if p, ok := grid.SpotPrice("USDC", 10*hourMs); !ok || p != 1.0 {
		t.Errorf("USDC price = (%v, %v), want (1, true)", p, ok)
	}
}

func TestBuild_GapsRecordZero(t *testing.T) {
	prices := testutil.NewFakePrices()
	// No candles at all for NEWCOIN.
	iv, _ := bucket.ParseInterval("1h")
	b := bucket.NewBucketer(prices, 2, zerolog.Nop(), nil)

	grid, err := b.Build(context.Background(), iv, 10*hourMs, 11*hourMs,
		map[string]struct{}{"NEWCOIN": {}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	p, ok := grid.SpotPrice("NEWCOIN", 10*hourMs)
	if !ok {
		t.Fatal("gap boundaries should still be present in the series")
	}
	if p != 0 {
		t.Errorf("gap price = %v, want 0", p)
	}
}
