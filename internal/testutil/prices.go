package testutil

import (
	"context"
	"fmt"

	"NavCurve/internal/bucket"
)

// FakePrices serves constant open prices per coin, one candle per
// aligned bucket start. Missing coins yield no candles.
type FakePrices struct {
	Spot map[string]float64
	Perp map[string]float64

	// Calls counts OpenPrices invocations per "market/coin".
	Calls map[string]int
}

func NewFakePrices() *FakePrices {
	return &FakePrices{
		Spot:  make(map[string]float64),
		Perp:  make(map[string]float64),
		Calls: make(map[string]int),
	}
}

func (f *FakePrices) OpenPrices(ctx context.Context, market bucket.Market, coin string, iv bucket.Interval, startMs, endMs int64) (map[int64]float64, error) {
	if f.Calls != nil {
		f.Calls[fmt.Sprintf("%s/%s", market, coin)]++
	}
	book := f.Perp
	if market == bucket.MarketSpot {
		book = f.Spot
	}
	price, ok := book[coin]
	if !ok {
		return map[int64]float64{}, nil
	}
	out := make(map[int64]float64)
	for ts := iv.Truncate(startMs); ts <= endMs; ts += iv.Millis {
		out[ts] = price
	}
	return out, nil
}

func (f *FakePrices) SpotOpenPriceAt(ctx context.Context, coin string, tsMs int64) (float64, error) {
	price, ok := f.Spot[coin]
	if !ok {
		return 0, fmt.Errorf("no spot candle at or before %d for %s", tsMs, coin)
	}
	return price, nil
}
