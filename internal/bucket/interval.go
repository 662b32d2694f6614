package bucket

import (
	"fmt"
	"time"
)

// Interval is a fixed bucket width for the net value curve.
type Interval struct {
	Name   string
	Millis int64
}

var supported = []Interval{
	{Name: "1h", Millis: time.Hour.Milliseconds()},
	{Name: "2h", Millis: 2 * time.Hour.Milliseconds()},
	{Name: "4h", Millis: 4 * time.Hour.Milliseconds()},
	{Name: "8h", Millis: 8 * time.Hour.Milliseconds()},
	{Name: "12h", Millis: 12 * time.Hour.Milliseconds()},
	{Name: "1d", Millis: 24 * time.Hour.Milliseconds()},
}

// Supported returns the bucket widths the engine can compute, in ascending order.
func Supported() []Interval {
	out := make([]Interval, len(supported))
	copy(out, supported)
	return out
}

// ParseInterval parses an interval name such as "4h" or "1d".
func ParseInterval(name string) (Interval, error) {
	for _, iv := range supported {
		if iv.Name == name {
			return iv, nil
		}
	}
	return Interval{}, fmt.Errorf("unsupported interval %q", name)
}

// Truncate floors a millisecond timestamp to the start of its bucket.
func (iv Interval) Truncate(tsMs int64) int64 {
	return tsMs / iv.Millis * iv.Millis
}

// Key truncates a millisecond timestamp to the granularity used to join
// candle open prices onto bucket boundaries: whole days for the daily
// interval, whole hours otherwise. Candles and buckets are both aligned
// to the interval width, so the coarser key makes the join tolerant of
// sub-second drift in upstream candle timestamps.
func (iv Interval) Key(tsMs int64) int64 {
	t := time.UnixMilli(tsMs).UTC()
	if iv.Millis >= 24*time.Hour.Milliseconds() {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).UnixMilli()
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC).UnixMilli()
}
