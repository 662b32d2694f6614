package snapshot

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// PerpPosition is one perp book line in a snapshot.
type PerpPosition struct {
	Coin   string
	Amount float64
	Dir    string // "long", "short" or "" for flat
}

// Snapshot is the authoritative account state at one point in time.
type Snapshot struct {
	TimeMs int64
	Spot   map[string]float64
	Perp   []PerpPosition
}

// Index maps snapshot time (ms) to the grouped snapshot.
type Index map[int64]Snapshot

// SummaryRow, PositionRow and BalanceRow are the three snapshot source
// lists, keyed by the same timestamp strings.
type SummaryRow struct {
	SnapshotTime string
}

type PositionRow struct {
	SnapshotTime string
	Coin         string
	Size         float64
}

type BalanceRow struct {
	SnapshotTime string
	Coin         string
	TotalAmount  float64
}

// BuildIndex groups the three snapshot lists by timestamp. The
// account-summary rows define which timestamps exist; a timestamp with
// no position or balance rows yields an explicit empty snapshot
// (verified zero, not unknown).
func BuildIndex(summaries []SummaryRow, positions []PositionRow, balances []BalanceRow) (Index, error) {
	times := make(map[int64]struct{})
	for _, s := range summaries {
		ts, err := ParseTime(s.SnapshotTime)
		if err != nil {
			return nil, fmt.Errorf("summary snapshot_time: %w", err)
		}
		times[ts] = struct{}{}
	}

	perpByTime := make(map[int64][]PerpPosition)
	for _, p := range positions {
		ts, err := ParseTime(p.SnapshotTime)
		if err != nil {
			return nil, fmt.Errorf("position snapshot_time: %w", err)
		}
		dir := ""
		if p.Size > 0 {
			dir = "long"
		} else if p.Size < 0 {
			dir = "short"
		}
		perpByTime[ts] = append(perpByTime[ts], PerpPosition{
			Coin:   p.Coin,
			Amount: p.Size,
			Dir:    dir,
		})
	}

	spotByTime := make(map[int64]map[string]float64)
	for _, b := range balances {
		ts, err := ParseTime(b.SnapshotTime)
		if err != nil {
			return nil, fmt.Errorf("balance snapshot_time: %w", err)
		}
		if b.TotalAmount <= 1e-10 {
			continue
		}
		if spotByTime[ts] == nil {
			spotByTime[ts] = make(map[string]float64)
		}
		spotByTime[ts][b.Coin] = b.TotalAmount
	}

	idx := make(Index, len(times))
	for ts := range times {
		spot := spotByTime[ts]
		if spot == nil {
			spot = make(map[string]float64)
		}
		idx[ts] = Snapshot{
			TimeMs: ts,
			Spot:   spot,
			Perp:   perpByTime[ts],
		}
	}
	return idx, nil
}

// Times returns the snapshot timestamps in ascending order.
func (idx Index) Times() []int64 {
	out := make([]int64, 0, len(idx))
	for ts := range idx {
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseTime converts a snapshot timestamp string such as
// "2025-08-17 05:52:34.123456+0000" (fractional seconds optional) to
// milliseconds since epoch. Timestamps are UTC.
func ParseTime(s string) (int64, error) {
	clean := strings.TrimSpace(strings.ReplaceAll(s, "+0000", ""))
	if clean == "" {
		return 0, fmt.Errorf("empty snapshot timestamp")
	}
	t, err := time.ParseInLocation("2006-01-02 15:04:05.999999", clean, time.UTC)
	if err != nil {
		return 0, fmt.Errorf("parse snapshot timestamp %q: %w", s, err)
	}
	return t.UnixMilli(), nil
}

// Clone returns a deep copy of the snapshot's books. Callers that
// overwrite working positions must not alias the index.
func (s Snapshot) Clone() Snapshot {
	spot := make(map[string]float64, len(s.Spot))
	for coin, amt := range s.Spot {
		spot[coin] = amt
	}
	perp := make([]PerpPosition, len(s.Perp))
	copy(perp, s.Perp)
	return Snapshot{TimeMs: s.TimeMs, Spot: spot, Perp: perp}
}
