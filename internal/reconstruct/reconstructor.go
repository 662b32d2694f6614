package reconstruct

import (
	"NavCurve/internal/event"
	"NavCurve/internal/observability"
	"NavCurve/internal/snapshot"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
)

// ErrNoSnapshots means nothing can be reconstructed: without at least one
// snapshot attached inside the event range there is no trusted seed.
var ErrNoSnapshots = errors.New("no snapshot falls inside the event range")

const epsilon = 1e-10

// Entry is one normalized event on the descending timeline.
type Entry struct {
	Event  event.Event
	Impact event.Impact
}

// Row is one reconstructed timeline row. SpotBefore/PerpBefore hold the
// position that existed before the event. Rows newer than the latest
// attached snapshot carry Skipped=true and no position.
type Row struct {
	Event  event.Event
	Impact event.Impact

	SpotBefore map[string]float64
	PerpBefore []snapshot.PerpPosition

	SnapshotChecked bool
	Skipped         bool
}

// Stats aggregates the verification outcomes of one reconstruction.
type Stats struct {
	SnapshotsChecked    int
	SnapshotsMatched    int
	SnapshotsMismatched int
	SnapshotsSkipped    int
	EventsSkipped       int
	EventsUndone        int
}

// Result is the ascending, position-annotated timeline.
type Result struct {
	Rows  []Row
	Stats Stats
}

// Reconstructor walks the timeline newest-first, undoing each event's
// impact to recover the position that preceded it, and corrects against
// snapshots wherever one falls between two rows.
type Reconstructor struct {
	log     zerolog.Logger
	metrics *observability.Metrics
}

func New(log zerolog.Logger, metrics *observability.Metrics) *Reconstructor {
	return &Reconstructor{log: log, metrics: metrics}
}

// attached pairs a row index with the snapshot selected for it.
type attached struct {
	rowIdx int
	snap   snapshot.Snapshot
}

// Reconstruct takes the timeline in descending time order (ties keep
// source order) and the snapshot index, and returns the ascending
// position-annotated timeline.
func (r *Reconstructor) Reconstruct(timeline []Entry, idx snapshot.Index) (*Result, error) {
	if len(timeline) == 0 {
		return nil, fmt.Errorf("empty event timeline")
	}
	if len(idx) == 0 {
		return nil, ErrNoSnapshots
	}

	stats := Stats{}
	attachments := r.placeSnapshots(timeline, idx, &stats)
	if len(attachments) == 0 {
		return nil, ErrNoSnapshots
	}

	rows := make([]Row, len(timeline))
	for i, e := range timeline {
		rows[i] = Row{Event: e.Event, Impact: e.Impact}
	}

	byRow := make(map[int]snapshot.Snapshot, len(attachments))
	startIdx := len(timeline)
	for _, a := range attachments {
		byRow[a.rowIdx] = a.snap
		if a.rowIdx < startIdx {
			startIdx = a.rowIdx
		}
	}

	// Rows newer than the newest attached snapshot have no trusted seed
	// and are left unreconstructed.
	if startIdx > 0 {
		r.log.Warn().
			Int("count", startIdx).
			Msg("events newer than the latest snapshot are not reconstructed")
		for i := 0; i < startIdx; i++ {
			rows[i].Skipped = true
		}
		stats.EventsSkipped = startIdx
	}

	// The seed row: the attached snapshot already IS the position after
	// undoing this event, so it is recorded without undoing.
	seed := byRow[startIdx].Clone()
	curSpot := seed.Spot
	curPerp := seed.Perp
	rows[startIdx].SpotBefore = cloneSpot(curSpot)
	rows[startIdx].PerpBefore = clonePerp(curPerp)
	rows[startIdx].SnapshotChecked = true
	stats.SnapshotsChecked++
	stats.SnapshotsMatched++
	if r.metrics != nil {
		r.metrics.SnapshotChecks.Inc()
	}

	for i := startIdx + 1; i < len(timeline); i++ {
		imp := rows[i].Impact
		curSpot = UndoSpot(curSpot, imp.SpotPositionChanges, imp.SpotAssetChange)
		curPerp = r.undoPerp(curPerp, imp.PerpPositionChanges)
		stats.EventsUndone++
		if r.metrics != nil {
			r.metrics.EventsUndone.Inc()
		}

		rows[i].SpotBefore = cloneSpot(curSpot)
		rows[i].PerpBefore = clonePerp(curPerp)

		snap, ok := byRow[i]
		if !ok {
			continue
		}

		rows[i].SnapshotChecked = true
		stats.SnapshotsChecked++
		if r.metrics != nil {
			r.metrics.SnapshotChecks.Inc()
		}

		spotOK := r.compareSpot(i, curSpot, snap.Spot)
		perpOK := r.comparePerp(i, curPerp, snap.Perp)
		if spotOK && perpOK {
			stats.SnapshotsMatched++
		} else {
			stats.SnapshotsMismatched++
			if r.metrics != nil {
				r.metrics.SnapshotMismatches.Inc()
			}
		}

		// Snapshot truth always replaces the working position, matched or
		// not, so small errors cannot compound across thousands of events.
		c := snap.Clone()
		curSpot = c.Spot
		curPerp = c.Perp
		if r.metrics != nil {
			r.metrics.SnapshotCorrections.Inc()
		}
	}

	// Reverse to ascending. A plain reversal, not a sort: events sharing
	// a timestamp must flip their relative order too.
	out := make([]Row, len(rows))
	for i := range rows {
		out[len(rows)-1-i] = rows[i]
	}
	return &Result{Rows: out, Stats: stats}, nil
}

// placeSnapshots attaches each snapshot to the row whose undo it
// verifies: snapshot time strictly between the row's time and the next
// older row's time. When several qualify the newest wins; the rest are
// discarded with a warning.
func (r *Reconstructor) placeSnapshots(timeline []Entry, idx snapshot.Index, stats *Stats) []attached {
	times := idx.Times()

	var out []attached
	for i := range timeline {
		cur := timeline[i].Event.Time()
		older := int64(0)
		if i < len(timeline)-1 {
			older = timeline[i+1].Event.Time()
		}

		var matching []int64
		for _, ts := range times {
			if ts > older && ts < cur {
				matching = append(matching, ts)
			}
		}
		if len(matching) == 0 {
			continue
		}

		selected := matching[len(matching)-1]
		out = append(out, attached{rowIdx: i, snap: idx[selected]})
		for _, ts := range matching[:len(matching)-1] {
			r.log.Warn().
				Int64("snapshot_ms", ts).
				Int64("selected_ms", selected).
				Msg("snapshot discarded, a newer one exists in the same gap")
			stats.SnapshotsSkipped++
			if r.metrics != nil {
				r.metrics.SnapshotsSkipped.Inc()
			}
		}
	}

	if len(times) > 0 && len(timeline) > 0 {
		oldest := timeline[len(timeline)-1].Event.Time()
		early := 0
		for _, ts := range times {
			if ts <= oldest {
				early++
			}
		}
		if early > 0 {
			r.log.Warn().Int("count", early).Msg("snapshots predate all events")
		}
	}
	return out
}

// UndoSpot inverts a spot impact: subtract every position change, then
// subtract the asset change from the settlement currency. Balances
// within epsilon of zero are removed.
func UndoSpot(positions map[string]float64, changes map[string]float64, assetChange float64) map[string]float64 {
	next := cloneSpot(positions)
	for coin, change := range changes {
		setOrDelete(next, coin, next[coin]-change)
	}
	if abs(assetChange) > epsilon {
		setOrDelete(next, event.SettlementCoin, next[event.SettlementCoin]-assetChange)
	}
	return next
}

// ApplySpot is the forward direction of UndoSpot.
func ApplySpot(positions map[string]float64, changes map[string]float64, assetChange float64) map[string]float64 {
	next := cloneSpot(positions)
	for coin, change := range changes {
		setOrDelete(next, coin, next[coin]+change)
	}
	if abs(assetChange) > epsilon {
		setOrDelete(next, event.SettlementCoin, next[event.SettlementCoin]+assetChange)
	}
	return next
}

func (r *Reconstructor) undoPerp(positions []snapshot.PerpPosition, changes map[string]event.PerpChange) []snapshot.PerpPosition {
	if len(changes) == 0 {
		return clonePerp(positions)
	}
	return perpWithDeltas(positions, changes, true, &r.log)
}

// ApplyPerp is the forward direction of the perp undo.
func ApplyPerp(positions []snapshot.PerpPosition, changes map[string]event.PerpChange) []snapshot.PerpPosition {
	if len(changes) == 0 {
		return clonePerp(positions)
	}
	return perpWithDeltas(positions, changes, false, nil)
}

// UndoPerp inverts a perp impact keyed by side: a buy's undo subtracts
// the size, a sell's undo adds it back.
func UndoPerp(positions []snapshot.PerpPosition, changes map[string]event.PerpChange) []snapshot.PerpPosition {
	if len(changes) == 0 {
		return clonePerp(positions)
	}
	return perpWithDeltas(positions, changes, true, nil)
}

func perpWithDeltas(positions []snapshot.PerpPosition, changes map[string]event.PerpChange, invert bool, log *zerolog.Logger) []snapshot.PerpPosition {
	amounts := make(map[string]float64, len(positions))
	order := make([]string, 0, len(positions))
	for _, p := range positions {
		amounts[p.Coin] = p.Amount
		order = append(order, p.Coin)
	}

	coins := make([]string, 0, len(changes))
	for coin := range changes {
		coins = append(coins, coin)
	}
	sort.Strings(coins)

	for _, coin := range coins {
		ch := changes[coin]
		sign := 0.0
		switch ch.Side {
		case "B":
			sign = 1
		case "A":
			sign = -1
		default:
			if log != nil {
				log.Warn().
					Str("coin", coin).
					Str("side", ch.Side).
					Float64("amount", ch.Amount).
					Msg("perp change has an invalid side, skipped")
			}
			continue
		}
		if invert {
			sign = -sign
		}
		if _, seen := amounts[coin]; !seen {
			order = append(order, coin)
		}
		amounts[coin] += sign * ch.Amount
	}

	out := make([]snapshot.PerpPosition, 0, len(amounts))
	for _, coin := range order {
		amt, ok := amounts[coin]
		if !ok || abs(amt) < epsilon {
			continue
		}
		dir := "long"
		if amt < 0 {
			dir = "short"
		}
		out = append(out, snapshot.PerpPosition{Coin: coin, Amount: amt, Dir: dir})
	}
	return out
}

// WithinTolerance reports whether a reconstructed amount agrees with the
// snapshot amount: absolute difference at most 0.01, or relative error at
// most 1% of the snapshot value.
func WithinTolerance(calc, snap float64) bool {
	diff := abs(calc - snap)
	if diff <= 0.01 {
		return true
	}
	if abs(snap) > epsilon && diff/abs(snap) <= 0.01 {
		return true
	}
	return false
}

func (r *Reconstructor) compareSpot(rowIdx int, calc, snap map[string]float64) bool {
	ok := true
	for _, coin := range unionCoins(calc, snap) {
		c, s := calc[coin], snap[coin]
		if WithinTolerance(c, s) {
			continue
		}
		ok = false
		ev := r.log.Warn().
			Int("row", rowIdx).
			Str("book", "spot").
			Str("coin", coin).
			Float64("calculated", c).
			Float64("snapshot", s).
			Float64("diff", c-s)
		if abs(s) > epsilon {
			ev = ev.Float64("relative_pct", abs(c-s)/abs(s)*100)
		}
		ev.Msg("snapshot validation failed")
	}
	return ok
}

func (r *Reconstructor) comparePerp(rowIdx int, calc, snap []snapshot.PerpPosition) bool {
	calcAmt := make(map[string]float64, len(calc))
	for _, p := range calc {
		calcAmt[p.Coin] = p.Amount
	}
	snapAmt := make(map[string]float64, len(snap))
	for _, p := range snap {
		snapAmt[p.Coin] = p.Amount
	}

	ok := true
	for _, coin := range unionCoins(calcAmt, snapAmt) {
		c, s := calcAmt[coin], snapAmt[coin]
		if WithinTolerance(c, s) {
			continue
		}
		ok = false
		ev := r.log.Warn().
			Int("row", rowIdx).
			Str("book", "perp").
			Str("coin", coin).
			Float64("calculated", c).
			Float64("snapshot", s).
			Float64("diff", c-s)
		if abs(s) > epsilon {
			ev = ev.Float64("relative_pct", abs(c-s)/abs(s)*100)
		}
		ev.Msg("snapshot validation failed")
	}
	return ok
}

func unionCoins(a, b map[string]float64) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for coin := range a {
		set[coin] = struct{}{}
	}
	for coin := range b {
		set[coin] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for coin := range set {
		out = append(out, coin)
	}
	sort.Strings(out)
	return out
}

func setOrDelete(m map[string]float64, coin string, amt float64) {
	if abs(amt) < epsilon {
		delete(m, coin)
	} else {
		m[coin] = amt
	}
}

func cloneSpot(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for coin, amt := range m {
		out[coin] = amt
	}
	return out
}

func clonePerp(ps []snapshot.PerpPosition) []snapshot.PerpPosition {
	out := make([]snapshot.PerpPosition, len(ps))
	copy(out, ps)
	return out
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
