package nav

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"NavCurve/internal/bucket"
	"NavCurve/internal/event"
	"NavCurve/internal/observability"
	"NavCurve/internal/reconstruct"
	"NavCurve/internal/snapshot"
)

// Point is one bucket of the net value curve.
type Point struct {
	TimeMs           int64
	SpotAccountValue float64
	RealizedPnl      float64
	VirtualPnl       float64
	PerpAccountValue float64
	TotalAssets      float64
	TotalShares      float64
	NetValue         float64
	CumulativePnl    float64
}

// Trade is a single perp fill flattened out of a timeline row.
type Trade struct {
	Coin   string
	Amount float64
	Price  float64
	Dir    string
	Side   string
	TimeMs int64
}

type mismatchKey struct {
	coin string
	dir  string
	kind string
}

// Accountant walks the bucket grid over a reconstructed timeline and
// produces the net value curve. Perp value is recomputed per bucket by
// reopening the actual start-of-bucket position at the boundary price,
// replaying the bucket's fills through FIFO queues and marking the
// remainder at the end price, so pricing error never compounds across
// buckets.
type Accountant struct {
	log     zerolog.Logger
	metrics *observability.Metrics
	warned  map[mismatchKey]struct{}
}

// NewAccountant wires an accountant to its logger and metrics.
func NewAccountant(log zerolog.Logger, metrics *observability.Metrics) *Accountant {
	return &Accountant{
		log:     log,
		metrics: metrics,
		warned:  make(map[mismatchKey]struct{}),
	}
}

// CoinSets collects the coins appearing in any row's start-of-event
// positions. USDC never needs a spot price and is excluded.
func CoinSets(rows []reconstruct.Row) (spot, perp map[string]struct{}) {
	spot = make(map[string]struct{})
	perp = make(map[string]struct{})
	for _, r := range rows {
		for coin := range r.SpotBefore {
			if coin != "USDC" {
				spot[coin] = struct{}{}
			}
		}
		for _, p := range r.PerpBefore {
			perp[p.Coin] = struct{}{}
		}
	}
	return spot, perp
}

// Compute builds the net value curve. rows must be in ascending time
// order and grid must cover them.
func (a *Accountant) Compute(rows []reconstruct.Row, grid *bucket.Grid) ([]Point, error) {
	if len(grid.Starts) == 0 {
		return nil, fmt.Errorf("empty bucket grid")
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("empty timeline")
	}

	points := make([]Point, len(grid.Starts))
	for i, ts := range grid.Starts {
		points[i].TimeMs = ts
	}

	a.computeSpotValues(rows, grid, points)
	a.computePerpValues(rows, grid, points)
	a.computeNetValues(rows, points)

	if a.metrics != nil {
		a.metrics.BucketsComputed.WithLabelValues(grid.Interval.Name).Add(float64(len(points)))
	}
	return points, nil
}

// positionBefore returns the positions held just before the latest event
// at or before ts. Among events sharing a timestamp the last one wins.
func positionBefore(rows []reconstruct.Row, ts int64) (map[string]float64, []snapshot.PerpPosition) {
	n := sort.Search(len(rows), func(i int) bool { return rows[i].Event.Time() > ts })
	if n == 0 {
		return nil, nil
	}
	r := rows[n-1]
	return r.SpotBefore, r.PerpBefore
}

func (a *Accountant) computeSpotValues(rows []reconstruct.Row, grid *bucket.Grid, points []Point) {
	for i := range points {
		spot, _ := positionBefore(rows, points[i].TimeMs)
		var total float64
		for _, coin := range sortedKeys(spot) {
			amount := spot[coin]
			if amount < epsilon && amount > -epsilon {
				continue
			}
			price, ok := grid.SpotPrice(coin, points[i].TimeMs)
			if !ok {
				a.log.Warn().Str("coin", coin).Int64("ts", points[i].TimeMs).Msg("no spot price series for held coin")
				continue
			}
			if price > 0 {
				total += amount * price
			}
		}
		points[i].SpotAccountValue = total
	}
}

func (a *Accountant) computePerpValues(rows []reconstruct.Row, grid *bucket.Grid, points []Point) {
	// First bucket anchors the curve at zero.
	points[0].PerpAccountValue = 0
	points[0].RealizedPnl = 0
	points[0].VirtualPnl = 0

	for idx := 1; idx < len(points); idx++ {
		start := points[idx-1].TimeMs
		end := points[idx].TimeMs

		// Reopen the actual start-of-bucket position at the boundary
		// price. Coins with no usable price are not seeded.
		queues := make(map[string]*Queue)
		_, perpBefore := positionBefore(rows, start)
		for _, pos := range perpBefore {
			startPrice, ok := grid.PerpPrice(pos.Coin, start)
			if !ok || startPrice <= 0 {
				continue
			}
			q, exists := queues[pos.Coin]
			if !exists {
				q = &Queue{}
				queues[pos.Coin] = q
			}
			q.lots = append(q.lots, Lot{Price: startPrice, Amount: pos.Amount})
		}

		trades := collectTrades(rows, start, end)
		var realized float64
		for _, t := range trades {
			q, exists := queues[t.Coin]
			if !exists {
				q = &Queue{}
				queues[t.Coin] = q
			}
			realized += a.applyTrade(q, t)
		}

		if len(trades) > 0 {
			a.crossCheck(rows, queues, trades, end)
		}

		var virtual float64
		for _, coin := range sortedQueueCoins(queues) {
			q := queues[coin]
			if q.Len() == 0 {
				continue
			}
			endPrice, ok := grid.PerpPrice(coin, end)
			if !ok {
				continue
			}
			virtual += q.UnrealizedAt(endPrice)
		}

		assetChange := perpAssetChange(rows, start, end)

		points[idx].RealizedPnl = realized
		points[idx].VirtualPnl = virtual
		points[idx].PerpAccountValue = points[idx-1].PerpAccountValue + realized + virtual + assetChange
	}
}

func (a *Accountant) applyTrade(q *Queue, t Trade) float64 {
	var pnl, shortfall float64
	switch {
	case t.Dir == "Open Long":
		pnl = q.OpenLong(t.Amount, t.Price)
	case t.Dir == "Open Short":
		pnl = q.OpenShort(t.Amount, t.Price)
	case t.Dir == "Close Long":
		pnl, shortfall = q.CloseLong(t.Amount, t.Price)
	case t.Dir == "Close Short":
		pnl, shortfall = q.CloseShort(t.Amount, t.Price)
	case t.Dir == "Short > Long":
		pnl = q.ShortToLong(t.Amount, t.Price)
	case t.Dir == "Long > Short":
		pnl = q.LongToShort(t.Amount, t.Price)
	case t.Dir == "Auto-Deleveraging":
		pnl, shortfall = q.AutoDeleverage(t.Amount, t.Price, t.Side, &a.log)
	case event.IsLiquidationDir(t.Dir):
		pnl, shortfall = q.Liquidate(t.Amount, t.Price, t.Dir, &a.log)
	case t.Dir == "Settlement":
		pnl = q.Settle(t.Price)
	default:
		a.log.Warn().Str("dir", t.Dir).Int64("ts", t.TimeMs).Msg("unknown trade direction")
	}
	if shortfall > 0 {
		if a.metrics != nil {
			a.metrics.FifoShortfalls.Inc()
		}
		a.log.Warn().
			Str("coin", t.Coin).
			Str("dir", t.Dir).
			Float64("unmatched", shortfall).
			Int64("ts", t.TimeMs).
			Msg("close exceeded open lots")
	}
	return pnl
}

// collectTrades flattens the perp fills of every event in (start, end],
// grouped by coin with opens ordered before flips, closes and forced
// closures so a bucket's closes always find their lots.
func collectTrades(rows []reconstruct.Row, start, end int64) []Trade {
	var flat []Trade
	for _, r := range rows {
		ts := r.Event.Time()
		if ts <= start || ts > end {
			continue
		}
		for _, coin := range sortedChangeCoins(r.Impact.PerpPositionChanges) {
			ch := r.Impact.PerpPositionChanges[coin]
			flat = append(flat, Trade{
				Coin:   coin,
				Amount: ch.Amount,
				Price:  ch.Price,
				Dir:    ch.Dir,
				Side:   ch.Side,
				TimeMs: ts,
			})
		}
	}
	if len(flat) == 0 {
		return nil
	}

	byCoin := make(map[string][]Trade)
	var coins []string
	for _, t := range flat {
		if _, seen := byCoin[t.Coin]; !seen {
			coins = append(coins, t.Coin)
		}
		byCoin[t.Coin] = append(byCoin[t.Coin], t)
	}
	sort.Strings(coins)

	out := make([]Trade, 0, len(flat))
	for _, coin := range coins {
		group := byCoin[coin]
		sort.SliceStable(group, func(i, j int) bool {
			return tradePriority(group[i].Dir) < tradePriority(group[j].Dir)
		})
		out = append(out, group...)
	}
	return out
}

func tradePriority(dir string) int {
	switch {
	case dir == "Open Long" || dir == "Open Short":
		return 1
	case dir == "Short > Long" || dir == "Long > Short":
		return 2
	case dir == "Close Long" || dir == "Close Short":
		return 3
	case dir == "Auto-Deleveraging" || dir == "Settlement" || event.IsLiquidationDir(dir):
		return 4
	default:
		return 5
	}
}

func perpAssetChange(rows []reconstruct.Row, start, end int64) float64 {
	var total float64
	for _, r := range rows {
		ts := r.Event.Time()
		if ts <= start || ts > end {
			continue
		}
		total += r.Impact.PerpAssetChange
	}
	return total
}

// crossCheck compares the replayed queues against the reconstructed
// position at the bucket end. Each (coin, dir, kind) discrepancy is
// reported once per run.
func (a *Accountant) crossCheck(rows []reconstruct.Row, queues map[string]*Queue, trades []Trade, end int64) {
	// Net each queue by direction.
	summary := make(map[[2]string]float64)
	anyLots := false
	for coin, q := range queues {
		for _, lot := range q.lots {
			if lot.Amount > epsilon {
				summary[[2]string{coin, "long"}] += lot.Amount
				anyLots = true
			} else if lot.Amount < -epsilon {
				summary[[2]string{coin, "short"}] += lot.Amount
				anyLots = true
			}
		}
	}
	if !anyLots {
		return
	}

	_, actual := positionBefore(rows, end)
	if len(actual) == 0 {
		return
	}

	lastTradeTime := make(map[string]int64)
	for _, t := range trades {
		lastTradeTime[t.Coin] = t.TimeMs
	}

	keys := make([][2]string, 0, len(summary))
	for k := range summary {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})

	for _, key := range keys {
		coin, dir := key[0], key[1]
		total := summary[key]
		found := false
		for _, pos := range actual {
			if pos.Coin != coin || pos.Dir != dir {
				continue
			}
			found = true
			diff := total - pos.Amount
			if diff < 0 {
				diff = -diff
			}
			if diff > 1e-6 {
				a.warnOnce(mismatchKey{coin: coin, dir: dir, kind: "mismatch"}, func() {
					a.log.Warn().
						Str("coin", coin).
						Str("dir", dir).
						Float64("queue", total).
						Float64("actual", pos.Amount).
						Float64("diff", diff).
						Int64("trade_ts", lastTradeTime[coin]).
						Msg("replayed position differs from reconstructed position")
				})
			}
			break
		}
		if !found && (total > 1e-6 || total < -1e-6) {
			a.warnOnce(mismatchKey{coin: coin, dir: dir, kind: "not_found"}, func() {
				a.log.Warn().
					Str("coin", coin).
					Str("dir", dir).
					Float64("queue", total).
					Int64("trade_ts", lastTradeTime[coin]).
					Msg("replayed position absent from reconstructed position")
			})
		}
	}

	traded := make(map[string]struct{}, len(trades))
	for _, t := range trades {
		traded[t.Coin] = struct{}{}
	}
	for _, pos := range actual {
		if _, ok := traded[pos.Coin]; !ok {
			continue
		}
		if _, ok := summary[[2]string{pos.Coin, pos.Dir}]; ok {
			continue
		}
		if pos.Amount > 1e-6 || pos.Amount < -1e-6 {
			a.warnOnce(mismatchKey{coin: pos.Coin, dir: pos.Dir, kind: "missing_in_queue"}, func() {
				a.log.Warn().
					Str("coin", pos.Coin).
					Str("dir", pos.Dir).
					Float64("actual", pos.Amount).
					Int64("trade_ts", lastTradeTime[pos.Coin]).
					Msg("reconstructed position absent from replayed queues")
			})
		}
	}
}

func (a *Accountant) warnOnce(key mismatchKey, emit func()) {
	if _, ok := a.warned[key]; ok {
		return
	}
	a.warned[key] = struct{}{}
	if a.metrics != nil {
		a.metrics.PositionMismatches.Inc()
	}
	emit()
}

func (a *Accountant) computeNetValues(rows []reconstruct.Row, points []Point) {
	for i := range points {
		points[i].TotalAssets = points[i].SpotAccountValue + points[i].PerpAccountValue
	}

	// Shares are seeded at the first bucket with non-zero assets: one
	// share per dollar, net value 1.0. Earlier buckets stay at zero.
	firstIdx := -1
	for i := range points {
		assets := points[i].TotalAssets
		if assets > epsilon || assets < -epsilon {
			firstIdx = i
			break
		}
	}
	if firstIdx < 0 {
		a.log.Warn().Msg("total assets are zero across every bucket")
		return
	}

	points[firstIdx].TotalShares = points[firstIdx].TotalAssets
	points[firstIdx].NetValue = 1.0
	var initial float64
	for _, r := range rows {
		if r.Event.Time() <= points[firstIdx].TimeMs {
			initial += r.Event.ClosedPnl()
		}
	}
	points[firstIdx].CumulativePnl = initial

	a.log.Info().
		Int64("ts", points[firstIdx].TimeMs).
		Float64("assets", points[firstIdx].TotalAssets).
		Float64("cumulative_pnl", initial).
		Msg("seeded share ledger at first funded bucket")

	for idx := firstIdx + 1; idx < len(points); idx++ {
		prev := points[idx-1]
		var shareDelta, closedPnl float64
		for _, r := range rows {
			ts := r.Event.Time()
			if ts <= prev.TimeMs || ts > points[idx].TimeMs {
				continue
			}
			closedPnl += r.Event.ClosedPnl()
			numerator, ok := r.Impact.Share.Numerator()
			if !ok {
				continue
			}
			if prev.NetValue > -epsilon && prev.NetValue < epsilon {
				a.log.Warn().Int64("ts", ts).Msg("share change with zero prior net value")
				continue
			}
			shareDelta += numerator / prev.NetValue
		}

		points[idx].TotalShares = prev.TotalShares + shareDelta
		if points[idx].TotalShares > epsilon || points[idx].TotalShares < -epsilon {
			points[idx].NetValue = points[idx].TotalAssets / points[idx].TotalShares
		} else {
			points[idx].NetValue = 0
		}
		points[idx].CumulativePnl = prev.CumulativePnl + closedPnl
	}
}

func sortedKeys(m map[string]float64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedChangeCoins(m map[string]event.PerpChange) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedQueueCoins(m map[string]*Queue) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
