package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"NavCurve/internal/bucket"
	"NavCurve/internal/event"
	"NavCurve/internal/nav"
	"NavCurve/internal/normalize"
	"NavCurve/internal/observability"
	"NavCurve/internal/persistence"
	"NavCurve/internal/publish"
	"NavCurve/internal/reconstruct"
	"NavCurve/internal/snapshot"
	"NavCurve/internal/source"
)

// Engine runs the full reconstruction pipeline for one account and
// interval: fetch history, normalize events, rebuild positions backward
// from snapshots, bucket the timeline, compute the curve, persist and
// publish it.
type Engine struct {
	history *source.HistoryClient
	prices  source.PriceBackend
	store   *persistence.NavStore
	pub     *publish.Publisher
	workers int
	log     zerolog.Logger
	metrics *observability.Metrics
}

// RunResult summarizes one completed run.
type RunResult struct {
	RunID      string
	Address    string
	Interval   bucket.Interval
	Events     int
	Points     int
	Persisted  int
	Stats      reconstruct.Stats
	StartedAt  time.Time
	FinishedAt time.Time
}

// New wires an engine.
func New(history *source.HistoryClient, prices source.PriceBackend, store *persistence.NavStore, pub *publish.Publisher, workers int, log zerolog.Logger, metrics *observability.Metrics) *Engine {
	return &Engine{
		history: history,
		prices:  prices,
		store:   store,
		pub:     pub,
		workers: workers,
		log:     log,
		metrics: metrics,
	}
}

type fetched struct {
	trades    []event.TradeFill
	funding   []event.FundingPayment
	ledger    []event.LedgerUpdate
	summaries []snapshot.SummaryRow
	positions []snapshot.PositionRow
	balances  []snapshot.BalanceRow
}

// Run recomputes the curve for address at the given width. In
// incremental mode only points newer than the stored curve are written;
// the full pipeline still runs, since share ledger and FIFO state
// depend on the complete history.
func (e *Engine) Run(ctx context.Context, address string, iv bucket.Interval, incremental bool) (*RunResult, error) {
	runID := uuid.NewString()
	started := time.Now()
	log := e.log.With().Str("run_id", runID).Str("address", address).Str("interval", iv.Name).Logger()

	if e.metrics != nil {
		e.metrics.RunsStarted.WithLabelValues(iv.Name).Inc()
	}
	log.Info().Bool("incremental", incremental).Msg("run started")

	result, err := e.run(ctx, log, runID, address, iv, incremental, started)
	if err != nil {
		if e.metrics != nil {
			e.metrics.RunsFailed.WithLabelValues(iv.Name, failReason(err)).Inc()
		}
		log.Error().Err(err).Msg("run failed")
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.RunsCompleted.WithLabelValues(iv.Name).Inc()
		e.metrics.RunDuration.WithLabelValues(iv.Name).Observe(time.Since(started).Seconds())
		e.metrics.LastRunTime.WithLabelValues(iv.Name).SetToCurrentTime()
	}
	log.Info().
		Int("events", result.Events).
		Int("points", result.Points).
		Int("persisted", result.Persisted).
		Dur("took", time.Since(started)).
		Msg("run completed")
	return result, nil
}

func (e *Engine) run(ctx context.Context, log zerolog.Logger, runID, address string, iv bucket.Interval, incremental bool, started time.Time) (*RunResult, error) {
	data, err := e.fetch(ctx, address)
	if err != nil {
		return nil, err
	}
	total := len(data.trades) + len(data.funding) + len(data.ledger)
	if total == 0 {
		return nil, &runError{stage: "fetch", err: fmt.Errorf("no events for %s", address)}
	}
	log.Info().
		Int("trades", len(data.trades)).
		Int("funding", len(data.funding)).
		Int("ledger", len(data.ledger)).
		Int("snapshots", len(data.summaries)).
		Msg("history fetched")

	timeline := buildTimeline(data)

	idx, err := snapshot.BuildIndex(data.summaries, data.positions, data.balances)
	if err != nil {
		return nil, &runError{stage: "snapshots", err: err}
	}

	norm := normalize.New(address, e.prices, log, e.metrics)
	entries := make([]reconstruct.Entry, 0, len(timeline))
	for _, ev := range timeline {
		impact, err := norm.Normalize(ctx, ev)
		if err != nil {
			return nil, &runError{stage: "normalize", err: fmt.Errorf("normalize %s: %w", ev.String(), err)}
		}
		entries = append(entries, reconstruct.Entry{Event: ev, Impact: impact})
	}

	recon := reconstruct.New(log, e.metrics)
	res, err := recon.Reconstruct(entries, idx)
	if err != nil {
		return nil, &runError{stage: "reconstruct", err: err}
	}
	rows := res.Rows

	firstEventMs := rows[0].Event.Time()
	lastCheckedMs, ok := lastCheckedTime(rows)
	if !ok {
		return nil, &runError{stage: "reconstruct", err: fmt.Errorf("no snapshot-verified events for %s", address)}
	}

	spotCoins, perpCoins := nav.CoinSets(rows)
	bucketer := bucket.NewBucketer(e.prices, e.workers, log, e.metrics)
	grid, err := bucketer.Build(ctx, iv, firstEventMs, lastCheckedMs, spotCoins, perpCoins)
	if err != nil {
		return nil, &runError{stage: "prices", err: err}
	}

	accountant := nav.NewAccountant(log, e.metrics)
	points, err := accountant.Compute(rows, grid)
	if err != nil {
		return nil, &runError{stage: "compute", err: err}
	}

	toWrite := points
	if incremental {
		if latest, found, err := e.store.LatestTime(ctx, address, iv); err != nil {
			return nil, &runError{stage: "persist", err: err}
		} else if found {
			toWrite = pointsAfter(points, latest)
			log.Info().Int64("latest", latest).Int("new_points", len(toWrite)).Msg("resuming after stored curve")
		}
	}

	if err := e.store.SavePoints(ctx, address, iv, toWrite); err != nil {
		return nil, &runError{stage: "persist", err: err}
	}
	if err := e.store.RecordUpdate(ctx, address, iv, time.Now()); err != nil {
		return nil, &runError{stage: "persist", err: err}
	}
	if ts, ok := firstTradeTime(rows); ok {
		if err := e.store.RecordFirstTrade(ctx, address, ts); err != nil {
			return nil, &runError{stage: "persist", err: err}
		}
	}

	if e.pub != nil && len(toWrite) > 0 {
		e.pub.PublishPoints(ctx, address, iv, toWrite)
		e.pub.PublishRun(ctx, publish.RunMessage{
			RunID:       runID,
			Address:     address,
			Interval:    iv.Name,
			Points:      len(toWrite),
			Events:      len(rows),
			FirstBucket: time.UnixMilli(points[0].TimeMs).UTC(),
			LastBucket:  time.UnixMilli(points[len(points)-1].TimeMs).UTC(),
			StartedAt:   started.UTC(),
			FinishedAt:  time.Now().UTC(),
		})
	}

	return &RunResult{
		RunID:      runID,
		Address:    address,
		Interval:   iv,
		Events:     len(rows),
		Points:     len(points),
		Persisted:  len(toWrite),
		Stats:      res.Stats,
		StartedAt:  started,
		FinishedAt: time.Now(),
	}, nil
}

// fetch pulls the four history feeds concurrently.
func (e *Engine) fetch(ctx context.Context, address string) (*fetched, error) {
	var (
		data fetched
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	fail := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	wg.Add(4)
	go func() {
		defer wg.Done()
		trades, err := e.history.Trades(ctx, address)
		if err != nil {
			fail(err)
			return
		}
		data.trades = trades
	}()
	go func() {
		defer wg.Done()
		funding, err := e.history.Funding(ctx, address)
		if err != nil {
			fail(err)
			return
		}
		data.funding = funding
	}()
	go func() {
		defer wg.Done()
		ledger, err := e.history.Ledger(ctx, address)
		if err != nil {
			fail(err)
			return
		}
		data.ledger = ledger
	}()
	go func() {
		defer wg.Done()
		summaries, positions, balances, err := e.history.Snapshots(ctx, address)
		if err != nil {
			fail(err)
			return
		}
		data.summaries = summaries
		data.positions = positions
		data.balances = balances
	}()
	wg.Wait()

	if len(errs) > 0 {
		return nil, &runError{stage: "fetch", err: errs[0]}
	}
	return &data, nil
}

// buildTimeline merges the three feeds newest-first. The sort is stable
// so events sharing a timestamp keep feed order: fills, then funding,
// then ledger updates.
func buildTimeline(data *fetched) []event.Event {
	timeline := make([]event.Event, 0, len(data.trades)+len(data.funding)+len(data.ledger))
	for i := range data.trades {
		timeline = append(timeline, &data.trades[i])
	}
	for i := range data.funding {
		timeline = append(timeline, &data.funding[i])
	}
	for i := range data.ledger {
		timeline = append(timeline, &data.ledger[i])
	}
	sort.SliceStable(timeline, func(i, j int) bool {
		return timeline[i].Time() > timeline[j].Time()
	})
	return timeline
}

// lastCheckedTime returns the time of the newest snapshot-verified row.
func lastCheckedTime(rows []reconstruct.Row) (int64, bool) {
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].SnapshotChecked {
			return rows[i].Event.Time(), true
		}
	}
	return 0, false
}

// firstTradeTime returns the time of the oldest fill in the timeline.
func firstTradeTime(rows []reconstruct.Row) (int64, bool) {
	for _, r := range rows {
		if r.Event.Category() == event.CategoryTrade {
			return r.Event.Time(), true
		}
	}
	return 0, false
}

func pointsAfter(points []nav.Point, latestMs int64) []nav.Point {
	for i, p := range points {
		if p.TimeMs > latestMs {
			return points[i:]
		}
	}
	return nil
}

// runError tags a failure with the pipeline stage for metrics.
type runError struct {
	stage string
	err   error
}

func (e *runError) Error() string { return fmt.Sprintf("%s: %v", e.stage, e.err) }
func (e *runError) Unwrap() error { return e.err }

func failReason(err error) string {
	if re, ok := err.(*runError); ok {
		return re.stage
	}
	return "internal"
}
