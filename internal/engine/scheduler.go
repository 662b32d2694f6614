package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"NavCurve/internal/bucket"
)

// Scheduler drives periodic incremental runs for a fixed set of
// addresses and widths on a cron expression.
type Scheduler struct {
	engine    *Engine
	addresses []string
	intervals []bucket.Interval
	spec      string
	log       zerolog.Logger

	cron *cron.Cron

	// mu serializes run batches so an overrunning batch is skipped,
	// not stacked.
	mu      sync.Mutex
	running bool
}

// NewScheduler validates the interval names and the cron expression.
func NewScheduler(engine *Engine, spec string, addresses []string, intervalNames []string, log zerolog.Logger) (*Scheduler, error) {
	if len(addresses) == 0 {
		return nil, fmt.Errorf("scheduler needs at least one address")
	}
	intervals := make([]bucket.Interval, 0, len(intervalNames))
	for _, name := range intervalNames {
		iv, err := bucket.ParseInterval(name)
		if err != nil {
			return nil, err
		}
		intervals = append(intervals, iv)
	}
	if len(intervals) == 0 {
		return nil, fmt.Errorf("scheduler needs at least one interval")
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("cron expression %q: %w", spec, err)
	}
	return &Scheduler{
		engine:    engine,
		addresses: addresses,
		intervals: intervals,
		spec:      spec,
		log:       log,
	}, nil
}

// Start registers the cron entry and begins scheduling. It returns
// immediately; Stop drains the running batch.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.spec, func() { s.RunAll(ctx) })
	if err != nil {
		return fmt.Errorf("schedule %q: %w", s.spec, err)
	}
	s.cron.Start()
	s.log.Info().
		Str("cron", s.spec).
		Strs("addresses", s.addresses).
		Int("intervals", len(s.intervals)).
		Msg("scheduler started")
	return nil
}

// Stop cancels future triggers and waits for an in-flight batch.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// RunAll runs one incremental batch over every (address, interval)
// pair. Failures are logged per pair and do not abort the batch. If a
// previous batch is still running the trigger is skipped.
func (s *Scheduler) RunAll(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.log.Warn().Msg("previous batch still running, skipping trigger")
		return
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	started := time.Now()
	failures := 0
	for _, address := range s.addresses {
		for _, iv := range s.intervals {
			if ctx.Err() != nil {
				return
			}
			if _, err := s.engine.Run(ctx, address, iv, true); err != nil {
				failures++
			}
		}
	}
	s.log.Info().
		Int("pairs", len(s.addresses)*len(s.intervals)).
		Int("failures", failures).
		Dur("took", time.Since(started)).
		Msg("batch finished")
}
