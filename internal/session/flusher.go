package session

import (
	"context"
	"log"
	"time"

	"github.com/flexion-data/motionstream/internal/timeutil"
)

// MetricsStore is the slice of the storage collaborator the flusher needs.
type MetricsStore interface {
	SaveSessionMetrics(ctx context.Context, snap Snapshot) error
	FinalizeSession(ctx context.Context, snap Snapshot) error
}

// Guard wraps collaborator calls; the circuit breaker satisfies it.
type Guard interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// Flusher periodically pushes open-session metrics to the storage
// collaborator through the circuit breaker, and persists final metrics on
// session end.
type Flusher struct {
	agg      *Aggregator
	store    MetricsStore
	guard    Guard
	interval time.Duration
	clock    timeutil.Clock
	logger   *log.Logger
}

// NewFlusher creates a Flusher. A nil logger uses log.Default().
func NewFlusher(agg *Aggregator, store MetricsStore, guard Guard, interval time.Duration, clock timeutil.Clock, logger *log.Logger) *Flusher {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Flusher{
		agg:      agg,
		store:    store,
		guard:    guard,
		interval: interval,
		clock:    clock,
		logger:   logger,
	}
}

// Run flushes on the configured interval until the context is cancelled.
// A final flush runs on shutdown so open sessions are not lost.
func (f *Flusher) Run(ctx context.Context) error {
	if f.interval <= 0 {
		f.logger.Printf("[Flusher] interval is zero or negative, not starting")
		return nil
	}

	ticker := f.clock.NewTicker(f.interval)
	defer ticker.Stop()

	f.logger.Printf("[Flusher] started: interval=%v", f.interval)

	for {
		select {
		case <-ctx.Done():
			f.logger.Printf("[Flusher] stopping, final flush of open sessions")
			f.FlushNow(context.Background())
			return nil
		case <-ticker.C():
			f.FlushNow(ctx)
		}
	}
}

// FlushNow persists every open session's current metrics. Failures are
// isolated per session: one failing save never blocks the others.
func (f *Flusher) FlushNow(ctx context.Context) {
	for _, snap := range f.agg.Open() {
		snap := snap
		err := f.guard.Do(ctx, func(ctx context.Context) error {
			return f.store.SaveSessionMetrics(ctx, snap)
		})
		if err != nil {
			f.logger.Printf("[Flusher] flush of session %s failed: %v", snap.SessionID, err)
		}
	}
}

// PersistFinal writes a finalized session's metrics and retires the entry
// from the aggregator on success.
func (f *Flusher) PersistFinal(ctx context.Context, snap Snapshot) error {
	err := f.guard.Do(ctx, func(ctx context.Context) error {
		return f.store.FinalizeSession(ctx, snap)
	})
	if err != nil {
		f.logger.Printf("[Flusher] finalize of session %s failed: %v", snap.SessionID, err)
		return err
	}
	f.agg.Remove(snap.SessionID)
	return nil
}
