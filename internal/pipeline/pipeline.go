// Package pipeline wires ingestion end to end: per-connection queues,
// the signal processor, the session aggregator, fan-out, and anomaly
// notification.
//
// One pump goroutine per connection preserves per-device frame order;
// the shared admission semaphore in the backpressure controller bounds
// how many frames are processed concurrently across all connections.
package pipeline

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/flexion-data/motionstream/internal/backpressure"
	"github.com/flexion-data/motionstream/internal/broadcast"
	"github.com/flexion-data/motionstream/internal/connmgr"
	"github.com/flexion-data/motionstream/internal/notify"
	"github.com/flexion-data/motionstream/internal/session"
	"github.com/flexion-data/motionstream/internal/signal"
	"github.com/flexion-data/motionstream/internal/telemetry"
	"github.com/flexion-data/motionstream/internal/timeutil"
)

// Guard wraps notifier calls, normally the notification circuit breaker.
type Guard interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

type directGuard struct{}

func (directGuard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// Config holds pipeline settings.
type Config struct {
	// LatencyBudget is the soft end-to-end deadline for one frame's
	// validate-smooth-aggregate path. Exceeding it logs and counts a
	// violation; the sample is still delivered.
	LatencyBudget time.Duration

	// MetricsInterval is the cadence for pushing live session metrics
	// snapshots to subscribers.
	MetricsInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.LatencyBudget <= 0 {
		c.LatencyBudget = 100 * time.Millisecond
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = time.Second
	}
	return c
}

// Pipeline owns the processing path between validated frames and
// delivered samples.
type Pipeline struct {
	config    Config
	control   *backpressure.Controller
	processor *signal.Processor
	agg       *session.Aggregator
	hub       *broadcast.Hub
	flusher   *session.Flusher
	notifier  notify.Notifier
	guard     Guard
	clock     timeutil.Clock
	logger    *log.Logger

	processed         atomic.Uint64
	rejected          atomic.Uint64
	finalizedDrops    atomic.Uint64
	latencyViolations atomic.Uint64
}

// New creates a Pipeline. flusher may be nil when final metrics are not
// persisted; a nil guard calls the notifier directly.
func New(
	cfg Config,
	control *backpressure.Controller,
	processor *signal.Processor,
	agg *session.Aggregator,
	hub *broadcast.Hub,
	flusher *session.Flusher,
	notifier notify.Notifier,
	guard Guard,
	clock timeutil.Clock,
	logger *log.Logger,
) *Pipeline {
	cfg = cfg.withDefaults()
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	if guard == nil {
		guard = directGuard{}
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Pipeline{
		config:    cfg,
		control:   control,
		processor: processor,
		agg:       agg,
		hub:       hub,
		flusher:   flusher,
		notifier:  notifier,
		guard:     guard,
		clock:     clock,
		logger:    logger,
	}
}

// Run pushes live metrics snapshots for every open session to the
// broadcaster on the configured interval until the context is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := p.clock.NewTicker(p.config.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			for _, snap := range p.agg.Open() {
				snap := snap
				p.hub.Publish(broadcast.Update{Kind: broadcast.KindMetrics, Metrics: &snap})
			}
		}
	}
}

// Ingest is one connection's handle into the pipeline.
type Ingest struct {
	p         *Pipeline
	conn      *connmgr.Conn
	validator *telemetry.Validator
	queue     *backpressure.Queue
	done      chan struct{}
}

// Attach opens the processing path for a connection: the session is
// started, the device's calibration state seeded, and the pump goroutine
// launched. Frames submitted after Close are rejected by the queue.
func (p *Pipeline) Attach(ctx context.Context, conn *connmgr.Conn) (*Ingest, error) {
	if err := p.agg.Start(conn.SessionID); err != nil {
		return nil, err
	}
	p.processor.SeedDevice(conn.DeviceID)

	in := &Ingest{
		p:         p,
		conn:      conn,
		validator: telemetry.NewValidator(p.clock),
		queue:     p.control.Register(conn.ID),
		done:      make(chan struct{}),
	}
	go in.pump(ctx)
	return in, nil
}

// Submit validates a frame and queues it for processing. Validation
// failures, a finalized session, and a full queue all fail fast; the
// frame is dropped either way.
func (in *Ingest) Submit(f *telemetry.SensorFrame) error {
	if f.ReceivedAt.IsZero() {
		f.ReceivedAt = in.p.clock.Now()
	}
	if err := in.validator.Validate(f); err != nil {
		in.p.rejected.Add(1)
		return err
	}
	if in.p.agg.Finalized(in.conn.SessionID) {
		in.p.rejected.Add(1)
		return telemetry.ErrSessionFinalized
	}
	return in.queue.TryEnqueue(f)
}

// Close tears the connection's path down and waits for the pump to
// finish the frames already queued.
func (in *Ingest) Close() {
	in.p.control.Unregister(in.conn.ID)
	<-in.done
	in.p.processor.ForgetDevice(in.conn.DeviceID)
}

func (in *Ingest) pump(ctx context.Context) {
	defer close(in.done)
	for f := range in.queue.Frames() {
		if err := in.p.control.Acquire(ctx); err != nil {
			return
		}
		in.p.handle(ctx, in.conn, f)
		in.p.control.Release()
	}
}

func (p *Pipeline) handle(ctx context.Context, conn *connmgr.Conn, f *telemetry.SensorFrame) {
	start := p.clock.Now()

	sample := p.processor.Process(conn.SessionID, f)

	if err := p.agg.Apply(sample); err != nil {
		if errors.Is(err, telemetry.ErrSessionFinalized) {
			// Already-queued frames can race a concurrent EndSession past
			// Submit's check; they are counted and dropped, not errors.
			p.finalizedDrops.Add(1)
			p.logger.Printf("[Pipeline] frame for finalized session dropped: device=%s session=%s", conn.DeviceID, conn.SessionID)
			return
		}
		p.logger.Printf("[Pipeline] aggregate failed for session %s: %v", conn.SessionID, err)
		return
	}

	elapsed := p.clock.Since(start)
	if !f.ReceivedAt.IsZero() {
		elapsed = p.clock.Since(f.ReceivedAt)
	}
	sample.ProcessingLatencyMs = float64(elapsed) / float64(time.Millisecond)
	if elapsed > p.config.LatencyBudget {
		p.latencyViolations.Add(1)
		p.logger.Printf("[Pipeline] latency budget exceeded: device=%s session=%s took=%v budget=%v",
			conn.DeviceID, conn.SessionID, elapsed, p.config.LatencyBudget)
	}

	p.hub.Publish(broadcast.Update{Kind: broadcast.KindSample, Sample: sample})
	p.processed.Add(1)

	if sample.IsAnomaly {
		ev := notify.AnomalyEvent{
			DeviceID:    sample.DeviceID,
			SessionID:   sample.SessionID,
			SensorType:  sample.SensorType,
			TimestampMs: sample.TimestampMs,
			Values:      sample.SmoothedValues,
			Confidence:  sample.Confidence,
		}
		err := p.guard.Do(ctx, func(ctx context.Context) error {
			return p.notifier.NotifyAnomaly(ctx, ev)
		})
		if err != nil {
			// Anomalies are data, not errors; delivery failure only logs.
			p.logger.Printf("[Pipeline] anomaly notify failed for device %s: %v", sample.DeviceID, err)
		}
	}
}

// EndSession finalizes a session: aggregation stops, the final snapshot
// is broadcast, and metrics are persisted when a flusher is wired.
func (p *Pipeline) EndSession(ctx context.Context, sessionID string) (session.Snapshot, error) {
	snap, err := p.agg.End(sessionID)
	if err != nil {
		return session.Snapshot{}, err
	}

	p.hub.Publish(broadcast.Update{Kind: broadcast.KindSessionEnded, Metrics: &snap})

	if p.flusher != nil {
		if err := p.flusher.PersistFinal(ctx, snap); err != nil {
			return snap, err
		}
	}
	return snap, nil
}

// Stats returns cumulative pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Processed:         p.processed.Load(),
		Rejected:          p.rejected.Load(),
		FinalizedDrops:    p.finalizedDrops.Load(),
		LatencyViolations: p.latencyViolations.Load(),
	}
}

// Stats contains pipeline counters.
type Stats struct {
	Processed         uint64 `json:"processed"`
	Rejected          uint64 `json:"rejected"`
	FinalizedDrops    uint64 `json:"finalized_drops"`
	LatencyViolations uint64 `json:"latency_violations"`
}
