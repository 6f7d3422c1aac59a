// Package syncqueue uploads sample batches to durable storage with
// bounded retries.
//
// Batches are all-or-nothing: persistence happens in one transaction on
// the store side, and the batch id makes redelivery idempotent. Upload
// calls go through the storage circuit breaker, so an open breaker
// surfaces here as a failed attempt and the batch stays retryable.
package syncqueue

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/flexion-data/motionstream/internal/storage"
	"github.com/flexion-data/motionstream/internal/telemetry"
	"github.com/flexion-data/motionstream/internal/timeutil"
)

// Store is the durable destination for batches.
type Store interface {
	SaveBatch(ctx context.Context, b *storage.Batch) error
	BatchUploaded(ctx context.Context, batchID string) (bool, error)
}

// Guard wraps store calls, normally the storage circuit breaker.
type Guard interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// Config holds uploader settings.
type Config struct {
	// QueueCapacity bounds how many batches may wait for upload.
	QueueCapacity int

	// MaxAttempts is how many upload attempts one drain cycle makes
	// before the batch is requeued.
	MaxAttempts int

	// BaseDelay is the first retry's backoff; each further retry doubles
	// it.
	BaseDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 256
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	return c
}

// Uploader drains a bounded batch queue into the store.
type Uploader struct {
	config Config
	store  Store
	guard  Guard
	clock  timeutil.Clock
	logger *log.Logger

	queue chan *storage.Batch

	uploaded  atomic.Uint64
	duplicate atomic.Uint64
	requeued  atomic.Uint64
}

// NewUploader creates an Uploader. A nil guard runs store calls directly.
func NewUploader(cfg Config, store Store, guard Guard, clock timeutil.Clock, logger *log.Logger) *Uploader {
	cfg = cfg.withDefaults()
	if guard == nil {
		guard = directGuard{}
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Uploader{
		config: cfg,
		store:  store,
		guard:  guard,
		clock:  clock,
		logger: logger,
		queue:  make(chan *storage.Batch, cfg.QueueCapacity),
	}
}

type directGuard struct{}

func (directGuard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// Submit queues a batch for upload. A full queue fails fast with
// ErrOverloaded rather than blocking the caller.
func (u *Uploader) Submit(b *storage.Batch) error {
	if b == nil || b.BatchID == "" {
		return fmt.Errorf("submit batch: missing batch id")
	}
	select {
	case u.queue <- b:
		return nil
	default:
		return fmt.Errorf("submit batch %s: %w", b.BatchID, telemetry.ErrOverloaded)
	}
}

// Pending returns how many batches are waiting for upload.
func (u *Uploader) Pending() int { return len(u.queue) }

// Run drains the queue until ctx is cancelled. A batch whose upload
// attempts are exhausted goes back to the end of the queue; nothing is
// silently lost while the process is up.
func (u *Uploader) Run(ctx context.Context) error {
	u.logger.Printf("[SyncQueue] started: capacity=%d attempts=%d base_delay=%v",
		u.config.QueueCapacity, u.config.MaxAttempts, u.config.BaseDelay)
	for {
		select {
		case <-ctx.Done():
			u.logger.Printf("[SyncQueue] stopping: pending=%d uploaded=%d requeued=%d",
				len(u.queue), u.uploaded.Load(), u.requeued.Load())
			return nil
		case b := <-u.queue:
			if err := u.Upload(ctx, b); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				u.requeue(b, err)
			}
		}
	}
}

func (u *Uploader) requeue(b *storage.Batch, cause error) {
	select {
	case u.queue <- b:
		u.requeued.Add(1)
		u.logger.Printf("[SyncQueue] batch %s requeued after failed attempts: %v", b.BatchID, cause)
	default:
		u.logger.Printf("[SyncQueue] batch %s dropped, queue full after failed attempts: %v", b.BatchID, cause)
	}
}

// Upload pushes one batch to the store, retrying with exponential
// backoff. Already uploaded batches return nil without touching the
// store again.
func (u *Uploader) Upload(ctx context.Context, b *storage.Batch) error {
	var lastErr error
	for attempt := 0; attempt < u.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			u.clock.Sleep(u.config.BaseDelay << (attempt - 1))
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		err := u.guard.Do(ctx, func(ctx context.Context) error {
			done, err := u.store.BatchUploaded(ctx, b.BatchID)
			if err != nil {
				return err
			}
			if done {
				u.duplicate.Add(1)
				return nil
			}
			return u.store.SaveBatch(ctx, b)
		})
		if err == nil {
			u.uploaded.Add(1)
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("upload batch %s: %w", b.BatchID, lastErr)
}

// Stats returns cumulative uploader counters.
func (u *Uploader) Stats() Stats {
	return Stats{
		Pending:    len(u.queue),
		Uploaded:   u.uploaded.Load(),
		Duplicates: u.duplicate.Load(),
		Requeued:   u.requeued.Load(),
	}
}

// Stats contains uploader counters.
type Stats struct {
	Pending    int    `json:"pending"`
	Uploaded   uint64 `json:"uploaded"`
	Duplicates uint64 `json:"duplicates"`
	Requeued   uint64 `json:"requeued"`
}
