// Package backpressure implements the shed-load admission layer between
// connection readers and the processing workers: one bounded FIFO queue
// per connection plus a global semaphore bounding in-flight processing.
//
// Enqueue on a full queue fails immediately instead of blocking the
// producer. Stale sensor data has no value once late.
package backpressure

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/flexion-data/motionstream/internal/telemetry"
)

// Queue is a bounded FIFO of frames for one connection.
type Queue struct {
	mu      sync.Mutex
	ch      chan *telemetry.SensorFrame
	closed  bool
	dropped atomic.Uint64
}

func newQueue(capacity int) *Queue {
	return &Queue{ch: make(chan *telemetry.SensorFrame, capacity)}
}

// TryEnqueue appends a frame, failing fast with ErrOverloaded when the
// queue is full and ErrCapacityExceeded when the connection is gone.
func (q *Queue) TryEnqueue(f *telemetry.SensorFrame) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("queue closed: %w", telemetry.ErrCapacityExceeded)
	}
	select {
	case q.ch <- f:
		return nil
	default:
		q.dropped.Add(1)
		return telemetry.ErrOverloaded
	}
}

// Frames returns the consumer side of the queue. The channel is closed
// when the connection is unregistered; frames still buffered at that
// point are discarded by the consumer.
func (q *Queue) Frames() <-chan *telemetry.SensorFrame {
	return q.ch
}

// Depth reports the number of frames currently buffered.
func (q *Queue) Depth() int { return len(q.ch) }

// Capacity reports the queue's fixed size.
func (q *Queue) Capacity() int { return cap(q.ch) }

// Dropped reports how many frames this queue has shed.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

func (q *Queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Controller owns all per-connection queues and the global in-flight
// processing semaphore. Safe for concurrent use.
type Controller struct {
	queueCapacity int
	slots         chan struct{}

	mu     sync.Mutex
	queues map[string]*Queue
}

// NewController creates a Controller with the given per-connection queue
// capacity and global in-flight bound.
func NewController(queueCapacity, globalInflight int) *Controller {
	if queueCapacity < 1 {
		queueCapacity = 1
	}
	if globalInflight < 1 {
		globalInflight = 1
	}
	return &Controller{
		queueCapacity: queueCapacity,
		slots:         make(chan struct{}, globalInflight),
		queues:        make(map[string]*Queue),
	}
}

// Register creates (or returns) the queue for a connection.
func (c *Controller) Register(connID string) *Queue {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.queues[connID]; ok {
		return q
	}
	q := newQueue(c.queueCapacity)
	c.queues[connID] = q
	return q
}

// Unregister closes and removes a connection's queue. Idempotent.
func (c *Controller) Unregister(connID string) {
	c.mu.Lock()
	q, ok := c.queues[connID]
	if ok {
		delete(c.queues, connID)
	}
	c.mu.Unlock()
	if ok {
		q.close()
	}
}

// Queue returns the queue for a connection, nil if not registered.
func (c *Controller) Queue(connID string) *Queue {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queues[connID]
}

// QueueDepth reports one connection's queue occupancy as a health
// signal. ok is false when the connection has no registered queue.
func (c *Controller) QueueDepth(connID string) (depth, capacity int, ok bool) {
	q := c.Queue(connID)
	if q == nil {
		return 0, 0, false
	}
	return q.Depth(), q.Capacity(), true
}

// Acquire takes one global in-flight slot, waiting until one frees or the
// context is cancelled.
func (c *Controller) Acquire(ctx context.Context) error {
	select {
	case c.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot taken by Acquire.
func (c *Controller) Release() {
	select {
	case <-c.slots:
	default:
		// Release without Acquire is a programming error; tolerate it
		// rather than block the worker.
	}
}

// Inflight reports how many global slots are currently taken.
func (c *Controller) Inflight() int { return len(c.slots) }

// Stats summarizes queue health for the connection manager and the stats
// endpoint.
type Stats struct {
	Connections int            `json:"connections"`
	Inflight    int            `json:"inflight"`
	Depths      map[string]int `json:"depths"`
	Dropped     uint64         `json:"dropped"`
}

// Snapshot returns current queue depths and total shed count.
func (c *Controller) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Connections: len(c.queues),
		Inflight:    len(c.slots),
		Depths:      make(map[string]int, len(c.queues)),
	}
	for id, q := range c.queues {
		s.Depths[id] = q.Depth()
		s.Dropped += q.Dropped()
	}
	return s
}
