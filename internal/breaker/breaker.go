// Package breaker implements the circuit breaker guarding every call into
// the storage and notification collaborators, so a slow or failing
// downstream never stalls the hot ingestion path.
package breaker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/flexion-data/motionstream/internal/telemetry"
	"github.com/flexion-data/motionstream/internal/timeutil"
)

// State is the breaker's position in its lifecycle.
type State string

const (
	// StateClosed passes calls through while counting failures.
	StateClosed State = "closed"
	// StateOpen fails calls immediately without attempting the collaborator.
	StateOpen State = "open"
	// StateHalfOpen allows a single trial call after the reset timeout.
	StateHalfOpen State = "half-open"
)

// Config holds the breaker thresholds.
type Config struct {
	// Name appears in log lines, e.g. "storage" or "notify".
	Name string

	// ConsecutiveFailures opens the breaker after this many failures in a
	// row (default 5).
	ConsecutiveFailures int

	// FailureRate opens the breaker when the failure fraction over the
	// rolling window exceeds it (default 0.5).
	FailureRate float64

	// WindowSize is the rolling call-outcome window length (default 10).
	// The rate check engages once at least WindowSize/2 outcomes exist.
	WindowSize int

	// ResetTimeout is how long the breaker stays open before allowing a
	// half-open trial (default 30s).
	ResetTimeout time.Duration

	// CallTimeout bounds each attempted call (default 3s).
	CallTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "downstream"
	}
	if c.ConsecutiveFailures <= 0 {
		c.ConsecutiveFailures = 5
	}
	if c.FailureRate <= 0 {
		c.FailureRate = 0.5
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 10
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 3 * time.Second
	}
	return c
}

// Breaker is a circuit breaker. Safe for concurrent use.
type Breaker struct {
	cfg    Config
	clock  timeutil.Clock
	logger *log.Logger

	mu          sync.Mutex
	state       State
	consecutive int
	window      []bool // true = failure, rolling
	openedAt    time.Time
	trialActive bool
}

// New creates a Breaker in the Closed state.
func New(cfg Config, clock timeutil.Clock, logger *log.Logger) *Breaker {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Breaker{
		cfg:    cfg.withDefaults(),
		clock:  clock,
		logger: logger,
		state:  StateClosed,
	}
}

// State returns the current state, accounting for an elapsed reset timeout
// (an Open breaker reports HalfOpen once the timeout has passed).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

func (b *Breaker) maybeHalfOpenLocked() {
	if b.state == StateOpen && b.clock.Since(b.openedAt) >= b.cfg.ResetTimeout {
		b.transitionLocked(StateHalfOpen)
	}
}

func (b *Breaker) transitionLocked(next State) {
	if b.state == next {
		return
	}
	b.logger.Printf("[Breaker:%s] %s -> %s", b.cfg.Name, b.state, next)
	b.state = next
	switch next {
	case StateClosed:
		b.consecutive = 0
		b.window = b.window[:0]
		b.trialActive = false
	case StateOpen:
		b.openedAt = b.clock.Now()
		b.trialActive = false
	case StateHalfOpen:
		b.trialActive = false
	}
}

// Do runs fn through the breaker. When the breaker is open (or a half-open
// trial is already in flight) it returns ErrDownstreamUnavailable without
// invoking fn. The call context is bounded by the configured CallTimeout.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	b.maybeHalfOpenLocked()
	switch b.state {
	case StateOpen:
		b.mu.Unlock()
		return fmt.Errorf("%s circuit open: %w", b.cfg.Name, telemetry.ErrDownstreamUnavailable)
	case StateHalfOpen:
		if b.trialActive {
			b.mu.Unlock()
			return fmt.Errorf("%s trial in flight: %w", b.cfg.Name, telemetry.ErrDownstreamUnavailable)
		}
		b.trialActive = true
	}
	state := b.state
	b.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	err := fn(callCtx)
	cancel()

	b.record(state, err)
	return err
}

// record folds a call outcome back into the breaker state machine.
func (b *Breaker) record(at State, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	failed := err != nil

	if at == StateHalfOpen {
		if failed {
			b.transitionLocked(StateOpen)
		} else {
			b.transitionLocked(StateClosed)
		}
		return
	}

	// Closed-state bookkeeping.
	if failed {
		b.consecutive++
	} else {
		b.consecutive = 0
	}

	b.window = append(b.window, failed)
	if len(b.window) > b.cfg.WindowSize {
		b.window = b.window[len(b.window)-b.cfg.WindowSize:]
	}

	if b.consecutive >= b.cfg.ConsecutiveFailures {
		b.transitionLocked(StateOpen)
		return
	}
	if len(b.window) >= b.cfg.WindowSize/2 {
		failures := 0
		for _, f := range b.window {
			if f {
				failures++
			}
		}
		if float64(failures)/float64(len(b.window)) > b.cfg.FailureRate {
			b.transitionLocked(StateOpen)
		}
	}
}
