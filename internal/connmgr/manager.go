// Package connmgr tracks long-lived device connections: authentication,
// the connection ceiling, heartbeats, and lifecycle events.
package connmgr

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/flexion-data/motionstream/internal/telemetry"
	"github.com/flexion-data/motionstream/internal/timeutil"
)

// Authenticator resolves a device's credentials to its session.
type Authenticator interface {
	Authenticate(ctx context.Context, token, deviceID string) (sessionID string, err error)
}

// AllowAll admits every device, assigning a fresh session per connection.
// Used when no credential backend is configured.
type AllowAll struct{}

func (AllowAll) Authenticate(_ context.Context, _ string, deviceID string) (string, error) {
	if deviceID == "" {
		return "", fmt.Errorf("empty device id")
	}
	return "session-" + uuid.NewString(), nil
}

// EventType is a connection lifecycle transition.
type EventType string

const (
	EventOpened EventType = "opened"
	EventClosed EventType = "closed"
)

// CloseReason says why a connection closed.
type CloseReason string

const (
	ReasonClientClose      CloseReason = "client_close"
	ReasonHeartbeatTimeout CloseReason = "heartbeat_timeout"
	ReasonValidation       CloseReason = "validation_failures"
	ReasonOverload         CloseReason = "queue_overload"
)

// Event is emitted on every open and close.
type Event struct {
	Type      EventType
	ConnID    string
	DeviceID  string
	SessionID string
	Reason    CloseReason
}

// Conn is one registered device connection.
type Conn struct {
	ID        string
	DeviceID  string
	SessionID string
	OpenedAt  time.Time

	mu              sync.Mutex
	lastHeartbeat   time.Time
	saturatedSweeps int

	validationFailures atomic.Uint32
}

// Touch records heartbeat activity. Any inbound message counts.
func (c *Conn) Touch(now time.Time) {
	c.mu.Lock()
	c.lastHeartbeat = now
	c.mu.Unlock()
}

// LastHeartbeat returns the most recent activity time.
func (c *Conn) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

func (c *Conn) recordSaturation() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saturatedSweeps++
	return c.saturatedSweeps
}

func (c *Conn) resetSaturation() {
	c.mu.Lock()
	c.saturatedSweeps = 0
	c.mu.Unlock()
}

// RecordValidationFailure bumps the connection's failure counter and
// returns the new total.
func (c *Conn) RecordValidationFailure() uint32 {
	return c.validationFailures.Add(1)
}

// ValidationFailures returns the counter without changing it.
func (c *Conn) ValidationFailures() uint32 {
	return c.validationFailures.Load()
}

// Config holds manager settings.
type Config struct {
	// MaxConnections is the admission ceiling.
	MaxConnections int

	// HeartbeatInterval is the expected client heartbeat cadence. A
	// connection silent for twice this is force-closed.
	HeartbeatInterval time.Duration

	// SweepInterval is how often the sweeper scans for dead connections.
	SweepInterval time.Duration

	// MaxValidationFailures disconnects a device after this many rejected
	// frames.
	MaxValidationFailures int

	// SaturatedSweepLimit disconnects a producer whose ingest queue is
	// still full after this many consecutive sweeps.
	SaturatedSweepLimit int
}

func (c Config) withDefaults() Config {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 1000
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = c.HeartbeatInterval
	}
	if c.MaxValidationFailures <= 0 {
		c.MaxValidationFailures = 5
	}
	if c.SaturatedSweepLimit <= 0 {
		c.SaturatedSweepLimit = 3
	}
	return c
}

// QueueHealth reports a connection's ingest queue occupancy. The
// backpressure controller satisfies it.
type QueueHealth interface {
	QueueDepth(connID string) (depth, capacity int, ok bool)
}

// Manager owns the connection table.
type Manager struct {
	config Config
	auth   Authenticator
	clock  timeutil.Clock
	logger *log.Logger

	mu     sync.RWMutex
	conns  map[string]*Conn
	health QueueHealth

	events chan Event

	accepted atomic.Uint64
	rejected atomic.Uint64
	timedOut atomic.Uint64
}

// NewManager creates a Manager. A nil auth admits everyone.
func NewManager(cfg Config, auth Authenticator, clock timeutil.Clock, logger *log.Logger) *Manager {
	cfg = cfg.withDefaults()
	if auth == nil {
		auth = AllowAll{}
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		config: cfg,
		auth:   auth,
		clock:  clock,
		logger: logger,
		conns:  make(map[string]*Conn),
		events: make(chan Event, 64),
	}
}

// Events is the lifecycle stream consumed by the backpressure controller
// and broadcaster for cleanup. Events are dropped if nobody drains the
// channel.
func (m *Manager) Events() <-chan Event { return m.events }

// SetQueueHealth attaches the queue-depth health signal. With it set,
// the sweeper force-closes producers whose queues stay saturated.
func (m *Manager) SetQueueHealth(h QueueHealth) {
	m.mu.Lock()
	m.health = h
	m.mu.Unlock()
}

// Register authenticates and admits a device connection. A full table
// fails with ErrCapacityExceeded before authentication side effects.
func (m *Manager) Register(ctx context.Context, token, deviceID string) (*Conn, error) {
	m.mu.RLock()
	open := len(m.conns)
	m.mu.RUnlock()
	if open >= m.config.MaxConnections {
		m.rejected.Add(1)
		return nil, fmt.Errorf("register device %s: %w", deviceID, telemetry.ErrCapacityExceeded)
	}

	sessionID, err := m.auth.Authenticate(ctx, token, deviceID)
	if err != nil {
		m.rejected.Add(1)
		return nil, fmt.Errorf("authenticate device %s: %w", deviceID, err)
	}

	now := m.clock.Now()
	conn := &Conn{
		ID:            uuid.NewString(),
		DeviceID:      deviceID,
		SessionID:     sessionID,
		OpenedAt:      now,
		lastHeartbeat: now,
	}

	m.mu.Lock()
	if len(m.conns) >= m.config.MaxConnections {
		m.mu.Unlock()
		m.rejected.Add(1)
		return nil, fmt.Errorf("register device %s: %w", deviceID, telemetry.ErrCapacityExceeded)
	}
	m.conns[conn.ID] = conn
	open = len(m.conns)
	m.mu.Unlock()

	m.accepted.Add(1)
	m.logger.Printf("[ConnMgr] device %s connected: conn=%s session=%s (open: %d)",
		deviceID, conn.ID, sessionID, open)
	m.emit(Event{Type: EventOpened, ConnID: conn.ID, DeviceID: deviceID, SessionID: sessionID})
	return conn, nil
}

// Deregister removes a connection and emits a Closed event. Unknown ids
// are a no-op.
func (m *Manager) Deregister(connID string, reason CloseReason) {
	m.mu.Lock()
	conn, ok := m.conns[connID]
	if ok {
		delete(m.conns, connID)
	}
	open := len(m.conns)
	m.mu.Unlock()
	if !ok {
		return
	}

	m.logger.Printf("[ConnMgr] device %s disconnected: conn=%s reason=%s (open: %d)",
		conn.DeviceID, connID, reason, open)
	m.emit(Event{
		Type:      EventClosed,
		ConnID:    connID,
		DeviceID:  conn.DeviceID,
		SessionID: conn.SessionID,
		Reason:    reason,
	})
}

// Heartbeat refreshes a connection's liveness. Returns false for unknown
// connections.
func (m *Manager) Heartbeat(connID string) bool {
	m.mu.RLock()
	conn, ok := m.conns[connID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	conn.Touch(m.clock.Now())
	return true
}

// Lookup returns a connection by id.
func (m *Manager) Lookup(connID string) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[connID]
	return conn, ok
}

// RecordValidationFailure counts one rejected frame against a connection
// and reports whether the connection crossed the disconnect threshold.
func (m *Manager) RecordValidationFailure(connID string) (disconnect bool) {
	m.mu.RLock()
	conn, ok := m.conns[connID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return conn.RecordValidationFailure() >= uint32(m.config.MaxValidationFailures)
}

// Sweep force-closes every connection silent for longer than twice the
// heartbeat interval and returns them.
func (m *Manager) Sweep() []*Conn {
	deadline := m.clock.Now().Add(-2 * m.config.HeartbeatInterval)

	m.mu.RLock()
	var dead []*Conn
	for _, conn := range m.conns {
		if conn.LastHeartbeat().Before(deadline) {
			dead = append(dead, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range dead {
		m.timedOut.Add(1)
		m.Deregister(conn.ID, ReasonHeartbeatTimeout)
	}
	return dead
}

// Run sweeps on the configured interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	m.logger.Printf("[ConnMgr] sweeper started: heartbeat=%v sweep=%v ceiling=%d",
		m.config.HeartbeatInterval, m.config.SweepInterval, m.config.MaxConnections)

	for {
		select {
		case <-ctx.Done():
			m.logger.Printf("[ConnMgr] sweeper stopped")
			return nil
		case <-ticker.C():
			if dead := m.Sweep(); len(dead) > 0 {
				m.logger.Printf("[ConnMgr] swept %d dead connection(s)", len(dead))
			}
			m.checkQueues()
		}
	}
}

// checkQueues disconnects producers whose ingest queue has been full for
// SaturatedSweepLimit consecutive sweeps. Anything less resets the
// strike count.
func (m *Manager) checkQueues() {
	m.mu.RLock()
	health := m.health
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	if health == nil {
		return
	}

	for _, conn := range conns {
		depth, capacity, ok := health.QueueDepth(conn.ID)
		if !ok || capacity == 0 || depth < capacity {
			conn.resetSaturation()
			continue
		}
		strikes := conn.recordSaturation()
		m.logger.Printf("[ConnMgr] conn=%s device=%s queue saturated (%d/%d), strike %d of %d",
			conn.ID, conn.DeviceID, depth, capacity, strikes, m.config.SaturatedSweepLimit)
		if strikes >= m.config.SaturatedSweepLimit {
			m.Deregister(conn.ID, ReasonOverload)
		}
	}
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.logger.Printf("[ConnMgr] event channel full, dropping %s for conn=%s", ev.Type, ev.ConnID)
	}
}

// Stats returns a snapshot of connection counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	open := len(m.conns)
	m.mu.RUnlock()
	return Stats{
		Open:     open,
		Accepted: m.accepted.Load(),
		Rejected: m.rejected.Load(),
		TimedOut: m.timedOut.Load(),
	}
}

// Stats contains connection counters.
type Stats struct {
	Open     int    `json:"open"`
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
	TimedOut uint64 `json:"timed_out"`
}
