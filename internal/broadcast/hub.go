// Package broadcast fans processed telemetry out to live subscribers.
//
// Each subscriber gets its own bounded buffer; a slow consumer loses its
// own oldest updates and never stalls the ingestion path or its peers.
package broadcast

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flexion-data/motionstream/internal/session"
	"github.com/flexion-data/motionstream/internal/telemetry"
)

// UpdateKind discriminates what an Update carries.
type UpdateKind string

const (
	// KindSample is a single processed sensor sample.
	KindSample UpdateKind = "sample"
	// KindMetrics is a session metrics snapshot.
	KindMetrics UpdateKind = "metrics"
	// KindSessionEnded announces a finalized session, carrying its last
	// snapshot.
	KindSessionEnded UpdateKind = "session_ended"
)

// Update is one fan-out message. Exactly one payload field is set,
// according to Kind.
type Update struct {
	Kind    UpdateKind                 `json:"kind"`
	Sample  *telemetry.ProcessedSample `json:"sample,omitempty"`
	Metrics *session.Snapshot          `json:"metrics,omitempty"`
}

// SessionID returns the session the update belongs to.
func (u Update) SessionID() string {
	switch u.Kind {
	case KindSample:
		if u.Sample != nil {
			return u.Sample.SessionID
		}
	case KindMetrics, KindSessionEnded:
		if u.Metrics != nil {
			return u.Metrics.SessionID
		}
	}
	return ""
}

// DeviceID returns the originating device for sample updates. Metrics and
// session-ended updates aggregate across a session and carry no device.
func (u Update) DeviceID() string {
	if u.Kind == KindSample && u.Sample != nil {
		return u.Sample.DeviceID
	}
	return ""
}

// Config holds hub settings.
type Config struct {
	// SubscriberBuffer is each subscriber's queue capacity.
	SubscriberBuffer int

	// StatsInterval is how often cumulative counters are logged. Zero
	// disables the periodic log line.
	StatsInterval time.Duration
}

// DefaultConfig returns hub defaults.
func DefaultConfig() Config {
	return Config{
		SubscriberBuffer: 1000,
		StatsInterval:    30 * time.Second,
	}
}

// Subscriber is one registered consumer. Read updates from C(); the
// channel closes after Unsubscribe.
type Subscriber struct {
	id        string
	sessionID string
	deviceID  string
	ch        chan Update
	dropped   atomic.Uint64
}

// wants reports whether the update passes this subscriber's filters. A
// device filter only ever matches sample updates.
func (s *Subscriber) wants(u Update) bool {
	if s.sessionID != "" && s.sessionID != u.SessionID() {
		return false
	}
	if s.deviceID != "" && s.deviceID != u.DeviceID() {
		return false
	}
	return true
}

// ID returns the subscriber's identifier.
func (s *Subscriber) ID() string { return s.id }

// C is the subscriber's update stream.
func (s *Subscriber) C() <-chan Update { return s.ch }

// Dropped returns how many updates this subscriber lost to a full buffer.
func (s *Subscriber) Dropped() uint64 { return s.dropped.Load() }

// Hub distributes updates to all registered subscribers.
type Hub struct {
	config Config
	logger *log.Logger

	mu   sync.RWMutex
	subs map[string]*Subscriber

	published atomic.Uint64
	dropped   atomic.Uint64

	lastStatsMu   sync.Mutex
	lastStatsTime time.Time
}

// NewHub creates a Hub with the given configuration.
func NewHub(cfg Config, logger *log.Logger) *Hub {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultConfig().SubscriberBuffer
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		config: cfg,
		logger: logger,
		subs:   make(map[string]*Subscriber),
	}
}

// Subscribe registers a consumer. An empty sessionID receives every
// session's updates; otherwise only updates for that session are
// delivered. Subscribing an existing id again returns the existing
// subscriber unchanged.
func (h *Hub) Subscribe(id, sessionID string) *Subscriber {
	return h.subscribe(id, sessionID, "")
}

// SubscribeDevice registers a consumer that receives only samples produced
// by the given device. Metrics and session-ended updates are session-level
// and never match a device filter.
func (h *Hub) SubscribeDevice(id, deviceID string) *Subscriber {
	return h.subscribe(id, "", deviceID)
}

func (h *Hub) subscribe(id, sessionID, deviceID string) *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sub, ok := h.subs[id]; ok {
		return sub
	}
	sub := &Subscriber{
		id:        id,
		sessionID: sessionID,
		deviceID:  deviceID,
		ch:        make(chan Update, h.config.SubscriberBuffer),
	}
	h.subs[id] = sub
	h.logger.Printf("[Broadcast] subscriber connected: %s session=%q device=%q (total: %d)", id, sessionID, deviceID, len(h.subs))
	return sub
}

// Unsubscribe removes a consumer and closes its channel. Unknown ids are
// a no-op.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	close(sub.ch)
	h.logger.Printf("[Broadcast] subscriber disconnected: %s (remaining: %d)", id, len(h.subs))
}

// Publish delivers an update to every matching subscriber. A subscriber
// whose buffer is full loses its oldest queued update to make room; the
// newest update is always enqueued. Publish never blocks.
func (h *Hub) Publish(u Update) {
	h.mu.RLock()
	h.published.Add(1)
	for _, sub := range h.subs {
		if !sub.wants(u) {
			continue
		}
		select {
		case sub.ch <- u:
			continue
		default:
		}
		// Buffer full: evict the oldest, count it, then retry. The retry
		// can still lose a race with a concurrent Publish; the update is
		// dropped in that case rather than blocking.
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
			h.dropped.Add(1)
		default:
		}
		select {
		case sub.ch <- u:
		default:
			sub.dropped.Add(1)
			h.dropped.Add(1)
		}
	}
	h.mu.RUnlock()

	h.maybeLogStats()
}

func (h *Hub) maybeLogStats() {
	if h.config.StatsInterval <= 0 {
		return
	}
	h.lastStatsMu.Lock()
	defer h.lastStatsMu.Unlock()

	now := time.Now()
	if h.lastStatsTime.IsZero() {
		h.lastStatsTime = now
		return
	}
	if now.Sub(h.lastStatsTime) >= h.config.StatsInterval {
		h.mu.RLock()
		subs := len(h.subs)
		h.mu.RUnlock()
		h.logger.Printf("[Broadcast] stats: published=%d dropped=%d subscribers=%d",
			h.published.Load(), h.dropped.Load(), subs)
		h.lastStatsTime = now
	}
}

// Stats returns cumulative hub counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	subs := len(h.subs)
	h.mu.RUnlock()
	return Stats{
		Subscribers: subs,
		Published:   h.published.Load(),
		Dropped:     h.dropped.Load(),
	}
}

// Stats contains hub counters.
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
}
