// Package session folds processed samples into running per-session
// metrics. Contention is isolated to one session at a time: the registry
// lock guards only structural mutation, each session entry carries its own
// mutex for value updates.
package session

import (
	"math"
	"sync"

	"github.com/flexion-data/motionstream/internal/telemetry"
	"github.com/flexion-data/motionstream/internal/timeutil"
)

// Running-update coefficients. Metrics are exponential or windowed running
// updates, never full recomputation from history.
const (
	activityAlpha = 0.2
	anomalyAlpha  = 0.1

	// baselineSampleCount is how many updates a channel accumulates before
	// its range-of-motion baseline is frozen.
	baselineSampleCount = 32
)

// ROMetric is the range-of-motion summary for one channel.
type ROMetric struct {
	Current      float64 `json:"current"`
	Baseline     float64 `json:"baseline"`
	DeviationPct float64 `json:"deviationPct"`
}

// Snapshot is an immutable copy of one session's metrics.
type Snapshot struct {
	SessionID         string              `json:"sessionId"`
	MuscleActivity    map[string]float64  `json:"muscleActivity"`
	ForceDistribution map[string]float64  `json:"forceDistribution"`
	RangeOfMotion     map[string]ROMetric `json:"rangeOfMotion"`
	AnomalyScores     map[string]float64  `json:"anomalyScores"`
	SampleCount       int64               `json:"sampleCount"`
	LastUpdatedMs     int64               `json:"lastUpdatedMs"`
	Finalized         bool                `json:"finalized"`
}

// channelAgg is the running state for one named channel.
type channelAgg struct {
	activity     float64
	anomalyScore float64
	min, max     float64
	baseline     float64
	baselineSet  bool
	count        int64
}

type entry struct {
	mu        sync.Mutex
	sessionID string
	channels  map[string]*channelAgg
	samples   int64
	lastMs    int64
	finalized bool
}

// Aggregator holds one mutable metrics entry per open session.
type Aggregator struct {
	clock timeutil.Clock

	mu       sync.RWMutex
	sessions map[string]*entry
	// ended holds ids of finalized sessions whose entries were removed
	// after persisting, so finalization stays sticky for the id.
	ended map[string]struct{}
}

// NewAggregator creates an empty Aggregator.
func NewAggregator(clock timeutil.Clock) *Aggregator {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Aggregator{
		clock:    clock,
		sessions: make(map[string]*entry),
		ended:    make(map[string]struct{}),
	}
}

// Start creates the metrics entry for a session. Idempotent; restarting a
// finalized session is refused.
func (a *Aggregator) Start(sessionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.ended[sessionID]; ok {
		return telemetry.ErrSessionFinalized
	}
	if e, ok := a.sessions[sessionID]; ok {
		e.mu.Lock()
		finalized := e.finalized
		e.mu.Unlock()
		if finalized {
			return telemetry.ErrSessionFinalized
		}
		return nil
	}
	a.sessions[sessionID] = &entry{
		sessionID: sessionID,
		channels:  make(map[string]*channelAgg),
	}
	return nil
}

// Apply folds one processed sample into its session's metrics under that
// session's exclusive update.
func (a *Aggregator) Apply(s *telemetry.ProcessedSample) error {
	a.mu.RLock()
	e, ok := a.sessions[s.SessionID]
	a.mu.RUnlock()
	if !ok {
		return telemetry.ErrUnknownSession
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finalized {
		return telemetry.ErrSessionFinalized
	}

	anomaly := 0.0
	if s.IsAnomaly {
		anomaly = 1.0
	}

	for i, v := range s.SmoothedValues {
		name := telemetry.ChannelName(s.SensorType, i)
		ch, ok := e.channels[name]
		if !ok {
			ch = &channelAgg{min: v, max: v}
			e.channels[name] = ch
		}

		abs := math.Abs(v)
		if ch.count == 0 {
			ch.activity = abs
			ch.anomalyScore = anomaly
		} else {
			ch.activity += activityAlpha * (abs - ch.activity)
			ch.anomalyScore += anomalyAlpha * (anomaly - ch.anomalyScore)
		}

		if v < ch.min {
			ch.min = v
		}
		if v > ch.max {
			ch.max = v
		}
		ch.count++
		if !ch.baselineSet && ch.count >= baselineSampleCount {
			ch.baseline = ch.max - ch.min
			ch.baselineSet = true
		}
	}

	e.samples++
	if s.TimestampMs > e.lastMs {
		e.lastMs = s.TimestampMs
	}
	return nil
}

// snapshotLocked builds a Snapshot; e.mu must be held.
func (e *entry) snapshotLocked() Snapshot {
	snap := Snapshot{
		SessionID:         e.sessionID,
		MuscleActivity:    make(map[string]float64, len(e.channels)),
		ForceDistribution: make(map[string]float64, len(e.channels)),
		RangeOfMotion:     make(map[string]ROMetric, len(e.channels)),
		AnomalyScores:     make(map[string]float64, len(e.channels)),
		SampleCount:       e.samples,
		LastUpdatedMs:     e.lastMs,
		Finalized:         e.finalized,
	}

	var activitySum float64
	for _, ch := range e.channels {
		activitySum += ch.activity
	}

	for name, ch := range e.channels {
		snap.MuscleActivity[name] = ch.activity
		if activitySum > 0 {
			snap.ForceDistribution[name] = ch.activity / activitySum
		}
		current := ch.max - ch.min
		rom := ROMetric{Current: current, Baseline: ch.baseline}
		if ch.baselineSet && ch.baseline > 0 {
			rom.DeviationPct = (current - ch.baseline) / ch.baseline * 100
		}
		snap.RangeOfMotion[name] = rom
		snap.AnomalyScores[name] = ch.anomalyScore
	}
	return snap
}

// Snapshot returns a copy of a session's current metrics.
func (a *Aggregator) Snapshot(sessionID string) (Snapshot, error) {
	a.mu.RLock()
	e, ok := a.sessions[sessionID]
	a.mu.RUnlock()
	if !ok {
		return Snapshot{}, telemetry.ErrUnknownSession
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(), nil
}

// End finalizes a session and returns its final metrics. Idempotent: a
// second End returns the same finalized snapshot. Samples arriving after
// End are rejected with ErrSessionFinalized.
func (a *Aggregator) End(sessionID string) (Snapshot, error) {
	a.mu.RLock()
	e, ok := a.sessions[sessionID]
	a.mu.RUnlock()
	if !ok {
		return Snapshot{}, telemetry.ErrUnknownSession
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finalized = true
	return e.snapshotLocked(), nil
}

// Open returns snapshots of every non-finalized session, for the periodic
// flusher.
func (a *Aggregator) Open() []Snapshot {
	a.mu.RLock()
	entries := make([]*entry, 0, len(a.sessions))
	for _, e := range a.sessions {
		entries = append(entries, e)
	}
	a.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.finalized {
			snaps = append(snaps, e.snapshotLocked())
		}
		e.mu.Unlock()
	}
	return snaps
}

// Finalized reports whether a session has been ended, including sessions
// already removed from the registry after their final persist.
func (a *Aggregator) Finalized(sessionID string) bool {
	a.mu.RLock()
	e, ok := a.sessions[sessionID]
	if !ok {
		_, ended := a.ended[sessionID]
		a.mu.RUnlock()
		return ended
	}
	a.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finalized
}

// Remove drops a session's entry from the registry once its metrics are
// persisted, bounding memory over long uptimes. A finalized session's id
// is tombstoned so a later Start or sample for it is still refused.
func (a *Aggregator) Remove(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.sessions[sessionID]; ok {
		e.mu.Lock()
		if e.finalized {
			a.ended[sessionID] = struct{}{}
		}
		e.mu.Unlock()
	}
	delete(a.sessions, sessionID)
}
