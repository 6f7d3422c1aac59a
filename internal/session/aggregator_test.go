package session

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexion-data/motionstream/internal/telemetry"
	"github.com/flexion-data/motionstream/internal/timeutil"
)

func sample(sessionID string, tsMs int64, values []float64, anomaly bool) *telemetry.ProcessedSample {
	return &telemetry.ProcessedSample{
		DeviceID:       "dev-1",
		SessionID:      sessionID,
		SensorType:     telemetry.SensorIMU,
		TimestampMs:    tsMs,
		SmoothedValues: values,
		Confidence:     0.95,
		IsAnomaly:      anomaly,
	}
}

func imuValues(base float64) []float64 {
	v := make([]float64, telemetry.IMUChannelCount)
	for i := range v {
		v[i] = base + float64(i)
	}
	return v
}

func TestApplyRequiresStartedSession(t *testing.T) {
	a := NewAggregator(nil)
	err := a.Apply(sample("nope", 1, imuValues(1), false))
	assert.ErrorIs(t, err, telemetry.ErrUnknownSession)
}

func TestStartIsIdempotent(t *testing.T) {
	a := NewAggregator(nil)
	require.NoError(t, a.Start("s1"))
	require.NoError(t, a.Start("s1"))
}

func TestApplyAccumulatesMetrics(t *testing.T) {
	a := NewAggregator(nil)
	require.NoError(t, a.Start("s1"))

	for i := 0; i < 100; i++ {
		require.NoError(t, a.Apply(sample("s1", int64(i*5), imuValues(1.0), i == 50)))
	}

	snap, err := a.Snapshot("s1")
	require.NoError(t, err)

	assert.Equal(t, int64(100), snap.SampleCount)
	assert.Equal(t, int64(99*5), snap.LastUpdatedMs)
	assert.False(t, snap.Finalized)

	// Constant per-channel signals: activity EMA settles on |value|.
	assert.InDelta(t, 1.0, snap.MuscleActivity["accel_x"], 1e-9)
	assert.InDelta(t, 4.0, snap.MuscleActivity["gyro_x"], 1e-9)

	// Force distribution shares sum to 1 across the 9 channels.
	var sum float64
	for _, share := range snap.ForceDistribution {
		sum += share
	}
	assert.InDelta(t, 1.0, sum, 1e-9)

	// One anomalous sample out of 100 leaves a small nonzero score.
	assert.Greater(t, snap.AnomalyScores["accel_x"], 0.0)
	assert.Less(t, snap.AnomalyScores["accel_x"], 0.2)
}

func TestLastUpdatedMsIsMonotonic(t *testing.T) {
	a := NewAggregator(nil)
	require.NoError(t, a.Start("s1"))

	require.NoError(t, a.Apply(sample("s1", 100, imuValues(1), false)))
	require.NoError(t, a.Apply(sample("s1", 90, imuValues(1), false))) // late but in-order per device

	snap, err := a.Snapshot("s1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), snap.LastUpdatedMs)
}

func TestRangeOfMotionBaselineDeviation(t *testing.T) {
	a := NewAggregator(nil)
	require.NoError(t, a.Start("s1"))

	// First baselineSampleCount samples oscillate in [-1, 1]; afterwards
	// the excursion widens to [-2, 2], so current range doubles.
	for i := 0; i < baselineSampleCount; i++ {
		v := 1.0
		if i%2 == 0 {
			v = -1.0
		}
		values := make([]float64, telemetry.IMUChannelCount)
		values[0] = v
		require.NoError(t, a.Apply(sample("s1", int64(i), values, false)))
	}
	wide := make([]float64, telemetry.IMUChannelCount)
	wide[0] = 2.0
	require.NoError(t, a.Apply(sample("s1", 1000, wide, false)))
	wide[0] = -2.0
	require.NoError(t, a.Apply(sample("s1", 1001, wide, false)))

	snap, err := a.Snapshot("s1")
	require.NoError(t, err)

	rom := snap.RangeOfMotion["accel_x"]
	assert.InDelta(t, 2.0, rom.Baseline, 1e-9)
	assert.InDelta(t, 4.0, rom.Current, 1e-9)
	assert.InDelta(t, 100.0, rom.DeviationPct, 1e-9)
}

func TestEndFinalizesAndRejectsLateSamples(t *testing.T) {
	a := NewAggregator(nil)
	require.NoError(t, a.Start("s1"))
	require.NoError(t, a.Apply(sample("s1", 1, imuValues(1), false)))

	snap, err := a.End("s1")
	require.NoError(t, err)
	assert.True(t, snap.Finalized)
	assert.Equal(t, int64(1), snap.SampleCount)

	err = a.Apply(sample("s1", 2, imuValues(1), false))
	assert.ErrorIs(t, err, telemetry.ErrSessionFinalized)

	// End is idempotent.
	again, err := a.End("s1")
	require.NoError(t, err)
	assert.True(t, again.Finalized)

	// A finalized session cannot be restarted.
	assert.ErrorIs(t, a.Start("s1"), telemetry.ErrSessionFinalized)
}

func TestFinalizedSurvivesRemove(t *testing.T) {
	a := NewAggregator(nil)
	require.NoError(t, a.Start("s1"))
	_, err := a.End("s1")
	require.NoError(t, err)
	require.True(t, a.Finalized("s1"))

	a.Remove("s1")

	// Removal retires the entry but not the finalized marker: the id
	// cannot come back as a fresh session.
	assert.True(t, a.Finalized("s1"))
	assert.ErrorIs(t, a.Start("s1"), telemetry.ErrSessionFinalized)

	// Removing a never-finalized session leaves the id reusable.
	require.NoError(t, a.Start("s2"))
	a.Remove("s2")
	assert.False(t, a.Finalized("s2"))
	assert.NoError(t, a.Start("s2"))
}

func TestConcurrentApplyAcrossSessions(t *testing.T) {
	a := NewAggregator(nil)
	sessions := []string{"s1", "s2", "s3", "s4"}
	for _, s := range sessions {
		require.NoError(t, a.Start(s))
	}

	var wg sync.WaitGroup
	for _, s := range sessions {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				if err := a.Apply(sample(s, int64(i), imuValues(1), false)); err != nil {
					t.Errorf("Apply(%s): %v", s, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	for _, s := range sessions {
		snap, err := a.Snapshot(s)
		require.NoError(t, err)
		assert.Equal(t, int64(500), snap.SampleCount)
	}
}

// fakeStore records flushed snapshots.
type fakeStore struct {
	mu        sync.Mutex
	saved     []Snapshot
	finalized []Snapshot
	fail      bool
}

func (s *fakeStore) SaveSessionMetrics(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("storage down")
	}
	s.saved = append(s.saved, snap)
	return nil
}

func (s *fakeStore) FinalizeSession(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("storage down")
	}
	s.finalized = append(s.finalized, snap)
	return nil
}

// passGuard runs calls directly, standing in for the breaker.
type passGuard struct{}

func (passGuard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func TestFlusherFlushNow(t *testing.T) {
	a := NewAggregator(nil)
	require.NoError(t, a.Start("s1"))
	require.NoError(t, a.Apply(sample("s1", 1, imuValues(1), false)))

	store := &fakeStore{}
	f := NewFlusher(a, store, passGuard{}, time.Second, timeutil.NewMockClock(time.Now()), log.New(io.Discard, "", 0))

	f.FlushNow(context.Background())

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.saved, 1)
	assert.Equal(t, "s1", store.saved[0].SessionID)
}

func TestFlusherSkipsFinalizedSessions(t *testing.T) {
	a := NewAggregator(nil)
	require.NoError(t, a.Start("s1"))
	_, err := a.End("s1")
	require.NoError(t, err)

	store := &fakeStore{}
	f := NewFlusher(a, store, passGuard{}, time.Second, timeutil.NewMockClock(time.Now()), log.New(io.Discard, "", 0))
	f.FlushNow(context.Background())

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Empty(t, store.saved)
}

func TestFlusherPersistFinalRemovesSession(t *testing.T) {
	a := NewAggregator(nil)
	require.NoError(t, a.Start("s1"))
	snap, err := a.End("s1")
	require.NoError(t, err)

	store := &fakeStore{}
	f := NewFlusher(a, store, passGuard{}, time.Second, timeutil.NewMockClock(time.Now()), log.New(io.Discard, "", 0))
	require.NoError(t, f.PersistFinal(context.Background(), snap))

	_, err = a.Snapshot("s1")
	assert.ErrorIs(t, err, telemetry.ErrUnknownSession)
}

func TestFlusherPersistFinalKeepsSessionOnFailure(t *testing.T) {
	a := NewAggregator(nil)
	require.NoError(t, a.Start("s1"))
	snap, err := a.End("s1")
	require.NoError(t, err)

	store := &fakeStore{fail: true}
	f := NewFlusher(a, store, passGuard{}, time.Second, timeutil.NewMockClock(time.Now()), log.New(io.Discard, "", 0))
	require.Error(t, f.PersistFinal(context.Background(), snap))

	// Entry survives for a retry.
	_, err = a.End("s1")
	assert.NoError(t, err)
}
