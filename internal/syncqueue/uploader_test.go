package syncqueue

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

	"github.com/flexion-data/motionstream/internal/storage"
	"github.com/flexion-data/motionstream/internal/telemetry"
	"github.com/flexion-data/motionstream/internal/timeutil"
)

// memStore keeps uploaded batches in a map and can fail on demand.
type memStore struct {
	mu       sync.Mutex
	batches  map[string]*storage.Batch
	failures int
	saves    int
}

func newMemStore() *memStore {
	return &memStore{batches: make(map[string]*storage.Batch)}
}

func (s *memStore) SaveBatch(_ context.Context, b *storage.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.failures > 0 {
		s.failures--
		return errors.New("storage down")
	}
	if _, ok := s.batches[b.BatchID]; ok {
		return nil
	}
	s.batches[b.BatchID] = b
	return nil
}

func (s *memStore) BatchUploaded(_ context.Context, batchID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.batches[batchID]
	return ok, nil
}

func testBatch(id string) *storage.Batch {
	return &storage.Batch{
		BatchID:   id,
		DeviceID:  "dev-1",
		SessionID: "s1",
		Frames: []telemetry.SensorFrame{
			{DeviceID: "dev-1", SensorType: telemetry.SensorIMU, TimestampMs: 1},
		},
	}
}

func newTestUploader(store Store, cfg Config) (*Uploader, *timeutil.MockClock) {
	clock := timeutil.NewMockClock(time.Now())
	return NewUploader(cfg, store, nil, clock, log.New(io.Discard, "", 0)), clock
}

func TestUploadSucceedsFirstAttempt(t *testing.T) {
	store := newMemStore()
	u, clock := newTestUploader(store, Config{})

	require.NoError(t, u.Upload(context.Background(), testBatch("b1")))

	assert.Empty(t, clock.Sleeps())
	assert.Equal(t, uint64(1), u.Stats().Uploaded)

	uploaded, err := store.BatchUploaded(context.Background(), "b1")
	require.NoError(t, err)
	assert.True(t, uploaded)
}

func TestUploadRetriesWithBackoff(t *testing.T) {
	store := newMemStore()
	store.failures = 2
	u, clock := newTestUploader(store, Config{BaseDelay: 500 * time.Millisecond})

	require.NoError(t, u.Upload(context.Background(), testBatch("b1")))

	// Two failures then success: backoff slept 500ms, then 1s.
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, clock.Sleeps())
}

func TestUploadExhaustsAttempts(t *testing.T) {
	store := newMemStore()
	store.failures = 10
	u, _ := newTestUploader(store, Config{MaxAttempts: 3})

	err := u.Upload(context.Background(), testBatch("b1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload batch b1")

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 3, store.saves)
}

func TestUploadDuplicateIsNoop(t *testing.T) {
	store := newMemStore()
	u, _ := newTestUploader(store, Config{})

	require.NoError(t, u.Upload(context.Background(), testBatch("b1")))
	require.NoError(t, u.Upload(context.Background(), testBatch("b1")))

	st := u.Stats()
	assert.Equal(t, uint64(2), st.Uploaded)
	assert.Equal(t, uint64(1), st.Duplicates)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 1, store.saves)
}

func TestSubmitFailsFastWhenFull(t *testing.T) {
	store := newMemStore()
	u, _ := newTestUploader(store, Config{QueueCapacity: 2})

	require.NoError(t, u.Submit(testBatch("b1")))
	require.NoError(t, u.Submit(testBatch("b2")))

	err := u.Submit(testBatch("b3"))
	assert.ErrorIs(t, err, telemetry.ErrOverloaded)
	assert.Equal(t, 2, u.Pending())
}

func TestSubmitRejectsMissingID(t *testing.T) {
	store := newMemStore()
	u, _ := newTestUploader(store, Config{})
	assert.Error(t, u.Submit(nil))
	assert.Error(t, u.Submit(&storage.Batch{}))
}

func TestRunDrainsQueue(t *testing.T) {
	store := newMemStore()
	u, _ := newTestUploader(store, Config{})

	require.NoError(t, u.Submit(testBatch("b1")))
	require.NoError(t, u.Submit(testBatch("b2")))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		u.Run(ctx)
	}()

	deadline := time.After(2 * time.Second)
	for u.Stats().Uploaded < 2 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for uploads")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	assert.Equal(t, 0, u.Pending())
}

// openGuard simulates an open circuit breaker.
type openGuard struct{}

func (openGuard) Do(context.Context, func(ctx context.Context) error) error {
	return telemetry.ErrDownstreamUnavailable
}

func TestOpenBreakerKeepsBatchRetryable(t *testing.T) {
	store := newMemStore()
	clock := timeutil.NewMockClock(time.Now())
	u := NewUploader(Config{MaxAttempts: 2}, store, openGuard{}, clock, log.New(io.Discard, "", 0))

	err := u.Upload(context.Background(), testBatch("b1"))
	assert.ErrorIs(t, err, telemetry.ErrDownstreamUnavailable)

	// The store was never reached; the batch can be submitted again.
	store.mu.Lock()
	saves := store.saves
	store.mu.Unlock()
	assert.Zero(t, saves)
	assert.NoError(t, u.Submit(testBatch("b1")))
}
