package broadcast

import (
	"fmt"
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexion-data/motionstream/internal/session"
	"github.com/flexion-data/motionstream/internal/telemetry"
)

func newTestHub(buffer int) *Hub {
	return NewHub(Config{SubscriberBuffer: buffer}, log.New(io.Discard, "", 0))
}

func sampleUpdate(sessionID string, seq int) Update {
	return Update{
		Kind: KindSample,
		Sample: &telemetry.ProcessedSample{
			DeviceID:    "dev-1",
			SessionID:   sessionID,
			SensorType:  telemetry.SensorIMU,
			TimestampMs: int64(seq),
		},
	}
}

func TestSubscriberReceivesInOrder(t *testing.T) {
	h := newTestHub(10)
	sub := h.Subscribe("viewer-1", "")

	for i := 0; i < 5; i++ {
		h.Publish(sampleUpdate("s1", i))
	}

	for i := 0; i < 5; i++ {
		u := <-sub.C()
		assert.Equal(t, int64(i), u.Sample.TimestampMs)
	}
	assert.Zero(t, sub.Dropped())
}

func TestSessionFilter(t *testing.T) {
	h := newTestHub(10)
	only := h.Subscribe("viewer-1", "s1")
	all := h.Subscribe("viewer-2", "")

	h.Publish(sampleUpdate("s1", 1))
	h.Publish(sampleUpdate("s2", 2))

	assert.Len(t, only.C(), 1)
	assert.Len(t, all.C(), 2)

	u := <-only.C()
	assert.Equal(t, "s1", u.Sample.SessionID)
}

func TestDeviceFilter(t *testing.T) {
	h := newTestHub(10)
	only := h.SubscribeDevice("viewer-1", "dev-2")
	all := h.Subscribe("viewer-2", "")

	u1 := sampleUpdate("s1", 1)
	u2 := sampleUpdate("s1", 2)
	u2.Sample.DeviceID = "dev-2"
	h.Publish(u1)
	h.Publish(u2)

	require.Len(t, only.C(), 1)
	assert.Len(t, all.C(), 2)

	got := <-only.C()
	assert.Equal(t, "dev-2", got.Sample.DeviceID)
}

func TestDeviceFilterSkipsSessionLevelUpdates(t *testing.T) {
	h := newTestHub(10)
	sub := h.SubscribeDevice("viewer-1", "dev-1")

	h.Publish(Update{
		Kind:    KindMetrics,
		Metrics: &session.Snapshot{SessionID: "s1"},
	})
	h.Publish(sampleUpdate("s1", 1))

	require.Len(t, sub.C(), 1)
	got := <-sub.C()
	assert.Equal(t, KindSample, got.Kind)
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	h := newTestHub(3)
	slow := h.Subscribe("slow", "")

	for i := 0; i < 10; i++ {
		h.Publish(sampleUpdate("s1", i))
	}

	// Buffer holds the newest 3 updates; the first 7 were evicted.
	assert.Equal(t, uint64(7), slow.Dropped())
	for want := int64(7); want < 10; want++ {
		u := <-slow.C()
		assert.Equal(t, want, u.Sample.TimestampMs)
	}
}

func TestSlowSubscriberDoesNotAffectFastPeer(t *testing.T) {
	h := newTestHub(2)
	slow := h.Subscribe("slow", "")
	fast := h.Subscribe("fast", "")

	done := make(chan struct{})
	received := 0
	go func() {
		defer close(done)
		for range fast.C() {
			received++
		}
	}()

	for i := 0; i < 100; i++ {
		h.Publish(sampleUpdate("s1", i))
	}
	h.Unsubscribe("fast")
	<-done

	// The fast reader sees far more than its buffer; the stalled one is
	// capped at its capacity plus drop accounting.
	assert.Greater(t, received, 2)
	assert.Equal(t, uint64(98), slow.Dropped())
	assert.Len(t, slow.C(), 2)
}

func TestSubscribeIsIdempotent(t *testing.T) {
	h := newTestHub(10)
	a := h.Subscribe("viewer-1", "s1")
	b := h.Subscribe("viewer-1", "s2")
	require.Same(t, a, b)
	assert.Equal(t, "s1", b.sessionID)
	assert.Equal(t, 1, h.Stats().Subscribers)
}

func TestUnsubscribeClosesChannelAndIsIdempotent(t *testing.T) {
	h := newTestHub(10)
	sub := h.Subscribe("viewer-1", "")

	h.Unsubscribe("viewer-1")
	h.Unsubscribe("viewer-1")
	h.Unsubscribe("never-existed")

	_, open := <-sub.C()
	assert.False(t, open)
	assert.Equal(t, 0, h.Stats().Subscribers)
}

func TestMetricsUpdateRouting(t *testing.T) {
	h := newTestHub(10)
	sub := h.Subscribe("viewer-1", "s1")

	h.Publish(Update{Kind: KindMetrics, Metrics: &session.Snapshot{SessionID: "s1", SampleCount: 42}})
	h.Publish(Update{Kind: KindSessionEnded, Metrics: &session.Snapshot{SessionID: "s1", Finalized: true}})

	u := <-sub.C()
	assert.Equal(t, KindMetrics, u.Kind)
	assert.Equal(t, int64(42), u.Metrics.SampleCount)

	u = <-sub.C()
	assert.Equal(t, KindSessionEnded, u.Kind)
	assert.True(t, u.Metrics.Finalized)
}

func TestStatsCounters(t *testing.T) {
	h := newTestHub(1)
	h.Subscribe("viewer-1", "")

	for i := 0; i < 4; i++ {
		h.Publish(sampleUpdate("s1", i))
	}

	st := h.Stats()
	assert.Equal(t, 1, st.Subscribers)
	assert.Equal(t, uint64(4), st.Published)
	assert.Equal(t, uint64(3), st.Dropped)
}

func TestManySubscribers(t *testing.T) {
	h := newTestHub(100)
	subs := make([]*Subscriber, 20)
	for i := range subs {
		subs[i] = h.Subscribe(fmt.Sprintf("viewer-%d", i), "")
	}

	for i := 0; i < 50; i++ {
		h.Publish(sampleUpdate("s1", i))
	}

	for _, sub := range subs {
		assert.Len(t, sub.C(), 50)
		assert.Zero(t, sub.Dropped())
	}
}
