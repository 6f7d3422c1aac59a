package connmgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexion-data/motionstream/internal/telemetry"
	"github.com/flexion-data/motionstream/internal/timeutil"
)

type staticAuth struct {
	sessionID string
	err       error
}

func (a staticAuth) Authenticate(_ context.Context, _, _ string) (string, error) {
	return a.sessionID, a.err
}

func newTestManager(cfg Config) (*Manager, *timeutil.MockClock) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	m := NewManager(cfg, staticAuth{sessionID: "s1"}, clock, log.New(io.Discard, "", 0))
	return m, clock
}

func TestRegisterAndDeregister(t *testing.T) {
	m, _ := newTestManager(Config{})

	conn, err := m.Register(context.Background(), "tok", "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "dev-1", conn.DeviceID)
	assert.Equal(t, "s1", conn.SessionID)
	assert.NotEmpty(t, conn.ID)

	ev := <-m.Events()
	assert.Equal(t, EventOpened, ev.Type)
	assert.Equal(t, conn.ID, ev.ConnID)

	m.Deregister(conn.ID, ReasonClientClose)
	ev = <-m.Events()
	assert.Equal(t, EventClosed, ev.Type)
	assert.Equal(t, ReasonClientClose, ev.Reason)

	st := m.Stats()
	assert.Equal(t, 0, st.Open)
	assert.Equal(t, uint64(1), st.Accepted)
}

func TestRegisterRejectsAtCeiling(t *testing.T) {
	m, _ := newTestManager(Config{MaxConnections: 2})
	ctx := context.Background()

	_, err := m.Register(ctx, "tok", "dev-1")
	require.NoError(t, err)
	_, err = m.Register(ctx, "tok", "dev-2")
	require.NoError(t, err)

	_, err = m.Register(ctx, "tok", "dev-3")
	assert.ErrorIs(t, err, telemetry.ErrCapacityExceeded)
	assert.Equal(t, uint64(1), m.Stats().Rejected)
}

func TestRegisterAuthFailure(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	m := NewManager(Config{}, staticAuth{err: errors.New("bad token")}, clock, log.New(io.Discard, "", 0))

	_, err := m.Register(context.Background(), "tok", "dev-1")
	require.Error(t, err)
	assert.Equal(t, uint64(1), m.Stats().Rejected)
	assert.Equal(t, 0, m.Stats().Open)
}

func TestDeregisterUnknownIsNoop(t *testing.T) {
	m, _ := newTestManager(Config{})
	m.Deregister("nope", ReasonClientClose)
	select {
	case ev := <-m.Events():
		t.Fatalf("unexpected event: %+v", ev)
	default:
	}
}

func TestHeartbeatSweep(t *testing.T) {
	m, clock := newTestManager(Config{HeartbeatInterval: 10 * time.Second})
	ctx := context.Background()

	stale, err := m.Register(ctx, "tok", "dev-1")
	require.NoError(t, err)
	fresh, err := m.Register(ctx, "tok", "dev-2")
	require.NoError(t, err)
	<-m.Events()
	<-m.Events()

	// dev-2 heartbeats just before the deadline; dev-1 stays silent.
	clock.Advance(19 * time.Second)
	require.True(t, m.Heartbeat(fresh.ID))
	clock.Advance(2 * time.Second)

	dead := m.Sweep()
	require.Len(t, dead, 1)
	assert.Equal(t, stale.ID, dead[0].ID)

	ev := <-m.Events()
	assert.Equal(t, EventClosed, ev.Type)
	assert.Equal(t, ReasonHeartbeatTimeout, ev.Reason)
	assert.Equal(t, uint64(1), m.Stats().TimedOut)

	_, ok := m.Lookup(stale.ID)
	assert.False(t, ok)
	_, ok = m.Lookup(fresh.ID)
	assert.True(t, ok)
}

func TestSweeperRunUsesTicker(t *testing.T) {
	m, clock := newTestManager(Config{
		HeartbeatInterval: 10 * time.Second,
		SweepInterval:     5 * time.Second,
	})
	conn, err := m.Register(context.Background(), "tok", "dev-1")
	require.NoError(t, err)
	<-m.Events()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()

	// Keep advancing until the sweeper's tick fires; Run may still be
	// creating its ticker when the first advance lands.
	deadline := time.After(2 * time.Second)
	var ev Event
loop:
	for {
		clock.Advance(6 * time.Second)
		select {
		case ev = <-m.Events():
			break loop
		case <-deadline:
			t.Fatal("timed out waiting for sweep")
		case <-time.After(5 * time.Millisecond):
		}
	}
	assert.Equal(t, EventClosed, ev.Type)
	assert.Equal(t, conn.ID, ev.ConnID)

	cancel()
	<-done
}

func TestValidationFailureThreshold(t *testing.T) {
	m, _ := newTestManager(Config{MaxValidationFailures: 3})
	conn, err := m.Register(context.Background(), "tok", "dev-1")
	require.NoError(t, err)

	assert.False(t, m.RecordValidationFailure(conn.ID))
	assert.False(t, m.RecordValidationFailure(conn.ID))
	assert.True(t, m.RecordValidationFailure(conn.ID))
	assert.Equal(t, uint32(3), conn.ValidationFailures())
}

func TestAllowAllAssignsDistinctSessions(t *testing.T) {
	var auth AllowAll
	s1, err := auth.Authenticate(context.Background(), "", "dev-1")
	require.NoError(t, err)
	s2, err := auth.Authenticate(context.Background(), "", "dev-1")
	require.NoError(t, err)
	assert.NotEqual(t, s1, s2)

	_, err = auth.Authenticate(context.Background(), "", "")
	assert.Error(t, err)
}

func TestEventChannelOverflowDoesNotBlock(t *testing.T) {
	m, _ := newTestManager(Config{})
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		_, err := m.Register(ctx, "tok", fmt.Sprintf("dev-%d", i))
		require.NoError(t, err)
	}
	assert.Equal(t, 100, m.Stats().Open)
}

type fixedHealth struct {
	depth    int
	capacity int
}

func (h fixedHealth) QueueDepth(string) (int, int, bool) {
	return h.depth, h.capacity, true
}

func TestSaturatedQueueDisconnects(t *testing.T) {
	m, _ := newTestManager(Config{SaturatedSweepLimit: 3})
	conn, err := m.Register(context.Background(), "tok", "dev-1")
	require.NoError(t, err)
	<-m.Events()

	m.SetQueueHealth(fixedHealth{depth: 8, capacity: 8})

	m.checkQueues()
	m.checkQueues()
	_, ok := m.Lookup(conn.ID)
	require.True(t, ok, "two strikes must not disconnect")

	m.checkQueues()
	_, ok = m.Lookup(conn.ID)
	assert.False(t, ok)

	ev := <-m.Events()
	assert.Equal(t, EventClosed, ev.Type)
	assert.Equal(t, ReasonOverload, ev.Reason)
}

func TestQueueDrainResetsSaturationStrikes(t *testing.T) {
	m, _ := newTestManager(Config{SaturatedSweepLimit: 2})
	conn, err := m.Register(context.Background(), "tok", "dev-1")
	require.NoError(t, err)
	<-m.Events()

	m.SetQueueHealth(fixedHealth{depth: 8, capacity: 8})
	m.checkQueues()

	// The queue drained before the next sweep.
	m.SetQueueHealth(fixedHealth{depth: 1, capacity: 8})
	m.checkQueues()

	m.SetQueueHealth(fixedHealth{depth: 8, capacity: 8})
	m.checkQueues()
	_, ok := m.Lookup(conn.ID)
	assert.True(t, ok, "strikes must reset after a drained sweep")
}
