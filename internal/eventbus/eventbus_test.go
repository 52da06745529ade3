package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envelope(t *testing.T, eventType, worldID string) *Envelope {
	t.Helper()
	env, err := NewWorldEnvelope(eventType, "run-1", WorldEvent{WorldID: worldID, OwnerID: "u1", State: "running", Port: 24000})
	require.NoError(t, err)
	return env
}

func TestMemoryBus_FilterAndOrder(t *testing.T) {
	bus := NewMemoryBus(16)

	var (
		mu      sync.Mutex
		crashes []string
		all     []string
	)
	_, err := bus.Subscribe(context.Background(), Filter{Types: []string{WorldCrashed}}, func(_ context.Context, ev *Envelope) {
		we, err := DecodeWorldEvent(ev)
		assert.NoError(t, err)
		mu.Lock()
		crashes = append(crashes, we.WorldID)
		mu.Unlock()
	})
	require.NoError(t, err)
	_, err = bus.Subscribe(context.Background(), Filter{}, func(_ context.Context, ev *Envelope) {
		mu.Lock()
		all = append(all, ev.EventType)
		mu.Unlock()
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, envelope(t, WorldStarted, "w1")))
	require.NoError(t, bus.Publish(ctx, envelope(t, WorldCrashed, "w1")))
	require.NoError(t, bus.Publish(ctx, envelope(t, WorldStopped, "w2")))
	require.NoError(t, bus.Close())

	assert.Equal(t, []string{"w1"}, crashes)
	assert.Equal(t, []string{WorldStarted, WorldCrashed, WorldStopped}, all)

	stats := bus.Metrics()
	assert.Equal(t, uint64(3), stats.Published)
	assert.Equal(t, uint64(4), stats.Consumed)

	assert.ErrorIs(t, bus.Publish(ctx, envelope(t, WorldStarted, "w3")), ErrClosed)
	assert.NoError(t, bus.Close())
}

func TestMemoryBus_DropsLowPriorityWhenFull(t *testing.T) {
	bus := NewMemoryBus(1)
	release := make(chan struct{})
	entered := make(chan struct{}, 16)
	_, err := bus.Subscribe(context.Background(), Filter{}, func(context.Context, *Envelope) {
		entered <- struct{}{}
		<-release
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, envelope(t, WorldUpdated, "w1")))
	<-entered
	// Обработчик занят первым событием; заполняем буфер.
	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(ctx, envelope(t, WorldUpdated, "w1")))
	}
	assert.Greater(t, bus.Metrics().Dropped, uint64(0))

	timeout, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err = bus.Publish(timeout, envelope(t, WorldCrashed, "w1"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, bus.Close())
}

func TestUnsubscribe(t *testing.T) {
	bus := NewMemoryBus(4)
	calls := 0
	sub, err := bus.Subscribe(context.Background(), Filter{}, func(context.Context, *Envelope) { calls++ })
	require.NoError(t, err)
	sub.Unsubscribe()
	require.NoError(t, bus.Publish(context.Background(), envelope(t, WorldCreated, "w1")))
	require.NoError(t, bus.Close())
	assert.Equal(t, 0, calls)
}

func TestMetricsExporter(t *testing.T) {
	bus := NewMemoryBus(4)
	reg := prometheus.NewRegistry()
	me := NewMetricsExporter(bus, reg)
	me.interval = 10 * time.Millisecond
	me.Start()

	require.NoError(t, bus.Publish(context.Background(), envelope(t, WorldCreated, "w1")))
	require.NoError(t, bus.Close())
	me.Stop()

	assert.Equal(t, 1.0, testutil.ToFloat64(me.published))
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "worlds.world.crashed", Subject(WorldCrashed))
	assert.Equal(t, WorldCrashed, EventTypeFromSubject("worlds.world.crashed"))
	env := envelope(t, WorldCrashed, "w1")
	assert.Equal(t, 9, env.Priority)
	assert.Equal(t, "u1", env.Tenant)
	assert.Equal(t, "run-1", env.CorrelationID)
}
