package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/annel0/worldhost/internal/eventbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envelope(t *testing.T, eventType string, ev eventbus.WorldEvent, at time.Time) *eventbus.Envelope {
	t.Helper()
	env, err := eventbus.NewWorldEnvelope(eventType, "run-1", ev)
	require.NoError(t, err)
	env.Timestamp = at
	return env
}

func TestFilterMatch(t *testing.T) {
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	env := envelope(t, eventbus.WorldCrashed, eventbus.WorldEvent{WorldID: "w1", OwnerID: "u1", State: "crashed"}, at)

	assert.True(t, eventFilter{}.match(env))
	assert.True(t, eventFilter{Types: []string{eventbus.WorldStarted, eventbus.WorldCrashed}}.match(env))
	assert.False(t, eventFilter{Types: []string{eventbus.WorldStarted}}.match(env))
	assert.True(t, eventFilter{WorldID: "w1", Owner: "u1"}.match(env))
	assert.False(t, eventFilter{WorldID: "w2"}.match(env))
	assert.False(t, eventFilter{Owner: "u2"}.match(env))
}

func TestFormatEvent(t *testing.T) {
	at := time.Date(2026, 5, 1, 10, 4, 5, 0, time.UTC)
	env := envelope(t, eventbus.WorldCrashed, eventbus.WorldEvent{
		WorldID: "w1", OwnerID: "u1", State: "crashed", Port: 25566, ExitCode: 3,
	}, at)
	out := formatEvent(env)
	assert.Contains(t, out, "[10:04:05] worldhost [world.crashed]")
	assert.Contains(t, out, "World: w1 Owner: u1 State: crashed Port: 25566 Exit: 3")

	env.Payload = []byte("not json")
	assert.NotContains(t, formatEvent(env), "World:")
}

func TestStats(t *testing.T) {
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	st := newStats()
	st.add(envelope(t, eventbus.WorldStarted, eventbus.WorldEvent{WorldID: "w1"}, base.Add(time.Minute)))
	st.add(envelope(t, eventbus.WorldStarted, eventbus.WorldEvent{WorldID: "w2"}, base))
	st.add(envelope(t, eventbus.WorldCrashed, eventbus.WorldEvent{WorldID: "w1"}, base.Add(2*time.Minute)))

	assert.Equal(t, 3, st.total)
	assert.Equal(t, []count{{eventbus.WorldStarted, 2}, {eventbus.WorldCrashed, 1}}, sortedCounts(st.byType))
	assert.Equal(t, []count{{"w1", 2}, {"w2", 1}}, sortedCounts(st.byWorld))
	assert.Equal(t, base, st.first)

	var buf bytes.Buffer
	st.print(&buf)
	assert.Contains(t, buf.String(), "Total: 3")
	assert.Contains(t, buf.String(), "Window: 2026-05-01T10:00:00Z .. 2026-05-01T10:02:00Z")
}

func TestParseSinceTime(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	got, err := parseSinceTime("30m", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-30*time.Minute), got)

	got, err = parseSinceTime("2026-05-01T08:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, 8, got.Hour())

	_, err = parseSinceTime("yesterday", now)
	assert.Error(t, err)
	assert.Equal(t, []string{"a", "b"}, parseStringList(" a, ,b "))
}
