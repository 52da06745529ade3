package metrics

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePorts struct{ used, total int }

func (f fakePorts) InUse() int    { return f.used }
func (f fakePorts) Capacity() int { return f.total }

type selfSource struct{}

func (selfSource) Processes() []Process {
	return []Process{{WorldID: "self", PID: os.Getpid()}, {WorldID: "ghost", PID: 1 << 30}}
}

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.ObserveOperation("start", time.Now(), nil)
	c.Transition("running")
	c.Transition("running")
	c.Crash()
	c.ProxySync(3, time.Millisecond, nil)
	c.ProxySync(5, time.Millisecond, errors.New("down"))
	c.WatchPorts(fakePorts{used: 2, total: 10})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.transitions.WithLabelValues("running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.crashes))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.proxyRoutes))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.proxySyncs.WithLabelValues("error")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["worldhost_ports_in_use"])
	assert.True(t, names["worldhost_lifecycle_operation_seconds"])
}

func TestCollectors_NilSafe(t *testing.T) {
	var c *Collectors
	c.ObserveOperation("stop", time.Now(), nil)
	c.Transition("stopped")
	c.Crash()
	c.ProxySync(0, 0, nil)
	c.WatchPorts(fakePorts{})
}

func TestProcessCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewProcessCollector(selfSource{})))

	families, err := reg.Gather()
	require.NoError(t, err)
	var rss bool
	for _, f := range families {
		if f.GetName() != "worldhost_world_rss_bytes" {
			continue
		}
		for _, m := range f.GetMetric() {
			assert.Equal(t, "self", m.GetLabel()[0].GetValue())
			assert.Greater(t, m.GetGauge().GetValue(), 0.0)
			rss = true
		}
	}
	assert.True(t, rss, "rss for the test process")
}
