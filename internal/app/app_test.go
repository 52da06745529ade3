package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/annel0/worldhost/internal/config"
	"github.com/annel0/worldhost/internal/eventbus"
	"github.com/annel0/worldhost/internal/lifecycle"
	"github.com/annel0/worldhost/internal/logging"
	"github.com/annel0/worldhost/internal/proxy"
	"github.com/annel0/worldhost/internal/world"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const politeServer = `echo "Done (0.1s)! For help, type help"
while read line; do
  if [ "$line" = "stop" ]; then
    exit 0
  fi
done
`

func TestMain(m *testing.M) {
	logging.Configure(logging.TestOptions())
	os.Exit(m.Run())
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Worlds.DataDir = filepath.Join(root, "worlds")
	cfg.Worlds.VersionsDir = filepath.Join(root, "versions")
	cfg.Worlds.PortMin = 24000
	cfg.Worlds.PortMax = 24002
	cfg.Worlds.LaunchTemplate = "sh %jar% %max_mem%"
	cfg.Worlds.StopTimeout = config.Duration{Duration: 2 * time.Second}
	cfg.Worlds.AcceptEULA = true
	cfg.Proxy.Port = 24001
	cfg.Proxy.BaseHost = "play.example.com"
	cfg.Proxy.Syncers = []string{config.SyncerInfrarust}
	cfg.Proxy.Infrarust.Dir = filepath.Join(root, "infrarust")
	cfg.Storage = config.StorageConfig{Driver: "memory"}
	cfg.Cache.Kind = config.CacheMemory
	cfg.EventBus.LogEvents = true
	cfg.Metrics.Enabled = false
	return cfg
}

func TestBuildStartShutdown(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	var hooked atomic.Int32
	hooks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(eventbus.HeaderEventType) == eventbus.WorldStarted {
			hooked.Add(1)
		}
	}))
	defer hooks.Close()

	cfg := testConfig(t)
	cfg.EventBus.Webhooks = []config.WebhookConfig{{Name: "test", URL: hooks.URL, Events: []string{eventbus.WorldStarted}}}
	require.NoError(t, ValidateConfig(cfg))

	ref := filepath.Join(cfg.Worlds.VersionsDir, "1.21")
	require.NoError(t, os.MkdirAll(ref, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ref, lifecycle.JarName), []byte(politeServer), 0o755))

	ctx := context.Background()
	a, err := Build(ctx, cfg)
	require.NoError(t, err)

	w, err := a.Manager.Create(ctx, lifecycle.CreateRequest{OwnerID: "u1", Name: "Survival", VersionRef: "1.21"})
	require.NoError(t, err)
	require.NoError(t, a.Manager.Start(ctx, w.ID))

	got, err := a.Manager.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, world.StateRunning, got.State)
	assert.Equal(t, 24000, got.PortValue())
	assert.FileExists(t, filepath.Join(cfg.Proxy.Infrarust.Dir, "proxies", "survival.yml"))

	require.Eventually(t, func() bool { return hooked.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	n, err := testutil.GatherAndCount(a.Registry, "worldhost_ports_in_use", "worldhost_world_transitions_total")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 2)

	drain, cancel := context.WithTimeout(ctx, a.DrainTimeout())
	defer cancel()
	require.NoError(t, a.Shutdown(drain))

	stored, err := a.Store.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, world.StateStopped, stored.State)
	assert.True(t, stored.Enabled)
}

func TestRunRestoresAndDrains(t *testing.T) {
	cfg := testConfig(t)
	a, err := Build(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestBuildSyncer(t *testing.T) {
	s, err := buildSyncer(config.ProxyConfig{Syncers: []string{config.SyncerNone}})
	require.NoError(t, err)
	assert.IsType(t, proxy.NopSyncer{}, s)

	s, err = buildSyncer(config.ProxyConfig{
		Syncers:   []string{config.SyncerVelocity, config.SyncerInfrarust},
		Velocity:  config.VelocityConfig{OutputPath: "velocity.toml", ReloadCommand: "true"},
		Infrarust: config.InfrarustConfig{Dir: "infrarust"},
	})
	require.NoError(t, err)
	multi, ok := s.(proxy.MultiSyncer)
	require.True(t, ok)
	assert.Len(t, multi, 2)
	vs := multi[0].(*proxy.VelocitySyncer)
	require.NotNil(t, vs.Reload)

	_, err = buildSyncer(config.ProxyConfig{Syncers: []string{"haproxy"}})
	assert.ErrorContains(t, err, "haproxy")
}

func TestShellHook(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	assert.NoError(t, shellHook("true")(context.Background()))
	err := shellHook("echo broken; exit 2")(context.Background())
	assert.ErrorContains(t, err, "broken")
}

func TestBuildFailsOnUnknownBus(t *testing.T) {
	cfg := testConfig(t)
	cfg.EventBus.Kind = "kafka"
	_, err := Build(context.Background(), cfg)
	assert.ErrorContains(t, err, "kafka")
}
