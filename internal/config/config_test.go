package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

var drivers = []string{"memory", "badger", "sqlite"}

func okTemplate(string) error { return nil }

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPortMin, cfg.Worlds.PortMin)
	assert.Equal(t, DefaultStopTimeout, cfg.Worlds.StopTimeout.Duration)
	assert.NoError(t, cfg.Validate(okTemplate, drivers))
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worldhost.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
worlds:
  port_min: 24000
  port_max: 24002
  stop_timeout: 15s
  crash_restart:
    max_attempts: 3
    window: 10m
proxy:
  port: 24001
  base_host: mc.example.org
  syncers: [velocity]
  velocity:
    output_path: /etc/velocity/velocity.toml
storage:
  driver: sqlite
  path: /var/lib/worldhost/worlds.db
cache:
  kind: memory
  ttl: 90
eventbus:
  kind: jetstream
  url: nats://127.0.0.1:4222
  webhooks:
    - name: discord
      url: https://hooks.example.com/worlds
      events: [world.crashed]
      timeout: 5s
`), 0o644))

	t.Setenv(EnvConfigPath, path)
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 24000, cfg.Worlds.PortMin)
	assert.Equal(t, 15*time.Second, cfg.Worlds.StopTimeout.Duration)
	assert.Equal(t, 10*time.Minute, cfg.Worlds.CrashRestart.Window.Duration)
	assert.Equal(t, 24001, cfg.Proxy.GetProxyPort())
	assert.Equal(t, []string{SyncerVelocity}, cfg.Proxy.Syncers)
	assert.Equal(t, 90*time.Second, cfg.Cache.TTL.Duration)
	require.Len(t, cfg.EventBus.Webhooks, 1)
	assert.Equal(t, []string{"world.crashed"}, cfg.EventBus.Webhooks[0].Events)
	assert.Equal(t, 5*time.Second, cfg.EventBus.Webhooks[0].Timeout.Duration)
	// Не указанные поля сохраняют значения по умолчанию.
	assert.Equal(t, "java", cfg.Worlds.Command)
	assert.Equal(t, "WORLDS", cfg.EventBus.Stream)
	assert.NoError(t, cfg.Validate(okTemplate, drivers))
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.True(t, os.IsNotExist(err))

	path := filepath.Join(t.TempDir(), "bad.yml")
	require.NoError(t, os.WriteFile(path, []byte("worlds:\n  stop_timeout: soon\n"), 0o644))
	_, err = Load(path)
	assert.ErrorContains(t, err, "invalid duration")
}

func TestPortEnvFallback(t *testing.T) {
	var m MetricsConfig
	t.Setenv("WORLDHOST_METRICS_PORT", "9100")
	assert.Equal(t, 9100, m.GetMetricsPort())
	assert.Equal(t, ":9100", m.Addr())

	m.Port = 9200
	assert.Equal(t, 9200, m.GetMetricsPort())

	t.Setenv("WORLDHOST_PROXY_PORT", "nope")
	var p ProxyConfig
	assert.Equal(t, DefaultProxyPort, p.GetProxyPort())
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Worlds.PortMin = 30000
	cfg.Worlds.PortMax = 20000
	cfg.Proxy.Syncers = []string{"nginx", SyncerInfrarust}
	cfg.Storage.Driver = "postgres"
	cfg.Cache.Kind = CacheRedis
	cfg.EventBus.Kind = "kafka"
	cfg.Telemetry.SampleRatio = 2
	cfg.EventBus.Webhooks = []WebhookConfig{{URL: "ftp://hooks.example.com"}, {URL: "https://hooks.example.com/w", RetryCount: -1}}

	tplErr := errors.New("launch template must reference %jar%")
	err := cfg.Validate(func(string) error { return tplErr }, drivers)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)
	for _, want := range []string{
		"port range [30000,20000]",
		"launch_template",
		`unknown proxy syncer "nginx"`,
		"proxy.infrarust.dir is empty",
		`unknown storage driver "postgres"`,
		"cache.redis_addr is empty",
		`unknown eventbus kind "kafka"`,
		"sample_ratio",
		`eventbus.webhooks[0]: invalid url "ftp://hooks.example.com"`,
		"eventbus.webhooks[1]: retry_count",
	} {
		assert.ErrorContains(t, err, want)
	}
}

func TestDurationYAML(t *testing.T) {
	out, err := yaml.Marshal(struct {
		D Duration `yaml:"d"`
	}{Duration{90 * time.Second}})
	require.NoError(t, err)
	assert.Equal(t, "d: 1m30s\n", string(out))
}
