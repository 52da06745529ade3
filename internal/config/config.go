// Package config читает YAML-конфигурацию worldhost.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath - переменная с путём к конфигу, если флаг не задан.
const EnvConfigPath = "WORLDHOST_CONFIG"

// Config корневая структура конфигурации приложения.
type Config struct {
	Worlds    WorldsConfig    `yaml:"worlds"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Storage   StorageConfig   `yaml:"storage"`
	Cache     CacheConfig     `yaml:"cache"`
	EventBus  EventBusConfig  `yaml:"eventbus"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

type WorldsConfig struct {
	DataDir     string `yaml:"data_dir"`
	VersionsDir string `yaml:"versions_dir"`
	// ArchiveDir - куда архивировать каталог мира при удалении; пусто - не архивировать.
	ArchiveDir string `yaml:"archive_dir"`

	PortMin int `yaml:"port_min"`
	PortMax int `yaml:"port_max"`

	LaunchTemplate string   `yaml:"launch_template"`
	Command        string   `yaml:"command"`
	StopCommand    string   `yaml:"stop_command"`
	StopTimeout    Duration `yaml:"stop_timeout"`
	StartGrace     Duration `yaml:"start_grace"`

	MinMemoryMiB     int  `yaml:"min_memory_mib"`
	DefaultMemoryMiB int  `yaml:"default_memory_mib"`
	AcceptEULA       bool `yaml:"accept_eula"`
	ConsoleBacklog   int  `yaml:"console_backlog"`

	// DefaultsFile - server.properties со значениями по умолчанию.
	DefaultsFile string `yaml:"defaults_file"`
	// PolicyFile - политика для владельцев без собственной.
	PolicyFile string `yaml:"policy_file"`

	CrashRestart CrashRestartConfig `yaml:"crash_restart"`
}

// CrashRestartConfig включает автоперезапуск упавших миров.
type CrashRestartConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	Window      Duration `yaml:"window"`
}

type ProxyConfig struct {
	// Port - порт прокси внутри диапазона, миру не выдаётся. 0 -
	// WORLDHOST_PROXY_PORT или DefaultProxyPort.
	Port int `yaml:"port"`
	// BaseHost - домен, к которому добавляется slug мира.
	BaseHost string `yaml:"base_host"`
	// BackendHost - адрес, по которому прокси достаёт серверы миров.
	BackendHost string `yaml:"backend_host"`
	// Syncers: none, velocity, infrarust.
	Syncers []string `yaml:"syncers"`

	Velocity  VelocityConfig  `yaml:"velocity"`
	Infrarust InfrarustConfig `yaml:"infrarust"`
}

type VelocityConfig struct {
	BasePath   string `yaml:"base_path"`
	OutputPath string `yaml:"output_path"`
	// ReloadCommand выполняется через /bin/sh после записи конфига.
	ReloadCommand string `yaml:"reload_command"`
}

type InfrarustConfig struct {
	Dir string `yaml:"dir"`
}

type StorageConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"`
	DSN      string `yaml:"dsn"`
	Database string `yaml:"database"`
}

type CacheConfig struct {
	// Kind: none, memory, redis.
	Kind string   `yaml:"kind"`
	TTL  Duration `yaml:"ttl"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	Prefix        string `yaml:"prefix"`

	// InvalidationURL - NATS для рассылки инвалидаций между узлами.
	InvalidationURL     string `yaml:"invalidation_url"`
	InvalidationSubject string `yaml:"invalidation_subject"`
}

type EventBusConfig struct {
	// Kind: memory, jetstream.
	Kind       string   `yaml:"kind"`
	URL        string   `yaml:"url"`
	Stream     string   `yaml:"stream"`
	Retention  Duration `yaml:"retention"`
	BufferSize int      `yaml:"buffer_size"`
	LogEvents  bool     `yaml:"log_events"`

	// Webhooks получают события мира HTTP POST'ом.
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	Name       string   `yaml:"name"`
	URL        string   `yaml:"url"`
	Secret     string   `yaml:"secret"`
	Events     []string `yaml:"events"` // пусто или "*" - все события
	Timeout    Duration `yaml:"timeout"`
	RetryCount int      `yaml:"retry_count"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Host    string `yaml:"host"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Dir     string `yaml:"dir"`
	NoColor bool   `yaml:"no_color"`
}

// Значения по умолчанию.
const (
	DefaultPortMin      = 25566
	DefaultPortMax      = 25665
	DefaultProxyPort    = 25565
	DefaultMetricsPort  = 2112
	DefaultStopTimeout  = 30 * time.Second
	DefaultStartGrace   = 2 * time.Second
	DefaultCacheTTL     = 5 * time.Minute
	DefaultRetention    = 72 * time.Hour
	DefaultEventBuffer  = 1024
	DefaultMemoryMiB    = 1024
	DefaultMinMemoryMiB = 512
)

// Default возвращает конфигурацию одиночного хоста без внешних сервисов.
func Default() *Config {
	return &Config{
		Worlds: WorldsConfig{
			DataDir:          "worlds",
			VersionsDir:      "versions",
			PortMin:          DefaultPortMin,
			PortMax:          DefaultPortMax,
			LaunchTemplate:   "%command% %min_mem% %max_mem% -jar %jar% nogui",
			Command:          "java",
			StopCommand:      "stop",
			StopTimeout:      Duration{DefaultStopTimeout},
			StartGrace:       Duration{DefaultStartGrace},
			MinMemoryMiB:     DefaultMinMemoryMiB,
			DefaultMemoryMiB: DefaultMemoryMiB,
			ConsoleBacklog:   200,
		},
		Proxy: ProxyConfig{
			BaseHost:    "localhost",
			BackendHost: "127.0.0.1",
			Syncers:     []string{SyncerNone},
		},
		Storage: StorageConfig{Driver: "badger", Path: "data"},
		Cache:   CacheConfig{Kind: CacheNone, TTL: Duration{DefaultCacheTTL}, Prefix: "worldhost:"},
		EventBus: EventBusConfig{
			Kind:       BusMemory,
			Stream:     "WORLDS",
			Retention:  Duration{DefaultRetention},
			BufferSize: DefaultEventBuffer,
		},
		Metrics: MetricsConfig{Enabled: true},
		Log:     LogConfig{Level: "info", Dir: "logs"},
	}
}

// Виды синхронизаторов прокси, кеша и шины.
const (
	SyncerNone      = "none"
	SyncerVelocity  = "velocity"
	SyncerInfrarust = "infrarust"

	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"

	BusMemory    = "memory"
	BusJetStream = "jetstream"
)

// GetProxyPort возвращает порт прокси с поддержкой fallback значений.
func (p *ProxyConfig) GetProxyPort() int {
	return getPortWithEnvFallback(p.Port, "WORLDHOST_PROXY_PORT", DefaultProxyPort)
}

// GetMetricsPort возвращает Prometheus метрики порт с поддержкой fallback значений.
func (m *MetricsConfig) GetMetricsPort() int {
	return getPortWithEnvFallback(m.Port, "WORLDHOST_METRICS_PORT", DefaultMetricsPort)
}

// Addr возвращает адрес HTTP-сервера метрик.
func (m *MetricsConfig) Addr() string {
	return fmt.Sprintf("%s:%d", m.Host, m.GetMetricsPort())
}

// getPortWithEnvFallback возвращает порт с приоритетом: config -> env -> default
func getPortWithEnvFallback(configPort int, envVar string, defaultPort int) int {
	if configPort > 0 {
		return configPort
	}
	if envVal := os.Getenv(envVar); envVal != "" {
		if port, err := strconv.Atoi(envVal); err == nil && port > 0 {
			return port
		}
	}
	return defaultPort
}

// Load читает YAML файл поверх Default(). Если path == "", берётся
// WORLDHOST_CONFIG; если и она пуста, возвращаются значения по умолчанию.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfigPath)
		if path == "" {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// ErrInvalid оборачивает все ошибки Validate.
var ErrInvalid = errors.New("invalid configuration")

// Validate проверяет согласованность настроек. templateCheck - проверка
// шаблона команды запуска (supervisor.ValidateTemplate), drivers - список
// поддерживаемых драйверов хранилища.
func (c *Config) Validate(templateCheck func(string) error, drivers []string) error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalid}, args...)...))
	}

	w := c.Worlds
	if w.PortMin <= 0 || w.PortMax > 65535 || w.PortMin > w.PortMax {
		add("worlds port range [%d,%d]", w.PortMin, w.PortMax)
	}
	if templateCheck != nil {
		if err := templateCheck(w.LaunchTemplate); err != nil {
			add("worlds.launch_template: %v", err)
		}
	}
	if w.DataDir == "" {
		add("worlds.data_dir is empty")
	}
	if w.StopTimeout.Duration <= 0 {
		add("worlds.stop_timeout must be positive")
	}
	if w.MinMemoryMiB < 0 || w.DefaultMemoryMiB < w.MinMemoryMiB {
		add("worlds.default_memory_mib %d below min_memory_mib %d", w.DefaultMemoryMiB, w.MinMemoryMiB)
	}
	if w.CrashRestart.MaxAttempts < 0 {
		add("worlds.crash_restart.max_attempts is negative")
	}

	if port := c.Proxy.GetProxyPort(); port > 65535 {
		add("proxy.port %d", port)
	}
	if c.Proxy.BaseHost == "" {
		add("proxy.base_host is empty")
	}
	for _, s := range c.Proxy.Syncers {
		switch s {
		case SyncerNone:
		case SyncerVelocity:
			if c.Proxy.Velocity.OutputPath == "" {
				add("proxy.velocity.output_path is empty")
			}
		case SyncerInfrarust:
			if c.Proxy.Infrarust.Dir == "" {
				add("proxy.infrarust.dir is empty")
			}
		default:
			add("unknown proxy syncer %q", s)
		}
	}

	if drivers != nil && !contains(drivers, strings.ToLower(c.Storage.Driver)) {
		add("unknown storage driver %q (supported: %s)", c.Storage.Driver, strings.Join(drivers, ", "))
	}

	switch c.Cache.Kind {
	case CacheNone, "", CacheMemory:
	case CacheRedis:
		if c.Cache.RedisAddr == "" {
			add("cache.redis_addr is empty")
		}
	default:
		add("unknown cache kind %q", c.Cache.Kind)
	}

	switch c.EventBus.Kind {
	case BusMemory, "":
	case BusJetStream:
		if c.EventBus.URL == "" {
			add("eventbus.url is empty")
		}
	default:
		add("unknown eventbus kind %q", c.EventBus.Kind)
	}
	for i, wh := range c.EventBus.Webhooks {
		u, err := url.Parse(wh.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("eventbus.webhooks[%d]: invalid url %q", i, wh.URL)
		}
		if wh.RetryCount < 0 {
			add("eventbus.webhooks[%d]: retry_count must be >= 0", i)
		}
	}

	if r := c.Telemetry.SampleRatio; r < 0 || r > 1 {
		add("telemetry.sample_ratio %v outside [0,1]", r)
	}
	return errors.Join(errs...)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Duration - time.Duration, записанная в YAML строкой ("30s", "5m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		// Целое число трактуется как секунды.
		n, nerr := strconv.Atoi(s)
		if nerr != nil {
			return fmt.Errorf("line %d: invalid duration %q", node.Line, s)
		}
		v = time.Duration(n) * time.Second
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}
