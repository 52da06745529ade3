// Package app собирает компоненты worldhost из конфигурации и управляет
// их запуском и остановкой.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/annel0/worldhost/internal/cache"
	"github.com/annel0/worldhost/internal/config"
	"github.com/annel0/worldhost/internal/eventbus"
	"github.com/annel0/worldhost/internal/governance"
	"github.com/annel0/worldhost/internal/lifecycle"
	"github.com/annel0/worldhost/internal/logging"
	"github.com/annel0/worldhost/internal/metrics"
	"github.com/annel0/worldhost/internal/ports"
	"github.com/annel0/worldhost/internal/properties"
	"github.com/annel0/worldhost/internal/proxy"
	"github.com/annel0/worldhost/internal/storage"
	"github.com/annel0/worldhost/internal/supervisor"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App - собранный хост миров.
type App struct {
	cfg *config.Config
	log *logging.Logger

	Store    storage.Store
	Ports    *ports.Allocator
	Proxy    *proxy.Registrar
	Bus      eventbus.EventBus
	Manager  *lifecycle.Manager
	Registry *prometheus.Registry

	exporter *eventbus.MetricsExporter
	busLog   eventbus.Subscription
	webhooks *eventbus.WebhookForwarder
}

// Build создаёт все компоненты. При ошибке уже открытые ресурсы закрываются.
func Build(ctx context.Context, cfg *config.Config) (a *App, err error) {
	a = &App{cfg: cfg, log: logging.GetComponentLogger("app"), Registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.closeResources()
			a = nil
		}
	}()

	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	col := metrics.New(a.Registry)

	if a.Store, err = openStore(ctx, cfg); err != nil {
		return nil, err
	}

	w := cfg.Worlds
	if a.Ports, err = ports.New(w.PortMin, w.PortMax, cfg.Proxy.GetProxyPort()); err != nil {
		return nil, err
	}
	col.WatchPorts(a.Ports)

	syncer, err := buildSyncer(cfg.Proxy)
	if err != nil {
		return nil, err
	}
	a.Proxy = proxy.NewRegistrar(cfg.Proxy.BaseHost, syncer,
		proxy.WithLogger(logging.GetProxyLogger()),
		proxy.WithObserver(col.ProxySync),
		proxy.WithHost(cfg.Proxy.BackendHost),
	)

	if a.Bus, err = openBus(cfg.EventBus); err != nil {
		return nil, err
	}
	a.exporter = eventbus.NewMetricsExporter(a.Bus, a.Registry)
	a.exporter.Start()
	if cfg.EventBus.LogEvents {
		if a.busLog, err = eventbus.StartLoggingListener(a.Bus); err != nil {
			return nil, err
		}
	}
	if hooks := cfg.EventBus.Webhooks; len(hooks) > 0 {
		a.webhooks = eventbus.NewWebhookForwarder(a.Bus, webhooksFromConfig(hooks))
		if err = a.webhooks.Start(); err != nil {
			return nil, err
		}
	}

	defaults := properties.New()
	if w.DefaultsFile != "" {
		if defaults, err = properties.ReadFile(w.DefaultsFile); err != nil {
			return nil, fmt.Errorf("defaults file: %w", err)
		}
	}
	var policy governance.Policy
	if w.PolicyFile != "" {
		if policy, err = governance.LoadPolicyFile(w.PolicyFile); err != nil {
			return nil, fmt.Errorf("policy file: %w", err)
		}
	}

	var crash lifecycle.CrashPolicy = lifecycle.NeverRestart{}
	if w.CrashRestart.MaxAttempts > 0 {
		crash = lifecycle.NewBoundedRestart(w.CrashRestart.MaxAttempts, w.CrashRestart.Window.Duration)
	}

	a.Manager, err = lifecycle.New(lifecycle.Options{
		Repo:             a.Store,
		Policies:         a.Store,
		DefaultPolicy:    policy,
		Defaults:         defaults,
		Ports:            a.Ports,
		Proxy:            a.Proxy,
		Versions:         lifecycle.DirResolver{Dir: w.VersionsDir},
		DataDir:          w.DataDir,
		ArchiveDir:       w.ArchiveDir,
		LaunchTemplate:   w.LaunchTemplate,
		Command:          w.Command,
		StopCommand:      w.StopCommand,
		StopTimeout:      w.StopTimeout.Duration,
		StartGrace:       w.StartGrace.Duration,
		MinMemoryMiB:     w.MinMemoryMiB,
		DefaultMemoryMiB: w.DefaultMemoryMiB,
		AcceptEULA:       w.AcceptEULA,
		CrashPolicy:      crash,
		Events:           a.Bus,
		Metrics:          col,
		ConsoleBacklog:   w.ConsoleBacklog,
	})
	if err != nil {
		return nil, err
	}
	a.Registry.MustRegister(metrics.NewProcessCollector(a.Manager))

	a.log.Info("✅ worldhost собран: порты [%d,%d] (прокси %d), хранилище %s, шина %s",
		w.PortMin, w.PortMax, cfg.Proxy.GetProxyPort(), cfg.Storage.Driver, cfg.EventBus.Kind)
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	st, err := storage.Open(ctx, storage.Options{
		Driver:   cfg.Storage.Driver,
		Path:     cfg.Storage.Path,
		DSN:      cfg.Storage.DSN,
		Database: cfg.Storage.Database,
	})
	if err != nil {
		return nil, err
	}

	cc := cfg.Cache
	var c cache.Cache
	switch cc.Kind {
	case config.CacheNone, "":
		return st, nil
	case config.CacheMemory:
		c = cache.NewMemoryCache()
	case config.CacheRedis:
		rc, err := cache.NewRedisCache(ctx, cache.RedisConfig{
			Addr:     cc.RedisAddr,
			Password: cc.RedisPassword,
			DB:       cc.RedisDB,
			Prefix:   cc.Prefix,
		})
		if err != nil {
			st.Close()
			return nil, err
		}
		c = rc
	default:
		st.Close()
		return nil, fmt.Errorf("unknown cache kind %q", cc.Kind)
	}

	opts := []cache.Option{cache.WithTTL(cc.TTL.Duration)}
	if cc.InvalidationURL != "" {
		inv, err := cache.NewNATSInvalidator(cache.InvalidatorConfig{
			URL:     cc.InvalidationURL,
			Subject: cc.InvalidationSubject,
		}, nodeID())
		if err != nil {
			c.Close()
			st.Close()
			return nil, err
		}
		opts = append(opts, cache.WithInvalidator(inv))
	}
	wc, err := cache.NewWorldCache(st, c, opts...)
	if err != nil {
		c.Close()
		st.Close()
		return nil, err
	}
	return wc, nil
}

func nodeID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worldhost"
	}
	return host + "-" + uuid.NewString()[:8]
}

func buildSyncer(cfg config.ProxyConfig) (proxy.Syncer, error) {
	var out proxy.MultiSyncer
	for _, kind := range cfg.Syncers {
		switch kind {
		case config.SyncerNone:
		case config.SyncerVelocity:
			vs := &proxy.VelocitySyncer{BasePath: cfg.Velocity.BasePath, OutputPath: cfg.Velocity.OutputPath}
			if cmd := cfg.Velocity.ReloadCommand; cmd != "" {
				vs.Reload = shellHook(cmd)
			}
			out = append(out, vs)
		case config.SyncerInfrarust:
			out = append(out, &proxy.InfrarustSyncer{Dir: cfg.Infrarust.Dir})
		default:
			return nil, fmt.Errorf("unknown proxy syncer %q", kind)
		}
	}
	switch len(out) {
	case 0:
		return proxy.NopSyncer{}, nil
	case 1:
		return out[0], nil
	}
	return out, nil
}

func shellHook(command string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		out, err := exec.CommandContext(ctx, "/bin/sh", "-c", command).CombinedOutput()
		if err != nil {
			return fmt.Errorf("reload hook %q: %w: %s", command, err, out)
		}
		return nil
	}
}

func openBus(cfg config.EventBusConfig) (eventbus.EventBus, error) {
	switch cfg.Kind {
	case config.BusMemory, "":
		return eventbus.NewMemoryBus(cfg.BufferSize), nil
	case config.BusJetStream:
		return eventbus.NewJetStreamBus(cfg.URL, cfg.Stream, cfg.Retention.Duration)
	}
	return nil, fmt.Errorf("unknown eventbus kind %q", cfg.Kind)
}

func webhooksFromConfig(in []config.WebhookConfig) []eventbus.Webhook {
	out := make([]eventbus.Webhook, 0, len(in))
	for _, h := range in {
		out = append(out, eventbus.Webhook{
			Name:       h.Name,
			URL:        h.URL,
			Secret:     h.Secret,
			Events:     h.Events,
			Timeout:    h.Timeout.Duration,
			RetryCount: h.RetryCount,
		})
	}
	return out
}

// Run восстанавливает миры, отдаёт метрики и ждёт отмены ctx. Затем
// останавливает все миры и закрывает ресурсы.
func (a *App) Run(ctx context.Context) error {
	if err := a.Manager.Restore(ctx); err != nil {
		a.log.Error("⚠️ Восстановление миров завершилось с ошибками: %v", err)
	}

	serveErr := make(chan error, 1)
	if a.cfg.Metrics.Enabled {
		go func() { serveErr <- metrics.Serve(ctx, a.cfg.Metrics.Addr(), a.Registry) }()
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			a.log.Error("❌ Сервер метрик остановлен: %v", err)
		}
		<-ctx.Done()
	}

	drain, cancel := context.WithTimeout(context.Background(), a.DrainTimeout())
	defer cancel()
	return a.Shutdown(drain)
}

// DrainTimeout - сколько ждать остановки всех миров при завершении.
func (a *App) DrainTimeout() time.Duration {
	return a.cfg.Worlds.StopTimeout.Duration + 15*time.Second
}

// Shutdown останавливает все миры, сохраняя желаемое состояние, и
// закрывает ресурсы.
func (a *App) Shutdown(ctx context.Context) error {
	a.log.Info("🛑 Остановка миров...")
	err := a.Manager.Shutdown(ctx)
	return errors.Join(err, a.closeResources())
}

func (a *App) closeResources() error {
	var errs []error
	if a.busLog != nil {
		a.busLog.Unsubscribe()
	}
	if a.webhooks != nil {
		a.webhooks.Stop()
		a.webhooks = nil
	}
	if a.Bus != nil {
		errs = append(errs, a.Bus.Close())
	}
	if a.exporter != nil {
		a.exporter.Stop()
		a.exporter = nil
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}

// ValidateConfig проверяет конфигурацию с учётом драйверов и шаблона запуска.
func ValidateConfig(cfg *config.Config) error {
	return cfg.Validate(supervisor.ValidateTemplate, storage.Drivers)
}
