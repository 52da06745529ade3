// Package proxy ведёт таблицу маршрутов "поддомен -> backend" и
// синхронизирует её с конфигурацией обратного прокси.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/annel0/worldhost/internal/logging"
)

// ErrProxySyncFailed - не удалось записать конфигурацию прокси. Таблица при
// этом уже обновлена, синхронизация будет повторена.
var ErrProxySyncFailed = errors.New("proxy sync failed")

// Route - маршрут одного мира.
type Route struct {
	WorldID  string
	Slug     string
	Hostname string
	Backend  string
}

// Syncer применяет полную таблицу маршрутов к внешнему прокси.
type Syncer interface {
	Sync(ctx context.Context, routes []Route) error
}

// SyncError возвращается, когда Syncer не принял таблицу версии Version.
type SyncError struct {
	Version uint64
	Err     error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("%v (table v%d): %v", ErrProxySyncFailed, e.Version, e.Err)
}

func (e *SyncError) Unwrap() []error { return []error{ErrProxySyncFailed, e.Err} }

// SyncObserver получает результат каждой синхронизации.
type SyncObserver func(routes int, duration time.Duration, err error)

// Option настраивает Registrar.
type Option func(*Registrar)

func WithLogger(l *logging.Logger) Option { return func(r *Registrar) { r.log = l } }
func WithObserver(o SyncObserver) Option  { return func(r *Registrar) { r.observe = o } }
func WithHost(host string) Option         { return func(r *Registrar) { r.host = host } }

// Registrar - таблица маршрутов. Таблица меняется под mu, синхронизация идёт
// вне mu и сериализуется syncMu; каждая синхронизация берёт последний снимок.
type Registrar struct {
	baseHost string
	host     string
	syncer   Syncer
	log      *logging.Logger
	observe  SyncObserver

	mu      sync.Mutex
	routes  map[string]Route
	version uint64
	synced  uint64
	dirty   bool

	syncMu sync.Mutex
}

// NewRegistrar создаёт таблицу для базового домена baseHost.
func NewRegistrar(baseHost string, syncer Syncer, opts ...Option) *Registrar {
	if syncer == nil {
		syncer = NopSyncer{}
	}
	r := &Registrar{
		baseHost: baseHost,
		host:     "127.0.0.1",
		syncer:   syncer,
		routes:   make(map[string]Route),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logging.GetProxyLogger()
	}
	return r
}

// Hostname возвращает публичное имя для слага.
func (r *Registrar) Hostname(slug string) string {
	if r.baseHost == "" {
		return slug
	}
	return slug + "." + r.baseHost
}

// Backend возвращает адрес backend для локального порта.
func (r *Registrar) Backend(port int) string {
	return fmt.Sprintf("%s:%d", r.host, port)
}

// Publish добавляет или заменяет маршрут мира. Повторная публикация того же
// маршрута при синхронизированной таблице ничего не делает.
func (r *Registrar) Publish(ctx context.Context, worldID, slug, backend string) error {
	route := Route{
		WorldID:  worldID,
		Slug:     slug,
		Hostname: r.Hostname(slug),
		Backend:  backend,
	}

	r.mu.Lock()
	if existing, ok := r.routes[worldID]; ok && existing == route && !r.dirty {
		r.mu.Unlock()
		return nil
	}
	r.routes[worldID] = route
	r.version++
	r.mu.Unlock()

	r.log.Info("Маршрут %s -> %s", route.Hostname, route.Backend)
	return r.sync(ctx, false)
}

// Retract удаляет маршрут мира. Для неизвестного мира только повторяет
// незавершённую синхронизацию, если она есть.
func (r *Registrar) Retract(ctx context.Context, worldID string) error {
	r.mu.Lock()
	route, ok := r.routes[worldID]
	if !ok {
		dirty := r.dirty
		r.mu.Unlock()
		if dirty {
			return r.sync(ctx, false)
		}
		return nil
	}
	delete(r.routes, worldID)
	r.version++
	r.mu.Unlock()

	r.log.Info("Маршрут %s снят", route.Hostname)
	return r.sync(ctx, false)
}

// Resync принудительно отправляет текущую таблицу.
func (r *Registrar) Resync(ctx context.Context) error {
	return r.sync(ctx, true)
}

func (r *Registrar) sync(ctx context.Context, force bool) error {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()

	r.mu.Lock()
	version := r.version
	if !force && version == r.synced && !r.dirty {
		r.mu.Unlock()
		return nil
	}
	snapshot := r.sortedLocked()
	r.mu.Unlock()

	start := time.Now()
	err := r.syncer.Sync(ctx, snapshot)
	if r.observe != nil {
		r.observe(len(snapshot), time.Since(start), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.dirty = true
		r.log.Error("Синхронизация прокси (v%d) не удалась: %v", version, err)
		return &SyncError{Version: version, Err: err}
	}
	r.synced = version
	r.dirty = false
	r.log.Debug("Прокси синхронизирован: %d маршрутов (v%d)", len(snapshot), version)
	return nil
}

func (r *Registrar) sortedLocked() []Route {
	out := make([]Route, 0, len(r.routes))
	for _, rt := range r.routes {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hostname != out[j].Hostname {
			return out[i].Hostname < out[j].Hostname
		}
		return out[i].WorldID < out[j].WorldID
	})
	return out
}

// Routes возвращает копию таблицы, отсортированную по имени хоста.
func (r *Registrar) Routes() []Route {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedLocked()
}

// Lookup возвращает маршрут мира.
func (r *Registrar) Lookup(worldID string) (Route, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.routes[worldID]
	return rt, ok
}

// Dirty сообщает, что последняя синхронизация не удалась.
func (r *Registrar) Dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty
}
