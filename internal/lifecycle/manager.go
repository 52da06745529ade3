// Package lifecycle превращает желаемое состояние мира в работающий процесс:
// порт, очищенная конфигурация, процесс под супервизором и маршрут в прокси.
// Остановка и удаление выполняют те же шаги в обратном порядке.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/worldhost/internal/console"
	"github.com/annel0/worldhost/internal/eventbus"
	"github.com/annel0/worldhost/internal/governance"
	"github.com/annel0/worldhost/internal/logging"
	"github.com/annel0/worldhost/internal/metrics"
	"github.com/annel0/worldhost/internal/ports"
	"github.com/annel0/worldhost/internal/properties"
	"github.com/annel0/worldhost/internal/proxy"
	"github.com/annel0/worldhost/internal/supervisor"
	"github.com/annel0/worldhost/internal/world"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultMemoryMiB = 1024
	DefaultDataDir   = "worlds"
	eulaFile         = "eula.txt"
)

var tracer = otel.Tracer("worldhost/lifecycle")

// Options - зависимости и настройки менеджера.
type Options struct {
	Repo     world.Repository
	Policies world.PolicyStore
	// DefaultPolicy применяется, если у владельца нет своей политики.
	DefaultPolicy governance.Policy
	// Defaults - значения server.properties по умолчанию.
	Defaults *properties.Properties

	Ports    *ports.Allocator
	Proxy    *proxy.Registrar
	Versions VersionResolver

	// DataDir - каталог миров, мир живёт в <DataDir>/<id>.
	DataDir string
	// ArchiveDir - если задан, каталог мира архивируется перед удалением.
	ArchiveDir string

	LaunchTemplate   string
	Command          string
	StopCommand      string
	StopTimeout      time.Duration
	StartGrace       time.Duration
	MinMemoryMiB     int
	DefaultMemoryMiB int
	AcceptEULA       bool

	CrashPolicy    CrashPolicy
	Events         eventbus.EventBus
	Metrics        *metrics.Collectors
	Liveness       supervisor.LivenessFunc
	ConsoleBacklog int
	Log            *logging.Logger
}

// entry - состояние одного мира в памяти. busy сериализует операции,
// mu защищает world и sup.
type entry struct {
	id      string
	busy    atomic.Bool
	removed atomic.Bool
	console *console.Broadcaster

	mu    sync.Mutex
	world *world.World
	sup   *supervisor.Supervisor
}

// Manager управляет жизненным циклом всех миров хоста.
type Manager struct {
	opts Options
	log  *logging.Logger

	mu      sync.Mutex
	entries map[string]*entry

	createMu sync.Mutex
	closing  atomic.Bool

	supEvents chan supervisor.Event
	quit      chan struct{}
	loopDone  chan struct{}
	stopOnce  sync.Once
	restartWG sync.WaitGroup
}

// New создаёт менеджер и запускает обработку событий супервизоров.
func New(opts Options) (*Manager, error) {
	if opts.Repo == nil {
		return nil, errors.New("lifecycle: repository is required")
	}
	if opts.Ports == nil {
		return nil, errors.New("lifecycle: port allocator is required")
	}
	if opts.Versions == nil {
		return nil, errors.New("lifecycle: version resolver is required")
	}
	if opts.Log == nil {
		opts.Log = logging.GetLifecycleLogger()
	}
	if opts.Proxy == nil {
		opts.Proxy = proxy.NewRegistrar("localhost", proxy.NopSyncer{}, proxy.WithLogger(opts.Log))
	}
	if opts.Defaults == nil {
		opts.Defaults = properties.New()
	}
	if opts.DataDir == "" {
		opts.DataDir = DefaultDataDir
	}
	if opts.DefaultMemoryMiB <= 0 {
		opts.DefaultMemoryMiB = DefaultMemoryMiB
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = supervisor.DefaultStopTimeout
	}
	if opts.CrashPolicy == nil {
		opts.CrashPolicy = NeverRestart{}
	}
	if opts.ConsoleBacklog <= 0 {
		opts.ConsoleBacklog = console.DefaultBacklog
	}

	m := &Manager{
		opts:      opts,
		log:       opts.Log,
		entries:   make(map[string]*entry),
		supEvents: make(chan supervisor.Event, 256),
		quit:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
	go m.loop()
	return m, nil
}

func (m *Manager) loop() {
	defer close(m.loopDone)
	for {
		select {
		case ev := <-m.supEvents:
			m.handleEvent(ev)
		case <-m.quit:
			return
		}
	}
}

// handleEvent реагирует на падение текущего запуска работающего мира.
// Остальные события супервизора обрабатываются синхронно в Start/Stop.
func (m *Manager) handleEvent(ev supervisor.Event) {
	if ev.State != supervisor.Crashed {
		return
	}
	m.mu.Lock()
	e := m.entries[ev.WorldID]
	m.mu.Unlock()
	if e == nil {
		return
	}

	e.mu.Lock()
	if e.sup == nil || e.sup.RunID() != ev.RunID || e.world.State != world.StateRunning {
		e.mu.Unlock()
		return
	}
	e.world.State = world.StateCrashed
	w := e.world.Clone()
	e.mu.Unlock()

	ctx := context.Background()
	m.log.Warn("Мир %s упал (код %d), порт %d остаётся за миром", w.ID, ev.ExitCode, w.PortValue())

	if err := m.opts.Proxy.Retract(ctx, w.ID); err != nil {
		m.log.Warn("Маршрут %s: %v", w.ID, err)
	}

	e.mu.Lock()
	if e.world.State == world.StateCrashed {
		if err := m.persistLocked(ctx, e, e.world.Clone()); err != nil {
			m.log.Error("Не удалось сохранить падение мира %s: %v", w.ID, err)
		}
	}
	e.mu.Unlock()

	m.opts.Metrics.Crash()
	m.opts.Metrics.Transition(string(world.StateCrashed))
	reason := ""
	if ev.Err != nil {
		reason = ev.Err.Error()
	}
	m.emit(ctx, eventbus.WorldCrashed, ev.RunID, w, ev.ExitCode, reason)

	if !m.opts.CrashPolicy.ShouldRestart(w.ID, ev.At) {
		return
	}
	m.mu.Lock()
	if m.closing.Load() {
		m.mu.Unlock()
		return
	}
	m.restartWG.Add(1)
	m.mu.Unlock()
	m.log.Info("Перезапуск мира %s после падения", w.ID)
	go func() {
		defer m.restartWG.Done()
		if err := m.Start(ctx, w.ID); err != nil {
			m.log.Error("Перезапуск мира %s не удался: %v", w.ID, err)
		}
	}()
}

// entry возвращает состояние мира, при необходимости загружая его из
// хранилища.
func (m *Manager) entry(ctx context.Context, id string) (*entry, error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if ok {
		return e, nil
	}

	w, err := m.opts.Repo.Get(ctx, id)
	if err != nil {
		return nil, repoErr(err)
	}
	// Без процесса мир не может быть активным.
	if w.State.Active() {
		w.State = world.StateStopped
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		return e, nil
	}
	e = m.newEntry(w)
	m.entries[id] = e
	return e, nil
}

func (m *Manager) newEntry(w *world.World) *entry {
	return &entry{
		id:      w.ID,
		world:   w,
		console: console.NewBroadcaster(m.opts.ConsoleBacklog, console.DefaultBufferSize),
	}
}

// acquire занимает мир для операции. Освобождается через release.
func (m *Manager) acquire(ctx context.Context, id string) (*entry, error) {
	e, err := m.entry(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.busy.CompareAndSwap(false, true) {
		return nil, ErrAlreadyInProgress
	}
	if e.removed.Load() {
		e.busy.Store(false)
		return nil, fmt.Errorf("%w: %s", world.ErrNotFound, id)
	}
	return e, nil
}

func (e *entry) release() { e.busy.Store(false) }

// persistLocked сохраняет w и при успехе делает его текущим. Вызывается под e.mu.
func (m *Manager) persistLocked(ctx context.Context, e *entry, w *world.World) error {
	w.UpdatedAt = time.Now().UTC()
	if err := m.opts.Repo.Update(ctx, w); err != nil {
		return repoErr(err)
	}
	e.world = w
	return nil
}

func repoErr(err error) error {
	if err == nil || errors.Is(err, world.ErrNotFound) || errors.Is(err, world.ErrPersistence) {
		return err
	}
	return fmt.Errorf("%w: %w", world.ErrPersistence, err)
}

// engineFor возвращает движок с политикой владельца мира.
func (m *Manager) engineFor(ctx context.Context, ownerID string) (*governance.Engine, error) {
	policy := m.opts.DefaultPolicy
	if m.opts.Policies != nil && ownerID != "" {
		p, err := m.opts.Policies.GetPolicy(ctx, ownerID)
		if err != nil {
			return nil, repoErr(err)
		}
		if !p.IsZero() {
			policy = p
		}
	}
	return governance.NewEngine(policy, m.opts.Defaults), nil
}

func (m *Manager) worldDir(id string) string {
	return filepath.Join(m.opts.DataDir, id)
}

// begin открывает span операции; возвращённая функция закрывает его и
// записывает длительность.
func (m *Manager) begin(ctx context.Context, op, id string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "lifecycle."+op, trace.WithAttributes(attribute.String("world.id", id)))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		m.opts.Metrics.ObserveOperation(op, start, err)
	}
}

func (m *Manager) emit(ctx context.Context, eventType, runID string, w *world.World, exitCode int, reason string) {
	if m.opts.Events == nil {
		return
	}
	env, err := eventbus.NewWorldEnvelope(eventType, runID, eventbus.WorldEvent{
		WorldID:  w.ID,
		OwnerID:  w.OwnerID,
		Hostname: w.Hostname,
		State:    string(w.State),
		Port:     w.PortValue(),
		ExitCode: exitCode,
		Reason:   reason,
	})
	if err != nil {
		m.log.Error("Событие %s: %v", eventType, err)
		return
	}
	if err := m.opts.Events.Publish(ctx, env); err != nil {
		m.log.Warn("Публикация %s для %s: %v", eventType, w.ID, err)
	}
}

// Get возвращает мир с текущим состоянием.
func (m *Manager) Get(ctx context.Context, id string) (*world.World, error) {
	e, err := m.entry(ctx, id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.world.Clone(), nil
}

// List возвращает все миры; для загруженных миров состояние берётся из памяти.
func (m *Manager) List(ctx context.Context) ([]*world.World, error) {
	stored, err := m.opts.Repo.List(ctx)
	if err != nil {
		return nil, repoErr(err)
	}
	out := make([]*world.World, 0, len(stored))
	for _, w := range stored {
		m.mu.Lock()
		e := m.entries[w.ID]
		m.mu.Unlock()
		if e != nil {
			e.mu.Lock()
			w = e.world.Clone()
			e.mu.Unlock()
		} else if w.State.Active() {
			w.State = world.StateStopped
		}
		out = append(out, w)
	}
	return out, nil
}

// Status - мир вместе с данными о процессе и маршруте.
type Status struct {
	World     *world.World
	PID       int
	StartedAt time.Time
	Route     *proxy.Route
	Busy      bool
	Listeners int
}

// Status возвращает состояние мира и его процесса.
func (m *Manager) Status(ctx context.Context, id string) (Status, error) {
	e, err := m.entry(ctx, id)
	if err != nil {
		return Status{}, err
	}
	e.mu.Lock()
	st := Status{World: e.world.Clone(), Busy: e.busy.Load(), Listeners: e.console.Subscribers()}
	if e.sup != nil && e.world.State.Active() {
		st.PID = e.sup.PID()
		st.StartedAt = e.sup.StartedAt()
	}
	e.mu.Unlock()
	if r, ok := m.opts.Proxy.Lookup(id); ok {
		st.Route = &r
	}
	return st, nil
}

// Console подписывает на вывод сервера мира. Новая подписка сначала
// получает последние строки.
func (m *Manager) Console(ctx context.Context, id string) (*console.Subscription, error) {
	e, err := m.entry(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.console.Subscribe(), nil
}

// SendCommand отправляет команду в консоль работающего сервера.
func (m *Manager) SendCommand(ctx context.Context, id, line string) error {
	e, err := m.entry(ctx, id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	sup, state := e.sup, e.world.State
	e.mu.Unlock()
	if sup == nil || state != world.StateRunning {
		return supervisor.ErrNotRunning
	}
	return sup.SendCommand(line)
}

// Processes перечисляет процессы работающих миров.
func (m *Manager) Processes() []metrics.Process {
	var out []metrics.Process
	for _, e := range m.snapshot() {
		e.mu.Lock()
		if e.sup != nil && e.world.State == world.StateRunning {
			if pid := e.sup.PID(); pid > 0 {
				out = append(out, metrics.Process{WorldID: e.id, PID: pid})
			}
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorldID < out[j].WorldID })
	return out
}

func (m *Manager) snapshot() []*entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out
}
