package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/annel0/worldhost/internal/eventbus"
	"github.com/annel0/worldhost/internal/properties"
	"github.com/annel0/worldhost/internal/supervisor"
	"github.com/annel0/worldhost/internal/world"
)

// Ключи server.properties, которые всегда указывают на выданный порт.
const (
	keyServerPort = "server-port"
	keyQueryPort  = "query.port"
)

// StopOptions настраивает остановку.
type StopOptions struct {
	// ReleasePort освобождает порт мира после остановки процесса.
	ReleasePort bool
}

// Start запускает мир. Для работающего или запускаемого мира ничего не
// делает. При ошибке мир возвращается в stopped, порт, выданный в этой
// попытке, освобождается, маршрут снимается.
func (m *Manager) Start(ctx context.Context, id string) (err error) {
	ctx, finish := m.begin(ctx, "start", id)
	defer func() { finish(err) }()

	if m.closing.Load() {
		return ErrShuttingDown
	}
	e, err := m.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer e.release()
	return m.start(ctx, e)
}

func (m *Manager) start(ctx context.Context, e *entry) error {
	e.mu.Lock()
	cur := e.world.Clone()
	if cur.State == world.StateRunning || cur.State == world.StateStarting {
		e.mu.Unlock()
		return nil
	}
	prev := cur.State
	e.world.State = world.StateStarting
	e.mu.Unlock()
	m.opts.Metrics.Transition(string(world.StateStarting))

	port, acquired, err := m.acquirePort(cur)
	if err != nil {
		m.rollbackStart(ctx, e, prev, 0, false)
		return err
	}

	cfg, err := m.prepareFiles(ctx, cur, port)
	if err != nil {
		m.rollbackStart(ctx, e, prev, port, acquired)
		return err
	}

	jar, err := m.opts.Versions.Resolve(ctx, cur.VersionRef)
	if err != nil {
		m.rollbackStart(ctx, e, prev, port, acquired)
		return fmt.Errorf("%w: %w", supervisor.ErrLaunchFailed, err)
	}

	sup := supervisor.New(supervisor.Options{
		StopTimeout: m.opts.StopTimeout,
		StartGrace:  m.opts.StartGrace,
		Events:      m.supEvents,
		Liveness:    m.opts.Liveness,
		Console:     e.console,
		Log:         m.log.With("world", cur.ID),
	})
	e.mu.Lock()
	e.sup = sup
	e.mu.Unlock()

	memory := cur.MemoryMiB
	if memory <= 0 {
		memory = m.opts.DefaultMemoryMiB
	}
	err = sup.Start(ctx, supervisor.LaunchSpec{
		WorldID:      cur.ID,
		Executable:   jar,
		WorkDir:      m.worldDir(cur.ID),
		Template:     m.opts.LaunchTemplate,
		Command:      m.opts.Command,
		MinMemoryMiB: m.opts.MinMemoryMiB,
		MaxMemoryMiB: memory,
		StopCommand:  m.opts.StopCommand,
	})
	if err != nil {
		m.rollbackStart(ctx, e, prev, port, acquired)
		return err
	}

	slug := cur.Hostname
	if slug == "" {
		slug = world.UniqueSlug(cur.Name, func(string) bool { return false })
	}
	if err := m.opts.Proxy.Publish(ctx, cur.ID, slug, m.opts.Proxy.Backend(port)); err != nil {
		m.log.Warn("Мир %s запущен, но прокси не обновлён: %v", cur.ID, err)
	}

	e.mu.Lock()
	if sup.State() != supervisor.Running {
		e.mu.Unlock()
		_, exitErr := sup.Exit()
		m.rollbackStart(ctx, e, prev, port, acquired)
		return fmt.Errorf("%w: process exited during start: %v", supervisor.ErrLaunchFailed, exitErr)
	}
	w := e.world.Clone()
	w.State = world.StateRunning
	w.SetPort(port)
	w.Enabled = true
	w.Config = cfg.Map()
	if err := m.persistLocked(ctx, e, w); err != nil {
		e.mu.Unlock()
		m.rollbackStart(ctx, e, prev, port, acquired)
		return err
	}
	e.mu.Unlock()

	m.log.Info("Мир %s запущен на порту %d", w.ID, port)
	m.opts.Metrics.Transition(string(world.StateRunning))
	m.emit(ctx, eventbus.WorldStarted, sup.RunID(), w, 0, "")
	return nil
}

// acquirePort возвращает порт мира. acquired сообщает, что порт занят в
// этой попытке и должен быть освобождён при откате.
func (m *Manager) acquirePort(w *world.World) (port int, acquired bool, err error) {
	if p, ok := m.opts.Ports.PortOf(w.ID); ok {
		return p, false, nil
	}
	if w.Port != nil {
		err := m.opts.Ports.Reserve(*w.Port, w.ID)
		if err == nil {
			return *w.Port, true, nil
		}
		m.log.Warn("Сохранённый порт %d мира %s недоступен (%v), выдаём новый", *w.Port, w.ID, err)
	}
	port, err = m.opts.Ports.Allocate(w.ID)
	if err != nil {
		return 0, false, err
	}
	return port, true, nil
}

// prepareFiles пишет очищенный server.properties с закреплёнными портами и,
// если нужно, eula.txt.
func (m *Manager) prepareFiles(ctx context.Context, w *world.World, port int) (*properties.Properties, error) {
	engine, err := m.engineFor(ctx, w.OwnerID)
	if err != nil {
		return nil, err
	}
	dir := m.worldDir(w.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	current, err := m.readConfig(w)
	if err != nil {
		return nil, err
	}
	cfg := engine.Sanitize(nil, current)
	pinPorts(cfg, port)
	if err := properties.WriteFile(filepath.Join(dir, properties.FileName), cfg); err != nil {
		return nil, fmt.Errorf("write %s: %w", properties.FileName, err)
	}
	if m.opts.AcceptEULA {
		if err := os.WriteFile(filepath.Join(dir, eulaFile), []byte("eula=true\n"), 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", eulaFile, err)
		}
	}
	return cfg, nil
}

// readConfig читает server.properties мира; если файла нет, берётся
// сохранённый снимок.
func (m *Manager) readConfig(w *world.World) (*properties.Properties, error) {
	cfg, err := properties.ReadFile(filepath.Join(m.worldDir(w.ID), properties.FileName))
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return properties.FromMap(w.Config), nil
	}
	return nil, fmt.Errorf("read %s: %w", properties.FileName, err)
}

func pinPorts(cfg *properties.Properties, port int) {
	if port == 0 {
		return
	}
	cfg.Set(keyServerPort, properties.Int(int64(port)))
	cfg.Set(keyQueryPort, properties.Int(int64(port)))
}

func (m *Manager) rollbackStart(ctx context.Context, e *entry, prev world.State, port int, acquired bool) {
	ctx = context.WithoutCancel(ctx)

	e.mu.Lock()
	sup := e.sup
	e.sup = nil
	e.mu.Unlock()
	if sup != nil {
		sup.Kill()
		<-sup.Done()
	}

	if err := m.opts.Proxy.Retract(ctx, e.id); err != nil {
		m.log.Warn("Маршрут %s при откате: %v", e.id, err)
	}
	if acquired && port != 0 {
		m.opts.Ports.Release(port)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.world.State = world.StateStopped
	if prev != world.StateStopped {
		if err := m.persistLocked(ctx, e, e.world.Clone()); err != nil {
			m.log.Error("Откат запуска %s: %v", e.id, err)
		}
	}
	m.opts.Metrics.Transition(string(world.StateStopped))
	m.log.Warn("Запуск мира %s отменён", e.id)
}

// Stop останавливает мир. Для остановленного мира ничего не делает, кроме
// освобождения порта по запросу. Упавший мир переходит в stopped без
// процесса. Маршрут снимается до остановки процесса, порт освобождается
// только после его завершения.
func (m *Manager) Stop(ctx context.Context, id string, opts StopOptions) (err error) {
	ctx, finish := m.begin(ctx, "stop", id)
	defer func() { finish(err) }()

	e, err := m.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer e.release()
	return m.stop(ctx, e, opts, false)
}

// stop выполняет остановку. keepEnabled оставляет желаемое состояние, чтобы
// Restore снова запустил мир.
func (m *Manager) stop(ctx context.Context, e *entry, opts StopOptions, keepEnabled bool) error {
	e.mu.Lock()
	cur := e.world.Clone()
	sup := e.sup
	if cur.State == world.StateStopped {
		e.mu.Unlock()
		if opts.ReleasePort {
			return m.releasePort(ctx, e)
		}
		return nil
	}
	if cur.State != world.StateCrashed {
		e.world.State = world.StateStopping
	}
	e.mu.Unlock()

	if cur.State != world.StateCrashed {
		m.opts.Metrics.Transition(string(world.StateStopping))
		m.log.Info("Остановка мира %s", cur.ID)
	}

	if err := m.opts.Proxy.Retract(ctx, cur.ID); err != nil {
		m.log.Warn("Маршрут %s: %v", cur.ID, err)
	}
	if sup != nil {
		if err := sup.Stop(ctx); err != nil {
			m.log.Warn("Остановка процесса %s: %v", cur.ID, err)
		}
	}

	port, hasPort := m.opts.Ports.PortOf(cur.ID)
	if opts.ReleasePort && hasPort {
		m.opts.Ports.Release(port)
	}

	// Процесс уже завершён: сохраняем даже при отменённом ctx.
	pctx := context.WithoutCancel(ctx)
	e.mu.Lock()
	w := e.world.Clone()
	w.State = world.StateStopped
	w.Enabled = w.Enabled && keepEnabled
	if opts.ReleasePort {
		w.Port = nil
	}
	err := m.persistLocked(pctx, e, w)
	if err != nil {
		e.world.State = world.StateStopped
		e.world.Enabled = w.Enabled
		e.world.Port = w.Port
	}
	e.mu.Unlock()

	m.opts.Metrics.Transition(string(world.StateStopped))
	m.emit(pctx, eventbus.WorldStopped, runID(sup), w, 0, "")
	if err != nil {
		m.log.Error("Мир %s остановлен, но состояние не сохранено: %v", cur.ID, err)
		return err
	}
	m.log.Info("Мир %s остановлен", cur.ID)
	return nil
}

func (m *Manager) releasePort(ctx context.Context, e *entry) error {
	if port, ok := m.opts.Ports.PortOf(e.id); ok {
		m.opts.Ports.Release(port)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.world.Port == nil {
		return nil
	}
	w := e.world.Clone()
	w.Port = nil
	return m.persistLocked(ctx, e, w)
}

// Restart останавливает мир с сохранением порта и запускает снова.
func (m *Manager) Restart(ctx context.Context, id string) (err error) {
	ctx, finish := m.begin(ctx, "restart", id)
	defer func() { finish(err) }()

	if m.closing.Load() {
		return ErrShuttingDown
	}
	e, err := m.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer e.release()
	if err := m.stop(ctx, e, StopOptions{}, true); err != nil {
		return err
	}
	return m.start(ctx, e)
}

// Delete останавливает мир (маршрут снимается до остановки процесса,
// остановка двухфазная), освобождает порт, удаляет запись и каталог мира
// (с архивом, если задан ArchiveDir).
func (m *Manager) Delete(ctx context.Context, id string) (err error) {
	ctx, finish := m.begin(ctx, "delete", id)
	defer func() { finish(err) }()

	e, err := m.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer e.release()

	e.mu.Lock()
	cur := e.world.Clone()
	sup := e.sup
	if cur.State.Active() {
		e.world.State = world.StateStopping
	}
	e.mu.Unlock()

	if err := m.opts.Proxy.Retract(ctx, id); err != nil {
		m.log.Warn("Маршрут %s: %v", id, err)
	}
	if sup != nil {
		if err := sup.Stop(ctx); err != nil {
			m.log.Warn("Остановка процесса %s: %v", id, err)
		}
	}
	if port, ok := m.opts.Ports.PortOf(id); ok {
		m.opts.Ports.Release(port)
	}

	// Если удаление записи не удастся, Restore не должен поднять мир или
	// занять старый порт.
	pctx := context.WithoutCancel(ctx)
	e.mu.Lock()
	w := e.world.Clone()
	w.State = world.StateStopped
	w.Enabled = false
	w.Port = nil
	if err := m.persistLocked(pctx, e, w); err != nil {
		e.world = w
		if !errors.Is(err, world.ErrNotFound) {
			m.log.Warn("Мир %s: состояние перед удалением не сохранено: %v", id, err)
		}
	}
	e.mu.Unlock()

	if err := m.opts.Repo.Delete(pctx, id); err != nil && !errors.Is(err, world.ErrNotFound) {
		return repoErr(err)
	}
	e.removed.Store(true)

	m.removeDir(id)

	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
	e.console.Close()
	m.opts.CrashPolicy.Forget(id)

	cur.State = world.StateStopped
	cur.Port = nil
	m.log.Info("Мир %s удалён", id)
	m.emit(ctx, eventbus.WorldDeleted, "", cur, 0, "")
	return nil
}

func runID(sup *supervisor.Supervisor) string {
	if sup == nil {
		return ""
	}
	return sup.RunID()
}

// removeDir удаляет каталог мира. Если архив не удалось создать, каталог
// остаётся на диске.
func (m *Manager) removeDir(id string) {
	dir := m.worldDir(id)
	if _, err := os.Stat(dir); err != nil {
		return
	}
	if m.opts.ArchiveDir != "" {
		path, err := archiveDir(dir, m.opts.ArchiveDir, id)
		if err != nil {
			m.log.Error("Архив мира %s не создан, каталог %s оставлен: %v", id, dir, err)
			return
		}
		m.log.Info("Каталог мира %s сохранён в %s", id, path)
	}
	if err := os.RemoveAll(dir); err != nil {
		m.log.Error("Каталог мира %s не удалён: %v", id, err)
	}
}
