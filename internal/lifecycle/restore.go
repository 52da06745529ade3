package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/annel0/worldhost/internal/world"
	"golang.org/x/sync/errgroup"
)

// restoreConcurrency ограничивает число одновременных запусков в Restore.
const restoreConcurrency = 4

// Restore загружает миры при старте хоста: резервирует сохранённые порты,
// сбрасывает переходные состояния в stopped и запускает миры с Enabled.
// Конфликтующий порт снимается с мира с ошибкой в логе. Возвращает
// объединённые ошибки запусков.
func (m *Manager) Restore(ctx context.Context) (err error) {
	ctx, finish := m.begin(ctx, "restore", "")
	defer func() { finish(err) }()

	stored, err := m.opts.Repo.List(ctx)
	if err != nil {
		return repoErr(err)
	}

	var enabled []string
	for _, w := range stored {
		m.mu.Lock()
		_, loaded := m.entries[w.ID]
		m.mu.Unlock()
		if loaded {
			continue
		}

		changed := false
		if w.Port != nil {
			if err := m.opts.Ports.Reserve(*w.Port, w.ID); err != nil {
				m.log.Error("Порт %d мира %s не восстановлен: %v", *w.Port, w.ID, err)
				w.Port = nil
				changed = true
			}
		}
		if w.State != world.StateStopped {
			w.State = world.StateStopped
			changed = true
		}
		if changed {
			w.UpdatedAt = time.Now().UTC()
			if err := m.opts.Repo.Update(ctx, w); err != nil {
				m.log.Error("Мир %s: %v", w.ID, repoErr(err))
			}
		}

		m.mu.Lock()
		if _, ok := m.entries[w.ID]; !ok {
			m.entries[w.ID] = m.newEntry(w)
		}
		m.mu.Unlock()
		if w.Enabled {
			enabled = append(enabled, w.ID)
		}
	}
	m.log.Info("Загружено миров: %d, к запуску: %d", len(stored), len(enabled))

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(restoreConcurrency)
	for _, id := range enabled {
		id := id
		g.Go(func() error {
			if err := m.Start(ctx, id); err != nil {
				m.log.Error("Мир %s не запущен: %v", id, err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("world %s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Shutdown останавливает все работающие миры параллельно, сохраняя Enabled,
// и завершает обработку событий. После Shutdown запуск невозможен. Если ctx
// истекает раньше, чем операция над миром завершилась, процесс убивается.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing.Store(true)
	m.mu.Unlock()
	m.log.Info("Остановка всех миров")

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, e := range m.snapshot() {
		e := e
		g.Go(func() error {
			if err := m.shutdownEntry(ctx, e); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("world %s: %w", e.id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	m.restartWG.Wait()

	m.stopOnce.Do(func() {
		close(m.quit)
		<-m.loopDone
	})
	return errors.Join(errs...)
}

func (m *Manager) shutdownEntry(ctx context.Context, e *entry) error {
	if !m.waitBusy(ctx, e) {
		e.mu.Lock()
		sup := e.sup
		e.mu.Unlock()
		if sup != nil {
			sup.Kill()
		}
		return ctx.Err()
	}
	defer e.release()

	e.mu.Lock()
	st := e.world.State
	e.mu.Unlock()
	if !st.Active() {
		return nil
	}
	return m.stop(ctx, e, StopOptions{}, true)
}

// waitBusy ждёт освобождения мира, пока не истечёт ctx.
func (m *Manager) waitBusy(ctx context.Context, e *entry) bool {
	if e.busy.CompareAndSwap(false, true) {
		return true
	}
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if e.busy.CompareAndSwap(false, true) {
				return true
			}
		}
	}
}
