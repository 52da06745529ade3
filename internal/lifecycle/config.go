package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/annel0/worldhost/internal/eventbus"
	"github.com/annel0/worldhost/internal/properties"
	"github.com/annel0/worldhost/internal/world"
	"github.com/google/uuid"
)

// UpdateResult - результат изменения мира или его конфигурации.
type UpdateResult struct {
	World *world.World
	// Config - конфигурация без заблокированных ключей (nil для UpdateWorld).
	Config *properties.Properties
	// RestartPending - изменения вступят в силу после перезапуска.
	RestartPending bool
}

// UpdateConfig очищает присланную конфигурацию по политике владельца и
// записывает её независимо от состояния мира. Мир не перезапускается.
func (m *Manager) UpdateConfig(ctx context.Context, id string, submitted map[string]string) (res UpdateResult, err error) {
	ctx, finish := m.begin(ctx, "update_config", id)
	defer func() { finish(err) }()

	e, err := m.acquire(ctx, id)
	if err != nil {
		return UpdateResult{}, err
	}
	defer e.release()

	e.mu.Lock()
	cur := e.world.Clone()
	e.mu.Unlock()

	engine, err := m.engineFor(ctx, cur.OwnerID)
	if err != nil {
		return UpdateResult{}, err
	}
	current, err := m.readConfig(cur)
	if err != nil {
		return UpdateResult{}, err
	}
	port := cur.PortValue()
	if p, ok := m.opts.Ports.PortOf(id); ok {
		port = p
	}

	before := engine.Sanitize(nil, current)
	pinPorts(before, port)
	cfg := engine.Sanitize(properties.FromMap(submitted), current)
	pinPorts(cfg, port)

	if err := properties.WriteFile(filepath.Join(m.worldDir(id), properties.FileName), cfg); err != nil {
		return UpdateResult{}, fmt.Errorf("write %s: %w", properties.FileName, err)
	}

	e.mu.Lock()
	w := e.world.Clone()
	w.Config = cfg.Map()
	err = m.persistLocked(ctx, e, w)
	e.mu.Unlock()
	if err != nil {
		return UpdateResult{}, err
	}

	res = UpdateResult{
		World:          w.Clone(),
		Config:         engine.Visible(cfg),
		RestartPending: w.State == world.StateRunning && !cfg.Equal(before),
	}
	m.emit(ctx, eventbus.WorldConfigUpdated, "", w, 0, "")
	return res, nil
}

// Config возвращает очищенную конфигурацию мира без заблокированных ключей.
func (m *Manager) Config(ctx context.Context, id string) (*properties.Properties, error) {
	e, err := m.entry(ctx, id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	cur := e.world.Clone()
	e.mu.Unlock()

	engine, err := m.engineFor(ctx, cur.OwnerID)
	if err != nil {
		return nil, err
	}
	current, err := m.readConfig(cur)
	if err != nil {
		return nil, err
	}
	return engine.Visible(engine.Sanitize(nil, current)), nil
}

// WorldUpdate - изменяемые поля мира; nil - оставить как есть.
type WorldUpdate struct {
	Name       *string
	Hostname   *string
	MemoryMiB  *int
	VersionRef *string
}

// UpdateWorld меняет имя, хост, память или версию мира. Новый хост сразу
// публикуется для работающего мира; память и версия применяются при
// следующем запуске.
func (m *Manager) UpdateWorld(ctx context.Context, id string, u WorldUpdate) (res UpdateResult, err error) {
	ctx, finish := m.begin(ctx, "update_world", id)
	defer func() { finish(err) }()

	e, err := m.acquire(ctx, id)
	if err != nil {
		return UpdateResult{}, err
	}
	defer e.release()

	e.mu.Lock()
	cur := e.world.Clone()
	e.mu.Unlock()

	next := cur.Clone()
	pending := false
	hostChanged := false

	if u.Name != nil {
		name := strings.TrimSpace(*u.Name)
		if name == "" {
			return UpdateResult{}, fmt.Errorf("%w: empty name", ErrInvalidRequest)
		}
		next.Name = name
	}
	if u.Hostname != nil {
		slug := world.Slugify(*u.Hostname)
		if world.ReservedSlug(slug) {
			return UpdateResult{}, fmt.Errorf("%w: %s is reserved", ErrHostnameTaken, slug)
		}
		if slug != cur.Hostname {
			taken, err := m.hostnameTaken(ctx, slug, id)
			if err != nil {
				return UpdateResult{}, err
			}
			if taken {
				return UpdateResult{}, fmt.Errorf("%w: %s", ErrHostnameTaken, slug)
			}
			next.Hostname = slug
			hostChanged = true
		}
	}
	if u.MemoryMiB != nil && *u.MemoryMiB != cur.MemoryMiB {
		if err := m.checkMemory(ctx, cur.OwnerID, *u.MemoryMiB); err != nil {
			return UpdateResult{}, err
		}
		next.MemoryMiB = *u.MemoryMiB
		pending = true
	}
	if u.VersionRef != nil && *u.VersionRef != cur.VersionRef {
		if _, err := m.opts.Versions.Resolve(ctx, *u.VersionRef); err != nil {
			return UpdateResult{}, err
		}
		next.VersionRef = *u.VersionRef
		pending = true
	}

	e.mu.Lock()
	w := e.world.Clone()
	w.Name, w.Hostname, w.MemoryMiB, w.VersionRef = next.Name, next.Hostname, next.MemoryMiB, next.VersionRef
	err = m.persistLocked(ctx, e, w)
	e.mu.Unlock()
	if err != nil {
		return UpdateResult{}, err
	}

	running := w.State == world.StateRunning
	if hostChanged && running {
		if err := m.opts.Proxy.Publish(ctx, id, w.Hostname, m.opts.Proxy.Backend(w.PortValue())); err != nil {
			m.log.Warn("Новый хост %s для %s не опубликован: %v", w.Hostname, id, err)
		}
	}
	m.emit(ctx, eventbus.WorldUpdated, "", w, 0, "")
	return UpdateResult{World: w.Clone(), RestartPending: pending && running}, nil
}

// CreateRequest - данные нового мира.
type CreateRequest struct {
	OwnerID    string
	Name       string
	Hostname   string
	VersionRef string
	MemoryMiB  int
	Config     map[string]string
}

// Create сохраняет новый остановленный мир без порта. Имя хоста приводится к
// метке DNS; при совпадении добавляется суффикс -2, -3, ...
func (m *Manager) Create(ctx context.Context, req CreateRequest) (w *world.World, err error) {
	ctx, finish := m.begin(ctx, "create", "")
	defer func() { finish(err) }()

	req.Name = strings.TrimSpace(req.Name)
	switch {
	case req.OwnerID == "":
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidRequest)
	case req.Name == "":
		return nil, fmt.Errorf("%w: name is required", ErrInvalidRequest)
	case req.VersionRef == "":
		return nil, fmt.Errorf("%w: version is required", ErrInvalidRequest)
	}
	if req.MemoryMiB <= 0 {
		req.MemoryMiB = m.opts.DefaultMemoryMiB
	}
	if err := m.checkMemory(ctx, req.OwnerID, req.MemoryMiB); err != nil {
		return nil, err
	}

	m.createMu.Lock()
	defer m.createMu.Unlock()

	stored, err := m.opts.Repo.List(ctx)
	if err != nil {
		return nil, repoErr(err)
	}
	hosts := make(map[string]bool, len(stored))
	for _, s := range stored {
		hosts[s.Hostname] = true
	}
	base := req.Hostname
	if strings.TrimSpace(base) == "" {
		base = req.Name
	}

	now := time.Now().UTC()
	w = &world.World{
		ID:         uuid.NewString(),
		OwnerID:    req.OwnerID,
		Name:       req.Name,
		Hostname:   world.UniqueSlug(base, func(s string) bool { return hosts[s] }),
		VersionRef: req.VersionRef,
		MemoryMiB:  req.MemoryMiB,
		State:      world.StateStopped,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if req.Config != nil {
		engine, err := m.engineFor(ctx, req.OwnerID)
		if err != nil {
			return nil, err
		}
		cfg := engine.Sanitize(properties.FromMap(req.Config), nil)
		w.Config = cfg.Map()
		if err := properties.WriteFile(filepath.Join(m.worldDir(w.ID), properties.FileName), cfg); err != nil {
			return nil, fmt.Errorf("write %s: %w", properties.FileName, err)
		}
	}

	if err := m.opts.Repo.Create(ctx, w); err != nil {
		os.RemoveAll(m.worldDir(w.ID))
		return nil, repoErr(err)
	}

	m.mu.Lock()
	m.entries[w.ID] = m.newEntry(w.Clone())
	m.mu.Unlock()

	m.log.Info("Создан мир %s (%s) владельца %s", w.ID, w.Hostname, w.OwnerID)
	m.emit(ctx, eventbus.WorldCreated, "", w, 0, "")
	return w, nil
}

func (m *Manager) checkMemory(ctx context.Context, ownerID string, miB int) error {
	engine, err := m.engineFor(ctx, ownerID)
	if err != nil {
		return err
	}
	return engine.Policy().CheckMemory(miB, m.opts.MinMemoryMiB)
}

func (m *Manager) hostnameTaken(ctx context.Context, slug, except string) (bool, error) {
	stored, err := m.opts.Repo.List(ctx)
	if err != nil {
		return false, repoErr(err)
	}
	for _, w := range stored {
		if w.ID != except && w.Hostname == slug {
			return true, nil
		}
	}
	return false, nil
}
