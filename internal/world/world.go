// Package world содержит модель мира, его состояния и интерфейсы хранилищ.
package world

import (
	"context"
	"errors"
	"time"

	"github.com/annel0/worldhost/internal/governance"
)

var (
	ErrNotFound = errors.New("world not found")
	ErrExists   = errors.New("world already exists")
	// ErrPersistence оборачивает любую ошибку хранилища.
	ErrPersistence = errors.New("persistence failure")
)

// State - состояние мира, которым управляет только менеджер жизненного цикла.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateCrashed  State = "crashed"
)

// Active сообщает, что у мира есть (или создаётся) процесс.
func (s State) Active() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}

// Valid сообщает, что значение - одно из известных состояний.
func (s State) Valid() bool {
	switch s {
	case StateStopped, StateStarting, StateRunning, StateStopping, StateCrashed:
		return true
	}
	return false
}

// World - сохраняемая запись мира. Процесс сервера здесь не хранится.
type World struct {
	ID         string            `json:"id" bson:"_id" yaml:"id"`
	OwnerID    string            `json:"owner_id" bson:"owner_id" yaml:"owner_id"`
	Name       string            `json:"name" bson:"name" yaml:"name"`
	Hostname   string            `json:"hostname" bson:"hostname" yaml:"hostname"`
	VersionRef string            `json:"version_ref" bson:"version_ref" yaml:"version_ref"`
	MemoryMiB  int               `json:"memory_mib" bson:"memory_mib" yaml:"memory_mib"`
	Port       *int              `json:"port,omitempty" bson:"port,omitempty" yaml:"port,omitempty"`
	State      State             `json:"state" bson:"state" yaml:"state"`
	Enabled    bool              `json:"enabled" bson:"enabled" yaml:"enabled"`
	Config     map[string]string `json:"config,omitempty" bson:"config,omitempty" yaml:"config,omitempty"`
	CreatedAt  time.Time         `json:"created_at" bson:"created_at" yaml:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at" bson:"updated_at" yaml:"updated_at"`
}

// Clone возвращает глубокую копию.
func (w *World) Clone() *World {
	if w == nil {
		return nil
	}
	c := *w
	if w.Port != nil {
		p := *w.Port
		c.Port = &p
	}
	if w.Config != nil {
		c.Config = make(map[string]string, len(w.Config))
		for k, v := range w.Config {
			c.Config[k] = v
		}
	}
	return &c
}

// PortValue возвращает порт или 0.
func (w *World) PortValue() int {
	if w.Port == nil {
		return 0
	}
	return *w.Port
}

// SetPort задаёт порт; 0 снимает его.
func (w *World) SetPort(port int) {
	if port == 0 {
		w.Port = nil
		return
	}
	w.Port = &port
}

// Repository хранит записи миров.
type Repository interface {
	Create(ctx context.Context, w *World) error
	Get(ctx context.Context, id string) (*World, error)
	List(ctx context.Context) ([]*World, error)
	Update(ctx context.Context, w *World) error
	Delete(ctx context.Context, id string) error
}

// PolicyStore хранит политики конфигурации по владельцу. Отсутствующая
// политика - пустая политика.
type PolicyStore interface {
	GetPolicy(ctx context.Context, ownerID string) (governance.Policy, error)
	SavePolicy(ctx context.Context, ownerID string, p governance.Policy) error
}
