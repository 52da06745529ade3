package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/annel0/worldhost/internal/governance"
	"github.com/annel0/worldhost/internal/world"
	"github.com/dgraph-io/badger/v3"
)

const (
	worldPrefix  = "world:"
	policyPrefix = "policy:"
)

// BadgerStore хранит миры и политики во встроенной BadgerDB. Записи
// сериализуются в JSON.
type BadgerStore struct {
	db      *badger.DB
	dbPath  string
	mutex   sync.RWMutex
	isReady bool
}

// NewBadgerStore открывает (или создаёт) базу в <dataPath>/worlds.db.
func NewBadgerStore(dataPath string) (*BadgerStore, error) {
	if dataPath == "" {
		dataPath = "data"
	}
	dbPath := filepath.Join(dataPath, "worlds.db")
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil // Отключаем логирование BadgerDB

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть BadgerDB: %w", err)
	}
	return &BadgerStore{db: db, dbPath: dbPath, isReady: true}, nil
}

var errNotReady = errors.New("хранилище не готово")

// Close закрывает базу.
func (s *BadgerStore) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.isReady {
		return nil
	}
	s.isReady = false
	return s.db.Close()
}

func (s *BadgerStore) view(fn func(txn *badger.Txn) error) error {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if !s.isReady {
		return errNotReady
	}
	return s.db.View(fn)
}

func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if !s.isReady {
		return errNotReady
	}
	return s.db.Update(fn)
}

func worldKey(id string) []byte { return []byte(worldPrefix + id) }

func (s *BadgerStore) Create(ctx context.Context, w *world.World) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if w == nil || w.ID == "" {
		return fmt.Errorf("недействительный мир: пустой id")
	}
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("ошибка сериализации мира: %w", err)
	}
	return s.update(func(txn *badger.Txn) error {
		_, err := txn.Get(worldKey(w.ID))
		if err == nil {
			return fmt.Errorf("%w: %s", world.ErrExists, w.ID)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(worldKey(w.ID), data)
	})
}

func (s *BadgerStore) Get(ctx context.Context, id string) (*world.World, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var w world.World
	err := s.view(func(txn *badger.Txn) error {
		item, err := txn.Get(worldKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &w)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", world.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения из BadgerDB: %w", err)
	}
	return &w, nil
}

// List возвращает миры, отсортированные по времени создания.
func (s *BadgerStore) List(ctx context.Context) ([]*world.World, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*world.World
	err := s.view(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(worldPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var w world.World
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &w)
			}); err != nil {
				return fmt.Errorf("ошибка десериализации %s: %w", it.Item().Key(), err)
			}
			out = append(out, &w)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortWorlds(out)
	return out, nil
}

func (s *BadgerStore) Update(ctx context.Context, w *world.World) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("ошибка сериализации мира: %w", err)
	}
	return s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(worldKey(w.ID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", world.ErrNotFound, w.ID)
			}
			return err
		}
		return txn.Set(worldKey(w.ID), data)
	})
}

func (s *BadgerStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(worldKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", world.ErrNotFound, id)
			}
			return err
		}
		return txn.Delete(worldKey(id))
	})
}

// GetPolicy возвращает политику владельца; отсутствующая - пустая.
func (s *BadgerStore) GetPolicy(ctx context.Context, ownerID string) (governance.Policy, error) {
	if err := ctx.Err(); err != nil {
		return governance.Policy{}, err
	}
	var p governance.Policy
	err := s.view(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(policyPrefix + ownerID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			p, err = governance.ParsePolicy(val)
			return err
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return governance.Policy{}, nil
	}
	if err != nil {
		return governance.Policy{}, fmt.Errorf("ошибка чтения политики %s: %w", ownerID, err)
	}
	return p, nil
}

func (s *BadgerStore) SavePolicy(ctx context.Context, ownerID string, p governance.Policy) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("ошибка сериализации политики: %w", err)
	}
	return s.update(func(txn *badger.Txn) error {
		return txn.Set([]byte(policyPrefix+ownerID), data)
	})
}
