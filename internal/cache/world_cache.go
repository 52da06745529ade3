package cache

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/annel0/worldhost/internal/governance"
	"github.com/annel0/worldhost/internal/logging"
	"github.com/annel0/worldhost/internal/storage"
	"github.com/annel0/worldhost/internal/world"
)

const (
	worldKeyPrefix = "world:"

	// DefaultTTL - время жизни записи мира в кеше.
	DefaultTTL = 5 * time.Minute
)

// WorldKey возвращает ключ кеша для мира.
func WorldKey(id string) string { return worldKeyPrefix + id }

// WorldCache - декоратор storage.Store: Get читает через кеш, записи идут
// в хранилище и затем обновляют кеш. Ошибки кеша не прерывают операцию,
// источником истины остаётся хранилище. List и политики не кешируются.
type WorldCache struct {
	store storage.Store
	cache Cache
	inv   Invalidator
	ttl   time.Duration
	log   *logging.Logger

	cancel context.CancelFunc
}

// Option настраивает WorldCache.
type Option func(*WorldCache)

// WithTTL задаёт время жизни записей.
func WithTTL(ttl time.Duration) Option {
	return func(w *WorldCache) {
		if ttl > 0 {
			w.ttl = ttl
		}
	}
}

// WithInvalidator включает рассылку и приём инвалидаций.
func WithInvalidator(inv Invalidator) Option {
	return func(w *WorldCache) { w.inv = inv }
}

// NewWorldCache оборачивает store. С инвалидатором сразу подписывается на
// уведомления других узлов.
func NewWorldCache(store storage.Store, c Cache, opts ...Option) (*WorldCache, error) {
	wc := &WorldCache{
		store: store,
		cache: c,
		ttl:   DefaultTTL,
		log:   logging.GetComponentLogger("cache"),
	}
	for _, opt := range opts {
		opt(wc)
	}
	if wc.inv != nil {
		ctx, cancel := context.WithCancel(context.Background())
		if err := wc.inv.Subscribe(ctx, wc.onRemoteInvalidation); err != nil {
			cancel()
			return nil, err
		}
		wc.cancel = cancel
	}
	return wc, nil
}

func (wc *WorldCache) onRemoteInvalidation(key string) error {
	if !strings.HasPrefix(key, worldKeyPrefix) {
		return nil
	}
	return wc.cache.Delete(context.Background(), key)
}

func (wc *WorldCache) put(ctx context.Context, w *world.World) {
	data, err := json.Marshal(w)
	if err == nil {
		err = wc.cache.Set(ctx, WorldKey(w.ID), data, wc.ttl)
	}
	if err != nil {
		wc.log.Warn("cache put %s: %v", w.ID, err)
		// Устаревшая копия хуже промаха.
		_ = wc.cache.Delete(ctx, WorldKey(w.ID))
	}
}

func (wc *WorldCache) invalidate(ctx context.Context, id string) {
	if wc.inv == nil {
		return
	}
	if err := wc.inv.Publish(ctx, WorldKey(id)); err != nil {
		wc.log.Warn("invalidation %s: %v", id, err)
	}
}

func (wc *WorldCache) Create(ctx context.Context, w *world.World) error {
	if err := wc.store.Create(ctx, w); err != nil {
		return err
	}
	wc.put(ctx, w)
	return nil
}

func (wc *WorldCache) Get(ctx context.Context, id string) (*world.World, error) {
	data, err := wc.cache.Get(ctx, WorldKey(id))
	if err == nil {
		var w world.World
		if err = json.Unmarshal(data, &w); err == nil {
			return &w, nil
		}
		wc.log.Warn("cache entry %s is corrupt: %v", id, err)
	} else if !IsCacheMiss(err) {
		wc.log.Debug("cache get %s: %v", id, err)
	}

	w, err := wc.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	wc.put(ctx, w)
	return w, nil
}

func (wc *WorldCache) List(ctx context.Context) ([]*world.World, error) {
	return wc.store.List(ctx)
}

func (wc *WorldCache) Update(ctx context.Context, w *world.World) error {
	if err := wc.store.Update(ctx, w); err != nil {
		_ = wc.cache.Delete(ctx, WorldKey(w.ID))
		return err
	}
	wc.put(ctx, w)
	wc.invalidate(ctx, w.ID)
	return nil
}

func (wc *WorldCache) Delete(ctx context.Context, id string) error {
	err := wc.store.Delete(ctx, id)
	if cerr := wc.cache.Delete(ctx, WorldKey(id)); cerr != nil {
		wc.log.Warn("cache delete %s: %v", id, cerr)
	}
	if err != nil {
		return err
	}
	wc.invalidate(ctx, id)
	return nil
}

func (wc *WorldCache) GetPolicy(ctx context.Context, ownerID string) (governance.Policy, error) {
	return wc.store.GetPolicy(ctx, ownerID)
}

func (wc *WorldCache) SavePolicy(ctx context.Context, ownerID string, p governance.Policy) error {
	return wc.store.SavePolicy(ctx, ownerID, p)
}

// Stats возвращает счётчики кеша.
func (wc *WorldCache) Stats() Stats { return wc.cache.Stats() }

// Close закрывает инвалидатор, кеш и хранилище.
func (wc *WorldCache) Close() error {
	if wc.cancel != nil {
		wc.cancel()
	}
	var firstErr error
	if wc.inv != nil {
		firstErr = wc.inv.Close()
	}
	if err := wc.cache.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := wc.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

var _ storage.Store = (*WorldCache)(nil)
