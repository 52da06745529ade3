package cache

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/annel0/worldhost/internal/storage"
	"github.com/annel0/worldhost/internal/world"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingStore struct {
	*storage.MemoryStore
	gets atomic.Int64
}

func (c *countingStore) Get(ctx context.Context, id string) (*world.World, error) {
	c.gets.Add(1)
	return c.MemoryStore.Get(ctx, id)
}

// hub соединяет несколько инвалидаторов в памяти.
type hub struct {
	mu   sync.Mutex
	subs map[*hubInvalidator]InvalidationHandler
}

type hubInvalidator struct{ h *hub }

func newHub() *hub { return &hub{subs: make(map[*hubInvalidator]InvalidationHandler)} }

func (h *hub) node() *hubInvalidator { return &hubInvalidator{h: h} }

func (i *hubInvalidator) Publish(_ context.Context, key string) error {
	i.h.mu.Lock()
	defer i.h.mu.Unlock()
	for other, handler := range i.h.subs {
		if other != i {
			_ = handler(key)
		}
	}
	return nil
}

func (i *hubInvalidator) Subscribe(_ context.Context, handler InvalidationHandler) error {
	i.h.mu.Lock()
	i.h.subs[i] = handler
	i.h.mu.Unlock()
	return nil
}

func (i *hubInvalidator) Close() error {
	i.h.mu.Lock()
	delete(i.h.subs, i)
	i.h.mu.Unlock()
	return nil
}

type brokenCache struct{}

var errBroken = errors.New("cache down")

func (brokenCache) Get(context.Context, string) ([]byte, error)              { return nil, errBroken }
func (brokenCache) Set(context.Context, string, []byte, time.Duration) error { return errBroken }
func (brokenCache) Delete(context.Context, string) error                     { return errBroken }
func (brokenCache) Close() error                                             { return nil }
func (brokenCache) Stats() Stats                                             { return Stats{} }

func sampleWorld(id string) *world.World {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &world.World{
		ID:         id,
		OwnerID:    "u1",
		Name:       "Survival",
		Hostname:   "survival",
		VersionRef: "1.21",
		MemoryMiB:  2048,
		State:      world.StateStopped,
		Config:     map[string]string{"motd": "hi"},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestMemoryCache_TTL(t *testing.T) {
	c := NewMemoryCache()
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", []byte("1"), time.Second))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), 0))

	v, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	now = now.Add(2 * time.Second)
	_, err = c.Get(ctx, "a")
	assert.True(t, IsCacheMiss(err))
	_, err = c.Get(ctx, "b")
	assert.NoError(t, err)

	require.NoError(t, c.Delete(ctx, "b"))
	_, err = c.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrCacheMiss)

	s := c.Stats()
	assert.Equal(t, int64(2), s.Hits)
	assert.Equal(t, int64(2), s.Misses)
	assert.InDelta(t, 0.5, s.HitRatio, 0.001)
}

func TestWorldCache_ReadThrough(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{MemoryStore: storage.NewMemoryStore()}
	wc, err := NewWorldCache(store, NewMemoryCache())
	require.NoError(t, err)
	defer wc.Close()

	w := sampleWorld(uuid.NewString())
	require.NoError(t, store.MemoryStore.Create(ctx, w))

	got, err := wc.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, w.Name, got.Name)
	_, err = wc.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), store.gets.Load())

	got.MemoryMiB = 4096
	got.SetPort(25565)
	require.NoError(t, wc.Update(ctx, got))
	cached, err := wc.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, 4096, cached.MemoryMiB)
	assert.Equal(t, 25565, cached.PortValue())
	assert.Equal(t, map[string]string{"motd": "hi"}, cached.Config)
	assert.Equal(t, int64(1), store.gets.Load())

	require.NoError(t, wc.Delete(ctx, w.ID))
	_, err = wc.Get(ctx, w.ID)
	assert.ErrorIs(t, err, world.ErrNotFound)

	_, err = wc.Get(ctx, "missing")
	assert.ErrorIs(t, err, world.ErrNotFound)
}

func TestWorldCache_FailedUpdateDropsEntry(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	mem := NewMemoryCache()
	wc, err := NewWorldCache(store, mem)
	require.NoError(t, err)

	w := sampleWorld("w1")
	require.NoError(t, wc.Create(ctx, w))
	_, err = mem.Get(ctx, WorldKey("w1"))
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "w1"))
	assert.ErrorIs(t, wc.Update(ctx, w), world.ErrNotFound)
	_, err = mem.Get(ctx, WorldKey("w1"))
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestWorldCache_BrokenCacheFallsBack(t *testing.T) {
	ctx := context.Background()
	wc, err := NewWorldCache(storage.NewMemoryStore(), brokenCache{})
	require.NoError(t, err)

	w := sampleWorld("w1")
	require.NoError(t, wc.Create(ctx, w))
	got, err := wc.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "survival", got.Hostname)
	w.Name = "Creative"
	require.NoError(t, wc.Update(ctx, w))
	require.NoError(t, wc.Delete(ctx, "w1"))
}

func TestWorldCache_InvalidationAcrossNodes(t *testing.T) {
	ctx := context.Background()
	shared := storage.NewMemoryStore()
	h := newHub()

	nodeA, err := NewWorldCache(shared, NewMemoryCache(), WithInvalidator(h.node()))
	require.NoError(t, err)
	nodeB, err := NewWorldCache(shared, NewMemoryCache(), WithInvalidator(h.node()))
	require.NoError(t, err)

	w := sampleWorld("w1")
	require.NoError(t, nodeA.Create(ctx, w))
	got, err := nodeB.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, world.StateStopped, got.State)

	w.State = world.StateRunning
	require.NoError(t, nodeA.Update(ctx, w))

	got, err = nodeB.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, world.StateRunning, got.State)

	// Чужие ключи игнорируются.
	assert.NoError(t, nodeB.onRemoteInvalidation("policy:u1"))

	require.NoError(t, nodeA.Close())
	require.NoError(t, nodeB.Close())
}

func TestRedisCache(t *testing.T) {
	addr := os.Getenv("WORLDHOST_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("WORLDHOST_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rc, err := NewRedisCache(ctx, RedisConfig{Addr: addr, Prefix: "worldhost-test:" + uuid.NewString() + ":"})
	require.NoError(t, err)
	defer rc.Close()

	_, err = rc.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
	require.NoError(t, rc.Set(ctx, "k", []byte("v"), time.Minute))
	v, err := rc.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
	require.NoError(t, rc.Delete(ctx, "k"))
	assert.Equal(t, int64(1), rc.Stats().Hits)
}

func TestNATSInvalidator(t *testing.T) {
	url := os.Getenv("WORLDHOST_TEST_NATS_URL")
	if url == "" {
		t.Skip("WORLDHOST_TEST_NATS_URL not set")
	}
	subject := "worldhost.test." + uuid.NewString()
	a, err := NewNATSInvalidator(InvalidatorConfig{URL: url, Subject: subject}, "a")
	require.NoError(t, err)
	defer a.Close()
	b, err := NewNATSInvalidator(InvalidatorConfig{URL: url, Subject: subject}, "b")
	require.NoError(t, err)
	defer b.Close()

	got := make(chan string, 4)
	handler := func(key string) error { got <- key; return nil }
	require.NoError(t, a.Subscribe(context.Background(), handler))
	require.NoError(t, b.Subscribe(context.Background(), handler))

	require.NoError(t, a.Publish(context.Background(), WorldKey("w1")))
	select {
	case key := <-got:
		assert.Equal(t, WorldKey("w1"), key)
	case <-time.After(5 * time.Second):
		t.Fatal("invalidation not delivered")
	}
	select {
	case key := <-got:
		t.Fatalf("own message delivered: %s", key)
	case <-time.After(200 * time.Millisecond):
	}
}
