package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/annel0/worldhost/internal/governance"
	"github.com/annel0/worldhost/internal/world"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWorld(id, host string, created time.Time) *world.World {
	return &world.World{
		ID:         id,
		OwnerID:    "u1",
		Name:       "World " + id,
		Hostname:   host,
		VersionRef: "1.21",
		MemoryMiB:  1024,
		State:      world.StateStopped,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}

// testStore прогоняет общий контракт хранилища.
func testStore(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 6000, time.UTC)

	t.Run("Create and Get", func(t *testing.T) {
		w := newWorld("a", "alpha", base)
		w.Config = map[string]string{"motd": "hello", "view-distance": "10"}
		require.NoError(t, s.Create(ctx, w))

		got, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "alpha", got.Hostname)
		assert.Equal(t, world.StateStopped, got.State)
		assert.Nil(t, got.Port)
		assert.Equal(t, w.Config, got.Config)
		assert.True(t, got.CreatedAt.Equal(base), "created_at %s", got.CreatedAt)

		err = s.Create(ctx, newWorld("a", "alpha-2", base))
		assert.ErrorIs(t, err, world.ErrExists)
	})

	t.Run("Get Missing", func(t *testing.T) {
		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, world.ErrNotFound)
	})

	t.Run("Update", func(t *testing.T) {
		got, err := s.Get(ctx, "a")
		require.NoError(t, err)
		got.SetPort(24000)
		got.State = world.StateRunning
		got.Enabled = true
		got.Config["server-port"] = "24000"
		require.NoError(t, s.Update(ctx, got))
		// Повторное сохранение тех же значений - не ошибка.
		require.NoError(t, s.Update(ctx, got))

		again, err := s.Get(ctx, "a")
		require.NoError(t, err)
		require.NotNil(t, again.Port)
		assert.Equal(t, 24000, *again.Port)
		assert.Equal(t, world.StateRunning, again.State)
		assert.True(t, again.Enabled)
		assert.Equal(t, "24000", again.Config["server-port"])

		again.Port = nil
		require.NoError(t, s.Update(ctx, again))
		cleared, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Nil(t, cleared.Port)

		err = s.Update(ctx, newWorld("missing", "missing", base))
		assert.ErrorIs(t, err, world.ErrNotFound)
	})

	t.Run("List Order", func(t *testing.T) {
		require.NoError(t, s.Create(ctx, newWorld("c", "gamma", base.Add(2*time.Second))))
		require.NoError(t, s.Create(ctx, newWorld("b", "beta", base.Add(time.Second))))

		list, err := s.List(ctx)
		require.NoError(t, err)
		ids := make([]string, len(list))
		for i, w := range list {
			ids[i] = w.ID
		}
		assert.Equal(t, []string{"a", "b", "c"}, ids)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, "b"))
		assert.ErrorIs(t, s.Delete(ctx, "b"), world.ErrNotFound)
		_, err := s.Get(ctx, "b")
		assert.ErrorIs(t, err, world.ErrNotFound)
	})

	t.Run("Policies", func(t *testing.T) {
		p, err := s.GetPolicy(ctx, "nobody")
		require.NoError(t, err)
		assert.True(t, p.IsZero())

		policy := governance.Policy{
			Blacklist:    []string{"online-mode"},
			Limits:       governance.Limits{"view-distance": governance.AtMost(12), "difficulty": governance.OneOf{Allowed: []string{"easy", "normal"}}},
			MaxMemoryMiB: 4096,
		}
		require.NoError(t, s.SavePolicy(ctx, "u1", policy))
		got, err := s.GetPolicy(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, policy.Blacklist, got.Blacklist)
		assert.Equal(t, 4096, got.MaxMemoryMiB)
		require.Len(t, got.Limits, 2)
		assert.Equal(t, "<12", got.Limits["view-distance"].String())
		assert.Equal(t, "easy|normal", got.Limits["difficulty"].String())

		policy.MaxMemoryMiB = 2048
		require.NoError(t, s.SavePolicy(ctx, "u1", policy))
		got, err = s.GetPolicy(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 2048, got.MaxMemoryMiB)
	})

	t.Run("Concurrent Updates", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				w := newWorld(fmt.Sprintf("p%d", i), fmt.Sprintf("par-%d", i), base.Add(time.Minute))
				assert.NoError(t, s.Create(ctx, w))
				w.State = world.StateRunning
				assert.NoError(t, s.Update(ctx, w))
			}(i)
		}
		wg.Wait()
		list, err := s.List(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 10)
	})
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestBadgerStore(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBadgerStore(dir)
	require.NoError(t, err)
	testStore(t, s)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	// Данные переживают переоткрытие.
	s, err = NewBadgerStore(dir)
	require.NoError(t, err)
	defer s.Close()
	list, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 10)
}

func TestBadgerStoreClosed(t *testing.T) {
	s, err := NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	_, err = s.Get(context.Background(), "a")
	assert.Error(t, err)
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "worlds.sqlite")
	s, err := OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	defer s.Close()
	testStore(t, s)
}

func TestMySQLStore(t *testing.T) {
	dsn := os.Getenv("WORLDHOST_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("WORLDHOST_TEST_MYSQL_DSN не задан")
	}
	s, err := OpenMySQL(context.Background(), dsn)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.db.Exec("DELETE FROM worlds")
	require.NoError(t, err)
	_, err = s.db.Exec("DELETE FROM world_policies")
	require.NoError(t, err)
	testStore(t, s)
}

func TestMongoStore(t *testing.T) {
	uri := os.Getenv("WORLDHOST_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("WORLDHOST_TEST_MONGO_URI не задан")
	}
	ctx := context.Background()
	db := fmt.Sprintf("worldhost_test_%d", time.Now().UnixNano())
	s, err := NewMongoStore(ctx, MongoConfig{URI: uri, Database: db})
	require.NoError(t, err)
	defer func() {
		_ = s.client.Database(db).Drop(ctx)
		_ = s.Close()
	}()
	testStore(t, s)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, Options{Driver: DriverMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)
	require.NoError(t, s.Close())

	s, err = Open(ctx, Options{Driver: "badger", Path: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &BadgerStore{}, s)
	require.NoError(t, s.Close())

	s, err = Open(ctx, Options{Driver: "SQLite", Path: filepath.Join(t.TempDir(), "w.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, Options{Driver: "postgres"})
	assert.Error(t, err)
}
