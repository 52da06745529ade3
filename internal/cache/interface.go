// Package cache кеширует записи миров поверх хранилища.
//
// Горячий уровень - Redis (общий для узлов) или память процесса. При
// изменении записи узел рассылает инвалидацию через NATS, чтобы соседние
// узлы сбросили свою копию.
package cache

import (
	"context"
	"errors"
	"time"
)

// Cache - хранилище байтов с TTL.
//
// Использование:
//
//	c := NewMemoryCache()
//	err := c.Set(ctx, "world:42", data, 30*time.Second)
//	data, err = c.Get(ctx, "world:42")
type Cache interface {
	// Get возвращает ErrCacheMiss, если ключа нет.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set сохраняет значение. TTL = 0 означает отсутствие истечения.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	Delete(ctx context.Context, key string) error

	Close() error

	// Stats возвращает снимок счётчиков.
	Stats() Stats
}

// Invalidator рассылает и принимает уведомления об инвалидации.
type Invalidator interface {
	// Publish отправляет уведомление остальным узлам.
	Publish(ctx context.Context, key string) error

	// Subscribe вызывает handler для ключей, инвалидированных другими узлами.
	Subscribe(ctx context.Context, handler InvalidationHandler) error

	Close() error
}

// InvalidationHandler обрабатывает ключ, пришедший с другого узла.
type InvalidationHandler func(key string) error

// Stats - счётчики кеша.
type Stats struct {
	Hits      int64     `json:"hits"`
	Misses    int64     `json:"misses"`
	Errors    int64     `json:"errors"`
	HitRatio  float64   `json:"hit_ratio"`
	Keys      int64     `json:"keys"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Stats) ratio() {
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRatio = float64(s.Hits) / float64(total)
	}
	s.UpdatedAt = time.Now()
}

// ErrCacheMiss - ключ отсутствует или истёк.
var ErrCacheMiss = errors.New("cache miss")

// IsCacheMiss проверяет, является ли ошибка промахом кеша.
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}
