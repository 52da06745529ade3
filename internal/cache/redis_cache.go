package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/annel0/worldhost/internal/logging"
	"github.com/go-redis/redis/v8"
)

// RedisConfig - параметры подключения к Redis.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Prefix добавляется ко всем ключам.
	Prefix string `yaml:"prefix"`

	// MaxTTL ограничивает TTL любой записи.
	MaxTTL time.Duration `yaml:"-"`

	PoolSize    int           `yaml:"pool_size"`
	PoolTimeout time.Duration `yaml:"-"`
}

// RedisCache реализует Cache поверх Redis.
type RedisCache struct {
	client *redis.Client
	cfg    RedisConfig
	log    *logging.Logger

	hits   int64
	misses int64
	errs   int64
}

// NewRedisCache подключается к Redis и проверяет соединение.
func NewRedisCache(ctx context.Context, cfg RedisConfig) (*RedisCache, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "worldhost:"
	}
	if cfg.MaxTTL == 0 {
		cfg.MaxTTL = time.Hour
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 10
	}
	if cfg.PoolTimeout == 0 {
		cfg.PoolTimeout = 30 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		PoolTimeout:  cfg.PoolTimeout,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log := logging.GetComponentLogger("cache")
	log.Info("Redis cache initialized: %s (prefix %q)", cfg.Addr, cfg.Prefix)
	return &RedisCache{client: rdb, cfg: cfg, log: log}, nil
}

func (r *RedisCache) key(k string) string { return r.cfg.Prefix + k }

// Get читает значение из Redis.
func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, r.key(key)).Bytes()
	switch {
	case err == nil:
		atomic.AddInt64(&r.hits, 1)
		return val, nil
	case errors.Is(err, redis.Nil):
		atomic.AddInt64(&r.misses, 1)
		return nil, ErrCacheMiss
	}
	atomic.AddInt64(&r.errs, 1)
	r.log.Error("Redis Get error for key %s: %v", key, err)
	return nil, fmt.Errorf("redis get: %w", err)
}

// Set записывает значение; TTL ограничен MaxTTL.
func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 || ttl > r.cfg.MaxTTL {
		ttl = r.cfg.MaxTTL
	}
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		atomic.AddInt64(&r.errs, 1)
		r.log.Error("Redis Set error for key %s: %v", key, err)
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete удаляет ключ. Отсутствие ключа ошибкой не считается.
func (r *RedisCache) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		atomic.AddInt64(&r.errs, 1)
		r.log.Error("Redis Delete error for key %s: %v", key, err)
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// Stats возвращает счётчики; Keys - размер текущей базы Redis.
func (r *RedisCache) Stats() Stats {
	s := Stats{
		Hits:   atomic.LoadInt64(&r.hits),
		Misses: atomic.LoadInt64(&r.misses),
		Errors: atomic.LoadInt64(&r.errs),
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if n, err := r.client.DBSize(ctx).Result(); err == nil {
		s.Keys = n
	}
	s.ratio()
	return s
}

// Close закрывает соединение с Redis.
func (r *RedisCache) Close() error {
	if err := r.client.Close(); err != nil {
		r.log.Error("Error closing Redis connection: %v", err)
		return err
	}
	r.log.Info("Redis cache closed")
	return nil
}
