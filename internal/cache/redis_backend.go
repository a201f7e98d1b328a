package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/annel0/scene-engine/internal/config"
	"github.com/go-redis/redis/v8"
)

// RedisBackend реализует Backend поверх Redis.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend подключается к Redis и проверяет соединение
func NewRedisBackend(ctx context.Context, cfg config.CacheConfig) (*RedisBackend, error) {
	addr := cfg.GetRedisURL()
	if addr == "" {
		return nil, errors.New("redis: пустой адрес")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     10,
		PoolTimeout:  30 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisBackend{client: rdb}, nil
}

func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

// Set пишет значение без TTL: зеркало живёт, пока жив элемент
func (r *RedisBackend) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (r *RedisBackend) AddMember(ctx context.Context, set, member string) error {
	return r.client.SAdd(ctx, set, member).Err()
}

func (r *RedisBackend) RemoveMember(ctx context.Context, set, member string) error {
	return r.client.SRem(ctx, set, member).Err()
}

func (r *RedisBackend) Members(ctx context.Context, set string) ([]string, error) {
	return r.client.SMembers(ctx, set).Result()
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
