package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores each record under namespace + key.
type RedisBackend struct {
	rdb       *redis.Client
	namespace string
}

func NewRedisBackend(addr, password string, db int, namespace string) *RedisBackend {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisBackend{rdb: rdb, namespace: namespace}
}

// NewRedisBackendFromClient wraps an existing client.
func NewRedisBackendFromClient(rdb *redis.Client, namespace string) *RedisBackend {
	return &RedisBackend{rdb: rdb, namespace: namespace}
}

func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisBackend) Create(ctx context.Context, key string, value []byte) error {
	ok, err := r.rdb.SetNX(ctx, r.namespace+key, value, 0).Result()
	if err != nil {
		return fmt.Errorf("redis setnx %s: %w", key, err)
	}
	if !ok {
		return ErrKeyExists
	}
	return nil
}

func (r *RedisBackend) Put(ctx context.Context, key string, value []byte) error {
	if err := r.rdb.Set(ctx, r.namespace+key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.rdb.Get(ctx, r.namespace+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, nil
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, r.namespace+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (r *RedisBackend) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	out := map[string][]byte{}
	iter := r.rdb.Scan(ctx, 0, r.namespace+prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()
		value, err := r.rdb.Get(ctx, full).Bytes()
		if errors.Is(err, redis.Nil) {
			// removed between scan and get
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis get %s: %w", full, err)
		}
		out[full[len(r.namespace):]] = value
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", prefix, err)
	}
	return out, nil
}

func (r *RedisBackend) Close() error {
	return r.rdb.Close()
}
