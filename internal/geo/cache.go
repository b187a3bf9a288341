package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "atlas:geo:"

// Cache stores resolved places by normalized name.
type Cache interface {
	Get(ctx context.Context, key string) (Place, bool, error)
	Set(ctx context.Context, key string, p Place) error
}

// RedisCache keeps resolved places in Redis with a TTL.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

func NewRedisCache(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, prefix: defaultKeyPrefix}
}

func (r *RedisCache) Get(ctx context.Context, key string) (Place, bool, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Place{}, false, nil
	}
	if err != nil {
		return Place{}, false, fmt.Errorf("redis get: %w", err)
	}
	var p Place
	if err := json.Unmarshal(data, &p); err != nil {
		return Place{}, false, fmt.Errorf("decode cached place: %w", err)
	}
	return p, true, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, p Place) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.prefix+key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
