package cache

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const walkInKeyPrefix = "vetclinic:walkin:"

type RedisWalkInCache struct {
	client *redis.Client
}

func NewRedisWalkInCache(addr string, password string, db int) *RedisWalkInCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisWalkInCache{client: client}
}

func (c *RedisWalkInCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisWalkInCache) Close() error {
	return c.client.Close()
}

func (c *RedisWalkInCache) GetWalkInClientID(ctx context.Context, clinicID string) (string, bool, error) {
	val, err := c.client.Get(ctx, walkInKeyPrefix+clinicID).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *RedisWalkInCache) SetWalkInClientID(ctx context.Context, clinicID string, clientID string, ttl time.Duration) error {
	if clientID == "" {
		return nil
	}
	return c.client.Set(ctx, walkInKeyPrefix+clinicID, clientID, ttl).Err()
}
