package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNil is returned by Get for a missing key.
var ErrNil = redis.Nil

type (
	RedisService struct {
		rdb redis.UniversalClient
	}
)

func NewRedis(rdb redis.UniversalClient) *RedisService {
	return &RedisService{
		rdb: rdb,
	}
}

func (r *RedisService) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Enqueue appends values to a list and refreshes its expiry in one round trip.
func (r *RedisService) Enqueue(ctx context.Context, key string, ttl time.Duration, values ...any) error {
	pipe := r.rdb.TxPipeline()
	pipe.RPush(ctx, key, values...)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Drain reads and removes a whole list atomically, so concurrent drains
// never deliver the same entry twice.
func (r *RedisService) Drain(ctx context.Context, key string) ([]string, error) {
	pipe := r.rdb.TxPipeline()
	lr := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return lr.Val(), nil
}

func (r *RedisService) Del(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

func (r *RedisService) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r *RedisService) Get(ctx context.Context, key string) ([]byte, error) {
	return r.rdb.Get(ctx, key).Bytes()
}
