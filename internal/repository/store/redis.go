package store

import (
	"context"
	"errors"
	"time"

	redisSvc "securemsg/internal/service/redis"
)

// Redis stores device state in Redis under a key prefix. Intended for
// server-side test rigs and shared-state deployments.
type Redis struct {
	svc    *redisSvc.RedisService
	prefix string
	ttl    time.Duration
}

func NewRedis(svc *redisSvc.RedisService, prefix string, ttl time.Duration) *Redis {
	return &Redis{svc: svc, prefix: prefix, ttl: ttl}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.svc.Get(ctx, r.prefix+key)
	if errors.Is(err, redisSvc.ErrNil) {
		return nil, ErrNotFound
	}
	return v, err
}

func (r *Redis) Put(ctx context.Context, key string, value []byte) error {
	return r.svc.Set(ctx, r.prefix+key, value, r.ttl)
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.svc.Del(ctx, r.prefix+key)
}
