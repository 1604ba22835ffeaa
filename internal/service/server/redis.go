package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"securemsg/internal/model"
	"securemsg/internal/service/redis"
)

type (
	// Queue holds frames for devices that are not connected.
	Queue interface {
		Put(ctx context.Context, to string, frames ...*model.Frame) error
		Take(ctx context.Context, to string) ([]*model.Frame, error)
	}

	RedisQueue struct {
		redisService *redis.RedisService
		ttl          time.Duration
	}

	MemoryQueue struct {
		mu     sync.Mutex
		frames map[string][]*model.Frame
	}
)

var (
	_ Queue = (*RedisQueue)(nil)
	_ Queue = (*MemoryQueue)(nil)
)

func NewRedisQueue(redisSvc *redis.RedisService, ttl time.Duration) *RedisQueue {
	return &RedisQueue{redisService: redisSvc, ttl: ttl}
}

func queueKey(to string) string {
	return fmt.Sprintf("queue:%s", to)
}

func (q *RedisQueue) Take(ctx context.Context, to string) ([]*model.Frame, error) {
	vals, err := q.redisService.Drain(ctx, queueKey(to))
	if err != nil {
		return nil, err
	}

	res := make([]*model.Frame, 0, len(vals))
	for _, v := range vals {
		var f model.Frame
		if err := json.Unmarshal([]byte(v), &f); err != nil {
			return nil, err
		}
		res = append(res, &f)
	}
	return res, nil
}

func (q *RedisQueue) Put(ctx context.Context, to string, frames ...*model.Frame) error {
	vals := make([]any, 0, len(frames))
	for _, f := range frames {
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		vals = append(vals, data)
	}
	return q.redisService.Enqueue(ctx, queueKey(to), q.ttl, vals...)
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{frames: make(map[string][]*model.Frame)}
}

func (q *MemoryQueue) Put(_ context.Context, to string, frames ...*model.Frame) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frames[to] = append(q.frames[to], frames...)
	return nil
}

func (q *MemoryQueue) Take(_ context.Context, to string) ([]*model.Frame, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	res := q.frames[to]
	delete(q.frames, to)
	return res, nil
}
