package store

import (
	"context"
	"errors"
	"sync"
)

var ErrNotFound = errors.New("store: key not found")

type (
	// Storage is the device's secure local storage. Values are opaque;
	// encryption at rest is the platform's concern.
	Storage interface {
		Get(ctx context.Context, key string) ([]byte, error)
		Put(ctx context.Context, key string, value []byte) error
		Delete(ctx context.Context, key string) error
	}

	Memory struct {
		mu   sync.RWMutex
		data map[string][]byte
	}
)

var (
	_ Storage = (*Memory)(nil)
	_ Storage = (*Badger)(nil)
	_ Storage = (*Redis)(nil)
)

func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
