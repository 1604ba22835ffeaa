package directory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"securemsg/internal/model"
	"securemsg/internal/protocol/x3dh"

	"github.com/google/uuid"
)

type Memory struct {
	mu      sync.Mutex
	bundles map[uuid.UUID]*model.KeyBundle
	byUser  map[string][]uuid.UUID
	// highest one-time prekey id ever accepted per key
	maxPreKey map[uuid.UUID]uint32
	now       func() time.Time
}

var _ Directory = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		bundles:   make(map[uuid.UUID]*model.KeyBundle),
		byUser:    make(map[string][]uuid.UUID),
		maxPreKey: make(map[uuid.UUID]uint32),
		now:       time.Now,
	}
}

func cloneBundle(b *model.KeyBundle, withPreKeys bool) *model.KeyBundle {
	cp := *b
	cp.OneTimePreKeys = nil
	if withPreKeys {
		cp.OneTimePreKeys = append([]model.OneTimePreKey(nil), b.OneTimePreKeys...)
	}
	return &cp
}

func (m *Memory) PublishBundle(_ context.Context, b *model.KeyBundle) error {
	if err := x3dh.VerifyBundle(b, m.now()); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.bundles[b.KeyID]
	if err := CheckRepublish(prev, b); err != nil {
		return err
	}
	if prev == nil {
		m.byUser[b.UserID] = append(m.byUser[b.UserID], b.KeyID)
		m.bundles[b.KeyID] = cloneBundle(b, true)
		m.maxPreKey[b.KeyID] = MaxPreKeyID(b.OneTimePreKeys, 0)
		return nil
	}

	next := cloneBundle(b, false)
	next.OneTimePreKeys = append(slices.Clone(prev.OneTimePreKeys), NewPreKeys(b.OneTimePreKeys, m.maxPreKey[b.KeyID])...)
	m.bundles[b.KeyID] = next
	m.maxPreKey[b.KeyID] = MaxPreKeyID(b.OneTimePreKeys, m.maxPreKey[b.KeyID])
	return nil
}

func (m *Memory) FetchBundles(_ context.Context, userID string) ([]*model.KeyBundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*model.KeyBundle
	for _, id := range m.byUser[userID] {
		b := m.bundles[id]
		if b.Revoked {
			continue
		}
		cp := cloneBundle(b, false)
		if len(b.OneTimePreKeys) > 0 {
			cp.OneTimePreKeys = b.OneTimePreKeys[:1:1]
			b.OneTimePreKeys = b.OneTimePreKeys[1:]
		}
		out = append(out, cp)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no active keys for user %s: %w", userID, model.ErrUnknownKey)
	}
	return out, nil
}

func (m *Memory) PreKeyCount(_ context.Context, keyID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bundles[keyID]
	if !ok {
		return 0, fmt.Errorf("key %s: %w", keyID, model.ErrUnknownKey)
	}
	return len(b.OneTimePreKeys), nil
}

func (m *Memory) FetchKey(_ context.Context, keyID uuid.UUID) (*model.KeyBundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bundles[keyID]
	if !ok {
		return nil, fmt.Errorf("key %s: %w", keyID, model.ErrUnknownKey)
	}
	return cloneBundle(b, false), nil
}

func (m *Memory) RevokeKey(_ context.Context, keyID uuid.UUID, sig []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bundles[keyID]
	if !ok {
		return fmt.Errorf("key %s: %w", keyID, model.ErrUnknownKey)
	}
	if err := VerifyRevocation(b, sig); err != nil {
		return err
	}
	b.Revoked = true
	b.OneTimePreKeys = nil
	return nil
}
