package identity

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"securemsg/internal/cryptographic/dh"
	"securemsg/internal/cryptographic/signature"
	"securemsg/internal/model"
	"securemsg/internal/protocol/x3dh"
	"securemsg/internal/repository/store"
	"securemsg/internal/utils/log"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultOneTimePreKeys  = 20
	DefaultSignedPreKeyTTL = 30 * 24 * time.Hour

	// signed prekeys kept per identity so in-flight handshakes survive a rotation
	keepSignedPreKeys = 2
	// accepted handshake ephemerals remembered per signed prekey
	maxSeenHandshakes = 1024
)

var encMode, _ = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()

type (
	Options struct {
		OneTimePreKeys  int
		SignedPreKeyTTL time.Duration
		Rand            io.Reader
		Now             func() time.Time
		Storage         store.Storage
	}

	signedPreKeyPair struct {
		ID        uint32
		Priv      [32]byte
		Pub       [32]byte
		ExpiresAt time.Time
		Signature []byte
		// Seen holds the ephemeral keys of handshakes already accepted under
		// this prekey, oldest first.
		Seen [][32]byte
	}

	oneTimePreKeyPair struct {
		ID   uint32
		Priv [32]byte
		Pub  [32]byte
	}

	record struct {
		Identity       *model.DeviceIdentity
		SignedPreKeys  []*signedPreKeyPair
		OneTimePreKeys map[uint32]*oneTimePreKeyPair
		NextPreKeyID   uint32
	}

	persisted struct {
		Records []*record
		Trusted []*model.RemoteKey
	}

	// Manager owns the local user's device identities and prekeys, and the
	// set of verified peer keys.
	Manager struct {
		mu      sync.RWMutex
		userID  string
		opts    Options
		records map[uuid.UUID]*record
		trusted map[uuid.UUID]*model.RemoteKey
	}
)

func NewManager(userID string, opts Options) *Manager {
	if opts.OneTimePreKeys == 0 {
		opts.OneTimePreKeys = DefaultOneTimePreKeys
	}
	if opts.SignedPreKeyTTL == 0 {
		opts.SignedPreKeyTTL = DefaultSignedPreKeyTTL
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		userID:  userID,
		opts:    opts,
		records: make(map[uuid.UUID]*record),
		trusted: make(map[uuid.UUID]*model.RemoteKey),
	}
}

func (m *Manager) UserID() string {
	return m.userID
}

func (m *Manager) storageKey() string {
	return "identity/" + m.userID
}

// GenerateIdentity creates a new identity version for deviceID together
// with a signed prekey and a batch of one-time prekeys. The first identity
// of the user becomes primary.
func (m *Manager) GenerateIdentity(deviceID string) (*model.KeyBundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dhPriv, dhPub, err := dh.GenerateX25519(m.opts.Rand)
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	signPub, signPriv, err := signature.GenerateEd25519(m.opts.Rand)
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}

	var version uint32
	hasPrimary := false
	for _, r := range m.records {
		if r.Identity.DeviceID == deviceID && r.Identity.Version > version {
			version = r.Identity.Version
		}
		hasPrimary = hasPrimary || (r.Identity.Primary && r.Identity.Active())
	}

	rec := &record{
		Identity: &model.DeviceIdentity{
			KeyID:     uuid.New(),
			UserID:    m.userID,
			DeviceID:  deviceID,
			Version:   version + 1,
			DHPriv:    dhPriv,
			DHPub:     dhPub,
			SignPriv:  signPriv,
			SignPub:   signPub,
			Primary:   !hasPrimary,
			CreatedAt: m.opts.Now(),
		},
		OneTimePreKeys: make(map[uint32]*oneTimePreKeyPair),
		NextPreKeyID:   1,
	}

	if err := m.rotateSignedPreKeyLocked(rec); err != nil {
		return nil, err
	}
	if err := m.addOneTimePreKeysLocked(rec, m.opts.OneTimePreKeys); err != nil {
		return nil, err
	}
	m.records[rec.Identity.KeyID] = rec

	log.Info("identity generated", zap.Object("identity", rec.Identity))
	return m.bundleLocked(rec), nil
}

func (m *Manager) rotateSignedPreKeyLocked(rec *record) error {
	priv, pub, err := dh.GenerateX25519(m.opts.Rand)
	if err != nil {
		return fmt.Errorf("generate signed prekey: %w", err)
	}
	spk := &signedPreKeyPair{
		ID:        rec.NextPreKeyID,
		Priv:      priv,
		Pub:       pub,
		ExpiresAt: m.opts.Now().Add(m.opts.SignedPreKeyTTL).Truncate(time.Second),
	}
	rec.NextPreKeyID++

	id := rec.Identity
	payload := x3dh.SignedPreKeyPayload(&model.KeyBundle{
		KeyID:        id.KeyID,
		UserID:       id.UserID,
		DeviceID:     id.DeviceID,
		IdentityKey:  id.DHPub[:],
		SignedPreKey: model.SignedPreKey{ID: spk.ID, PublicKey: spk.Pub[:], ExpiresAt: spk.ExpiresAt},
	})
	spk.Signature = signature.ED25519Sign(id.SignPriv, payload)

	rec.SignedPreKeys = append(rec.SignedPreKeys, spk)
	if len(rec.SignedPreKeys) > keepSignedPreKeys {
		rec.SignedPreKeys = rec.SignedPreKeys[len(rec.SignedPreKeys)-keepSignedPreKeys:]
	}
	return nil
}

func (m *Manager) addOneTimePreKeysLocked(rec *record, n int) error {
	for i := 0; i < n; i++ {
		priv, pub, err := dh.GenerateX25519(m.opts.Rand)
		if err != nil {
			return fmt.Errorf("generate one-time prekey: %w", err)
		}
		rec.OneTimePreKeys[rec.NextPreKeyID] = &oneTimePreKeyPair{ID: rec.NextPreKeyID, Priv: priv, Pub: pub}
		rec.NextPreKeyID++
	}
	return nil
}

func (m *Manager) bundleLocked(rec *record) *model.KeyBundle {
	id := rec.Identity
	spk := rec.SignedPreKeys[len(rec.SignedPreKeys)-1]

	b := &model.KeyBundle{
		KeyID:       id.KeyID,
		UserID:      id.UserID,
		DeviceID:    id.DeviceID,
		Version:     id.Version,
		IdentityKey: bytes.Clone(id.DHPub[:]),
		SigningKey:  bytes.Clone(id.SignPub),
		SignedPreKey: model.SignedPreKey{
			ID:        spk.ID,
			PublicKey: bytes.Clone(spk.Pub[:]),
			ExpiresAt: spk.ExpiresAt,
			Signature: bytes.Clone(spk.Signature),
		},
		Revoked: id.Revoked,
	}
	for _, opk := range rec.OneTimePreKeys {
		b.OneTimePreKeys = append(b.OneTimePreKeys, model.OneTimePreKey{ID: opk.ID, PublicKey: bytes.Clone(opk.Pub[:])})
	}
	slices.SortFunc(b.OneTimePreKeys, func(a, b model.OneTimePreKey) int { return int(a.ID) - int(b.ID) })
	return b
}

func (m *Manager) record(keyID uuid.UUID) (*record, error) {
	rec, ok := m.records[keyID]
	if !ok {
		return nil, fmt.Errorf("identity %s: %w", keyID, model.ErrUnknownKey)
	}
	return rec, nil
}

// PublicBundle is what gets published to the key directory.
func (m *Manager) PublicBundle(keyID uuid.UUID) (*model.KeyBundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, err := m.record(keyID)
	if err != nil {
		return nil, err
	}
	return m.bundleLocked(rec), nil
}

func (m *Manager) RotateSignedPreKey(keyID uuid.UUID) (*model.KeyBundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.record(keyID)
	if err != nil {
		return nil, err
	}
	if err := m.rotateSignedPreKeyLocked(rec); err != nil {
		return nil, err
	}
	return m.bundleLocked(rec), nil
}

// RefreshSignedPreKey rotates the signed prekey of keyID once less than a
// quarter of its lifetime is left, or when it has already expired.
func (m *Manager) RefreshSignedPreKey(keyID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.record(keyID)
	if err != nil {
		return false, err
	}
	spk := rec.SignedPreKeys[len(rec.SignedPreKeys)-1]
	if m.opts.Now().Add(m.opts.SignedPreKeyTTL / 4).Before(spk.ExpiresAt) {
		return false, nil
	}
	if err := m.rotateSignedPreKeyLocked(rec); err != nil {
		return false, err
	}
	log.Info("signed prekey rotated", zap.Stringer("key_id", keyID), zap.Uint32("prekey_id", rec.SignedPreKeys[len(rec.SignedPreKeys)-1].ID))
	return true, nil
}

// OneTimePreKeyTarget is how many one-time prekeys an identity should have
// published.
func (m *Manager) OneTimePreKeyTarget() int {
	return m.opts.OneTimePreKeys
}

func (m *Manager) AddOneTimePreKeys(keyID uuid.UUID, n int) (*model.KeyBundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.record(keyID)
	if err != nil {
		return nil, err
	}
	if err := m.addOneTimePreKeysLocked(rec, n); err != nil {
		return nil, err
	}
	return m.bundleLocked(rec), nil
}

// MarkPrimary makes the newest active identity of deviceID the user's only
// primary identity.
func (m *Manager) MarkPrimary(deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var chosen *record
	for _, r := range m.records {
		if r.Identity.DeviceID != deviceID || !r.Identity.Active() {
			continue
		}
		if chosen == nil || r.Identity.Version > chosen.Identity.Version {
			chosen = r
		}
	}
	if chosen == nil {
		return fmt.Errorf("no active identity for device %s: %w", deviceID, model.ErrUnknownKey)
	}

	for _, r := range m.records {
		r.Identity.Primary = r == chosen
	}
	return nil
}

// Primary returns a copy of the user's primary identity.
func (m *Manager) Primary() (*model.DeviceIdentity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.records {
		if r.Identity.Primary && r.Identity.Active() {
			cp := *r.Identity
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("no primary identity for %s: %w", m.userID, model.ErrUnknownKey)
}

// Identity returns a copy of a local identity, revoked or not.
func (m *Manager) Identity(keyID uuid.UUID) (*model.DeviceIdentity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, err := m.record(keyID)
	if err != nil {
		return nil, err
	}
	cp := *rec.Identity
	return &cp, nil
}

// Revoke marks a local identity or a trusted peer key inactive. Signatures
// made before revocation that were already verified are unaffected.
func (m *Manager) Revoke(keyID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[keyID]; ok {
		wasPrimary := rec.Identity.Primary
		rec.Identity.Revoked = true
		rec.Identity.RevokedAt = m.opts.Now()
		rec.Identity.Primary = false
		log.Info("identity revoked", zap.Object("identity", rec.Identity))
		if wasPrimary {
			m.promoteLocked(rec.Identity.DeviceID)
		}
		return nil
	}
	if rk, ok := m.trusted[keyID]; ok {
		rk.Revoked = true
		log.Info("peer key revoked", zap.Object("key", rk))
		return nil
	}
	return fmt.Errorf("revoke %s: %w", keyID, model.ErrUnknownKey)
}

// promoteLocked hands primary to the newest active identity, preferring
// one of deviceID.
func (m *Manager) promoteLocked(deviceID string) {
	var chosen *record
	better := func(r *record) bool {
		if chosen == nil {
			return true
		}
		sameDevice, chosenSame := r.Identity.DeviceID == deviceID, chosen.Identity.DeviceID == deviceID
		if sameDevice != chosenSame {
			return sameDevice
		}
		return r.Identity.CreatedAt.After(chosen.Identity.CreatedAt) ||
			(r.Identity.CreatedAt.Equal(chosen.Identity.CreatedAt) && r.Identity.Version > chosen.Identity.Version)
	}
	for _, r := range m.records {
		if r.Identity.Active() && better(r) {
			chosen = r
		}
	}
	if chosen == nil {
		return
	}
	chosen.Identity.Primary = true
	log.Info("identity promoted to primary", zap.Object("identity", chosen.Identity))
}

// Trust records a peer bundle after checking its signature. A key revoked
// locally stays revoked whatever the directory says.
func (m *Manager) Trust(b *model.KeyBundle) (*model.RemoteKey, error) {
	check := *b
	check.Revoked = false
	if err := x3dh.VerifyBundle(&check, time.Time{}); err != nil {
		return nil, err
	}

	rk := &model.RemoteKey{
		KeyID:      b.KeyID,
		UserID:     b.UserID,
		DeviceID:   b.DeviceID,
		SigningKey: bytes.Clone(b.SigningKey),
		Revoked:    b.Revoked,
	}
	copy(rk.IdentityKey[:], b.IdentityKey)

	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.trusted[b.KeyID]; ok {
		if !bytes.Equal(prev.SigningKey, rk.SigningKey) || prev.IdentityKey != rk.IdentityKey {
			return nil, fmt.Errorf("key %s changed: %w", b.KeyID, model.ErrUntrustedKeyBundle)
		}
		rk.Revoked = rk.Revoked || prev.Revoked
	}
	m.trusted[b.KeyID] = rk

	cp := *rk
	return &cp, nil
}

// RemoteKey looks up any known key, local or peer, revoked or not.
func (m *Manager) RemoteKey(keyID uuid.UUID) (*model.RemoteKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if rec, ok := m.records[keyID]; ok {
		id := rec.Identity
		return &model.RemoteKey{
			KeyID:       id.KeyID,
			UserID:      id.UserID,
			DeviceID:    id.DeviceID,
			IdentityKey: id.DHPub,
			SigningKey:  id.SignPub,
			Revoked:     id.Revoked,
		}, nil
	}
	if rk, ok := m.trusted[keyID]; ok {
		cp := *rk
		return &cp, nil
	}
	return nil, fmt.Errorf("key %s: %w", keyID, model.ErrUnknownKey)
}

// VerificationKey returns the key to check a signature from keyID. Revoked
// keys fail with model.ErrInvalidSignature.
func (m *Manager) VerificationKey(keyID uuid.UUID) (*model.RemoteKey, error) {
	rk, err := m.RemoteKey(keyID)
	if err != nil {
		return nil, err
	}
	if rk.Revoked {
		return nil, fmt.Errorf("key %s revoked: %w", keyID, model.ErrInvalidSignature)
	}
	return rk, nil
}

// ResponderKeys gathers the private keys a handshake addressed to us needs.
// Unknown, revoked or expired prekeys fail with model.ErrKeyAgreementFailed
// and a handshake that was already accepted fails with
// model.ErrReplayOrExpiredKey.
func (m *Manager) ResponderKeys(hs *model.Handshake, remoteIdentity [32]byte) (*model.ResponderKeys, error) {
	eph, err := dh.ToKey(hs.EphemeralKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrKeyAgreementFailed, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, spk, err := m.handshakeKeysLocked(hs)
	if err != nil {
		return nil, err
	}
	if slices.Contains(spk.Seen, eph) {
		return nil, fmt.Errorf("handshake already accepted: %w", model.ErrReplayOrExpiredKey)
	}

	keys := &model.ResponderKeys{
		RemoteIdentity:   remoteIdentity,
		RemoteEphemeral:  eph,
		IdentityPriv:     rec.Identity.DHPriv,
		SignedPreKeyPriv: spk.Priv,
	}
	if hs.OneTimePreKeyID != nil {
		opk, ok := rec.OneTimePreKeys[*hs.OneTimePreKeyID]
		if !ok {
			return nil, fmt.Errorf("one-time prekey %d unknown or used: %w", *hs.OneTimePreKeyID, model.ErrKeyAgreementFailed)
		}
		priv := opk.Priv
		keys.OneTimePreKeyPriv = &priv
	}
	return keys, nil
}

func (m *Manager) handshakeKeysLocked(hs *model.Handshake) (*record, *signedPreKeyPair, error) {
	rec, ok := m.records[hs.RecipientKeyID]
	if !ok || !rec.Identity.Active() {
		return nil, nil, fmt.Errorf("handshake for identity %s: %w", hs.RecipientKeyID, model.ErrKeyAgreementFailed)
	}

	var spk *signedPreKeyPair
	for _, s := range rec.SignedPreKeys {
		if s.ID == hs.SignedPreKeyID {
			spk = s
		}
	}
	if spk == nil {
		return nil, nil, fmt.Errorf("signed prekey %d unknown: %w", hs.SignedPreKeyID, model.ErrKeyAgreementFailed)
	}
	if !m.opts.Now().Before(spk.ExpiresAt) {
		return nil, nil, fmt.Errorf("signed prekey %d expired: %w", hs.SignedPreKeyID, model.ErrKeyAgreementFailed)
	}
	return rec, spk, nil
}

// AcceptHandshake marks hs as used once a session built on it has decrypted
// its first message: the ephemeral key is remembered under its signed
// prekey and the one-time prekey, if any, is deleted. Accepting the same
// handshake twice fails with model.ErrReplayOrExpiredKey.
func (m *Manager) AcceptHandshake(hs *model.Handshake) error {
	eph, err := dh.ToKey(hs.EphemeralKey)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrKeyAgreementFailed, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, spk, err := m.handshakeKeysLocked(hs)
	if err != nil {
		return err
	}
	if slices.Contains(spk.Seen, eph) {
		return fmt.Errorf("handshake already accepted: %w", model.ErrReplayOrExpiredKey)
	}
	spk.Seen = append(spk.Seen, eph)
	if len(spk.Seen) > maxSeenHandshakes {
		spk.Seen = slices.Delete(spk.Seen, 0, len(spk.Seen)-maxSeenHandshakes)
	}
	if hs.OneTimePreKeyID != nil {
		m.consumeLocked(rec, *hs.OneTimePreKeyID)
	}
	return nil
}

// ConsumeOneTimePreKey deletes a one-time prekey.
func (m *Manager) ConsumeOneTimePreKey(keyID uuid.UUID, id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[keyID]; ok {
		m.consumeLocked(rec, id)
	}
}

func (m *Manager) consumeLocked(rec *record, id uint32) {
	if opk, ok := rec.OneTimePreKeys[id]; ok {
		clear(opk.Priv[:])
		delete(rec.OneTimePreKeys, id)
	}
}

func (m *Manager) Save(ctx context.Context) error {
	if m.opts.Storage == nil {
		return nil
	}

	m.mu.RLock()
	p := persisted{}
	for _, r := range m.records {
		p.Records = append(p.Records, r)
	}
	for _, t := range m.trusted {
		p.Trusted = append(p.Trusted, t)
	}
	data, err := encMode.Marshal(p)
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("cbor.Marshal identities: %w", err)
	}
	return m.opts.Storage.Put(ctx, m.storageKey(), data)
}

// Load restores identities saved by Save. A missing entry is not an error.
func (m *Manager) Load(ctx context.Context) error {
	if m.opts.Storage == nil {
		return nil
	}
	data, err := m.opts.Storage.Get(ctx, m.storageKey())
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var p persisted
	if err := cbor.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("cbor.Unmarshal identities: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range p.Records {
		if r.Identity == nil || len(r.SignedPreKeys) == 0 || len(r.Identity.SignPriv) != ed25519.PrivateKeySize {
			return fmt.Errorf("stored identity is incomplete")
		}
		if r.OneTimePreKeys == nil {
			r.OneTimePreKeys = make(map[uint32]*oneTimePreKeyPair)
		}
		m.records[r.Identity.KeyID] = r
	}
	for _, t := range p.Trusted {
		m.trusted[t.KeyID] = t
	}
	return nil
}
