package group

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"securemsg/internal/cryptographic/encryption"
	"securemsg/internal/model"
	"securemsg/internal/protocol/envelope"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

type (
	// Distributor delivers a group key to every device of a user over the
	// pairwise ratchet channel.
	Distributor interface {
		DistributeGroupKey(ctx context.Context, userID string, grant *model.GroupKeyGrant) error
	}

	Group struct {
		ConversationID string              `cbor:"1,keyasint"`
		Owner          string              `cbor:"2,keyasint"`
		Admins         map[string]struct{} `cbor:"3,keyasint"`
		Members        map[string]struct{} `cbor:"4,keyasint"`
		Versions       map[uint32][]byte   `cbor:"5,keyasint"`
		Current        uint32              `cbor:"6,keyasint"`
		RotatedAt      time.Time           `cbor:"7,keyasint"`
		// Rosters records who was a member under each key version.
		Rosters map[uint32][]string `cbor:"8,keyasint"`
	}

	// Manager keeps group membership and key versions for the local user.
	Manager struct {
		mu     sync.RWMutex
		self   string
		groups map[string]*Group
		dist   Distributor
	}
)

func NewManager(self string, dist Distributor) *Manager {
	return &Manager{
		self:   self,
		groups: make(map[string]*Group),
		dist:   dist,
	}
}

func (g *Group) isAdmin(userID string) bool {
	if userID == g.Owner {
		return true
	}
	_, ok := g.Admins[userID]
	return ok
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func (g *Group) grant() *model.GroupKeyGrant {
	return &model.GroupKeyGrant{
		ConversationID: g.ConversationID,
		KeyVersion:     g.Current,
		Key:            bytes.Clone(g.Versions[g.Current]),
		Owner:          g.Owner,
		Admins:         sortedKeys(g.Admins),
		Members:        sortedKeys(g.Members),
	}
}

func (m *Manager) adminGroup(conversationID string) (*Group, error) {
	g, ok := m.groups[conversationID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", conversationID, model.ErrUnknownConversation)
	}
	if !g.isAdmin(m.self) {
		return nil, fmt.Errorf("%s: %w", conversationID, model.ErrNotGroupAdmin)
	}
	return g, nil
}

// Create starts a conversation owned by the local user and distributes its
// first key.
func (m *Manager) Create(ctx context.Context, conversationID string, members []string) (*model.GroupKey, error) {
	m.mu.Lock()
	if _, ok := m.groups[conversationID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("conversation %s already exists", conversationID)
	}
	g := &Group{
		ConversationID: conversationID,
		Owner:          m.self,
		Admins:         map[string]struct{}{},
		Members:        map[string]struct{}{m.self: {}},
		Versions:       map[uint32][]byte{},
		Rosters:        map[uint32][]string{},
	}
	for _, u := range members {
		g.Members[u] = struct{}{}
	}
	m.groups[conversationID] = g
	m.mu.Unlock()

	return m.RotateGroupKey(ctx, conversationID)
}

// RotateGroupKey installs a fresh random key as the next version and sends
// it to every other member. Distribution failures are joined and returned
// after every member was attempted; the new version stays current.
func (m *Manager) RotateGroupKey(ctx context.Context, conversationID string) (*model.GroupKey, error) {
	key, err := encryption.NewKey()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	g, err := m.adminGroup(conversationID)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	g.Current++
	g.Versions[g.Current] = key
	g.Rosters[g.Current] = sortedKeys(g.Members)
	g.RotatedAt = time.Now()
	rotatedAt := g.RotatedAt
	grant := g.grant()
	recipients := sortedKeys(g.Members)
	m.mu.Unlock()

	var errs []error
	for _, u := range recipients {
		if u == m.self {
			continue
		}
		if err := m.distribute(ctx, u, grant); err != nil {
			errs = append(errs, err)
		}
	}

	gk := &model.GroupKey{
		ConversationID: conversationID,
		KeyVersion:     grant.KeyVersion,
		Key:            bytes.Clone(key),
		CreatedAt:      rotatedAt,
	}
	return gk, errors.Join(errs...)
}

func (m *Manager) distribute(ctx context.Context, userID string, grant *model.GroupKeyGrant) error {
	if m.dist == nil {
		return fmt.Errorf("no distributor configured")
	}
	if err := m.dist.DistributeGroupKey(ctx, userID, grant); err != nil {
		return fmt.Errorf("distribute %s v%d to %s: %w", grant.ConversationID, grant.KeyVersion, userID, err)
	}
	return nil
}

// AddMember sends the newcomer the current version only. Earlier versions
// stay out of reach. The other members get the same grant again so their
// rosters accept messages from the newcomer.
func (m *Manager) AddMember(ctx context.Context, conversationID, userID string) error {
	m.mu.Lock()
	g, err := m.adminGroup(conversationID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	g.Members[userID] = struct{}{}
	g.Rosters[g.Current] = sortedKeys(g.Members)
	grant := g.grant()
	recipients := sortedKeys(g.Members)
	m.mu.Unlock()

	var errs []error
	for _, u := range recipients {
		if u == m.self {
			continue
		}
		if err := m.distribute(ctx, u, grant); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RemoveMember drops the member and rotates so the removed user cannot read
// anything sent afterwards.
func (m *Manager) RemoveMember(ctx context.Context, conversationID, userID string) (*model.GroupKey, error) {
	m.mu.Lock()
	g, err := m.adminGroup(conversationID)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	delete(g.Members, userID)
	delete(g.Admins, userID)
	m.mu.Unlock()

	return m.RotateGroupKey(ctx, conversationID)
}

// Install records a key received from sender. Only the owner or an admin of
// the conversation may hand out keys, and an existing version is never
// replaced with different key material. A repeated grant for the current
// version refreshes the roster.
func (m *Manager) Install(sender string, grant *model.GroupKeyGrant) error {
	if grant == nil || grant.ConversationID == "" || len(grant.Key) != encryption.KeySize || grant.KeyVersion == 0 {
		return fmt.Errorf("invalid group key grant: %w", model.ErrMalformedEnvelope)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[grant.ConversationID]
	if !ok {
		if sender != grant.Owner && !slices.Contains(grant.Admins, sender) {
			return fmt.Errorf("%s from %s: %w", grant.ConversationID, sender, model.ErrNotGroupAdmin)
		}
		g = &Group{
			ConversationID: grant.ConversationID,
			Owner:          grant.Owner,
			Versions:       map[uint32][]byte{},
			Rosters:        map[uint32][]string{},
		}
		m.groups[grant.ConversationID] = g
	} else if !g.isAdmin(sender) {
		return fmt.Errorf("%s from %s: %w", grant.ConversationID, sender, model.ErrNotGroupAdmin)
	}

	if existing, ok := g.Versions[grant.KeyVersion]; ok {
		if subtle.ConstantTimeCompare(existing, grant.Key) != 1 {
			return fmt.Errorf("%s v%d: conflicting key material", grant.ConversationID, grant.KeyVersion)
		}
		g.Rosters[grant.KeyVersion] = slices.Clone(grant.Members)
		if grant.KeyVersion == g.Current {
			g.Admins = toSet(grant.Admins)
			g.Members = toSet(grant.Members)
		}
		return nil
	}

	g.Versions[grant.KeyVersion] = bytes.Clone(grant.Key)
	g.Rosters[grant.KeyVersion] = slices.Clone(grant.Members)
	if grant.KeyVersion > g.Current {
		g.Current = grant.KeyVersion
		g.Admins = toSet(grant.Admins)
		g.Members = toSet(grant.Members)
	}
	return nil
}

func toSet(list []string) map[string]struct{} {
	s := make(map[string]struct{}, len(list))
	for _, v := range list {
		s[v] = struct{}{}
	}
	return s
}

// Key returns the key for an exact version.
func (m *Manager) Key(conversationID string, version uint32) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.groups[conversationID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", conversationID, model.ErrUnknownGroupKeyVersion)
	}
	k, ok := g.Versions[version]
	if !ok {
		return nil, fmt.Errorf("%s v%d: %w", conversationID, version, model.ErrUnknownGroupKeyVersion)
	}
	return bytes.Clone(k), nil
}

func (m *Manager) Current(conversationID string) (*model.GroupKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.groups[conversationID]
	if !ok || g.Current == 0 {
		return nil, fmt.Errorf("%s: %w", conversationID, model.ErrUnknownConversation)
	}
	return &model.GroupKey{
		ConversationID: conversationID,
		KeyVersion:     g.Current,
		Key:            bytes.Clone(g.Versions[g.Current]),
		CreatedAt:      g.RotatedAt,
	}, nil
}

func (m *Manager) Members(conversationID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.groups[conversationID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", conversationID, model.ErrUnknownConversation)
	}
	return sortedKeys(g.Members), nil
}

// Seal encrypts plaintext under the current key of the conversation and
// signs it.
func (m *Manager) Seal(conversationID string, plaintext []byte, senderKeyID uuid.UUID, priv ed25519.PrivateKey) (*model.GroupEnvelope, error) {
	gk, err := m.Current(conversationID)
	if err != nil {
		return nil, err
	}
	env := &model.GroupEnvelope{
		ConversationID:    conversationID,
		KeyVersion:        gk.KeyVersion,
		SenderKeyID:       senderKeyID,
		EncryptionVersion: model.EncryptionVersion,
	}
	if err := envelope.SealGroup(env, plaintext, gk.Key); err != nil {
		return nil, err
	}
	envelope.SignGroup(env, priv)
	return env, nil
}

// Open verifies the sender's signature, checks that senderUserID was a
// member under the key version the envelope names and still is one, and
// then decrypts with that exact version. Holding an old key is not enough
// to post once the sender was removed.
func (m *Manager) Open(env *model.GroupEnvelope, senderUserID string, verificationKey ed25519.PublicKey) ([]byte, error) {
	if err := envelope.VerifyGroup(env, verificationKey); err != nil {
		return nil, err
	}
	key, err := m.Key(env.ConversationID, env.KeyVersion)
	if err != nil {
		return nil, err
	}
	if !m.mayPost(env.ConversationID, env.KeyVersion, senderUserID) {
		return nil, fmt.Errorf("%s v%d from %s: %w", env.ConversationID, env.KeyVersion, senderUserID, model.ErrNotGroupMember)
	}
	return envelope.OpenGroup(env, key)
}

func (m *Manager) mayPost(conversationID string, version uint32, userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.groups[conversationID]
	if !ok {
		return false
	}
	if userID == g.Owner {
		return true
	}
	if _, ok := g.Members[userID]; !ok {
		return false
	}
	roster, ok := g.Rosters[version]
	return !ok || slices.Contains(roster, userID)
}

func (m *Manager) Snapshot() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cbor.Marshal(m.groups)
}

func (m *Manager) Restore(data []byte) error {
	groups := make(map[string]*Group)
	if err := cbor.Unmarshal(data, &groups); err != nil {
		return fmt.Errorf("cbor.Unmarshal groups: %w", err)
	}
	for _, g := range groups {
		if g.Admins == nil {
			g.Admins = map[string]struct{}{}
		}
		if g.Members == nil {
			g.Members = map[string]struct{}{}
		}
		if g.Versions == nil {
			g.Versions = map[uint32][]byte{}
		}
		if g.Rosters == nil {
			g.Rosters = map[uint32][]string{}
		}
	}

	m.mu.Lock()
	m.groups = groups
	m.mu.Unlock()
	return nil
}
