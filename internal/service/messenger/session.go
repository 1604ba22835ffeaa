package messenger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"

	"securemsg/internal/cryptographic/dh"
	"securemsg/internal/model"
	"securemsg/internal/protocol/doubleratchet"
	"securemsg/internal/protocol/x3dh"
	"securemsg/internal/repository/store"
	"securemsg/internal/service/transport"
	"securemsg/internal/utils/log"

	"github.com/awnumar/memguard"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type (
	// conversation is the pairwise session with one peer device.
	conversation struct {
		addr       string
		peer       *model.RemoteKey
		localKeyID uuid.UUID
		// ephemeral key of the handshake that created the session
		origin []byte
		// set on the initiating side and sent until the first reply
		handshake *model.Handshake
		ratchet   *doubleratchet.Session

		persistedSeq uint64
		persisted    bool
	}

	sessionRecord struct {
		Addr       string           `cbor:"1,keyasint"`
		PeerKeyID  uuid.UUID        `cbor:"2,keyasint"`
		LocalKeyID uuid.UUID        `cbor:"3,keyasint"`
		Origin     []byte           `cbor:"4,keyasint"`
		Handshake  *model.Handshake `cbor:"5,keyasint,omitempty"`
		Ratchet    []byte           `cbor:"6,keyasint"`
		Seq        uint64           `cbor:"7,keyasint"`
	}
)

func (m *Messenger) sessionIndexKey() string {
	return "sessions/" + m.userID
}

func (m *Messenger) sessionKey(addr string) string {
	return "session/" + m.userID + "/" + addr
}

// sessionFor returns a usable session with the device at addr, running a
// key agreement against the directory when there is none.
func (m *Messenger) sessionFor(ctx context.Context, addr string) (*conversation, error) {
	if c := m.activeConversation(ctx, addr); c != nil {
		return c, nil
	}

	userID, _, err := transport.SplitAddress(addr)
	if err != nil {
		return nil, err
	}
	if err := m.establishUser(ctx, userID); err != nil {
		return nil, err
	}
	if c := m.activeConversation(ctx, addr); c != nil {
		return c, nil
	}
	return nil, fmt.Errorf("no active identity for %s: %w", addr, model.ErrNoSession)
}

// activeConversation drops a session whose peer key has been revoked in the
// meantime.
func (m *Messenger) activeConversation(ctx context.Context, addr string) *conversation {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.convs[addr]
	if !ok {
		return nil
	}
	if _, err := m.keys.VerificationKey(c.peer.KeyID); err != nil {
		m.dropLocked(ctx, addr)
		return nil
	}
	return c
}

// conversationsOf returns the sessions with every device of userID,
// establishing them first when there are none.
func (m *Messenger) conversationsOf(ctx context.Context, userID string) ([]*conversation, error) {
	collect := func() []*conversation {
		m.mu.Lock()
		addrs := make([]string, 0, len(m.convs))
		for addr, c := range m.convs {
			if c.peer.UserID == userID {
				addrs = append(addrs, addr)
			}
		}
		m.mu.Unlock()

		var out []*conversation
		for _, addr := range addrs {
			if c := m.activeConversation(ctx, addr); c != nil {
				out = append(out, c)
			}
		}
		return out
	}

	if out := collect(); len(out) > 0 {
		return out, nil
	}
	if err := m.establishUser(ctx, userID); err != nil {
		return nil, err
	}
	out := collect()
	if len(out) == 0 {
		return nil, fmt.Errorf("user %s: %w", userID, model.ErrNoSession)
	}
	return out, nil
}

// establishUser fetches the bundles of every device of userID and starts a
// session with each device we have no current session with. Every fetched
// bundle carries a one-time prekey, so none is wasted.
func (m *Messenger) establishUser(ctx context.Context, userID string) error {
	if m.dir == nil {
		return fmt.Errorf("no directory configured: %w", model.ErrNoSession)
	}
	local, err := m.keys.Primary()
	if err != nil {
		return err
	}

	bundles, err := m.dir.FetchBundles(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrKeyAgreementFailed, err)
	}

	var errs []error
	for _, b := range bundles {
		if b.UserID != userID {
			errs = append(errs, fmt.Errorf("bundle %s belongs to %s: %w", b.KeyID, b.UserID, model.ErrUntrustedKeyBundle))
			continue
		}
		addr := transport.Address(b.UserID, b.DeviceID)
		if addr == m.Address() {
			continue
		}

		m.mu.Lock()
		existing := m.convs[addr]
		m.mu.Unlock()
		if existing != nil && existing.peer.KeyID == b.KeyID {
			continue
		}

		c, err := m.initiate(local, b)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := m.addConversation(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.keys.Save(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (m *Messenger) initiate(local *model.DeviceIdentity, b *model.KeyBundle) (*conversation, error) {
	peer, err := m.keys.Trust(b)
	if err != nil {
		return nil, err
	}
	if peer.Revoked {
		return nil, fmt.Errorf("bundle %s is revoked: %w", b.KeyID, model.ErrUntrustedKeyBundle)
	}

	in, err := x3dh.InitiateWithBundle(m.rand, local.DHPriv, b, m.now())
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(in.EphemeralPriv[:])

	hs := in.Handshake
	c := &conversation{
		addr:       transport.Address(b.UserID, b.DeviceID),
		peer:       peer,
		localKeyID: local.KeyID,
		origin:     bytes.Clone(hs.EphemeralKey),
		handshake:  &hs,
		ratchet:    doubleratchet.NewInitiatorSession(in.RootKey, in.ChainKey, in.EphemeralPriv, in.EphemeralPub, m.ratchetOpts),
	}
	log.Info("session initiated", zap.Object("peer", peer))
	return c, nil
}

// respond builds the responding side of a session from the handshake
// carried in an envelope. The session is not registered until a message
// has been decrypted with it.
func (m *Messenger) respond(peer *model.RemoteKey, hs *model.Handshake) (*conversation, error) {
	keys, err := m.keys.ResponderKeys(hs, peer.IdentityKey)
	if err != nil {
		return nil, err
	}
	defer func() {
		memguard.WipeBytes(keys.IdentityPriv[:])
		memguard.WipeBytes(keys.SignedPreKeyPriv[:])
		if keys.OneTimePreKeyPriv != nil {
			memguard.WipeBytes(keys.OneTimePreKeyPriv[:])
		}
	}()

	res, err := x3dh.Respond(keys)
	if err != nil {
		return nil, err
	}
	eph, err := dh.ToKey(hs.EphemeralKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrKeyAgreementFailed, err)
	}

	return &conversation{
		addr:       peerAddress(peer),
		peer:       peer,
		localKeyID: hs.RecipientKeyID,
		origin:     bytes.Clone(hs.EphemeralKey),
		ratchet:    doubleratchet.NewResponderSession(res.RootKey, res.ChainKey, eph, m.ratchetOpts),
	}, nil
}

// addConversation makes c the session for its address, replacing any older
// one, and persists it.
func (m *Messenger) addConversation(ctx context.Context, c *conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.convs[c.addr]; ok && old != c {
		log.Info("session replaced", zap.String("address", c.addr))
	}
	m.convs[c.addr] = c
	if err := m.saveIndexLocked(ctx); err != nil {
		return err
	}
	return m.persistLocked(ctx, c)
}

func (m *Messenger) dropLocked(ctx context.Context, addr string) {
	delete(m.convs, addr)
	if err := m.store.Delete(ctx, m.sessionKey(addr)); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Warn("delete session failed", zap.String("address", addr), zap.Error(err))
	}
	if err := m.saveIndexLocked(ctx); err != nil {
		log.Warn("save session index failed", zap.Error(err))
	}
	log.Info("session dropped", zap.String("address", addr))
}

func (m *Messenger) saveIndexLocked(ctx context.Context) error {
	addrs := make([]string, 0, len(m.convs))
	for addr := range m.convs {
		addrs = append(addrs, addr)
	}
	slices.Sort(addrs)

	data, err := cbor.Marshal(addrs)
	if err != nil {
		return err
	}
	return m.store.Put(ctx, m.sessionIndexKey(), data)
}

// persist writes the committed state of c. A snapshot never overwrites a
// newer one, and a session that has been replaced is not written at all.
func (m *Messenger) persist(ctx context.Context, c *conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.convs[c.addr] != c {
		return nil
	}
	return m.persistLocked(ctx, c)
}

func (m *Messenger) persistLocked(ctx context.Context, c *conversation) error {
	snap, seq, err := c.ratchet.Snapshot()
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(snap)

	if c.persisted && seq <= c.persistedSeq {
		return nil
	}

	rec := sessionRecord{
		Addr:       c.addr,
		PeerKeyID:  c.peer.KeyID,
		LocalKeyID: c.localKeyID,
		Origin:     c.origin,
		Ratchet:    snap,
		Seq:        seq,
	}
	if c.handshake != nil && c.ratchet.AwaitingReply() {
		rec.Handshake = c.handshake
	}

	data, err := cbor.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("cbor.Marshal session: %w", err)
	}
	defer memguard.WipeBytes(data)

	if err := m.store.Put(ctx, m.sessionKey(c.addr), data); err != nil {
		return fmt.Errorf("persist session %s: %w", c.addr, err)
	}
	c.persistedSeq = seq
	c.persisted = true
	return nil
}

func (m *Messenger) loadSessions(ctx context.Context) error {
	data, err := m.store.Get(ctx, m.sessionIndexKey())
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var addrs []string
	if err := cbor.Unmarshal(data, &addrs); err != nil {
		return fmt.Errorf("%w: session index: %v", model.ErrSessionCorrupted, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, addr := range addrs {
		c, err := m.loadSession(ctx, addr)
		if err != nil {
			m.archiveCorrupt(ctx, addr, err)
			continue
		}
		m.convs[addr] = c
	}
	return m.saveIndexLocked(ctx)
}

func (m *Messenger) loadSession(ctx context.Context, addr string) (*conversation, error) {
	data, err := m.store.Get(ctx, m.sessionKey(addr))
	if err != nil {
		return nil, err
	}

	var rec sessionRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrSessionCorrupted, err)
	}
	if rec.Addr != addr {
		return nil, fmt.Errorf("%w: record for %q stored under %q", model.ErrSessionCorrupted, rec.Addr, addr)
	}
	peer, err := m.keys.RemoteKey(rec.PeerKeyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrSessionCorrupted, err)
	}
	ratchet, err := doubleratchet.Restore(rec.Ratchet, m.ratchetOpts)
	if err != nil {
		return nil, err
	}

	return &conversation{
		addr:         addr,
		peer:         peer,
		localKeyID:   rec.LocalKeyID,
		origin:       rec.Origin,
		handshake:    rec.Handshake,
		ratchet:      ratchet,
		persistedSeq: rec.Seq,
		persisted:    true,
	}, nil
}

// archiveCorrupt moves an unreadable session aside. The peer has to run a
// fresh key agreement; the broken state is kept only for inspection.
func (m *Messenger) archiveCorrupt(ctx context.Context, addr string, cause error) {
	key := m.sessionKey(addr)
	if data, err := m.store.Get(ctx, key); err == nil {
		if err := m.store.Put(ctx, "corrupt/"+key, data); err != nil {
			log.Warn("archive corrupt session failed", zap.String("address", addr), zap.Error(err))
		}
	}
	if err := m.store.Delete(ctx, key); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Warn("delete corrupt session failed", zap.String("address", addr), zap.Error(err))
	}
	log.Warn("session state discarded", zap.String("address", addr), zap.Error(cause))
}

func peerAddress(peer *model.RemoteKey) string {
	return transport.Address(peer.UserID, peer.DeviceID)
}
