package messenger

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"securemsg/internal/model"
	"securemsg/internal/protocol/doubleratchet"
	"securemsg/internal/protocol/envelope"
	"securemsg/internal/protocol/group"
	"securemsg/internal/repository/store"
	"securemsg/internal/service/directory"
	"securemsg/internal/service/identity"
	"securemsg/internal/service/transport"
	"securemsg/internal/utils/log"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type (
	Options struct {
		Directory directory.Directory
		Transport transport.Transport
		Storage   store.Storage

		SkipWindow      uint32
		OneTimePreKeys  int
		SignedPreKeyTTL time.Duration

		Rand io.Reader
		Now  func() time.Time
	}

	// Handler receives every message Listen manages to decrypt.
	Handler func(ctx context.Context, msg *model.DecryptedMessage)

	// Messenger is one device of a user: it owns the device's identities,
	// pairwise sessions and group keys, and exposes the encrypt and decrypt
	// operations.
	Messenger struct {
		userID   string
		deviceID string

		keys   *identity.Manager
		groups *group.Manager
		dir    directory.Directory
		tr     transport.Transport
		store  store.Storage

		rand        io.Reader
		now         func() time.Time
		ratchetOpts doubleratchet.Options

		mu    sync.Mutex
		convs map[string]*conversation
	}
)

var _ group.Distributor = (*Messenger)(nil)

// Connect loads the device state for userID/deviceID from storage and makes
// sure the device has an active identity published to the directory.
func Connect(ctx context.Context, userID, deviceID string, opts Options) (*Messenger, error) {
	if userID == "" || deviceID == "" {
		return nil, fmt.Errorf("user and device are required")
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Storage == nil {
		opts.Storage = store.NewMemory()
	}

	m := &Messenger{
		userID:   userID,
		deviceID: deviceID,
		dir:      opts.Directory,
		tr:       opts.Transport,
		store:    opts.Storage,
		rand:     opts.Rand,
		now:      opts.Now,
		ratchetOpts: doubleratchet.Options{
			SkipWindow: opts.SkipWindow,
			Rand:       opts.Rand,
		},
		convs: make(map[string]*conversation),
	}
	m.keys = identity.NewManager(userID, identity.Options{
		OneTimePreKeys:  opts.OneTimePreKeys,
		SignedPreKeyTTL: opts.SignedPreKeyTTL,
		Rand:            opts.Rand,
		Now:             opts.Now,
		Storage:         opts.Storage,
	})
	m.groups = group.NewManager(userID, m)

	if err := m.keys.Load(ctx); err != nil {
		return nil, fmt.Errorf("load identities: %w", err)
	}
	if err := m.loadGroups(ctx); err != nil {
		return nil, err
	}
	if err := m.loadSessions(ctx); err != nil {
		return nil, err
	}

	if _, err := m.keys.Primary(); errors.Is(err, model.ErrUnknownKey) {
		if _, err := m.GenerateIdentity(ctx); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	if err := m.RefreshPreKeys(ctx); err != nil {
		log.Warn("prekey refresh failed", zap.String("address", m.Address()), zap.Error(err))
	}

	log.Info("device connected", zap.String("address", m.Address()))
	return m, nil
}

func (m *Messenger) Address() string {
	return transport.Address(m.userID, m.deviceID)
}

func (m *Messenger) UserID() string {
	return m.userID
}

// Bundle is the public bundle of the device's current identity.
func (m *Messenger) Bundle() (*model.KeyBundle, error) {
	id, err := m.keys.Primary()
	if err != nil {
		return nil, err
	}
	return m.keys.PublicBundle(id.KeyID)
}

// GenerateIdentity creates a new identity for this device, makes it the
// primary one and publishes its bundle.
func (m *Messenger) GenerateIdentity(ctx context.Context) (*model.KeyBundle, error) {
	b, err := m.keys.GenerateIdentity(m.deviceID)
	if err != nil {
		return nil, err
	}
	if err := m.keys.MarkPrimary(m.deviceID); err != nil {
		return nil, err
	}
	if m.dir != nil {
		if err := m.dir.PublishBundle(ctx, b); err != nil {
			return nil, fmt.Errorf("publish bundle: %w", err)
		}
	}
	if err := m.keys.Save(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// RefreshPreKeys keeps the current identity reachable: the signed prekey
// is rotated before it expires and the one-time prekeys left in the
// directory are topped up once fewer than half remain.
func (m *Messenger) RefreshPreKeys(ctx context.Context) error {
	if m.dir == nil {
		return nil
	}
	id, err := m.keys.Primary()
	if err != nil {
		return err
	}

	changed, err := m.keys.RefreshSignedPreKey(id.KeyID)
	if err != nil {
		return err
	}

	left, err := m.dir.PreKeyCount(ctx, id.KeyID)
	switch {
	case errors.Is(err, model.ErrUnknownKey):
		// the directory lost the bundle, publish it again in full
		left, changed = 0, true
	case err != nil:
		return fmt.Errorf("count prekeys: %w", err)
	}
	if target := m.keys.OneTimePreKeyTarget(); left < (target+1)/2 {
		if _, err := m.keys.AddOneTimePreKeys(id.KeyID, target-left); err != nil {
			return err
		}
		log.Info("one-time prekeys topped up", zap.Stringer("key_id", id.KeyID), zap.Int("added", target-left))
		changed = true
	}
	if !changed {
		return nil
	}

	if err := m.keys.Save(ctx); err != nil {
		return err
	}
	b, err := m.keys.PublicBundle(id.KeyID)
	if err != nil {
		return err
	}
	if err := m.dir.PublishBundle(ctx, b); err != nil {
		return fmt.Errorf("publish bundle: %w", err)
	}
	return nil
}

// RevokeKey revokes one of our identities (announcing it to the directory)
// or a peer key. Sessions bound to the key are dropped.
func (m *Messenger) RevokeKey(ctx context.Context, keyID uuid.UUID) error {
	if id, err := m.keys.Identity(keyID); err == nil && m.dir != nil {
		if err := m.dir.RevokeKey(ctx, keyID, directory.SignRevocation(keyID, id.SignPriv)); err != nil {
			return fmt.Errorf("announce revocation: %w", err)
		}
	}
	if err := m.keys.Revoke(keyID); err != nil {
		return err
	}

	m.mu.Lock()
	for addr, c := range m.convs {
		if c.peer.KeyID == keyID || c.localKeyID == keyID {
			m.dropLocked(ctx, addr)
		}
	}
	m.mu.Unlock()

	return m.keys.Save(ctx)
}

// verificationKey resolves the signing key of a sender, asking the
// directory for keys we have not seen yet. Unknown and revoked keys both
// fail as model.ErrInvalidSignature.
func (m *Messenger) verificationKey(ctx context.Context, keyID uuid.UUID) (*model.RemoteKey, error) {
	vk, err := m.keys.VerificationKey(keyID)
	if !errors.Is(err, model.ErrUnknownKey) || m.dir == nil {
		return vk, err
	}

	b, err := m.dir.FetchKey(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrInvalidSignature, err)
	}
	if b.KeyID != keyID {
		return nil, fmt.Errorf("directory answered %s for %s: %w", b.KeyID, keyID, model.ErrUntrustedKeyBundle)
	}
	if _, err := m.keys.Trust(b); err != nil {
		return nil, err
	}
	if err := m.keys.Save(ctx); err != nil {
		return nil, err
	}
	return m.keys.VerificationKey(keyID)
}

// Receive handles one frame from the transport.
func (m *Messenger) Receive(ctx context.Context, f model.Frame) (*model.DecryptedMessage, error) {
	var p model.Packet
	if err := json.Unmarshal(f.Data, &p); err != nil {
		return nil, fmt.Errorf("%w: packet: %v", model.ErrMalformedEnvelope, err)
	}

	switch p.Kind {
	case model.PacketDirect:
		env, err := envelope.Unmarshal(p.Envelope)
		if err != nil {
			return nil, err
		}
		return m.DecryptMessage(ctx, env)
	case model.PacketGroup:
		env, err := envelope.UnmarshalGroup(p.Envelope)
		if err != nil {
			return nil, err
		}
		return m.DecryptGroupMessage(ctx, env)
	default:
		return nil, fmt.Errorf("%w: packet kind %q", model.ErrMalformedEnvelope, p.Kind)
	}
}

// Listen decrypts incoming frames until ctx is done or the transport
// closes. Frames that fail are logged and dropped.
func (m *Messenger) Listen(ctx context.Context, handle Handler) error {
	if m.tr == nil {
		return fmt.Errorf("no transport configured")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-m.tr.Frames():
			if !ok {
				return transport.ErrClosed
			}
			msg, err := m.Receive(ctx, f)
			if err != nil {
				log.Warn("incoming message dropped", zap.String("from", f.From), zap.Error(err))
				continue
			}
			if handle != nil {
				handle(ctx, msg)
			}
		}
	}
}

func (m *Messenger) send(ctx context.Context, to string, kind model.PacketKind, env []byte) error {
	if m.tr == nil {
		return fmt.Errorf("no transport configured")
	}
	data, err := json.Marshal(&model.Packet{Kind: kind, Envelope: env})
	if err != nil {
		return err
	}
	return m.tr.Send(ctx, model.Frame{To: to, Data: data})
}

func (m *Messenger) Close() error {
	if m.tr == nil {
		return nil
	}
	return m.tr.Close()
}
