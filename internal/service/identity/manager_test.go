package identity

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"securemsg/internal/model"
	"securemsg/internal/protocol/x3dh"
	"securemsg/internal/repository/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newManager(t *testing.T, user string) (*Manager, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewManager(user, Options{
		OneTimePreKeys:  3,
		SignedPreKeyTTL: 24 * time.Hour,
		Now:             c.Now,
		Storage:         store.NewMemory(),
	})
	return m, c
}

func TestGenerateIdentity(t *testing.T) {
	m, c := newManager(t, "alice")

	b, err := m.GenerateIdentity("laptop")
	require.NoError(t, err)
	assert.Equal(t, "alice", b.UserID)
	assert.Equal(t, "laptop", b.DeviceID)
	assert.EqualValues(t, 1, b.Version)
	assert.Len(t, b.OneTimePreKeys, 3)
	require.NoError(t, x3dh.VerifyBundle(b, c.now))

	primary, err := m.Primary()
	require.NoError(t, err)
	assert.Equal(t, b.KeyID, primary.KeyID)

	b2, err := m.GenerateIdentity("laptop")
	require.NoError(t, err)
	assert.EqualValues(t, 2, b2.Version)
	assert.NotEqual(t, b.KeyID, b2.KeyID)

	// a second identity does not steal primary until asked
	primary, err = m.Primary()
	require.NoError(t, err)
	assert.Equal(t, b.KeyID, primary.KeyID)

	require.NoError(t, m.MarkPrimary("laptop"))
	primary, err = m.Primary()
	require.NoError(t, err)
	assert.Equal(t, b2.KeyID, primary.KeyID)

	require.ErrorIs(t, m.MarkPrimary("phone"), model.ErrUnknownKey)
}

func TestRevokeLocalIdentity(t *testing.T) {
	m, _ := newManager(t, "alice")
	b, err := m.GenerateIdentity("laptop")
	require.NoError(t, err)

	require.NoError(t, m.Revoke(b.KeyID))

	_, err = m.VerificationKey(b.KeyID)
	require.ErrorIs(t, err, model.ErrInvalidSignature)

	_, err = m.Primary()
	require.ErrorIs(t, err, model.ErrUnknownKey)

	id, err := m.Identity(b.KeyID)
	require.NoError(t, err)
	assert.True(t, id.Revoked)
	assert.False(t, id.RevokedAt.IsZero())

	pub, err := m.PublicBundle(b.KeyID)
	require.NoError(t, err)
	assert.True(t, pub.Revoked)

	require.ErrorIs(t, m.Revoke(uuid.New()), model.ErrUnknownKey)
}

func TestTrust(t *testing.T) {
	alice, _ := newManager(t, "alice")
	bob, _ := newManager(t, "bob")

	bundle, err := bob.GenerateIdentity("phone")
	require.NoError(t, err)

	rk, err := alice.Trust(bundle)
	require.NoError(t, err)
	assert.Equal(t, "bob", rk.UserID)

	vk, err := alice.VerificationKey(bundle.KeyID)
	require.NoError(t, err)
	assert.Equal(t, []byte(bundle.SigningKey), []byte(vk.SigningKey))

	t.Run("bad signature", func(t *testing.T) {
		forged := *bundle
		forged.SignedPreKey.Signature = make([]byte, 64)
		forged.KeyID = uuid.New()
		_, err := alice.Trust(&forged)
		require.ErrorIs(t, err, model.ErrUntrustedKeyBundle)
	})

	t.Run("key substitution", func(t *testing.T) {
		other, err := bob.GenerateIdentity("tablet")
		require.NoError(t, err)
		other.KeyID = bundle.KeyID
		_, err = alice.Trust(other)
		require.ErrorIs(t, err, model.ErrUntrustedKeyBundle)
	})

	t.Run("revocation is sticky", func(t *testing.T) {
		require.NoError(t, alice.Revoke(bundle.KeyID))
		_, err := alice.Trust(bundle)
		require.NoError(t, err)
		_, err = alice.VerificationKey(bundle.KeyID)
		require.ErrorIs(t, err, model.ErrInvalidSignature)
	})

	_, err = alice.VerificationKey(uuid.New())
	require.ErrorIs(t, err, model.ErrUnknownKey)
}

func TestResponderKeys(t *testing.T) {
	alice, c := newManager(t, "alice")
	bob, _ := newManager(t, "bob")

	aliceBundle, err := alice.GenerateIdentity("laptop")
	require.NoError(t, err)
	bobBundle, err := bob.GenerateIdentity("phone")
	require.NoError(t, err)

	aliceID, err := alice.Identity(aliceBundle.KeyID)
	require.NoError(t, err)

	initiation, err := x3dh.InitiateWithBundle(rand.Reader, aliceID.DHPriv, bobBundle, c.now)
	require.NoError(t, err)
	require.NotNil(t, initiation.Handshake.OneTimePreKeyID)

	keys, err := bob.ResponderKeys(&initiation.Handshake, aliceID.DHPub)
	require.NoError(t, err)
	res, err := x3dh.Respond(keys)
	require.NoError(t, err)
	assert.Equal(t, initiation.RootKey, res.RootKey)
	assert.Equal(t, initiation.ChainKey, res.ChainKey)

	bob.ConsumeOneTimePreKey(bobBundle.KeyID, *initiation.Handshake.OneTimePreKeyID)
	_, err = bob.ResponderKeys(&initiation.Handshake, aliceID.DHPub)
	require.ErrorIs(t, err, model.ErrKeyAgreementFailed)

	pub, err := bob.PublicBundle(bobBundle.KeyID)
	require.NoError(t, err)
	assert.Len(t, pub.OneTimePreKeys, 2)

	t.Run("expired signed prekey", func(t *testing.T) {
		hs := initiation.Handshake
		hs.OneTimePreKeyID = nil
		bob.opts.Now = func() time.Time { return c.now.Add(48 * time.Hour) }
		defer func() { bob.opts.Now = c.Now }()

		_, err := bob.ResponderKeys(&hs, aliceID.DHPub)
		require.ErrorIs(t, err, model.ErrKeyAgreementFailed)
	})

	t.Run("signed prekey survives one rotation", func(t *testing.T) {
		hs := initiation.Handshake
		hs.OneTimePreKeyID = nil

		_, err := bob.RotateSignedPreKey(bobBundle.KeyID)
		require.NoError(t, err)
		_, err = bob.ResponderKeys(&hs, aliceID.DHPub)
		require.NoError(t, err)

		_, err = bob.RotateSignedPreKey(bobBundle.KeyID)
		require.NoError(t, err)
		_, err = bob.ResponderKeys(&hs, aliceID.DHPub)
		require.ErrorIs(t, err, model.ErrKeyAgreementFailed)
	})
}

func TestSaveLoad(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, "alice")
	b, err := m.GenerateIdentity("laptop")
	require.NoError(t, err)

	peer, _ := newManager(t, "bob")
	pb, err := peer.GenerateIdentity("phone")
	require.NoError(t, err)
	_, err = m.Trust(pb)
	require.NoError(t, err)

	require.NoError(t, m.Save(ctx))

	restored := NewManager("alice", Options{Storage: m.opts.Storage, Now: m.opts.Now})
	require.NoError(t, restored.Load(ctx))

	got, err := restored.PublicBundle(b.KeyID)
	require.NoError(t, err)
	assert.Equal(t, b.IdentityKey, got.IdentityKey)
	assert.Equal(t, b.SignedPreKey.Signature, got.SignedPreKey.Signature)
	assert.True(t, b.SignedPreKey.ExpiresAt.Equal(got.SignedPreKey.ExpiresAt))
	assert.Len(t, got.OneTimePreKeys, len(b.OneTimePreKeys))
	require.NoError(t, x3dh.VerifyBundle(got, m.opts.Now()))

	orig, err := m.Identity(b.KeyID)
	require.NoError(t, err)
	id, err := restored.Identity(b.KeyID)
	require.NoError(t, err)
	assert.Equal(t, orig.SignPriv, id.SignPriv)
	assert.Equal(t, orig.DHPriv, id.DHPriv)

	_, err = restored.VerificationKey(pb.KeyID)
	require.NoError(t, err)
}

func TestLoadMissingIsEmpty(t *testing.T) {
	m, _ := newManager(t, "nobody")
	require.NoError(t, m.Load(context.Background()))
	_, err := m.Primary()
	require.ErrorIs(t, err, model.ErrUnknownKey)
}

func TestAcceptHandshakeOnce(t *testing.T) {
	ctx := context.Background()
	alice, c := newManager(t, "alice")
	bob, _ := newManager(t, "bob")

	aliceBundle, err := alice.GenerateIdentity("laptop")
	require.NoError(t, err)
	bobBundle, err := bob.GenerateIdentity("phone")
	require.NoError(t, err)
	aliceID, err := alice.Identity(aliceBundle.KeyID)
	require.NoError(t, err)

	noOPK := *bobBundle
	noOPK.OneTimePreKeys = nil
	initiation, err := x3dh.InitiateWithBundle(rand.Reader, aliceID.DHPriv, &noOPK, c.now)
	require.NoError(t, err)
	require.Nil(t, initiation.Handshake.OneTimePreKeyID)
	hs := &initiation.Handshake

	_, err = bob.ResponderKeys(hs, aliceID.DHPub)
	require.NoError(t, err)
	require.NoError(t, bob.AcceptHandshake(hs))

	_, err = bob.ResponderKeys(hs, aliceID.DHPub)
	require.ErrorIs(t, err, model.ErrReplayOrExpiredKey)
	require.ErrorIs(t, bob.AcceptHandshake(hs), model.ErrReplayOrExpiredKey)

	// the accepted set survives a restart
	require.NoError(t, bob.Save(ctx))
	restored := NewManager("bob", Options{Storage: bob.opts.Storage, Now: bob.opts.Now})
	require.NoError(t, restored.Load(ctx))
	_, err = restored.ResponderKeys(hs, aliceID.DHPub)
	require.ErrorIs(t, err, model.ErrReplayOrExpiredKey)

	withOPK, err := x3dh.InitiateWithBundle(rand.Reader, aliceID.DHPriv, bobBundle, c.now)
	require.NoError(t, err)
	require.NotNil(t, withOPK.Handshake.OneTimePreKeyID)
	require.NoError(t, bob.AcceptHandshake(&withOPK.Handshake))
	pub, err := bob.PublicBundle(bobBundle.KeyID)
	require.NoError(t, err)
	assert.Len(t, pub.OneTimePreKeys, len(bobBundle.OneTimePreKeys)-1)
}

func TestRefreshSignedPreKey(t *testing.T) {
	m, c := newManager(t, "alice")
	b, err := m.GenerateIdentity("laptop")
	require.NoError(t, err)

	rotated, err := m.RefreshSignedPreKey(b.KeyID)
	require.NoError(t, err)
	assert.False(t, rotated)

	// TTL is a day, so six hours before expiry the prekey is due
	c.now = c.now.Add(18 * time.Hour)
	rotated, err = m.RefreshSignedPreKey(b.KeyID)
	require.NoError(t, err)
	assert.True(t, rotated)

	fresh, err := m.PublicBundle(b.KeyID)
	require.NoError(t, err)
	assert.NotEqual(t, b.SignedPreKey.ID, fresh.SignedPreKey.ID)
	assert.True(t, fresh.SignedPreKey.ExpiresAt.After(c.now.Add(23*time.Hour)))
	require.NoError(t, x3dh.VerifyBundle(fresh, c.now))

	rotated, err = m.RefreshSignedPreKey(b.KeyID)
	require.NoError(t, err)
	assert.False(t, rotated)

	_, err = m.RefreshSignedPreKey(uuid.New())
	require.ErrorIs(t, err, model.ErrUnknownKey)
}

func TestRevokePrimaryPromotesNextIdentity(t *testing.T) {
	m, c := newManager(t, "alice")
	first, err := m.GenerateIdentity("laptop")
	require.NoError(t, err)
	c.now = c.now.Add(time.Minute)
	second, err := m.GenerateIdentity("laptop")
	require.NoError(t, err)

	primary, err := m.Primary()
	require.NoError(t, err)
	assert.Equal(t, first.KeyID, primary.KeyID)

	require.NoError(t, m.Revoke(first.KeyID))
	primary, err = m.Primary()
	require.NoError(t, err)
	assert.Equal(t, second.KeyID, primary.KeyID)

	// revoking a non-primary identity leaves primary alone
	c.now = c.now.Add(time.Minute)
	third, err := m.GenerateIdentity("laptop")
	require.NoError(t, err)
	require.NoError(t, m.Revoke(third.KeyID))
	primary, err = m.Primary()
	require.NoError(t, err)
	assert.Equal(t, second.KeyID, primary.KeyID)

	require.NoError(t, m.Revoke(second.KeyID))
	_, err = m.Primary()
	require.ErrorIs(t, err, model.ErrUnknownKey)
}
