package messenger

import (
	"bytes"
	"context"
	"testing"
	"time"

	"securemsg/internal/model"
	"securemsg/internal/repository/store"
	"securemsg/internal/service/directory"
	"securemsg/internal/service/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type network struct {
	hub *transport.Hub
	dir *directory.Memory
}

func newNetwork() *network {
	return &network{hub: transport.NewHub(), dir: directory.NewMemory()}
}

func (n *network) device(t *testing.T, user, device string, st store.Storage) *Messenger {
	t.Helper()
	return n.deviceAt(t, user, device, st, nil)
}

func (n *network) deviceAt(t *testing.T, user, device string, st store.Storage, now func() time.Time) *Messenger {
	t.Helper()
	if st == nil {
		st = store.NewMemory()
	}
	m, err := Connect(context.Background(), user, device, Options{
		Directory:      n.dir,
		Transport:      n.hub.Connect(transport.Address(user, device)),
		Storage:        st,
		OneTimePreKeys: 5,
		Now:            now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

// pump decrypts every frame currently waiting for m.
func pump(t *testing.T, m *Messenger) []*model.DecryptedMessage {
	t.Helper()
	var out []*model.DecryptedMessage
	for {
		select {
		case f := <-m.tr.Frames():
			msg, err := m.Receive(context.Background(), f)
			require.NoError(t, err)
			out = append(out, msg)
		default:
			return out
		}
	}
}

func texts(msgs []*model.DecryptedMessage) []string {
	var out []string
	for _, m := range msgs {
		if m.Kind == model.PayloadText {
			out = append(out, string(m.Plaintext))
		}
	}
	return out
}

func TestHelloHi(t *testing.T) {
	ctx := context.Background()
	n := newNetwork()
	alice := n.device(t, "alice", "laptop", nil)
	bob := n.device(t, "bob", "phone", nil)

	hello, _, err := alice.EncryptMessage(ctx, bob.Address(), []byte("hello"), nil)
	require.NoError(t, err)
	require.NotNil(t, hello.Handshake, "first message carries the handshake")

	got, err := bob.DecryptMessage(ctx, hello)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got.Plaintext))
	assert.Equal(t, "alice", got.SenderUserID)
	assert.Equal(t, "laptop", got.SenderDeviceID)
	assert.Equal(t, alice.Address(), got.ConversationID)
	assert.True(t, got.Verified)

	hi, _, err := bob.EncryptMessage(ctx, alice.Address(), []byte("hi"), nil)
	require.NoError(t, err)
	assert.Nil(t, hi.Handshake)
	assert.NotEqual(t, hello.RatchetHeader.DHPublicKey, hi.RatchetHeader.DHPublicKey)
	assert.NotEqual(t, hello.Nonce, hi.Nonce)

	got, err = alice.DecryptMessage(ctx, hi)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(got.Plaintext))
	assert.Equal(t, "bob", got.SenderUserID)

	again, _, err := alice.EncryptMessage(ctx, bob.Address(), []byte("again"), nil)
	require.NoError(t, err)
	assert.Nil(t, again.Handshake, "handshake stops once the peer replied")
	got, err = bob.DecryptMessage(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, "again", string(got.Plaintext))
}

func TestSendOverTransport(t *testing.T) {
	ctx := context.Background()
	n := newNetwork()
	alice := n.device(t, "alice", "laptop", nil)
	bob := n.device(t, "bob", "phone", nil)

	_, err := alice.Send(ctx, bob.Address(), []byte("hello"), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, texts(pump(t, bob)))

	_, err = bob.Send(ctx, alice.Address(), []byte("hi"), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"hi"}, texts(pump(t, alice)))
}

func TestOutOfOrderAndReplay(t *testing.T) {
	ctx := context.Background()
	n := newNetwork()
	alice := n.device(t, "alice", "laptop", nil)
	bob := n.device(t, "bob", "phone", nil)

	envs := make([]*model.MessageEnvelope, 5)
	for i := range envs {
		env, _, err := alice.EncryptMessage(ctx, bob.Address(), []byte{byte('1' + i)}, nil)
		require.NoError(t, err)
		envs[i] = env
	}

	for _, i := range []int{3, 1, 5, 2, 4} {
		got, err := bob.DecryptMessage(ctx, envs[i-1])
		require.NoError(t, err, "message %d", i)
		assert.Equal(t, []byte{byte('0' + i)}, got.Plaintext)
	}

	_, err := bob.DecryptMessage(ctx, envs[2])
	require.ErrorIs(t, err, model.ErrReplayOrExpiredKey)
}

func TestTamperedEnvelopeLeavesSessionUntouched(t *testing.T) {
	ctx := context.Background()
	n := newNetwork()
	alice := n.device(t, "alice", "laptop", nil)
	bob := n.device(t, "bob", "phone", nil)

	env, _, err := alice.EncryptMessage(ctx, bob.Address(), []byte("hello"), nil)
	require.NoError(t, err)

	forged := *env
	forged.Signature = bytes.Clone(env.Signature)
	forged.Signature[10] ^= 1
	_, err = bob.DecryptMessage(ctx, &forged)
	require.ErrorIs(t, err, model.ErrInvalidSignature)

	forged = *env
	forged.Ciphertext = bytes.Clone(env.Ciphertext)
	forged.Ciphertext[0] ^= 1
	_, err = bob.DecryptMessage(ctx, &forged)
	require.ErrorIs(t, err, model.ErrInvalidSignature)

	got, err := bob.DecryptMessage(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got.Plaintext))
}

func TestMalformedFrames(t *testing.T) {
	ctx := context.Background()
	n := newNetwork()
	bob := n.device(t, "bob", "phone", nil)

	for name, data := range map[string]string{
		"not json":      "{",
		"unknown kind":  `{"kind":"spam","envelope":{}}`,
		"empty direct":  `{"kind":"direct","envelope":{}}`,
		"bad group":     `{"kind":"group","envelope":{"conversation_id":1}}`,
		"short nonce":   `{"kind":"direct","envelope":{"nonce":"AAAA"}}`,
		"null envelope": `{"kind":"direct","envelope":null}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := bob.Receive(ctx, model.Frame{From: "x/y", Data: []byte(data)})
			require.ErrorIs(t, err, model.ErrMalformedEnvelope)
		})
	}
}

func TestStrippedHandshakeFailsVerification(t *testing.T) {
	ctx := context.Background()
	n := newNetwork()
	alice := n.device(t, "alice", "laptop", nil)
	bob := n.device(t, "bob", "phone", nil)

	env, _, err := alice.EncryptMessage(ctx, bob.Address(), []byte("hello"), nil)
	require.NoError(t, err)

	env.Handshake = nil
	_, err = bob.DecryptMessage(ctx, env)
	require.ErrorIs(t, err, model.ErrInvalidSignature, "the handshake is signed")
}

func TestAttachments(t *testing.T) {
	ctx := context.Background()
	n := newNetwork()
	alice := n.device(t, "alice", "laptop", nil)
	bob := n.device(t, "bob", "phone", nil)

	photo := bytes.Repeat([]byte{0xAB}, 64*1024)
	env, blobs, err := alice.EncryptMessage(ctx, bob.Address(), []byte("look"), []model.File{{
		Data: photo,
		Meta: model.AttachmentMeta{Filename: "cat.jpg", MIMEType: "image/jpeg", Width: 640, Height: 480},
	}})
	require.NoError(t, err)
	require.Len(t, blobs, 1)
	assert.NotContains(t, string(blobs[0].Ciphertext), string(photo[:32]))

	got, err := bob.DecryptMessage(ctx, env)
	require.NoError(t, err)
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "cat.jpg", got.Attachments[0].Meta.Filename)
	assert.Equal(t, blobs[0].ID, got.Attachments[0].Bundle.ID)

	data, err := OpenAttachment(blobs[0].Ciphertext, got.Attachments[0])
	require.NoError(t, err)
	assert.Equal(t, photo, data)

	tampered := bytes.Clone(blobs[0].Ciphertext)
	tampered[100] ^= 1
	_, err = OpenAttachment(tampered, got.Attachments[0])
	require.ErrorIs(t, err, model.ErrIntegrityCheckFailed)
}

func TestGroupRemovedMemberCannotRead(t *testing.T) {
	ctx := context.Background()
	n := newNetwork()
	alice := n.device(t, "alice", "laptop", nil)
	bob := n.device(t, "bob", "phone", nil)
	carol := n.device(t, "carol", "tablet", nil)

	gk, err := alice.CreateGroup(ctx, "team", []string{"bob", "carol"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, gk.KeyVersion)
	pump(t, bob)
	pump(t, carol)

	require.NoError(t, alice.SendGroup(ctx, "team", []byte("welcome")))
	assert.Equal(t, []string{"welcome"}, texts(pump(t, bob)))
	assert.Equal(t, []string{"welcome"}, texts(pump(t, carol)))

	gk, err = alice.RemoveMember(ctx, "team", "carol")
	require.NoError(t, err)
	assert.EqualValues(t, 2, gk.KeyVersion)
	pump(t, bob)
	assert.Empty(t, pump(t, carol), "removed member gets no new key")

	env, err := alice.EncryptGroupMessage(ctx, "team", []byte("secret"))
	require.NoError(t, err)
	assert.EqualValues(t, 2, env.KeyVersion)

	got, err := bob.DecryptGroupMessage(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, "secret", string(got.Plaintext))
	assert.Equal(t, "team", got.ConversationID)

	_, err = carol.DecryptGroupMessage(ctx, env)
	require.ErrorIs(t, err, model.ErrUnknownGroupKeyVersion)

	members, err := bob.GroupMembers("team")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, members)

	// carol still holds v1 and signs with a valid key
	spoof, err := carol.EncryptGroupMessage(ctx, "team", []byte("still in?"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, spoof.KeyVersion)
	_, err = bob.DecryptGroupMessage(ctx, spoof)
	require.ErrorIs(t, err, model.ErrNotGroupMember)
}

func TestGroupLateJoinerCannotReadHistory(t *testing.T) {
	ctx := context.Background()
	n := newNetwork()
	alice := n.device(t, "alice", "laptop", nil)
	bob := n.device(t, "bob", "phone", nil)
	carol := n.device(t, "carol", "tablet", nil)

	_, err := alice.CreateGroup(ctx, "team", []string{"bob"})
	require.NoError(t, err)
	_, err = alice.RotateGroupKey(ctx, "team")
	require.NoError(t, err)

	old, err := alice.EncryptGroupMessage(ctx, "team", []byte("before carol"))
	require.NoError(t, err)
	assert.EqualValues(t, 2, old.KeyVersion)

	gk, err := alice.RotateGroupKey(ctx, "team")
	require.NoError(t, err)
	assert.EqualValues(t, 3, gk.KeyVersion)
	require.NoError(t, alice.AddMember(ctx, "team", "carol"))
	pump(t, bob)
	pump(t, carol)

	_, err = carol.DecryptGroupMessage(ctx, old)
	require.ErrorIs(t, err, model.ErrUnknownGroupKeyVersion)

	got, err := bob.DecryptGroupMessage(ctx, old)
	require.NoError(t, err)
	assert.Equal(t, "before carol", string(got.Plaintext))

	now, err := alice.EncryptGroupMessage(ctx, "team", []byte("hi carol"))
	require.NoError(t, err)
	got, err = carol.DecryptGroupMessage(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, "hi carol", string(got.Plaintext))

	reply, err := carol.EncryptGroupMessage(ctx, "team", []byte("hi bob"))
	require.NoError(t, err)
	got, err = bob.DecryptGroupMessage(ctx, reply)
	require.NoError(t, err)
	assert.Equal(t, "carol", got.SenderUserID)
}

func TestOnlyAdminsManageGroups(t *testing.T) {
	ctx := context.Background()
	n := newNetwork()
	alice := n.device(t, "alice", "laptop", nil)
	bob := n.device(t, "bob", "phone", nil)
	n.device(t, "carol", "tablet", nil)

	_, err := alice.CreateGroup(ctx, "team", []string{"bob"})
	require.NoError(t, err)
	pump(t, bob)

	require.ErrorIs(t, bob.AddMember(ctx, "team", "carol"), model.ErrNotGroupAdmin)
	_, err = bob.RotateGroupKey(ctx, "team")
	require.ErrorIs(t, err, model.ErrNotGroupAdmin)
	_, err = bob.RemoveMember(ctx, "team", "alice")
	require.ErrorIs(t, err, model.ErrNotGroupAdmin)
}

func TestRevokedPeerKey(t *testing.T) {
	ctx := context.Background()
	n := newNetwork()
	alice := n.device(t, "alice", "laptop", nil)
	bob := n.device(t, "bob", "phone", nil)

	hello, _, err := alice.EncryptMessage(ctx, bob.Address(), []byte("hello"), nil)
	require.NoError(t, err)
	_, err = bob.DecryptMessage(ctx, hello)
	require.NoError(t, err)

	bobKey, err := bob.Bundle()
	require.NoError(t, err)

	late, _, err := bob.EncryptMessage(ctx, alice.Address(), []byte("late"), nil)
	require.NoError(t, err)

	require.NoError(t, alice.RevokeKey(ctx, bobKey.KeyID))
	_, err = alice.DecryptMessage(ctx, late)
	require.ErrorIs(t, err, model.ErrInvalidSignature)
}

func TestRevokeOwnKey(t *testing.T) {
	ctx := context.Background()
	n := newNetwork()
	bob := n.device(t, "bob", "phone", nil)
	carol := n.device(t, "carol", "tablet", nil)

	env, _, err := bob.EncryptMessage(ctx, carol.Address(), []byte("hello"), nil)
	require.NoError(t, err)

	old, err := bob.Bundle()
	require.NoError(t, err)
	require.NoError(t, bob.RevokeKey(ctx, old.KeyID))

	published, err := n.dir.FetchKey(ctx, old.KeyID)
	require.NoError(t, err)
	assert.True(t, published.Revoked)

	_, err = carol.DecryptMessage(ctx, env)
	require.ErrorIs(t, err, model.ErrInvalidSignature)

	_, _, err = bob.EncryptMessage(ctx, carol.Address(), []byte("again"), nil)
	require.Error(t, err)

	fresh, err := bob.GenerateIdentity(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, old.KeyID, fresh.KeyID)
	assert.EqualValues(t, 2, fresh.Version)

	env, _, err = bob.EncryptMessage(ctx, carol.Address(), []byte("new key"), nil)
	require.NoError(t, err)
	got, err := carol.DecryptMessage(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, "new key", string(got.Plaintext))
	assert.Equal(t, fresh.KeyID, got.SenderKeyID)
}

func TestSessionSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	n := newNetwork()
	alice := n.device(t, "alice", "laptop", nil)
	st := store.NewMemory()
	bob := n.device(t, "bob", "phone", st)

	_, err := alice.Send(ctx, bob.Address(), []byte("one"), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"one"}, texts(pump(t, bob)))
	before, err := bob.Bundle()
	require.NoError(t, err)
	require.NoError(t, bob.Close())

	_, err = alice.Send(ctx, "bob/phone", []byte("two"), nil)
	require.NoError(t, err)

	bob = n.device(t, "bob", "phone", st)
	after, err := bob.Bundle()
	require.NoError(t, err)
	assert.Equal(t, before.KeyID, after.KeyID)
	assert.Equal(t, []string{"two"}, texts(pump(t, bob)))

	_, err = bob.Send(ctx, alice.Address(), []byte("three"), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"three"}, texts(pump(t, alice)))
}

func TestCorruptSessionIsDiscarded(t *testing.T) {
	ctx := context.Background()
	n := newNetwork()
	alice := n.device(t, "alice", "laptop", nil)
	st := store.NewMemory()
	bob := n.device(t, "bob", "phone", st)

	_, err := alice.Send(ctx, bob.Address(), []byte("one"), nil)
	require.NoError(t, err)
	pump(t, bob)
	_, err = bob.Send(ctx, alice.Address(), []byte("ack"), nil)
	require.NoError(t, err)
	pump(t, alice)
	require.NoError(t, bob.Close())

	key := "session/bob/alice/laptop"
	require.NoError(t, st.Put(ctx, key, []byte{0xff, 0x00, 0x13}))

	bob = n.device(t, "bob", "phone", st)
	archived, err := st.Get(ctx, "corrupt/"+key)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0x00, 0x13}, archived)

	env, _, err := alice.EncryptMessage(ctx, bob.Address(), []byte("lost"), nil)
	require.NoError(t, err)
	_, err = bob.DecryptMessage(ctx, env)
	require.ErrorIs(t, err, model.ErrNoSession)
}

func TestHandshakeReplayAfterSessionLoss(t *testing.T) {
	ctx := context.Background()
	n := newNetwork()
	alice := n.device(t, "alice", "laptop", nil)
	st := store.NewMemory()
	bob := n.device(t, "bob", "phone", st)

	// use up bob's one-time prekeys so only the signed prekey protects the handshake
	for i := 0; i < 5; i++ {
		_, err := n.dir.FetchBundles(ctx, "bob")
		require.NoError(t, err)
	}

	hello, _, err := alice.EncryptMessage(ctx, bob.Address(), []byte("pay 10"), nil)
	require.NoError(t, err)
	require.NotNil(t, hello.Handshake)
	require.Nil(t, hello.Handshake.OneTimePreKeyID)

	got, err := bob.DecryptMessage(ctx, hello)
	require.NoError(t, err)
	assert.Equal(t, "pay 10", string(got.Plaintext))
	require.NoError(t, bob.Close())

	require.NoError(t, st.Put(ctx, "session/bob/alice/laptop", []byte{0xff}))
	bob = n.device(t, "bob", "phone", st)

	_, err = bob.DecryptMessage(ctx, hello)
	require.ErrorIs(t, err, model.ErrReplayOrExpiredKey)

	// a new handshake from alice is still accepted
	require.NoError(t, alice.RevokeKey(ctx, mustBundle(t, alice).KeyID))
	fresh, err := alice.GenerateIdentity(ctx)
	require.NoError(t, err)
	env, _, err := alice.EncryptMessage(ctx, bob.Address(), []byte("hello again"), nil)
	require.NoError(t, err)
	require.NotNil(t, env.Handshake)
	got, err = bob.DecryptMessage(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, "hello again", string(got.Plaintext))
	assert.Equal(t, fresh.KeyID, got.SenderKeyID)
}

func mustBundle(t *testing.T, m *Messenger) *model.KeyBundle {
	t.Helper()
	b, err := m.Bundle()
	require.NoError(t, err)
	return b
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func TestPreKeysRefreshedOnConnect(t *testing.T) {
	ctx := context.Background()
	n := newNetwork()
	c := &clock{now: time.Now()}
	st := store.NewMemory()

	bob := n.deviceAt(t, "bob", "phone", st, c.Now)
	before := mustBundle(t, bob)
	for i := 0; i < 4; i++ {
		_, err := n.dir.FetchBundles(ctx, "bob")
		require.NoError(t, err)
	}
	require.NoError(t, bob.Close())

	// a month offline: the published signed prekey has expired
	c.now = c.now.Add(31 * 24 * time.Hour)
	bob = n.deviceAt(t, "bob", "phone", st, c.Now)

	after := mustBundle(t, bob)
	assert.Equal(t, before.KeyID, after.KeyID)
	assert.NotEqual(t, before.SignedPreKey.ID, after.SignedPreKey.ID)
	assert.True(t, after.SignedPreKey.ExpiresAt.After(c.now))

	left, err := n.dir.PreKeyCount(ctx, after.KeyID)
	require.NoError(t, err)
	assert.Equal(t, 5, left)

	alice := n.deviceAt(t, "alice", "laptop", nil, c.Now)
	env, _, err := alice.EncryptMessage(ctx, bob.Address(), []byte("still there?"), nil)
	require.NoError(t, err)
	require.NotNil(t, env.Handshake)
	assert.Equal(t, after.SignedPreKey.ID, env.Handshake.SignedPreKeyID)
	require.NotNil(t, env.Handshake.OneTimePreKeyID)

	got, err := bob.DecryptMessage(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, "still there?", string(got.Plaintext))

	// nothing to do right after a refresh
	require.NoError(t, bob.RefreshPreKeys(ctx))
	assert.Equal(t, after.SignedPreKey.ID, mustBundle(t, bob).SignedPreKey.ID)
}
