package envelope_test

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"testing"

	"securemsg/internal/cryptographic/encryption"
	"securemsg/internal/model"
	"securemsg/internal/protocol/envelope"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	mk   []byte
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mk, err := encryption.NewKey()
	require.NoError(t, err)
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return &fixture{mk: mk, pub: pub, priv: priv}
}

func (f *fixture) seal(t *testing.T, plaintext []byte, hs *model.Handshake) *model.MessageEnvelope {
	t.Helper()
	env := &model.MessageEnvelope{
		SenderKeyID: uuid.New(),
		RatchetHeader: model.Header{
			DHPublicKey:  bytes.Repeat([]byte{9}, 32),
			PrevChainLen: 3,
			MsgNumber:    17,
		},
		EncryptionVersion: model.EncryptionVersion,
		Handshake:         hs,
	}
	require.NoError(t, envelope.Seal(env, plaintext, f.mk))
	envelope.Sign(env, f.priv)
	return env
}

func roundTrip(t *testing.T, env *model.MessageEnvelope) *model.MessageEnvelope {
	t.Helper()
	data, err := envelope.Marshal(env)
	require.NoError(t, err)
	out, err := envelope.Unmarshal(data)
	require.NoError(t, err)
	return out
}

func TestRoundTripPayloads(t *testing.T) {
	f := newFixture(t)

	big := make([]byte, 1<<20+13)
	for i := range big {
		big[i] = byte(i * 31)
	}

	cases := map[string][]byte{
		"empty":   {},
		"1MB+":    big,
		"unicode": []byte("héllo 世界 🔐\x00\x01\x1b[31m\xff\xfe"),
	}
	for name, plain := range cases {
		t.Run(name, func(t *testing.T) {
			env := roundTrip(t, f.seal(t, plain, nil))
			got, err := envelope.Decrypt(env, f.mk, f.pub)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(plain, got))
		})
	}
}

func TestWireFieldNames(t *testing.T) {
	f := newFixture(t)
	id := uint32(4)
	env := f.seal(t, []byte("x"), &model.Handshake{
		RecipientKeyID:  uuid.New(),
		EphemeralKey:    bytes.Repeat([]byte{1}, 32),
		SignedPreKeyID:  2,
		OneTimePreKeyID: &id,
	})
	data, err := envelope.Marshal(env)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	for _, k := range []string{"ciphertext", "nonce", "signature", "sender_key_id", "ratchet_header", "encryption_version", "x3dh_handshake"} {
		assert.Contains(t, m, k)
	}
	hdr := m["ratchet_header"].(map[string]any)
	for _, k := range []string{"dh_public_key", "prev_chain_len", "msg_number"} {
		assert.Contains(t, hdr, k)
	}

	out, err := envelope.Unmarshal(data)
	require.NoError(t, err)
	require.NotNil(t, out.Handshake)
	assert.Equal(t, env.Handshake.RecipientKeyID, out.Handshake.RecipientKeyID)
	assert.Equal(t, id, *out.Handshake.OneTimePreKeyID)
}

func TestDistinctNoncesAndCiphertexts(t *testing.T) {
	f := newFixture(t)
	const n = 10000

	nonces := make(map[string]struct{}, n)
	cts := make(map[string]struct{}, n)
	plain := []byte("same plaintext every time")
	for i := 0; i < n; i++ {
		ct, nonce, err := envelope.Encrypt(plain, f.mk, nil)
		require.NoError(t, err)
		nonces[string(nonce)] = struct{}{}
		cts[string(ct)] = struct{}{}
	}
	assert.Len(t, nonces, n)
	assert.Len(t, cts, n)
}

func flipEachBit(b []byte, fn func()) {
	for i := range b {
		for bit := 0; bit < 8; bit++ {
			b[i] ^= 1 << bit
			fn()
			b[i] ^= 1 << bit
		}
	}
}

func TestAnyBitFlipRejected(t *testing.T) {
	f := newFixture(t)
	opk := uint32(5)
	env := f.seal(t, []byte("tamper me"), &model.Handshake{
		RecipientKeyID:  uuid.New(),
		EphemeralKey:    bytes.Repeat([]byte{2}, 32),
		SignedPreKeyID:  1,
		OneTimePreKeyID: &opk,
	})

	check := func() {
		_, err := envelope.Decrypt(env, f.mk, f.pub)
		if !errors.Is(err, model.ErrInvalidSignature) && !errors.Is(err, model.ErrAuthenticationFailed) {
			t.Fatalf("tampered envelope accepted: %v", err)
		}
	}

	flipEachBit(env.Ciphertext, check)
	flipEachBit(env.Nonce, check)
	flipEachBit(env.Signature, check)
	flipEachBit(env.RatchetHeader.DHPublicKey, check)
	flipEachBit(env.SenderKeyID[:], check)
	flipEachBit(env.Handshake.EphemeralKey, check)

	env.RatchetHeader.MsgNumber++
	check()
	env.RatchetHeader.MsgNumber--
	env.RatchetHeader.PrevChainLen++
	check()
	env.RatchetHeader.PrevChainLen--
	env.Handshake.SignedPreKeyID++
	check()
	env.Handshake.SignedPreKeyID--
	env.Handshake.OneTimePreKeyID = nil
	check()
	env.Handshake.OneTimePreKeyID = &opk

	_, err := envelope.Decrypt(env, f.mk, f.pub)
	require.NoError(t, err)
}

func TestSignatureCheckedBeforeDecryption(t *testing.T) {
	f := newFixture(t)
	other := newFixture(t)
	env := f.seal(t, []byte("secret"), nil)

	// A wrong message key as well: only the signature error may surface.
	_, err := envelope.Decrypt(env, other.mk, other.pub)
	require.ErrorIs(t, err, model.ErrInvalidSignature)

	truncated := *env
	truncated.Signature = env.Signature[:40]
	_, err = envelope.Decrypt(&truncated, f.mk, f.pub)
	require.ErrorIs(t, err, model.ErrInvalidSignature)

	_, err = envelope.Decrypt(env, other.mk, f.pub)
	require.ErrorIs(t, err, model.ErrAuthenticationFailed)
}

func TestUnmarshalRejectsMalformed(t *testing.T) {
	f := newFixture(t)
	data, err := envelope.Marshal(f.seal(t, []byte("ok"), nil))
	require.NoError(t, err)

	mutate := func(fn func(m map[string]any)) []byte {
		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))
		fn(m)
		out, err := json.Marshal(m)
		require.NoError(t, err)
		return out
	}
	header := func(m map[string]any) map[string]any { return m["ratchet_header"].(map[string]any) }

	cases := map[string][]byte{
		"not json":           []byte("{"),
		"empty object":       []byte("{}"),
		"no ciphertext":      mutate(func(m map[string]any) { delete(m, "ciphertext") }),
		"no nonce":           mutate(func(m map[string]any) { delete(m, "nonce") }),
		"no signature":       mutate(func(m map[string]any) { delete(m, "signature") }),
		"no sender":          mutate(func(m map[string]any) { delete(m, "sender_key_id") }),
		"no header":          mutate(func(m map[string]any) { delete(m, "ratchet_header") }),
		"no version":         mutate(func(m map[string]any) { delete(m, "encryption_version") }),
		"no dh key":          mutate(func(m map[string]any) { delete(header(m), "dh_public_key") }),
		"no prev":            mutate(func(m map[string]any) { delete(header(m), "prev_chain_len") }),
		"no msg number":      mutate(func(m map[string]any) { delete(header(m), "msg_number") }),
		"short nonce":        mutate(func(m map[string]any) { m["nonce"] = "AAAA" }),
		"short signature":    mutate(func(m map[string]any) { m["signature"] = "AAAA" }),
		"bad base64":         mutate(func(m map[string]any) { m["ciphertext"] = "!!!" }),
		"bad uuid":           mutate(func(m map[string]any) { m["sender_key_id"] = "nope" }),
		"future version":     mutate(func(m map[string]any) { m["encryption_version"] = 2 }),
		"negative counter":   mutate(func(m map[string]any) { header(m)["msg_number"] = -1 }),
		"overflow counter":   mutate(func(m map[string]any) { header(m)["msg_number"] = 1 << 33 }),
		"short dh key":       mutate(func(m map[string]any) { header(m)["dh_public_key"] = "AAAA" }),
		"null ciphertext":    mutate(func(m map[string]any) { m["ciphertext"] = nil }),
		"handshake no key":   mutate(func(m map[string]any) { m["x3dh_handshake"] = map[string]any{"signed_prekey_id": 1} }),
		"truncated ct below": mutate(func(m map[string]any) { m["ciphertext"] = "AAAA" }),
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := envelope.Unmarshal(in)
			require.ErrorIs(t, err, model.ErrMalformedEnvelope)
		})
	}
}

func TestGroupEnvelope(t *testing.T) {
	f := newFixture(t)
	env := &model.GroupEnvelope{
		ConversationID:    "team",
		KeyVersion:        3,
		SenderKeyID:       uuid.New(),
		EncryptionVersion: model.EncryptionVersion,
	}
	require.NoError(t, envelope.SealGroup(env, []byte("to the group"), f.mk))
	envelope.SignGroup(env, f.priv)

	data, err := envelope.MarshalGroup(env)
	require.NoError(t, err)
	out, err := envelope.UnmarshalGroup(data)
	require.NoError(t, err)

	got, err := envelope.DecryptGroup(out, f.mk, f.pub)
	require.NoError(t, err)
	assert.Equal(t, "to the group", string(got))

	out.KeyVersion = 2
	_, err = envelope.DecryptGroup(out, f.mk, f.pub)
	require.ErrorIs(t, err, model.ErrInvalidSignature)

	_, err = envelope.UnmarshalGroup([]byte(`{"key_version":1}`))
	require.ErrorIs(t, err, model.ErrMalformedEnvelope)
}
