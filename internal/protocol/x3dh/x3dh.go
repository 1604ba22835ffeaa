package x3dh

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"securemsg/internal/cryptographic/dh"
	"securemsg/internal/cryptographic/kdf"
	"securemsg/internal/cryptographic/signature"
	"securemsg/internal/model"

	"github.com/awnumar/memguard"
)

var (
	infoSharedKey = []byte("securemsg/x3dh/v1")
	labelSPK      = []byte("securemsg/spk/v1")
)

type (
	// Result holds the keys that seed a new ratchet session.
	Result struct {
		RootKey  []byte
		ChainKey []byte
	}

	// Initiation is the initiator's view of a completed key agreement.
	Initiation struct {
		Result
		EphemeralPriv [32]byte
		EphemeralPub  [32]byte
		Handshake     model.Handshake
	}
)

// SignedPreKeyPayload is the byte string an identity signs to vouch for its
// signed prekey. It binds the prekey to the identity key and device.
func SignedPreKeyPayload(b *model.KeyBundle) []byte {
	var buf bytes.Buffer
	buf.Write(labelSPK)
	buf.Write(b.KeyID[:])
	writeString(&buf, b.UserID)
	writeString(&buf, b.DeviceID)
	buf.Write(b.IdentityKey)

	var tmp [8]byte
	binary.BigEndian.PutUint32(tmp[:4], b.SignedPreKey.ID)
	buf.Write(tmp[:4])
	buf.Write(b.SignedPreKey.PublicKey)
	binary.BigEndian.PutUint64(tmp[:], uint64(b.SignedPreKey.ExpiresAt.Unix()))
	buf.Write(tmp[:])
	return buf.Bytes()
}

func writeString(buf *bytes.Buffer, s string) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(s)))
	buf.Write(n[:])
	buf.WriteString(s)
}

// VerifyBundle checks a fetched bundle before any key agreement uses it.
func VerifyBundle(b *model.KeyBundle, now time.Time) error {
	if b == nil {
		return fmt.Errorf("no bundle: %w", model.ErrKeyAgreementFailed)
	}
	if len(b.IdentityKey) != 32 || len(b.SigningKey) != ed25519.PublicKeySize {
		return fmt.Errorf("bundle %s has malformed identity keys: %w", b.KeyID, model.ErrUntrustedKeyBundle)
	}
	if b.Revoked {
		return fmt.Errorf("bundle %s is revoked: %w", b.KeyID, model.ErrUntrustedKeyBundle)
	}
	if len(b.SignedPreKey.PublicKey) != 32 {
		return fmt.Errorf("bundle %s has no signed prekey: %w", b.KeyID, model.ErrKeyAgreementFailed)
	}
	if !signature.ED25519Verify(b.SigningKey, SignedPreKeyPayload(b), b.SignedPreKey.Signature) {
		return fmt.Errorf("bundle %s signed prekey signature: %w", b.KeyID, model.ErrUntrustedKeyBundle)
	}
	if b.SignedPreKey.Expired(now) {
		return fmt.Errorf("bundle %s signed prekey expired: %w", b.KeyID, model.ErrKeyAgreementFailed)
	}
	return nil
}

func deriveShared(parts ...[]byte) (*Result, error) {
	// 32 0xFF bytes keep the X25519 input domain apart from other uses.
	secret := make([]byte, 0, 32*(len(parts)+1))
	secret = append(secret, bytes.Repeat([]byte{0xFF}, 32)...)
	for _, p := range parts {
		if p != nil {
			secret = append(secret, p...)
		}
	}
	defer memguard.WipeBytes(secret)

	out, err := kdf.Derive(secret, make([]byte, 32), infoSharedKey, 64)
	if err != nil {
		return nil, err
	}
	return &Result{RootKey: out[:32], ChainKey: out[32:]}, nil
}

func agree(priv, pub [32]byte) ([]byte, error) {
	out, err := dh.X25519SharedSecret(priv, pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrKeyAgreementFailed, err)
	}
	return out, nil
}

// Initiate computes the shared keys on the initiating side.
func Initiate(k *model.InitiatorKeys) (*Result, error) {
	dh1, err := agree(k.IdentityPriv, k.RemoteSignedPreKey)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(dh1)

	dh2, err := agree(k.EphemeralPriv, k.RemoteIdentity)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(dh2)

	dh3, err := agree(k.EphemeralPriv, k.RemoteSignedPreKey)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(dh3)

	var dh4 []byte
	if k.RemoteOneTimePreKey != nil {
		dh4, err = agree(k.EphemeralPriv, *k.RemoteOneTimePreKey)
		if err != nil {
			return nil, err
		}
		defer memguard.WipeBytes(dh4)
	}

	return deriveShared(dh1, dh2, dh3, dh4)
}

// Respond recomputes the initiator's shared keys from its public values.
func Respond(k *model.ResponderKeys) (*Result, error) {
	dh1, err := agree(k.SignedPreKeyPriv, k.RemoteIdentity)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(dh1)

	dh2, err := agree(k.IdentityPriv, k.RemoteEphemeral)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(dh2)

	dh3, err := agree(k.SignedPreKeyPriv, k.RemoteEphemeral)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(dh3)

	var dh4 []byte
	if k.OneTimePreKeyPriv != nil {
		dh4, err = agree(*k.OneTimePreKeyPriv, k.RemoteEphemeral)
		if err != nil {
			return nil, err
		}
		defer memguard.WipeBytes(dh4)
	}

	return deriveShared(dh1, dh2, dh3, dh4)
}

// InitiateWithBundle verifies a directory bundle, draws an ephemeral pair from
// r and runs the initiator side. The first one-time prekey in the bundle is
// used when present.
func InitiateWithBundle(r io.Reader, identityPriv [32]byte, b *model.KeyBundle, now time.Time) (*Initiation, error) {
	if err := VerifyBundle(b, now); err != nil {
		return nil, err
	}

	ekPriv, ekPub, err := dh.GenerateX25519(r)
	if err != nil {
		return nil, err
	}

	keys := &model.InitiatorKeys{
		IdentityPriv:  identityPriv,
		EphemeralPriv: ekPriv,
	}
	copy(keys.RemoteIdentity[:], b.IdentityKey)
	copy(keys.RemoteSignedPreKey[:], b.SignedPreKey.PublicKey)

	hs := model.Handshake{
		RecipientKeyID: b.KeyID,
		EphemeralKey:   bytes.Clone(ekPub[:]),
		SignedPreKeyID: b.SignedPreKey.ID,
	}

	if len(b.OneTimePreKeys) > 0 {
		opk, err := dh.ToKey(b.OneTimePreKeys[0].PublicKey)
		if err != nil {
			return nil, fmt.Errorf("one-time prekey: %w", model.ErrKeyAgreementFailed)
		}
		keys.RemoteOneTimePreKey = &opk
		id := b.OneTimePreKeys[0].ID
		hs.OneTimePreKeyID = &id
	}

	res, err := Initiate(keys)
	if err != nil {
		return nil, err
	}

	return &Initiation{
		Result:        *res,
		EphemeralPriv: ekPriv,
		EphemeralPub:  ekPub,
		Handshake:     hs,
	}, nil
}
