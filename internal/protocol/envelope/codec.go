package envelope

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"securemsg/internal/cryptographic/encryption"
	"securemsg/internal/cryptographic/signature"
	"securemsg/internal/model"
)

var (
	labelDirect = []byte("securemsg/envelope/v1")
	labelGroup  = []byte("securemsg/group-envelope/v1")
)

func appendHeader(b []byte, h model.Header) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(h.DHPublicKey)))
	b = append(b, h.DHPublicKey...)
	b = binary.BigEndian.AppendUint32(b, h.PrevChainLen)
	return binary.BigEndian.AppendUint32(b, h.MsgNumber)
}

func appendHandshake(b []byte, hs *model.Handshake) []byte {
	if hs == nil {
		return append(b, 0)
	}
	b = append(b, 1)
	b = append(b, hs.RecipientKeyID[:]...)
	b = binary.BigEndian.AppendUint32(b, uint32(len(hs.EphemeralKey)))
	b = append(b, hs.EphemeralKey...)
	b = binary.BigEndian.AppendUint32(b, hs.SignedPreKeyID)
	if hs.OneTimePreKeyID == nil {
		return append(b, 0)
	}
	b = append(b, 1)
	return binary.BigEndian.AppendUint32(b, *hs.OneTimePreKeyID)
}

// associatedData covers every envelope field except nonce, ciphertext and
// signature. It is the AEAD associated data.
func associatedData(env *model.MessageEnvelope) []byte {
	b := make([]byte, 0, 128)
	b = append(b, labelDirect...)
	b = binary.BigEndian.AppendUint32(b, env.EncryptionVersion)
	b = append(b, env.SenderKeyID[:]...)
	b = appendHeader(b, env.RatchetHeader)
	return appendHandshake(b, env.Handshake)
}

func signedBytes(ad, nonce, ciphertext []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(ad) + len(nonce) + len(ciphertext) + 8)
	buf.Write(ad)
	buf.Write(nonce)
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(ciphertext)))
	buf.Write(n[:])
	buf.Write(ciphertext)
	return buf.Bytes()
}

// Encrypt is AES-256-GCM under a fresh random 96-bit nonce.
func Encrypt(plaintext, messageKey, ad []byte) (ciphertext, nonce []byte, err error) {
	return encryption.Seal(messageKey, plaintext, ad)
}

// Seal encrypts plaintext into env. The header, sender and handshake fields
// of env must already be set since they are authenticated.
func Seal(env *model.MessageEnvelope, plaintext, messageKey []byte) error {
	ct, nonce, err := Encrypt(plaintext, messageKey, associatedData(env))
	if err != nil {
		return err
	}
	env.Ciphertext, env.Nonce = ct, nonce
	return nil
}

// Sign signs the ciphertext together with all header fields.
func Sign(env *model.MessageEnvelope, priv ed25519.PrivateKey) {
	env.Signature = signature.ED25519Sign(priv, signedBytes(associatedData(env), env.Nonce, env.Ciphertext))
}

func Verify(env *model.MessageEnvelope, pub ed25519.PublicKey) error {
	if !signature.ED25519Verify(pub, signedBytes(associatedData(env), env.Nonce, env.Ciphertext), env.Signature) {
		return fmt.Errorf("envelope from %s: %w", env.SenderKeyID, model.ErrInvalidSignature)
	}
	return nil
}

// Open decrypts an envelope whose signature has already been checked.
func Open(env *model.MessageEnvelope, messageKey []byte) ([]byte, error) {
	return encryption.Open(messageKey, env.Nonce, env.Ciphertext, associatedData(env))
}

// Decrypt verifies the signature first and only then attempts decryption.
func Decrypt(env *model.MessageEnvelope, messageKey []byte, verificationKey ed25519.PublicKey) ([]byte, error) {
	if err := Verify(env, verificationKey); err != nil {
		return nil, err
	}
	return Open(env, messageKey)
}

func groupAssociatedData(env *model.GroupEnvelope) []byte {
	b := make([]byte, 0, 96)
	b = append(b, labelGroup...)
	b = binary.BigEndian.AppendUint32(b, env.EncryptionVersion)
	b = append(b, env.SenderKeyID[:]...)
	b = binary.BigEndian.AppendUint32(b, uint32(len(env.ConversationID)))
	b = append(b, env.ConversationID...)
	return binary.BigEndian.AppendUint32(b, env.KeyVersion)
}

func SealGroup(env *model.GroupEnvelope, plaintext, groupKey []byte) error {
	ct, nonce, err := Encrypt(plaintext, groupKey, groupAssociatedData(env))
	if err != nil {
		return err
	}
	env.Ciphertext, env.Nonce = ct, nonce
	return nil
}

func SignGroup(env *model.GroupEnvelope, priv ed25519.PrivateKey) {
	env.Signature = signature.ED25519Sign(priv, signedBytes(groupAssociatedData(env), env.Nonce, env.Ciphertext))
}

func VerifyGroup(env *model.GroupEnvelope, pub ed25519.PublicKey) error {
	if !signature.ED25519Verify(pub, signedBytes(groupAssociatedData(env), env.Nonce, env.Ciphertext), env.Signature) {
		return fmt.Errorf("group envelope from %s: %w", env.SenderKeyID, model.ErrInvalidSignature)
	}
	return nil
}

func OpenGroup(env *model.GroupEnvelope, groupKey []byte) ([]byte, error) {
	return encryption.Open(groupKey, env.Nonce, env.Ciphertext, groupAssociatedData(env))
}

func DecryptGroup(env *model.GroupEnvelope, groupKey []byte, verificationKey ed25519.PublicKey) ([]byte, error) {
	if err := VerifyGroup(env, verificationKey); err != nil {
		return nil, err
	}
	return OpenGroup(env, groupKey)
}
