package envelope

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"securemsg/internal/cryptographic/encryption"
	"securemsg/internal/model"

	"github.com/google/uuid"
)

type (
	wireHeader struct {
		DHPublicKey  *string `json:"dh_public_key"`
		PrevChainLen *uint32 `json:"prev_chain_len"`
		MsgNumber    *uint32 `json:"msg_number"`
	}

	wireHandshake struct {
		RecipientKeyID  *string `json:"recipient_key_id"`
		EphemeralKey    *string `json:"ephemeral_key"`
		SignedPreKeyID  *uint32 `json:"signed_prekey_id"`
		OneTimePreKeyID *uint32 `json:"one_time_prekey_id"`
	}

	wireEnvelope struct {
		Ciphertext        *string        `json:"ciphertext"`
		Nonce             *string        `json:"nonce"`
		Signature         *string        `json:"signature"`
		SenderKeyID       *string        `json:"sender_key_id"`
		RatchetHeader     *wireHeader    `json:"ratchet_header"`
		EncryptionVersion *uint32        `json:"encryption_version"`
		Handshake         *wireHandshake `json:"x3dh_handshake"`
	}

	wireGroupEnvelope struct {
		ConversationID    *string `json:"conversation_id"`
		KeyVersion        *uint32 `json:"key_version"`
		Ciphertext        *string `json:"ciphertext"`
		Nonce             *string `json:"nonce"`
		Signature         *string `json:"signature"`
		SenderKeyID       *string `json:"sender_key_id"`
		EncryptionVersion *uint32 `json:"encryption_version"`
	}
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", model.ErrMalformedEnvelope, fmt.Sprintf(format, args...))
}

// decodeBytes decodes a required base64 field. size > 0 demands an exact
// length, size < 0 a minimum of -size bytes.
func decodeBytes(name string, v *string, size int) ([]byte, error) {
	if v == nil {
		return nil, malformed("%s missing", name)
	}
	b, err := base64.StdEncoding.Strict().DecodeString(*v)
	if err != nil {
		return nil, malformed("%s is not base64", name)
	}
	switch {
	case size > 0 && len(b) != size:
		return nil, malformed("%s must be %d bytes, got %d", name, size, len(b))
	case size < 0 && len(b) < -size:
		return nil, malformed("%s shorter than %d bytes", name, -size)
	}
	return b, nil
}

func decodeUUID(name string, v *string) (uuid.UUID, error) {
	if v == nil {
		return uuid.Nil, malformed("%s missing", name)
	}
	id, err := uuid.Parse(*v)
	if err != nil {
		return uuid.Nil, malformed("%s is not a uuid", name)
	}
	return id, nil
}

func decodeVersion(v *uint32) (uint32, error) {
	if v == nil {
		return 0, malformed("encryption_version missing")
	}
	if *v != model.EncryptionVersion {
		return 0, malformed("unsupported encryption_version %d", *v)
	}
	return *v, nil
}

func Marshal(env *model.MessageEnvelope) ([]byte, error) {
	return json.Marshal(env)
}

// Unmarshal parses a direct envelope. Every missing or malformed field is
// reported as model.ErrMalformedEnvelope before any cryptographic work.
func Unmarshal(data []byte) (*model.MessageEnvelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, malformed("invalid json: %v", err)
	}

	var (
		env model.MessageEnvelope
		err error
	)
	if env.Ciphertext, err = decodeBytes("ciphertext", w.Ciphertext, -encryption.TagSize); err != nil {
		return nil, err
	}
	if env.Nonce, err = decodeBytes("nonce", w.Nonce, encryption.NonceSize); err != nil {
		return nil, err
	}
	if env.Signature, err = decodeBytes("signature", w.Signature, ed25519.SignatureSize); err != nil {
		return nil, err
	}
	if env.SenderKeyID, err = decodeUUID("sender_key_id", w.SenderKeyID); err != nil {
		return nil, err
	}
	if env.EncryptionVersion, err = decodeVersion(w.EncryptionVersion); err != nil {
		return nil, err
	}

	if w.RatchetHeader == nil {
		return nil, malformed("ratchet_header missing")
	}
	if env.RatchetHeader.DHPublicKey, err = decodeBytes("ratchet_header.dh_public_key", w.RatchetHeader.DHPublicKey, 32); err != nil {
		return nil, err
	}
	if w.RatchetHeader.PrevChainLen == nil {
		return nil, malformed("ratchet_header.prev_chain_len missing")
	}
	if w.RatchetHeader.MsgNumber == nil {
		return nil, malformed("ratchet_header.msg_number missing")
	}
	env.RatchetHeader.PrevChainLen = *w.RatchetHeader.PrevChainLen
	env.RatchetHeader.MsgNumber = *w.RatchetHeader.MsgNumber

	if w.Handshake != nil {
		hs, err := decodeHandshake(w.Handshake)
		if err != nil {
			return nil, err
		}
		env.Handshake = hs
	}
	return &env, nil
}

func decodeHandshake(w *wireHandshake) (*model.Handshake, error) {
	var (
		hs  model.Handshake
		err error
	)
	if hs.RecipientKeyID, err = decodeUUID("x3dh_handshake.recipient_key_id", w.RecipientKeyID); err != nil {
		return nil, err
	}
	if hs.EphemeralKey, err = decodeBytes("x3dh_handshake.ephemeral_key", w.EphemeralKey, 32); err != nil {
		return nil, err
	}
	if w.SignedPreKeyID == nil {
		return nil, malformed("x3dh_handshake.signed_prekey_id missing")
	}
	hs.SignedPreKeyID = *w.SignedPreKeyID
	hs.OneTimePreKeyID = w.OneTimePreKeyID
	return &hs, nil
}

func MarshalGroup(env *model.GroupEnvelope) ([]byte, error) {
	return json.Marshal(env)
}

func UnmarshalGroup(data []byte) (*model.GroupEnvelope, error) {
	var w wireGroupEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, malformed("invalid json: %v", err)
	}

	var (
		env model.GroupEnvelope
		err error
	)
	if w.ConversationID == nil || *w.ConversationID == "" {
		return nil, malformed("conversation_id missing")
	}
	env.ConversationID = *w.ConversationID
	if w.KeyVersion == nil {
		return nil, malformed("key_version missing")
	}
	env.KeyVersion = *w.KeyVersion
	if env.Ciphertext, err = decodeBytes("ciphertext", w.Ciphertext, -encryption.TagSize); err != nil {
		return nil, err
	}
	if env.Nonce, err = decodeBytes("nonce", w.Nonce, encryption.NonceSize); err != nil {
		return nil, err
	}
	if env.Signature, err = decodeBytes("signature", w.Signature, ed25519.SignatureSize); err != nil {
		return nil, err
	}
	if env.SenderKeyID, err = decodeUUID("sender_key_id", w.SenderKeyID); err != nil {
		return nil, err
	}
	if env.EncryptionVersion, err = decodeVersion(w.EncryptionVersion); err != nil {
		return nil, err
	}
	return &env, nil
}
