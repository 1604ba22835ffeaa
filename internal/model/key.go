package model

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

type (
	// KeyBundle is the public half of a device identity as published to the
	// key directory.
	KeyBundle struct {
		KeyID          uuid.UUID       `json:"key_id"`
		UserID         string          `json:"user_id"`
		DeviceID       string          `json:"device_id"`
		Version        uint32          `json:"version"`
		IdentityKey    []byte          `json:"identity_key"`
		SigningKey     []byte          `json:"signing_key"`
		SignedPreKey   SignedPreKey    `json:"signed_prekey"`
		OneTimePreKeys []OneTimePreKey `json:"one_time_prekeys,omitempty"`
		Revoked        bool            `json:"revoked,omitempty"`
	}

	SignedPreKey struct {
		ID        uint32    `json:"id"`
		PublicKey []byte    `json:"public_key"`
		ExpiresAt time.Time `json:"expires_at"`
		Signature []byte    `json:"signature"`
	}

	OneTimePreKey struct {
		ID        uint32 `json:"id"`
		PublicKey []byte `json:"public_key"`
	}
)

// Expired reports whether the signed prekey is past its expiry at now.
func (s SignedPreKey) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Fingerprint is a short printable digest of a public key, safe to log.
func Fingerprint(pub []byte) string {
	sum := blake2b.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}
