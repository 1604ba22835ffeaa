package model

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zapcore"
)

type (
	// DeviceIdentity is a long-term identity owned by this device. It is never
	// deleted: revoked identities are kept so old signatures stay checkable.
	DeviceIdentity struct {
		KeyID     uuid.UUID
		UserID    string
		DeviceID  string
		Version   uint32
		DHPriv    [32]byte
		DHPub     [32]byte
		SignPriv  ed25519.PrivateKey
		SignPub   ed25519.PublicKey
		Primary   bool
		Revoked   bool
		RevokedAt time.Time
		CreatedAt time.Time
	}

	// RemoteKey is a verified peer identity cached from the key directory.
	RemoteKey struct {
		KeyID       uuid.UUID
		UserID      string
		DeviceID    string
		IdentityKey [32]byte
		SigningKey  ed25519.PublicKey
		Revoked     bool
	}
)

func (d *DeviceIdentity) Active() bool {
	return d != nil && !d.Revoked
}

func (d *DeviceIdentity) String() string {
	return fmt.Sprintf("identity(%s %s/%s v%d %s)", d.KeyID, d.UserID, d.DeviceID, d.Version, Fingerprint(d.SignPub))
}

func (d *DeviceIdentity) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("key_id", d.KeyID.String())
	enc.AddString("user_id", d.UserID)
	enc.AddString("device_id", d.DeviceID)
	enc.AddUint32("version", d.Version)
	enc.AddString("fingerprint", Fingerprint(d.SignPub))
	enc.AddBool("primary", d.Primary)
	enc.AddBool("revoked", d.Revoked)
	return nil
}

func (r *RemoteKey) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("key_id", r.KeyID.String())
	enc.AddString("user_id", r.UserID)
	enc.AddString("device_id", r.DeviceID)
	enc.AddString("fingerprint", Fingerprint(r.SigningKey))
	enc.AddBool("revoked", r.Revoked)
	return nil
}
