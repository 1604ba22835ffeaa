package directory

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"securemsg/internal/cryptographic/signature"
	"securemsg/internal/model"

	"github.com/google/uuid"
)

var labelRevoke = []byte("securemsg/revoke/v1")

type (
	// Directory is the public key directory. It only ever sees public
	// material and is not trusted: clients verify every bundle they fetch.
	Directory interface {
		// PublishBundle stores a new bundle. Publishing a known key id again
		// replaces its signed prekey and appends only the one-time prekeys
		// the directory has not seen before, so prekeys already handed out
		// are never offered twice.
		PublishBundle(ctx context.Context, b *model.KeyBundle) error
		// FetchBundles returns the active bundles of a user. Each carries at
		// most one one-time prekey, which the directory hands out only once.
		FetchBundles(ctx context.Context, userID string) ([]*model.KeyBundle, error)
		// FetchKey returns a bundle by key id, revoked or not, without
		// one-time prekeys.
		FetchKey(ctx context.Context, keyID uuid.UUID) (*model.KeyBundle, error)
		RevokeKey(ctx context.Context, keyID uuid.UUID, sig []byte) error
		// PreKeyCount reports how many one-time prekeys of keyID are left.
		PreKeyCount(ctx context.Context, keyID uuid.UUID) (int, error)
	}
)

// RevocationPayload is what the owner of keyID signs to revoke it.
func RevocationPayload(keyID uuid.UUID) []byte {
	return append(append([]byte{}, labelRevoke...), keyID[:]...)
}

func SignRevocation(keyID uuid.UUID, priv ed25519.PrivateKey) []byte {
	return signature.ED25519Sign(priv, RevocationPayload(keyID))
}

// VerifyRevocation checks a revocation request against the key's own
// signing key.
func VerifyRevocation(b *model.KeyBundle, sig []byte) error {
	if !signature.ED25519Verify(b.SigningKey, RevocationPayload(b.KeyID), sig) {
		return fmt.Errorf("revocation of %s: %w", b.KeyID, model.ErrInvalidSignature)
	}
	return nil
}

// NewPreKeys returns the prekeys with an id above maxSeen.
func NewPreKeys(keys []model.OneTimePreKey, maxSeen uint32) []model.OneTimePreKey {
	var out []model.OneTimePreKey
	for _, k := range keys {
		if k.ID > maxSeen {
			out = append(out, k)
		}
	}
	return out
}

func MaxPreKeyID(keys []model.OneTimePreKey, floor uint32) uint32 {
	for _, k := range keys {
		floor = max(floor, k.ID)
	}
	return floor
}

// CheckRepublish rejects a bundle that reuses a known key id with different
// identity keys.
func CheckRepublish(prev, next *model.KeyBundle) error {
	if prev == nil {
		return nil
	}
	if prev.UserID != next.UserID || prev.DeviceID != next.DeviceID ||
		string(prev.IdentityKey) != string(next.IdentityKey) ||
		string(prev.SigningKey) != string(next.SigningKey) {
		return fmt.Errorf("bundle %s changes identity: %w", next.KeyID, model.ErrUntrustedKeyBundle)
	}
	if prev.Revoked {
		return fmt.Errorf("bundle %s is revoked: %w", next.KeyID, model.ErrUntrustedKeyBundle)
	}
	return nil
}
