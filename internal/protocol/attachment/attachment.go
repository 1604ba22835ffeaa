package attachment

import (
	"crypto/subtle"
	"fmt"

	"securemsg/internal/cryptographic/encryption"
	"securemsg/internal/cryptographic/kdf"
	"securemsg/internal/model"

	"github.com/awnumar/memguard"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

var (
	infoWrap  = []byte("securemsg/attachment/wrap")
	labelFile = []byte("file:")
	labelMeta = []byte("meta:")
	labelKey  = []byte("key:")
)

func aad(label []byte, id uuid.UUID) []byte {
	return append(append([]byte(nil), label...), id[:]...)
}

// wrapKey separates the key that wraps file keys from the message key itself.
func wrapKey(messageKey []byte) ([]byte, error) {
	return kdf.Derive(messageKey, nil, infoWrap, encryption.KeySize)
}

// ContentHash is BLAKE2b-256 over the encrypted bytes, so integrity can be
// checked without decrypting.
func ContentHash(ciphertext []byte) []byte {
	sum := blake2b.Sum256(ciphertext)
	return sum[:]
}

// EncryptFile encrypts an attachment under a fresh file key and wraps that
// key under messageKey. The returned bundle travels inside the message.
func EncryptFile(file model.File, messageKey []byte) (*model.EncryptedFile, *model.AttachmentKeyBundle, error) {
	fileKey, err := encryption.NewKey()
	if err != nil {
		return nil, nil, err
	}
	defer memguard.WipeBytes(fileKey)

	id := uuid.New()

	ct, fileNonce, err := encryption.Seal(fileKey, file.Data, aad(labelFile, id))
	if err != nil {
		return nil, nil, err
	}

	meta, err := cbor.Marshal(file.Meta)
	if err != nil {
		return nil, nil, fmt.Errorf("cbor.Marshal meta: %w", err)
	}
	encMeta, metaNonce, err := encryption.Seal(fileKey, meta, aad(labelMeta, id))
	if err != nil {
		return nil, nil, err
	}

	wk, err := wrapKey(messageKey)
	if err != nil {
		return nil, nil, err
	}
	defer memguard.WipeBytes(wk)

	wrapped, wrapNonce, err := encryption.Seal(wk, fileKey, aad(labelKey, id))
	if err != nil {
		return nil, nil, err
	}

	bundle := &model.AttachmentKeyBundle{
		ID:            id,
		WrappedKey:    wrapped,
		WrapNonce:     wrapNonce,
		FileNonce:     fileNonce,
		ContentHash:   ContentHash(ct),
		EncryptedMeta: encMeta,
		MetaNonce:     metaNonce,
		Size:          uint64(len(ct)),
	}
	return &model.EncryptedFile{ID: id, Ciphertext: ct}, bundle, nil
}

// UnwrapFileKey recovers the file key while the message key is still at hand.
func UnwrapFileKey(bundle *model.AttachmentKeyBundle, messageKey []byte) ([]byte, error) {
	wk, err := wrapKey(messageKey)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(wk)

	fileKey, err := encryption.Open(wk, bundle.WrapNonce, bundle.WrappedKey, aad(labelKey, bundle.ID))
	if err != nil {
		return nil, fmt.Errorf("unwrap file key %s: %w", bundle.ID, err)
	}
	return fileKey, nil
}

// DecryptWithFileKey checks the content hash before attempting decryption.
func DecryptWithFileKey(ciphertext []byte, bundle *model.AttachmentKeyBundle, fileKey []byte) ([]byte, error) {
	if subtle.ConstantTimeCompare(ContentHash(ciphertext), bundle.ContentHash) != 1 {
		return nil, fmt.Errorf("attachment %s: %w", bundle.ID, model.ErrIntegrityCheckFailed)
	}
	plain, err := encryption.Open(fileKey, bundle.FileNonce, ciphertext, aad(labelFile, bundle.ID))
	if err != nil {
		return nil, fmt.Errorf("attachment %s: %w", bundle.ID, err)
	}
	return plain, nil
}

func DecryptMeta(bundle *model.AttachmentKeyBundle, fileKey []byte) (model.AttachmentMeta, error) {
	var meta model.AttachmentMeta
	raw, err := encryption.Open(fileKey, bundle.MetaNonce, bundle.EncryptedMeta, aad(labelMeta, bundle.ID))
	if err != nil {
		return meta, fmt.Errorf("attachment %s meta: %w", bundle.ID, err)
	}
	if err := cbor.Unmarshal(raw, &meta); err != nil {
		return meta, fmt.Errorf("attachment %s meta: %w", bundle.ID, model.ErrAuthenticationFailed)
	}
	return meta, nil
}

// DecryptFile unwraps the file key with messageKey, verifies the content
// hash and decrypts.
func DecryptFile(ciphertext []byte, bundle *model.AttachmentKeyBundle, messageKey []byte) ([]byte, error) {
	fileKey, err := UnwrapFileKey(bundle, messageKey)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(fileKey)
	return DecryptWithFileKey(ciphertext, bundle, fileKey)
}
