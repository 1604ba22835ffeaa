package attachment_test

import (
	"bytes"
	"crypto/rand"
	"testing"

	"securemsg/internal/cryptographic/encryption"
	"securemsg/internal/model"
	"securemsg/internal/protocol/attachment"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func messageKey(t *testing.T) []byte {
	t.Helper()
	k, err := encryption.NewKey()
	require.NoError(t, err)
	return k
}

func TestEncryptDecryptFile(t *testing.T) {
	mk := messageKey(t)
	data := make([]byte, 3<<20)
	_, err := rand.Read(data)
	require.NoError(t, err)

	meta := model.AttachmentMeta{Filename: "cat.png", MIMEType: "image/png", Width: 640, Height: 480}
	file, bundle, err := attachment.EncryptFile(model.File{Data: data, Meta: meta}, mk)
	require.NoError(t, err)
	assert.Equal(t, file.ID, bundle.ID)
	assert.Equal(t, uint64(len(file.Ciphertext)), bundle.Size)
	assert.False(t, bytes.Contains(bundle.EncryptedMeta, []byte("cat.png")))

	got, err := attachment.DecryptFile(file.Ciphertext, bundle, mk)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))

	fk, err := attachment.UnwrapFileKey(bundle, mk)
	require.NoError(t, err)
	gotMeta, err := attachment.DecryptMeta(bundle, fk)
	require.NoError(t, err)
	assert.Equal(t, meta, gotMeta)
}

func TestEmptyFile(t *testing.T) {
	mk := messageKey(t)
	file, bundle, err := attachment.EncryptFile(model.File{}, mk)
	require.NoError(t, err)

	got, err := attachment.DecryptFile(file.Ciphertext, bundle, mk)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTamperedCiphertextFailsIntegrity(t *testing.T) {
	mk := messageKey(t)
	file, bundle, err := attachment.EncryptFile(model.File{Data: []byte("quarterly report")}, mk)
	require.NoError(t, err)

	bad := bytes.Clone(file.Ciphertext)
	bad[len(bad)/2] ^= 0x10
	_, err = attachment.DecryptFile(bad, bundle, mk)
	require.ErrorIs(t, err, model.ErrIntegrityCheckFailed)

	_, err = attachment.DecryptFile(file.Ciphertext[:len(file.Ciphertext)-1], bundle, mk)
	require.ErrorIs(t, err, model.ErrIntegrityCheckFailed)
}

func TestMatchingHashWrongNonceFailsAuthentication(t *testing.T) {
	mk := messageKey(t)
	file, bundle, err := attachment.EncryptFile(model.File{Data: []byte("quarterly report")}, mk)
	require.NoError(t, err)

	bundle.FileNonce[0] ^= 1
	_, err = attachment.DecryptFile(file.Ciphertext, bundle, mk)
	require.ErrorIs(t, err, model.ErrAuthenticationFailed)
}

func TestWrongMessageKeyCannotUnwrap(t *testing.T) {
	file, bundle, err := attachment.EncryptFile(model.File{Data: []byte("x")}, messageKey(t))
	require.NoError(t, err)

	_, err = attachment.DecryptFile(file.Ciphertext, bundle, messageKey(t))
	require.ErrorIs(t, err, model.ErrAuthenticationFailed)
}
