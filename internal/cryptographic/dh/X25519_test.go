package dh

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedSecretAgrees(t *testing.T) {
	aPriv, aPub, err := NewX25519KeyPair()
	require.NoError(t, err)
	bPriv, bPub, err := NewX25519KeyPair()
	require.NoError(t, err)

	ab, err := X25519SharedSecret(aPriv, bPub)
	require.NoError(t, err)
	ba, err := X25519SharedSecret(bPriv, aPub)
	require.NoError(t, err)
	assert.Equal(t, ab, ba)
}

func TestGenerateIsDeterministicForReader(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 32)
	priv1, pub1, err := GenerateX25519(bytes.NewReader(seed))
	require.NoError(t, err)
	priv2, pub2, err := GenerateX25519(bytes.NewReader(seed))
	require.NoError(t, err)

	assert.Equal(t, priv1, priv2)
	assert.Equal(t, pub1, pub2)
	assert.Equal(t, byte(0), priv1[0]&7, "scalar must be clamped")
}

func TestLowOrderPointRejected(t *testing.T) {
	priv, _, err := NewX25519KeyPair()
	require.NoError(t, err)

	_, err = X25519SharedSecret(priv, [32]byte{})
	require.Error(t, err)
}

func TestToKeyLength(t *testing.T) {
	_, err := ToKey(make([]byte, 31))
	require.Error(t, err)
	_, err = ToKey(make([]byte, 32))
	require.NoError(t, err)
}
