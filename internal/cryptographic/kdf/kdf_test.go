package kdf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerive(t *testing.T) {
	a, err := Derive([]byte("secret"), nil, []byte("info-a"), 64)
	require.NoError(t, err)
	b, err := Derive([]byte("secret"), nil, []byte("info-b"), 64)
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b, "info separates outputs")

	again, err := Derive([]byte("secret"), nil, []byte("info-a"), 64)
	require.NoError(t, err)
	assert.Equal(t, a, again)
}

func TestHMAC(t *testing.T) {
	assert.Equal(t, HMAC([]byte("k"), []byte{1}), HMAC([]byte("k"), []byte{1}))
	assert.NotEqual(t, HMAC([]byte("k"), []byte{1}), HMAC([]byte("k"), []byte{2}))
	assert.Len(t, HMAC([]byte("k"), nil), 32)
}
