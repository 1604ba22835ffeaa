package dh

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

// Generate a new X25519 key pair
func NewX25519KeyPair() (priv, pub [32]byte, err error) {
	return GenerateX25519(rand.Reader)
}

// GenerateX25519 draws a clamped private scalar from r.
func GenerateX25519(r io.Reader) (priv, pub [32]byte, err error) {
	if _, err = io.ReadFull(r, priv[:]); err != nil {
		return priv, pub, fmt.Errorf("failed to generate private key: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err = PublicKey(priv)
	return priv, pub, err
}

func PublicKey(priv [32]byte) ([32]byte, error) {
	var pub [32]byte
	out, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return pub, err
	}
	copy(pub[:], out)
	return pub, nil
}

// Perform X25519 scalar multiplication: priv * pub. Low-order points are
// rejected because they yield an all-zero output.
func X25519SharedSecret(priv, pub [32]byte) ([]byte, error) {
	return curve25519.X25519(priv[:], pub[:])
}

// ToKey converts a wire public key into its fixed-size form.
func ToKey(b []byte) ([32]byte, error) {
	var k [32]byte
	if len(b) != len(k) {
		return k, fmt.Errorf("x25519 key must be %d bytes, got %d", len(k), len(b))
	}
	copy(k[:], b)
	return k, nil
}
