package signature

import (
	"crypto/ed25519"
	"io"
)

func GenerateEd25519(r io.Reader) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(r)
}

func ED25519Sign(priv ed25519.PrivateKey, message []byte) []byte {
	return ed25519.Sign(priv, message)
}

// ED25519Verify rejects wrong-length keys and signatures instead of panicking.
func ED25519Verify(pub ed25519.PublicKey, message []byte, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, message, sig)
}
