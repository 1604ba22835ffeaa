package doubleratchet

import (
	"securemsg/internal/cryptographic/kdf"
)

var (
	infoRoot      = []byte("securemsg/ratchet/root")
	chainMsgInput = []byte{0x01}
	chainAdvInput = []byte{0x02}
)

// KDFRootKey derives a new RootKey and ChainKey from the old root key + DH output.
// The old root key is the HKDF salt and the DH output the input key material.
func KDFRootKey(rootKey, dhOut []byte) (newRootKey, newChainKey []byte, err error) {
	buffer, err := kdf.Derive(dhOut, rootKey, infoRoot, 64)
	if err != nil {
		return nil, nil, err
	}
	return buffer[:32], buffer[32:], nil
}

// KDFChainKey derives the message key for the current position and the next
// chain key. The two outputs come from distinct HMAC inputs, so neither
// reveals the other or any earlier chain key.
func KDFChainKey(chainKey []byte) (nextChainKey, msgKey []byte) {
	return kdf.HMAC(chainKey, chainAdvInput), kdf.HMAC(chainKey, chainMsgInput)
}
