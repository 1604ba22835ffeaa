package kdf

import (
	"crypto/hmac"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF fills buffer from HKDF-SHA256(secret, salt, info).
func HKDF(secret, salt, info, buffer []byte) (int, error) {
	h := hkdf.New(sha256.New, secret, salt, info)
	return io.ReadFull(h, buffer)
}

// Derive returns n bytes of HKDF-SHA256 output.
func Derive(secret, salt, info []byte, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := HKDF(secret, salt, info, out); err != nil {
		return nil, err
	}
	return out, nil
}

func HMAC(key, data []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(data)
	return m.Sum(nil)
}
