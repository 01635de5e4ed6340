package kdf

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Derive fills out with HKDF-SHA256 output for the given secret, salt and
// info label. Identical inputs always produce identical output.
func Derive(secret, salt, info, out []byte) (int, error) {
	h := hkdf.New(sha256.New, secret, salt, info)
	return io.ReadFull(h, out)
}

// DeriveKey is a convenience wrapper returning a fresh buffer of length n.
func DeriveKey(secret, salt, info []byte, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := Derive(secret, salt, info, out); err != nil {
		return nil, err
	}
	return out, nil
}
