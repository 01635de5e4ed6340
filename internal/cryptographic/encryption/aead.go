package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"e2ee_core/internal/model"
)

const (
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16
)

// ErrAuthFailure is the single failure surfaced for any tag mismatch. Open
// never returns partial plaintext.
var ErrAuthFailure = errors.New("authentication failure")

// NewNonce returns a fresh random 96-bit nonce.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("rand.Read nonce: %w", err)
	}
	return nonce, nil
}

func newAEAD(alg model.Algorithm, key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("aead key must be %d bytes, got %d", KeySize, len(key))
	}
	switch alg {
	case model.AlgorithmAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("aes.NewCipher: %w", err)
		}
		return cipher.NewGCM(block)
	case model.AlgorithmChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("unsupported algorithm %d", alg)
	}
}

// Seal encrypts plaintext under key and nonce, authenticating aad. The
// ciphertext and authentication tag are returned separately.
func Seal(alg model.Algorithm, key, nonce, aad, plaintext []byte) (ciphertext, tag []byte, err error) {
	aead, err := newAEAD(alg, key)
	if err != nil {
		return nil, nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, nil, fmt.Errorf("nonce must be %d bytes, got %d", aead.NonceSize(), len(nonce))
	}
	sealed := aead.Seal(nil, nonce, plaintext, aad)
	return sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:], nil
}

// Open decrypts ciphertext+tag, verifying aad. Any mismatch fails closed with
// ErrAuthFailure.
func Open(alg model.Algorithm, key, nonce, aad, ciphertext, tag []byte) ([]byte, error) {
	aead, err := newAEAD(alg, key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() || len(tag) != TagSize {
		return nil, ErrAuthFailure
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plain, err := aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, ErrAuthFailure
	}
	return plain, nil
}
