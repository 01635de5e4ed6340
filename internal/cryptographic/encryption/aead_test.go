package encryption

import (
	"bytes"
	"errors"
	"testing"

	"e2ee_core/internal/model"
)

func TestSealOpenRoundTrip(t *testing.T) {
	for _, alg := range []model.Algorithm{model.AlgorithmAES256GCM, model.AlgorithmChaCha20Poly1305} {
		t.Run(alg.String(), func(t *testing.T) {
			key := bytes.Repeat([]byte{0x11}, KeySize)
			nonce, err := NewNonce()
			if err != nil {
				t.Fatalf("NewNonce: %v", err)
			}
			aad := []byte("context")
			plaintext := []byte("hello, ratchet")

			ct, tag, err := Seal(alg, key, nonce, aad, plaintext)
			if err != nil {
				t.Fatalf("Seal: %v", err)
			}
			if len(tag) != TagSize {
				t.Fatalf("tag length = %d, want %d", len(tag), TagSize)
			}

			got, err := Open(alg, key, nonce, aad, ct, tag)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			if !bytes.Equal(got, plaintext) {
				t.Fatalf("got %q, want %q", got, plaintext)
			}
		})
	}
}

func TestOpenFailsClosed(t *testing.T) {
	key := bytes.Repeat([]byte{0x22}, KeySize)
	nonce, _ := NewNonce()
	aad := []byte("context")
	ct, tag, err := Seal(model.AlgorithmChaCha20Poly1305, key, nonce, aad, []byte("secret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	cases := map[string]func() ([]byte, error){
		"tampered ciphertext": func() ([]byte, error) {
			bad := append([]byte(nil), ct...)
			bad[0] ^= 0xff
			return Open(model.AlgorithmChaCha20Poly1305, key, nonce, aad, bad, tag)
		},
		"tampered tag": func() ([]byte, error) {
			bad := append([]byte(nil), tag...)
			bad[0] ^= 0xff
			return Open(model.AlgorithmChaCha20Poly1305, key, nonce, aad, ct, bad)
		},
		"wrong aad": func() ([]byte, error) {
			return Open(model.AlgorithmChaCha20Poly1305, key, nonce, []byte("other"), ct, tag)
		},
		"wrong key": func() ([]byte, error) {
			other := bytes.Repeat([]byte{0x33}, KeySize)
			return Open(model.AlgorithmChaCha20Poly1305, other, nonce, aad, ct, tag)
		},
	}
	for name, open := range cases {
		t.Run(name, func(t *testing.T) {
			plain, err := open()
			if !errors.Is(err, ErrAuthFailure) {
				t.Fatalf("err = %v, want ErrAuthFailure", err)
			}
			if plain != nil {
				t.Fatal("got partial plaintext on auth failure")
			}
		})
	}
}
