package model

import (
	"crypto/sha256"
	"strconv"
)

// Algorithm identifies the AEAD suite an envelope was sealed with.
type Algorithm uint8

const (
	AlgorithmAES256GCM Algorithm = iota + 1
	AlgorithmChaCha20Poly1305
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmAES256GCM:
		return "aes-256-gcm"
	case AlgorithmChaCha20Poly1305:
		return "chacha20-poly1305"
	default:
		return "unknown"
	}
}

type (
	// MessageEnvelope is what the ratchet engine emits for one message. The
	// Boundary Guard validates it and attaches the authoritative ids before
	// it is persisted or forwarded.
	MessageEnvelope struct {
		Ciphertext []byte `json:"ciphertext" bson:"ciphertext"`
		Tag        []byte `json:"tag" bson:"tag"`
		Nonce      []byte `json:"nonce" bson:"nonce"`

		RatchetPub   [32]byte `json:"ratchet_pub" bson:"ratchet_pub"`
		ChainIndex   uint32   `json:"chain_index" bson:"chain_index"`
		PrevChainLen uint32   `json:"prev_chain_len" bson:"prev_chain_len"`

		Algorithm Algorithm `json:"algorithm" bson:"algorithm"`
		KeyID     uint32    `json:"key_id" bson:"key_id"`

		AAD []byte `json:"aad" bson:"aad"`
	}

	// CanonicalEnvelope is a guard-accepted envelope bound to the ids the
	// server assigned or verified. Only canonical envelopes reach storage
	// and delivery.
	CanonicalEnvelope struct {
		MessageEnvelope `bson:",inline"`

		MessageID string `json:"message_id" bson:"message_id"`
		ChatID    string `json:"chat_id" bson:"chat_id"`
		SenderID  string `json:"sender_id" bson:"sender_id"`
	}
)

// ComputeAAD binds an envelope to its delivery context. Both the sender and
// the Boundary Guard derive it from the same fields; the guard rejects any
// envelope whose AAD does not match its own computation.
func ComputeAAD(messageID, chatID, senderID string, alg Algorithm, keyID uint32) []byte {
	h := sha256.New()
	h.Write([]byte(messageID))
	h.Write([]byte{'|'})
	h.Write([]byte(chatID))
	h.Write([]byte{'|'})
	h.Write([]byte(senderID))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatUint(uint64(alg), 10)))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatUint(uint64(keyID), 10)))
	return h.Sum(nil)
}
