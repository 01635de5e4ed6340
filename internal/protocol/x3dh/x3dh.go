package x3dh

import (
	"errors"
	"fmt"

	"e2ee_core/internal/cryptographic/dh"
	"e2ee_core/internal/cryptographic/kdf"
	"e2ee_core/internal/cryptographic/memzero"
	"e2ee_core/internal/cryptographic/signature"
	"e2ee_core/internal/model"
	"e2ee_core/internal/registry"
)

// ErrInvalidPrekeySignature means the bundle's signed prekey did not verify
// against the identity signing key. The handshake attempt fails closed.
var ErrInvalidPrekeySignature = errors.New("invalid signed prekey signature")

const (
	rootInfo      = "X3DHRoot"
	sendingInfo   = "sending"
	receivingInfo = "receiving"
)

type (
	// HandshakeMessage is what the initiator sends alongside (or ahead of)
	// its first ciphertext so the responder can run the mirrored derivation.
	HandshakeMessage struct {
		IdentityKey       [32]byte `json:"identity_key"`
		EphemeralKey      [32]byte `json:"ephemeral_key"`
		InitialRatchetKey [32]byte `json:"initial_ratchet_key"`
		SignedPrekeyID    uint32   `json:"signed_prekey_id"`
		OneTimePrekeyID   *uint32  `json:"one_time_prekey_id,omitempty"`
	}

	// Keys is the output of a completed handshake on either side. Sending and
	// receiving are already mirrored: one party's sending chain key equals
	// the other's receiving chain key.
	Keys struct {
		RootKey           []byte
		SendingChainKey   []byte
		ReceivingChainKey []byte
	}

	// InitiatorResult bundles the derived keys with the message the peer
	// needs and the initiator's initial ratchet key pair.
	InitiatorResult struct {
		Keys               Keys
		Message            HandshakeMessage
		RatchetPriv        [32]byte
		RatchetPub         [32]byte
		RemoteSignedPrekey [32]byte
	}
)

// Initiate runs the initiator side against a published bundle. The signed
// prekey signature is verified before any key agreement. If the bundle has
// no one-time prekeys the handshake degrades to the 3-DH variant.
func Initiate(identity *model.IdentityKeyPair, bundle *model.PrekeyBundle) (*InitiatorResult, error) {
	if len(bundle.SignedPrekey) != 32 || len(bundle.IdentityKey) != 32 {
		return nil, fmt.Errorf("malformed bundle key material")
	}
	if !signature.Verify(bundle.SigningKey, bundle.SignedPrekey, bundle.SignedPrekeySignature) {
		return nil, ErrInvalidPrekeySignature
	}

	ephPriv, ephPub, err := dh.NewX25519KeyPair()
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(ephPriv[:])

	ratchetPriv, ratchetPub, err := dh.NewX25519KeyPair()
	if err != nil {
		return nil, err
	}

	peerIdentity := [32]byte(bundle.IdentityKey)
	peerSPK := [32]byte(bundle.SignedPrekey)

	dh1, err := dh.X25519SharedSecret(identity.DHPriv, peerSPK)
	if err != nil {
		return nil, err
	}
	dh2, err := dh.X25519SharedSecret(ephPriv, peerIdentity)
	if err != nil {
		return nil, err
	}
	dh3, err := dh.X25519SharedSecret(ephPriv, peerSPK)
	if err != nil {
		return nil, err
	}

	var dh4 []byte
	var otkID *uint32
	if len(bundle.OneTimePrekeys) > 0 {
		otk := bundle.OneTimePrekeys[0]
		if len(otk.Pub) != 32 {
			return nil, fmt.Errorf("malformed one-time prekey %d", otk.ID)
		}
		dh4, err = dh.X25519SharedSecret(ephPriv, [32]byte(otk.Pub))
		if err != nil {
			return nil, err
		}
		id := otk.ID
		otkID = &id
	}

	keys, err := deriveKeys(dh1, dh2, dh3, dh4, sendingInfo, receivingInfo)
	if err != nil {
		return nil, err
	}

	return &InitiatorResult{
		Keys: *keys,
		Message: HandshakeMessage{
			IdentityKey:       identity.DHPub,
			EphemeralKey:      ephPub,
			InitialRatchetKey: ratchetPub,
			SignedPrekeyID:    bundle.SignedPrekeyID,
			OneTimePrekeyID:   otkID,
		},
		RatchetPriv:        ratchetPriv,
		RatchetPub:         ratchetPub,
		RemoteSignedPrekey: peerSPK,
	}, nil
}

// Respond runs the responder side using private prekey material from the
// registry. Consuming the named one-time prekey is the caller's job so that
// consumption and session commit stay transactionally coupled; the consumed
// private key (if any) is passed in.
func Respond(reg *registry.Registry, msg *HandshakeMessage, oneTimePriv *[32]byte) (*Keys, error) {
	identity, err := reg.Identity()
	if err != nil {
		return nil, err
	}
	spkPriv, err := reg.SignedPrekeyPrivate(msg.SignedPrekeyID)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(spkPriv[:])

	dh1, err := dh.X25519SharedSecret(spkPriv, msg.IdentityKey)
	if err != nil {
		return nil, err
	}
	dh2, err := dh.X25519SharedSecret(identity.DHPriv, msg.EphemeralKey)
	if err != nil {
		return nil, err
	}
	dh3, err := dh.X25519SharedSecret(spkPriv, msg.EphemeralKey)
	if err != nil {
		return nil, err
	}

	var dh4 []byte
	if oneTimePriv != nil {
		dh4, err = dh.X25519SharedSecret(*oneTimePriv, msg.EphemeralKey)
		if err != nil {
			return nil, err
		}
	}

	// Mirrored labels: the responder's sending chain is the initiator's
	// receiving chain and vice versa.
	return deriveKeys(dh1, dh2, dh3, dh4, receivingInfo, sendingInfo)
}

func deriveKeys(dh1, dh2, dh3, dh4 []byte, sendLabel, recvLabel string) (*Keys, error) {
	concat := make([]byte, 0, 4*32)
	concat = append(concat, dh1...)
	concat = append(concat, dh2...)
	concat = append(concat, dh3...)
	if dh4 != nil {
		concat = append(concat, dh4...)
	}
	defer memzero.Zero(concat)
	memzero.Zero(dh1)
	memzero.Zero(dh2)
	memzero.Zero(dh3)
	memzero.Zero(dh4)

	root, err := kdf.DeriveKey(concat, nil, []byte(rootInfo), 32)
	if err != nil {
		return nil, err
	}
	sending, err := kdf.DeriveKey(root, nil, []byte(sendLabel), 32)
	if err != nil {
		return nil, err
	}
	receiving, err := kdf.DeriveKey(root, nil, []byte(recvLabel), 32)
	if err != nil {
		return nil, err
	}
	return &Keys{RootKey: root, SendingChainKey: sending, ReceivingChainKey: receiving}, nil
}
