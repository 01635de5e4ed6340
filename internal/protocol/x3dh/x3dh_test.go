package x3dh_test

import (
	"bytes"
	"errors"
	"testing"

	"e2ee_core/internal/protocol/x3dh"
	"e2ee_core/internal/registry"
)

func newResponder(t *testing.T, prekeys int) *registry.Registry {
	t.Helper()
	reg := registry.New("bob")
	if _, err := reg.GenerateIdentity(); err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	if _, err := reg.GenerateSignedPrekey(); err != nil {
		t.Fatalf("GenerateSignedPrekey: %v", err)
	}
	if prekeys > 0 {
		if _, err := reg.GenerateOneTimePrekeys(prekeys); err != nil {
			t.Fatalf("GenerateOneTimePrekeys: %v", err)
		}
	}
	return reg
}

func newInitiator(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New("alice")
	if _, err := reg.GenerateIdentity(); err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	return reg
}

func TestHandshakeMirroredKeys(t *testing.T) {
	for _, tc := range []struct {
		name    string
		prekeys int
	}{
		{name: "with one-time prekey", prekeys: 3},
		{name: "3-DH fallback", prekeys: 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			alice := newInitiator(t)
			bob := newResponder(t, tc.prekeys)

			bundle, err := bob.PublishBundle()
			if err != nil {
				t.Fatalf("PublishBundle: %v", err)
			}
			aliceIdentity, _ := alice.Identity()

			res, err := x3dh.Initiate(aliceIdentity, bundle)
			if err != nil {
				t.Fatalf("Initiate: %v", err)
			}
			if tc.prekeys > 0 && res.Message.OneTimePrekeyID == nil {
				t.Fatal("initiator skipped an available one-time prekey")
			}
			if tc.prekeys == 0 && res.Message.OneTimePrekeyID != nil {
				t.Fatal("initiator invented a one-time prekey id")
			}

			var otkPriv *[32]byte
			if res.Message.OneTimePrekeyID != nil {
				priv, err := bob.ConsumeOneTimePrekey(*res.Message.OneTimePrekeyID)
				if err != nil {
					t.Fatalf("ConsumeOneTimePrekey: %v", err)
				}
				otkPriv = &priv
			}

			keys, err := x3dh.Respond(bob, &res.Message, otkPriv)
			if err != nil {
				t.Fatalf("Respond: %v", err)
			}

			if !bytes.Equal(res.Keys.RootKey, keys.RootKey) {
				t.Fatal("root keys diverge")
			}
			if !bytes.Equal(res.Keys.SendingChainKey, keys.ReceivingChainKey) {
				t.Fatal("initiator sending chain != responder receiving chain")
			}
			if !bytes.Equal(res.Keys.ReceivingChainKey, keys.SendingChainKey) {
				t.Fatal("initiator receiving chain != responder sending chain")
			}
			if bytes.Equal(keys.SendingChainKey, keys.ReceivingChainKey) {
				t.Fatal("chain keys collapsed to one value")
			}
		})
	}
}

func TestHandshakeSessionsIndependent(t *testing.T) {
	alice := newInitiator(t)
	bob := newResponder(t, 2)
	bundle, _ := bob.PublishBundle()
	aliceIdentity, _ := alice.Identity()

	first, err := x3dh.Initiate(aliceIdentity, bundle)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	second, err := x3dh.Initiate(aliceIdentity, bundle)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if bytes.Equal(first.Keys.RootKey, second.Keys.RootKey) {
		t.Fatal("two handshakes derived the same root key")
	}
}

func TestInitiateRejectsBadSignature(t *testing.T) {
	alice := newInitiator(t)
	bob := newResponder(t, 1)
	bundle, _ := bob.PublishBundle()
	aliceIdentity, _ := alice.Identity()

	bundle.SignedPrekeySignature[0] ^= 0xff
	_, err := x3dh.Initiate(aliceIdentity, bundle)
	if !errors.Is(err, x3dh.ErrInvalidPrekeySignature) {
		t.Fatalf("err = %v, want ErrInvalidPrekeySignature", err)
	}
}

func TestRespondUnknownSignedPrekey(t *testing.T) {
	alice := newInitiator(t)
	bob := newResponder(t, 1)
	bundle, _ := bob.PublishBundle()
	aliceIdentity, _ := alice.Identity()

	res, err := x3dh.Initiate(aliceIdentity, bundle)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	res.Message.SignedPrekeyID = 9999
	_, err = x3dh.Respond(bob, &res.Message, nil)
	if !errors.Is(err, registry.ErrUnknownSignedPrekey) {
		t.Fatalf("err = %v, want ErrUnknownSignedPrekey", err)
	}
}
