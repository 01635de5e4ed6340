package model

type (
	// IdentityKeyPair is the long-lived per-device identity: an X25519 pair
	// for key agreement and an Ed25519 pair for prekey signatures. Created at
	// provisioning, replaced only on explicit re-registration.
	IdentityKeyPair struct {
		DHPriv [32]byte
		DHPub  [32]byte

		SigningPriv []byte
		SigningPub  []byte
	}

	// SignedPrekey is the medium-term prekey. The signature covers the public
	// key and is produced with the identity signing key.
	SignedPrekey struct {
		ID        uint32
		Priv      [32]byte
		Pub       [32]byte
		Signature []byte
	}

	// OneTimePrekey is published for use in exactly one handshake.
	OneTimePrekey struct {
		ID   uint32
		Priv [32]byte
		Pub  [32]byte
	}
)
