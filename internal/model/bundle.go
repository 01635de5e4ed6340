package model

type (
	// OneTimePrekeyPublic is the published half of a one-time prekey.
	OneTimePrekeyPublic struct {
		ID  uint32 `bson:"id" json:"id"`
		Pub []byte `bson:"pub" json:"pub"`
	}

	// PrekeyBundle is the public key material a peer needs to initiate a
	// handshake. Published to the directory; one-time prekeys are handed out
	// at most once each.
	PrekeyBundle struct {
		UserID string `bson:"user_id" json:"user_id"`

		IdentityKey []byte `bson:"identity_key" json:"identity_key"`
		SigningKey  []byte `bson:"signing_key" json:"signing_key"`

		SignedPrekeyID        uint32 `bson:"signed_prekey_id" json:"signed_prekey_id"`
		SignedPrekey          []byte `bson:"signed_prekey" json:"signed_prekey"`
		SignedPrekeySignature []byte `bson:"signed_prekey_signature" json:"signed_prekey_signature"`

		OneTimePrekeys []OneTimePrekeyPublic `bson:"one_time_prekeys" json:"one_time_prekeys,omitempty"`

		Version uint32 `bson:"version" json:"version"`
	}
)
