package bundle

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"e2ee_core/internal/model"
)

type (
	BundleRepo struct {
		collection *mongo.Collection
	}
)

func NewBundleRepo(db *mongo.Database) *BundleRepo {
	return &BundleRepo{
		collection: db.Collection("prekey_bundles"),
	}
}

// Upsert stores the latest published key material for its user. One-time
// prekeys are appended, never replaced: a prekey already popped by Take must
// not be resurrected by a later publication, so the registry sends each
// prekey exactly once and the stored pool is append-only.
func (r *BundleRepo) Upsert(ctx context.Context, b *model.PrekeyBundle) error {
	filter := bson.M{
		"user_id": b.UserID,
	}
	update := bson.M{
		"$set": bson.M{
			"user_id":                 b.UserID,
			"identity_key":            b.IdentityKey,
			"signing_key":             b.SigningKey,
			"signed_prekey_id":        b.SignedPrekeyID,
			"signed_prekey":           b.SignedPrekey,
			"signed_prekey_signature": b.SignedPrekeySignature,
			"version":                 b.Version,
		},
	}
	if len(b.OneTimePrekeys) > 0 {
		update["$push"] = bson.M{
			"one_time_prekeys": bson.M{"$each": b.OneTimePrekeys},
		}
	}

	_, err := r.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

// Take fetches a user's bundle and atomically pops one one-time prekey from
// it, so no two concurrent fetches ever receive the same prekey id. The
// returned bundle carries at most that single prekey.
func (r *BundleRepo) Take(ctx context.Context, userID string) (*model.PrekeyBundle, error) {
	filter := bson.M{
		"user_id": userID,
	}
	update := bson.M{
		"$pop": bson.M{"one_time_prekeys": -1},
	}

	var b model.PrekeyBundle
	err := r.collection.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.Before)).Decode(&b)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// The pre-update document holds the full pool; only the popped head may
	// be handed out.
	if len(b.OneTimePrekeys) > 1 {
		b.OneTimePrekeys = b.OneTimePrekeys[:1]
	}
	return &b, nil
}
