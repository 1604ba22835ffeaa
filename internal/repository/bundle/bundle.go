package bundle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"securemsg/internal/model"
	"securemsg/internal/protocol/x3dh"
	"securemsg/internal/service/directory"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	signedPreKeyDoc struct {
		ID        uint32    `bson:"id"`
		PublicKey []byte    `bson:"public_key"`
		ExpiresAt time.Time `bson:"expires_at"`
		Signature []byte    `bson:"signature"`
	}

	oneTimePreKeyDoc struct {
		ID        uint32 `bson:"id"`
		PublicKey []byte `bson:"public_key"`
	}

	bundleDoc struct {
		KeyID          string             `bson:"_id"`
		UserID         string             `bson:"user_id"`
		DeviceID       string             `bson:"device_id"`
		Version        uint32             `bson:"version"`
		IdentityKey    []byte             `bson:"identity_key"`
		SigningKey     []byte             `bson:"signing_key"`
		SignedPreKey   signedPreKeyDoc    `bson:"signed_prekey"`
		OneTimePreKeys []oneTimePreKeyDoc `bson:"one_time_prekeys"`
		MaxPreKeyID    uint32             `bson:"max_prekey_id"`
		Revoked        bool               `bson:"revoked"`
		UpdatedAt      time.Time          `bson:"updated_at"`
	}

	// BundleRepo is the key directory backed by a Mongo collection.
	BundleRepo struct {
		collection *mongo.Collection
		now        func() time.Time
	}
)

var _ directory.Directory = (*BundleRepo)(nil)

func NewBundleRepo(db *mongo.Database) *BundleRepo {
	return &BundleRepo{
		collection: db.Collection("bundles"),
		now:        time.Now,
	}
}

func (r *BundleRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "device_id", Value: 1}},
	})
	return err
}

func toDoc(b *model.KeyBundle, now time.Time) *bundleDoc {
	d := &bundleDoc{
		KeyID:       b.KeyID.String(),
		UserID:      b.UserID,
		DeviceID:    b.DeviceID,
		Version:     b.Version,
		IdentityKey: b.IdentityKey,
		SigningKey:  b.SigningKey,
		SignedPreKey: signedPreKeyDoc{
			ID:        b.SignedPreKey.ID,
			PublicKey: b.SignedPreKey.PublicKey,
			ExpiresAt: b.SignedPreKey.ExpiresAt,
			Signature: b.SignedPreKey.Signature,
		},
		OneTimePreKeys: toPreKeyDocs(b.OneTimePreKeys),
		MaxPreKeyID:    directory.MaxPreKeyID(b.OneTimePreKeys, 0),
		Revoked:        b.Revoked,
		UpdatedAt:      now,
	}
	return d
}

func toPreKeyDocs(keys []model.OneTimePreKey) []oneTimePreKeyDoc {
	out := []oneTimePreKeyDoc{}
	for _, k := range keys {
		out = append(out, oneTimePreKeyDoc{ID: k.ID, PublicKey: k.PublicKey})
	}
	return out
}

func (d *bundleDoc) toModel() (*model.KeyBundle, error) {
	id, err := uuid.Parse(d.KeyID)
	if err != nil {
		return nil, fmt.Errorf("stored bundle id %q: %w", d.KeyID, err)
	}
	return &model.KeyBundle{
		KeyID:       id,
		UserID:      d.UserID,
		DeviceID:    d.DeviceID,
		Version:     d.Version,
		IdentityKey: d.IdentityKey,
		SigningKey:  d.SigningKey,
		SignedPreKey: model.SignedPreKey{
			ID:        d.SignedPreKey.ID,
			PublicKey: d.SignedPreKey.PublicKey,
			ExpiresAt: d.SignedPreKey.ExpiresAt,
			Signature: d.SignedPreKey.Signature,
		},
		Revoked: d.Revoked,
	}, nil
}

func (r *BundleRepo) get(ctx context.Context, keyID uuid.UUID) (*bundleDoc, error) {
	var d bundleDoc
	err := r.collection.FindOne(ctx, bson.M{"_id": keyID.String()}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *BundleRepo) PublishBundle(ctx context.Context, b *model.KeyBundle) error {
	if err := x3dh.VerifyBundle(b, r.now()); err != nil {
		return err
	}

	prev, err := r.get(ctx, b.KeyID)
	if err != nil {
		return err
	}
	if prev == nil {
		_, err = r.collection.InsertOne(ctx, toDoc(b, r.now()))
		return err
	}

	pb, err := prev.toModel()
	if err != nil {
		return err
	}
	if err := directory.CheckRepublish(pb, b); err != nil {
		return err
	}

	d := toDoc(b, r.now())
	fresh := directory.NewPreKeys(b.OneTimePreKeys, prev.MaxPreKeyID)
	_, err = r.collection.UpdateOne(ctx,
		bson.M{"_id": d.KeyID, "revoked": false},
		bson.M{
			"$set": bson.M{
				"version":       d.Version,
				"signed_prekey": d.SignedPreKey,
				"updated_at":    d.UpdatedAt,
			},
			"$max":  bson.M{"max_prekey_id": directory.MaxPreKeyID(fresh, prev.MaxPreKeyID)},
			"$push": bson.M{"one_time_prekeys": bson.M{"$each": toPreKeyDocs(fresh)}},
		})
	return err
}

func (r *BundleRepo) PreKeyCount(ctx context.Context, keyID uuid.UUID) (int, error) {
	d, err := r.get(ctx, keyID)
	if err != nil {
		return 0, err
	}
	if d == nil {
		return 0, fmt.Errorf("key %s: %w", keyID, model.ErrUnknownKey)
	}
	return len(d.OneTimePreKeys), nil
}

// FetchBundles pops one one-time prekey from every active bundle of the
// user. The pop is a single atomic update per bundle, so two callers never
// get the same prekey.
func (r *BundleRepo) FetchBundles(ctx context.Context, userID string) ([]*model.KeyBundle, error) {
	cur, err := r.collection.Find(ctx, bson.M{"user_id": userID, "revoked": false},
		options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, err
	}
	var ids []bundleDoc
	if err := cur.All(ctx, &ids); err != nil {
		return nil, err
	}

	var out []*model.KeyBundle
	for _, id := range ids {
		var d bundleDoc
		err := r.collection.FindOneAndUpdate(ctx,
			bson.M{"_id": id.KeyID, "revoked": false},
			bson.M{"$pop": bson.M{"one_time_prekeys": -1}},
			options.FindOneAndUpdate().SetReturnDocument(options.Before),
		).Decode(&d)
		if errors.Is(err, mongo.ErrNoDocuments) {
			continue
		}
		if err != nil {
			return nil, err
		}

		b, err := d.toModel()
		if err != nil {
			return nil, err
		}
		if len(d.OneTimePreKeys) > 0 {
			k := d.OneTimePreKeys[0]
			b.OneTimePreKeys = []model.OneTimePreKey{{ID: k.ID, PublicKey: k.PublicKey}}
		}
		out = append(out, b)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no active keys for user %s: %w", userID, model.ErrUnknownKey)
	}
	return out, nil
}

func (r *BundleRepo) FetchKey(ctx context.Context, keyID uuid.UUID) (*model.KeyBundle, error) {
	d, err := r.get(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("key %s: %w", keyID, model.ErrUnknownKey)
	}
	return d.toModel()
}

func (r *BundleRepo) RevokeKey(ctx context.Context, keyID uuid.UUID, sig []byte) error {
	d, err := r.get(ctx, keyID)
	if err != nil {
		return err
	}
	if d == nil {
		return fmt.Errorf("key %s: %w", keyID, model.ErrUnknownKey)
	}
	b, err := d.toModel()
	if err != nil {
		return err
	}
	if err := directory.VerifyRevocation(b, sig); err != nil {
		return err
	}

	_, err = r.collection.UpdateOne(ctx, bson.M{"_id": d.KeyID}, bson.M{"$set": bson.M{
		"revoked":          true,
		"one_time_prekeys": []oneTimePreKeyDoc{},
		"updated_at":       r.now(),
	}})
	return err
}
