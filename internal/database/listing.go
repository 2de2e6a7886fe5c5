package database

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"listingwatcher/internal/model"
)

// ListingInsertIfAbsent inserts the listing unless one with the same
// (service_id, external_id) already exists. The unique index decides, so two
// concurrent ingestion runs cannot race into duplicates. Returns the stored
// listing and whether this call inserted it.
func (db Database) ListingInsertIfAbsent(ctx context.Context, l model.Listing) (model.Listing, bool, error) {
	l.FirstSeenAt = primitive.NewDateTimeFromTime(time.Now())
	r, err := db.Collection(CollectionListings).InsertOne(ctx, l)
	if err == nil {
		l.ID = r.InsertedID.(primitive.ObjectID)
		return l, true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return model.Listing{}, false, errors.Wrapf(err, "error inserting Listing, ServiceID: %s, ExternalID: %s",
			l.ServiceID.Hex(), l.ExternalID)
	}
	var existing model.Listing
	err = db.Collection(CollectionListings).FindOne(
		ctx,
		bson.M{"service_id": l.ServiceID, "external_id": l.ExternalID},
	).Decode(&existing)
	if err != nil {
		return model.Listing{}, false, errors.Wrapf(err,
			"error finding existing Listing after duplicate key, ServiceID: %s, ExternalID: %s",
			l.ServiceID.Hex(), l.ExternalID)
	}
	return existing, false, nil
}

func (db Database) ListingFindByID(ctx context.Context, id primitive.ObjectID) (model.Listing, error) {
	var l model.Listing
	err := db.Collection(CollectionListings).FindOne(ctx, bson.M{"_id": id}).Decode(&l)
	return l, errors.Wrapf(err, "error finding Listing with ID: %s", id.Hex())
}

func (db Database) ListingsFind(ctx context.Context, ids []primitive.ObjectID) ([]model.Listing, error) {
	var ls []model.Listing
	cur, err := db.Collection(CollectionListings).Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, errors.Wrapf(err, "error getting cursor to find Listings, IDs: %v", ids)
	}
	if err = cur.All(ctx, &ls); err != nil {
		return nil, errors.Wrapf(err, "error getting Listings from cursor, IDs: %v", ids)
	}
	return ls, nil
}

// ListingSetModerationFlag sets marked_spam or marked_success; the only
// mutation listings ever see after insertion.
func (db Database) ListingSetModerationFlag(
	ctx context.Context, id primitive.ObjectID, flag string, value bool,
) error {
	if flag != "marked_spam" && flag != "marked_success" {
		return errors.Errorf("invalid Listing moderation flag: %s", flag)
	}
	res, err := db.Collection(CollectionListings).UpdateOne(
		ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{flag: value}},
	)
	if err != nil {
		return errors.Wrapf(err, "error setting %s on Listing, ID: %s", flag, id.Hex())
	}
	if res.MatchedCount == 0 {
		return errors.Wrapf(ErrNoDocumentsModified, "Listing not found for %s, ID: %s", flag, id.Hex())
	}
	return nil
}
