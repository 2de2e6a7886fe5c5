package database

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"listingwatcher/internal/model"
)

func (db Database) SearchConfigInsert(ctx context.Context, sc model.SearchConfig) (id string, err error) {
	sc.CreatedAt = primitive.NewDateTimeFromTime(time.Now())
	sc.UpdatedAt = sc.CreatedAt
	r, err := db.Collection(CollectionSearchConfigs).InsertOne(ctx, sc)
	if err != nil {
		return "", errors.Wrapf(err, "error inserting SearchConfig for UserID: %s", sc.UserID.Hex())
	}
	return r.InsertedID.(primitive.ObjectID).Hex(), nil
}

func (db Database) SearchConfigFindByID(ctx context.Context, id primitive.ObjectID) (model.SearchConfig, error) {
	var sc model.SearchConfig
	err := db.Collection(CollectionSearchConfigs).FindOne(ctx, bson.M{"_id": id}).Decode(&sc)
	return sc, errors.Wrapf(err, "error finding SearchConfig with ID: %s", id.Hex())
}

func (db Database) SearchConfigsFindByUser(ctx context.Context, userID primitive.ObjectID) ([]model.SearchConfig, error) {
	var scs []model.SearchConfig
	cur, err := db.Collection(CollectionSearchConfigs).Find(ctx, bson.M{"user_id": userID})
	if err != nil {
		return nil, errors.Wrapf(err, "error getting cursor to find SearchConfigs for UserID: %s", userID.Hex())
	}
	if err = cur.All(ctx, &scs); err != nil {
		return nil, errors.Wrapf(err, "error getting SearchConfigs from cursor for UserID: %s", userID.Hex())
	}
	return scs, nil
}

func (db Database) SearchConfigsFindEnabled(ctx context.Context) ([]model.SearchConfig, error) {
	var scs []model.SearchConfig
	cur, err := db.Collection(CollectionSearchConfigs).Find(ctx, bson.M{"enabled": true})
	if err != nil {
		return nil, errors.Wrap(err, "error getting cursor to find enabled SearchConfigs")
	}
	if err = cur.All(ctx, &scs); err != nil {
		return nil, errors.Wrap(err, "error getting enabled SearchConfigs from cursor")
	}
	return scs, nil
}

// SearchConfigUserUpdate writes the user-owned fields only; the scheduling
// fields stay under the scheduler's single-writer control.
func (db Database) SearchConfigUserUpdate(ctx context.Context, sc model.SearchConfig) error {
	res, err := db.Collection(CollectionSearchConfigs).UpdateOne(
		ctx,
		bson.M{"_id": sc.ID, "user_id": sc.UserID},
		bson.M{"$set": bson.M{
			"keywords":             sc.Keywords,
			"price_min":            sc.PriceMin,
			"price_max":            sc.PriceMax,
			"location":             sc.Location,
			"custom_filters":       sc.CustomFilters,
			"interval_seconds":     sc.IntervalSeconds,
			"random_range_seconds": sc.RandomRangeSeconds,
			"enabled":              sc.Enabled,
			"disabled_reason":      sc.DisabledReason,
			"updated_at":           primitive.NewDateTimeFromTime(time.Now()),
		}},
	)
	if err != nil {
		return errors.Wrapf(err, "error updating SearchConfig, ID: %s", sc.ID.Hex())
	}
	if res.MatchedCount == 0 {
		return errors.Wrapf(ErrNoDocumentsModified, "SearchConfig not found for update, ID: %s", sc.ID.Hex())
	}
	return nil
}

// SearchConfigRunCompleted persists the scheduler's post-run bookkeeping.
func (db Database) SearchConfigRunCompleted(
	ctx context.Context, id primitive.ObjectID, lastRunAt time.Time, nextRunAt time.Time, failures int,
) error {
	res, err := db.Collection(CollectionSearchConfigs).UpdateOne(
		ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{
			"last_run_at":          primitive.NewDateTimeFromTime(lastRunAt),
			"next_run_at":          primitive.NewDateTimeFromTime(nextRunAt),
			"consecutive_failures": failures,
			"updated_at":           primitive.NewDateTimeFromTime(time.Now()),
		}},
	)
	if err != nil {
		return errors.Wrapf(err, "error updating SearchConfig run state, ID: %s", id.Hex())
	}
	if res.MatchedCount == 0 {
		return errors.Wrapf(ErrNoDocumentsModified, "SearchConfig not found for run update, ID: %s", id.Hex())
	}
	return nil
}

// SearchConfigDisable flags a config as auto-disabled after the failure
// threshold was exceeded, with a reason the API layer surfaces to the user.
func (db Database) SearchConfigDisable(ctx context.Context, id primitive.ObjectID, reason string) error {
	res, err := db.Collection(CollectionSearchConfigs).UpdateOne(
		ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{
			"enabled":         false,
			"disabled_reason": reason,
			"updated_at":      primitive.NewDateTimeFromTime(time.Now()),
		}},
	)
	if err != nil {
		return errors.Wrapf(err, "error disabling SearchConfig, ID: %s", id.Hex())
	}
	if res.MatchedCount == 0 {
		return errors.Wrapf(ErrNoDocumentsModified, "SearchConfig not found for disable, ID: %s", id.Hex())
	}
	return nil
}
