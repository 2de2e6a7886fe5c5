package database

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"listingwatcher/internal/model"
)

// NotificationInsertIfAbsent creates the notification unless one already
// exists for the (user, listing) pair. A duplicate-key rejection means some
// earlier run (possibly before a crash) already created it, so the caller
// skips dispatch silently.
func (db Database) NotificationInsertIfAbsent(ctx context.Context, n model.Notification) (model.Notification, bool, error) {
	n.Status = model.NotificationPending
	n.CreatedAt = primitive.NewDateTimeFromTime(time.Now())
	n.UpdatedAt = n.CreatedAt
	r, err := db.Collection(CollectionNotifications).InsertOne(ctx, n)
	if err == nil {
		n.ID = r.InsertedID.(primitive.ObjectID)
		return n, true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return model.Notification{}, false, errors.Wrapf(err,
			"error inserting Notification for UserID: %s, ListingID: %s", n.UserID.Hex(), n.ListingID.Hex())
	}
	return model.Notification{}, false, nil
}

func (db Database) NotificationSetStatus(
	ctx context.Context, id primitive.ObjectID, status model.NotificationStatus,
) error {
	res, err := db.Collection(CollectionNotifications).UpdateOne(
		ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{
			"status":     status,
			"updated_at": primitive.NewDateTimeFromTime(time.Now()),
		}},
	)
	if err != nil {
		return errors.Wrapf(err, "error setting Notification status to %s, ID: %s", status, id.Hex())
	}
	if res.MatchedCount == 0 {
		return errors.Wrapf(ErrNoDocumentsModified, "Notification not found for status update, ID: %s", id.Hex())
	}
	return nil
}

func (db Database) NotificationMarkRead(
	ctx context.Context, userID primitive.ObjectID, id primitive.ObjectID,
) error {
	now := primitive.NewDateTimeFromTime(time.Now())
	res, err := db.Collection(CollectionNotifications).UpdateOne(
		ctx,
		bson.M{"_id": id, "user_id": userID},
		bson.M{"$set": bson.M{
			"status":     model.NotificationRead,
			"read_at":    now,
			"updated_at": now,
		}},
	)
	if err != nil {
		return errors.Wrapf(err, "error marking Notification read, ID: %s, UserID: %s", id.Hex(), userID.Hex())
	}
	if res.MatchedCount == 0 {
		return errors.Wrapf(ErrNoDocumentsModified,
			"Notification not found for mark read, ID: %s, UserID: %s", id.Hex(), userID.Hex())
	}
	return nil
}

// NotificationsFindByConfig lists a user's notifications that came from one
// SearchConfig, newest first. The API uses it to show listings per search.
func (db Database) NotificationsFindByConfig(
	ctx context.Context, userID primitive.ObjectID, configID primitive.ObjectID, limit int64,
) ([]model.Notification, error) {
	var ns []model.Notification
	opts := options.Find().SetSort(bson.M{"created_at": -1}).SetLimit(limit)
	cur, err := db.Collection(CollectionNotifications).Find(
		ctx,
		bson.M{"user_id": userID, "search_config_id": configID},
		opts,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "error getting cursor to find Notifications for SearchConfigID: %s", configID.Hex())
	}
	if err = cur.All(ctx, &ns); err != nil {
		return nil, errors.Wrapf(err, "error getting Notifications from cursor for SearchConfigID: %s", configID.Hex())
	}
	return ns, nil
}

func (db Database) NotificationsFindByUser(
	ctx context.Context, userID primitive.ObjectID, limit int64,
) ([]model.Notification, error) {
	var ns []model.Notification
	opts := options.Find().SetSort(bson.M{"created_at": -1}).SetLimit(limit)
	cur, err := db.Collection(CollectionNotifications).Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "error getting cursor to find Notifications for UserID: %s", userID.Hex())
	}
	if err = cur.All(ctx, &ns); err != nil {
		return nil, errors.Wrapf(err, "error getting Notifications from cursor for UserID: %s", userID.Hex())
	}
	return ns, nil
}
