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

func (db Database) UserInsert(ctx context.Context, u model.User) (id string, err error) {
	if u.Devices == nil {
		u.Devices = []model.Device{}
	}
	u.CreatedAt = primitive.NewDateTimeFromTime(time.Now())
	u.UpdatedAt = u.CreatedAt

	r, err := db.Collection(CollectionUsers).InsertOne(ctx, u)
	if err != nil {
		return "", errors.Wrapf(err, "error inserting User with email: %s", u.Email)
	}
	return r.InsertedID.(primitive.ObjectID).Hex(), nil
}

func (db Database) UserFindByEmail(ctx context.Context, email string) (model.User, error) {
	var u model.User
	err := db.Collection(CollectionUsers).FindOne(ctx, bson.M{"email": email}).Decode(&u)
	return u, errors.Wrapf(err, "error finding User with email: %s", email)
}

func (db Database) UserFindByID(ctx context.Context, id string) (model.User, error) {
	var u model.User

	objID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return u, errors.Wrapf(err, "error creating ObjectID from hex: %s", id)
	}

	err = db.Collection(CollectionUsers).FindOne(ctx, bson.M{"_id": objID}).Decode(&u)
	return u, errors.Wrapf(err, "error finding User with ID: %s", id)
}

// UserDeviceUpsert replaces the device slot matching d.DeviceID, or appends a
// new slot when the user has no device with that ID yet.
func (db Database) UserDeviceUpsert(ctx context.Context, userID string, d model.Device) error {
	objID, err := primitive.ObjectIDFromHex(userID)
	if err != nil {
		return errors.Wrapf(err, "error creating ObjectID from hex: %s", userID)
	}

	res, err := db.Collection(CollectionUsers).UpdateOne(
		ctx,
		bson.M{"_id": objID, "devices.device_id": d.DeviceID},
		bson.M{"$set": bson.M{
			"devices.$":  d,
			"updated_at": primitive.NewDateTimeFromTime(time.Now()),
		}},
	)
	if err != nil {
		return errors.Wrapf(err, "error updating Device on User with ID: %s", userID)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	res, err = db.Collection(CollectionUsers).UpdateOne(
		ctx,
		bson.M{"_id": objID},
		bson.M{
			"$push": bson.M{"devices": d},
			"$set":  bson.M{"updated_at": primitive.NewDateTimeFromTime(time.Now())},
		},
	)
	if err != nil {
		return errors.Wrapf(err, "error adding Device to User with ID: %s", userID)
	}
	if res.ModifiedCount == 0 {
		return errors.Wrapf(ErrNoDocumentsModified, "User not modified when adding Device, UserID: %s", userID)
	}
	return nil
}

func (db Database) UserDeviceLastSeenUpdate(ctx context.Context, userID string, deviceID string) error {
	objID, err := primitive.ObjectIDFromHex(userID)
	if err != nil {
		return errors.Wrapf(err, "error creating ObjectID from hex: %s", userID)
	}
	_, err = db.Collection(CollectionUsers).UpdateOne(
		ctx,
		bson.M{"_id": objID, "devices.device_id": deviceID},
		bson.M{"$set": bson.M{"devices.$.last_seen": primitive.NewDateTimeFromTime(time.Now())}},
	)
	return errors.Wrapf(err, "error updating Device LastSeen, UserID: %s, DeviceID: %s", userID, deviceID)
}

// UserDeviceTokensClear removes the login and push tokens from a device slot
// on logout, leaving the slot itself in place.
func (db Database) UserDeviceTokensClear(ctx context.Context, userID string, deviceID string) error {
	objID, err := primitive.ObjectIDFromHex(userID)
	if err != nil {
		return errors.Wrapf(err, "error creating ObjectID from hex: %s", userID)
	}
	_, err = db.Collection(CollectionUsers).UpdateOne(
		ctx,
		bson.M{"_id": objID, "devices.device_id": deviceID},
		bson.M{
			"$set": bson.M{
				"devices.$.login_token": model.LoginToken{},
				"updated_at":            primitive.NewDateTimeFromTime(time.Now()),
			},
			"$unset": bson.M{"devices.$.push_token": ""},
		},
	)
	return errors.Wrapf(err, "error clearing Device tokens, UserID: %s, DeviceID: %s", userID, deviceID)
}

func (db Database) UserDeviceDeactivate(ctx context.Context, userID primitive.ObjectID, deviceID string) error {
	res, err := db.Collection(CollectionUsers).UpdateOne(
		ctx,
		bson.M{"_id": userID, "devices.device_id": deviceID},
		bson.M{"$set": bson.M{
			"devices.$.active": false,
			"updated_at":       primitive.NewDateTimeFromTime(time.Now()),
		}},
	)
	if err != nil {
		return errors.Wrapf(err, "error deactivating Device, UserID: %s, DeviceID: %s", userID.Hex(), deviceID)
	}
	if res.MatchedCount == 0 {
		return errors.Wrapf(ErrNoDocumentsModified,
			"Device not found for deactivation, UserID: %s, DeviceID: %s", userID.Hex(), deviceID)
	}
	return nil
}

// UserDeviceDeactivateByPushToken turns off the device slot holding a push
// token the provider rejected as permanently invalid.
func (db Database) UserDeviceDeactivateByPushToken(ctx context.Context, pushToken string) error {
	res, err := db.Collection(CollectionUsers).UpdateOne(
		ctx,
		bson.M{"devices.push_token": pushToken},
		bson.M{"$set": bson.M{
			"devices.$.active": false,
			"updated_at":       primitive.NewDateTimeFromTime(time.Now()),
		}},
	)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil
		}
		return errors.Wrap(err, "error deactivating Device by push token")
	}
	if res.MatchedCount == 0 {
		return errors.Wrap(ErrNoDocumentsModified, "no Device found for rejected push token")
	}
	return nil
}

// UserActiveDevicesFind returns the user's devices that still hold an active
// push registration.
func (db Database) UserActiveDevicesFind(ctx context.Context, userID primitive.ObjectID) ([]model.Device, error) {
	var u model.User
	opts := options.FindOne().SetProjection(bson.M{"devices": 1})
	err := db.Collection(CollectionUsers).FindOne(ctx, bson.M{"_id": userID}, opts).Decode(&u)
	if err != nil {
		return nil, errors.Wrapf(err, "error finding User Devices, UserID: %s", userID.Hex())
	}
	var active []model.Device
	for _, d := range u.Devices {
		if d.Active && d.PushToken != "" {
			active = append(active, d)
		}
	}
	return active, nil
}
