package database

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/options"

	"listingwatcher/internal/model"
)

func (db Database) CredentialUpsert(ctx context.Context, c model.ServiceCredential) error {
	now := primitive.NewDateTimeFromTime(time.Now())
	_, err := db.Collection(CollectionServiceCredentials).UpdateOne(
		ctx,
		bson.M{"user_id": c.UserID, "service_id": c.ServiceID},
		bson.M{
			"$set": bson.M{
				"username":        c.Username,
				"password_sealed": c.PasswordSealed,
				"invalid":         false,
				"invalid_reason":  "",
				"updated_at":      now,
			},
			"$setOnInsert": bson.M{
				"user_id":    c.UserID,
				"service_id": c.ServiceID,
				"created_at": now,
			},
		},
		options.Update().SetUpsert(true),
	)
	return errors.Wrapf(err, "error upserting ServiceCredential for UserID: %s, ServiceID: %s",
		c.UserID.Hex(), c.ServiceID.Hex())
}

func (db Database) CredentialFind(
	ctx context.Context, userID primitive.ObjectID, serviceID primitive.ObjectID,
) (model.ServiceCredential, error) {
	var c model.ServiceCredential
	err := db.Collection(CollectionServiceCredentials).FindOne(
		ctx,
		bson.M{"user_id": userID, "service_id": serviceID},
	).Decode(&c)
	return c, errors.Wrapf(err, "error finding ServiceCredential for UserID: %s, ServiceID: %s",
		userID.Hex(), serviceID.Hex())
}

func (db Database) CredentialDelete(
	ctx context.Context, userID primitive.ObjectID, serviceID primitive.ObjectID,
) error {
	res, err := db.Collection(CollectionServiceCredentials).DeleteOne(
		ctx,
		bson.M{"user_id": userID, "service_id": serviceID},
	)
	if err != nil {
		return errors.Wrapf(err, "error deleting ServiceCredential for UserID: %s, ServiceID: %s",
			userID.Hex(), serviceID.Hex())
	}
	if res.DeletedCount == 0 {
		return errors.Wrapf(ErrNoDocumentsModified,
			"no ServiceCredential deleted for UserID: %s, ServiceID: %s", userID.Hex(), serviceID.Hex())
	}
	return nil
}

// CredentialMarkInvalid soft-invalidates a credential after repeated login
// failures; the user has to re-enter it through the API.
func (db Database) CredentialMarkInvalid(
	ctx context.Context, credentialID primitive.ObjectID, reason string,
) error {
	res, err := db.Collection(CollectionServiceCredentials).UpdateOne(
		ctx,
		bson.M{"_id": credentialID},
		bson.M{"$set": bson.M{
			"invalid":        true,
			"invalid_reason": reason,
			"updated_at":     primitive.NewDateTimeFromTime(time.Now()),
		}},
	)
	if err != nil {
		return errors.Wrapf(err, "error marking ServiceCredential invalid, ID: %s", credentialID.Hex())
	}
	if res.ModifiedCount == 0 {
		return errors.Wrapf(ErrNoDocumentsModified,
			"ServiceCredential not modified when marking invalid, ID: %s", credentialID.Hex())
	}
	return nil
}
