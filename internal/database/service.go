package database

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"listingwatcher/internal/model"
)

func (db Database) ServiceInsert(ctx context.Context, s model.Service) (id string, err error) {
	s.CreatedAt = primitive.NewDateTimeFromTime(time.Now())
	r, err := db.Collection(CollectionServices).InsertOne(ctx, s)
	if err != nil {
		return "", errors.Wrapf(err, "error inserting Service with name: %s", s.Name)
	}
	return r.InsertedID.(primitive.ObjectID).Hex(), nil
}

func (db Database) ServiceFindByID(ctx context.Context, id primitive.ObjectID) (model.Service, error) {
	var s model.Service
	err := db.Collection(CollectionServices).FindOne(ctx, bson.M{"_id": id}).Decode(&s)
	return s, errors.Wrapf(err, "error finding Service with ID: %s", id.Hex())
}

func (db Database) ServicesFindAll(ctx context.Context) ([]model.Service, error) {
	var ss []model.Service
	cur, err := db.Collection(CollectionServices).Find(ctx, bson.M{})
	if err != nil {
		return nil, errors.Wrap(err, "error getting cursor to find all Services")
	}
	if err = cur.All(ctx, &ss); err != nil {
		return nil, errors.Wrap(err, "error getting all Services from cursor")
	}
	return ss, nil
}
