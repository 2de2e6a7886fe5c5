package model

import "go.mongodb.org/mongo-driver/bson/primitive"

// Service is an external marketplace definition. Created by an admin,
// immutable afterwards.
type Service struct {
	ID         primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Name       string             `bson:"name" json:"name"`
	BaseDomain string             `bson:"base_domain" json:"base_domain"`
	LoginFlow  string             `bson:"login_flow" json:"-"`
	CreatedAt  primitive.DateTime `bson:"created_at" json:"-"`
}
