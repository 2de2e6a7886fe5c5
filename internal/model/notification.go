package model

import "go.mongodb.org/mongo-driver/bson/primitive"

type NotificationStatus string

const (
	NotificationPending   NotificationStatus = "PENDING"
	NotificationSent      NotificationStatus = "SENT"
	NotificationDelivered NotificationStatus = "DELIVERED"
	NotificationRead      NotificationStatus = "READ"
	NotificationFailed    NotificationStatus = "FAILED"
)

// Notification records that a listing was surfaced to a user. At most one
// exists per (user, listing), enforced by a unique index, which is what makes
// dispatch idempotent under retries and restarts.
type Notification struct {
	ID             primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	UserID         primitive.ObjectID `bson:"user_id" json:"-"`
	ListingID      primitive.ObjectID `bson:"listing_id" json:"listing_id"`
	SearchConfigID primitive.ObjectID `bson:"search_config_id" json:"search_config_id"`
	Status         NotificationStatus `bson:"status" json:"status"`
	ReadAt         primitive.DateTime `bson:"read_at,omitempty" json:"read_at,omitempty"`
	CreatedAt      primitive.DateTime `bson:"created_at" json:"created_at"`
	UpdatedAt      primitive.DateTime `bson:"updated_at" json:"-"`
}
