package model

import "go.mongodb.org/mongo-driver/bson/primitive"

// Listing is one scraped marketplace item, unique per (service, external id).
// Listings are append-only history: after insertion only the moderation flags
// ever change.
type Listing struct {
	ID            primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	ServiceID     primitive.ObjectID `bson:"service_id" json:"service_id"`
	ExternalID    string             `bson:"external_id" json:"external_id"`
	Title         string             `bson:"title" json:"title"`
	Price         int                `bson:"price" json:"price"`
	Currency      string             `bson:"currency" json:"currency"`
	URL           string             `bson:"url" json:"url"`
	Phone         string             `bson:"phone,omitempty" json:"phone,omitempty"`
	ImageURLs     []string           `bson:"image_urls,omitempty" json:"image_urls,omitempty"`
	Fingerprint   string             `bson:"fingerprint" json:"-"`
	FirstSeenAt   primitive.DateTime `bson:"first_seen_at" json:"first_seen_at"`
	MarkedSpam    bool               `bson:"marked_spam" json:"marked_spam"`
	MarkedSuccess bool               `bson:"marked_success" json:"marked_success"`
}
