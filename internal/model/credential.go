package model

import "go.mongodb.org/mongo-driver/bson/primitive"

// ServiceCredential holds one user's login for one service. The password is
// sealed with secretbox before it reaches the database; only the credential
// store decrypts it, on demand, for the automation session manager.
type ServiceCredential struct {
	ID             primitive.ObjectID `bson:"_id,omitempty"`
	UserID         primitive.ObjectID `bson:"user_id"`
	ServiceID      primitive.ObjectID `bson:"service_id"`
	Username       string             `bson:"username"`
	PasswordSealed []byte             `bson:"password_sealed"`
	Invalid        bool               `bson:"invalid"`
	InvalidReason  string             `bson:"invalid_reason,omitempty"`
	CreatedAt      primitive.DateTime `bson:"created_at"`
	UpdatedAt      primitive.DateTime `bson:"updated_at"`
}
