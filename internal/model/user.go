package model

import "go.mongodb.org/mongo-driver/bson/primitive"

type User struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	Name      string             `bson:"name"`
	Email     string             `bson:"email"`
	Password  []byte             `bson:"password"`
	Devices   []Device           `bson:"devices"`
	CreatedAt primitive.DateTime `bson:"created_at"`
	UpdatedAt primitive.DateTime `bson:"updated_at"`
}

type DevicePlatform string

const (
	PlatformIOS     DevicePlatform = "IOS"
	PlatformAndroid DevicePlatform = "ANDROID"
)

// Device is one push-token registration. Devices are deactivated rather than
// deleted, both on unregister and when the push provider rejects the token as
// permanently invalid.
type Device struct {
	DeviceID   string             `bson:"device_id"`
	Platform   DevicePlatform     `bson:"platform"`
	LoginToken LoginToken         `bson:"login_token"`
	PushToken  string             `bson:"push_token,omitempty"`
	Active     bool               `bson:"active"`
	LastSeen   primitive.DateTime `bson:"last_seen"`
	CreatedAt  primitive.DateTime `bson:"created_at"`
}

type LoginToken struct {
	Token      []byte             `bson:"token"`
	Expiration primitive.DateTime `bson:"expiration"`
	CreatedAt  primitive.DateTime `bson:"created_at"`
}
