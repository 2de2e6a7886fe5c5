// Package server is the HTTP API: user accounts, service credentials, search
// configs, listings and notifications. The scraping itself runs in the
// background scheduler; the API only edits its inputs and reads its outputs.
package server

import (
	"context"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"listingwatcher/internal/credstore"
	"listingwatcher/internal/database"
	"listingwatcher/internal/model"
)

// schedulerControl is the slice of the scheduler the API needs: nudging the
// queue after config edits and reporting liveness.
type schedulerControl interface {
	ScheduleNow(configID primitive.ObjectID)
	OnConfigChanged(cfg model.SearchConfig)
	Healthy() bool
}

type credentialStore interface {
	Put(ctx context.Context, userID, serviceID primitive.ObjectID, username, password string) error
	Get(ctx context.Context, userID, serviceID primitive.ObjectID) (credstore.Credential, error)
}

type Server struct {
	DB            database.Database
	Creds         credentialStore
	Sched         schedulerControl
	Logger        logger
	AuthSecretKey jwk.Key
}

type logger interface {
	Debug(v ...any)
	Info(v ...any)
	Error(v ...any)
	Tracef(format string, v ...any)
	Debugf(format string, v ...any)
	Infof(format string, v ...any)
	Warnf(format string, v ...any)
	Errorf(format string, v ...any)
}
