// Package notifier creates and delivers the notifications for one run's
// matched listings. The (user_id, listing_id) unique index makes creation
// idempotent, so dispatch is safe to re-run after a crash anywhere between
// "listing ingested" and "notification sent".
package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"listingwatcher/internal/client"
	"listingwatcher/internal/misc"
	"listingwatcher/internal/model"
)

type notificationStore interface {
	NotificationInsertIfAbsent(ctx context.Context, n model.Notification) (model.Notification, bool, error)
	NotificationSetStatus(ctx context.Context, id primitive.ObjectID, status model.NotificationStatus) error
	UserActiveDevicesFind(ctx context.Context, userID primitive.ObjectID) ([]model.Device, error)
	UserDeviceDeactivateByPushToken(ctx context.Context, pushToken string) error
}

type pushClient interface {
	PushSend(ctx context.Context, token string, platform model.DevicePlatform, p client.PushPayload) error
}

type logger interface {
	Debugf(format string, v ...any)
	Infof(format string, v ...any)
	Warnf(format string, v ...any)
	Errorf(format string, v ...any)
}

type Dispatcher struct {
	DB     notificationStore
	Push   pushClient
	Logger logger
	// SendMaxAttempts bounds retries per device on transient provider errors.
	SendMaxAttempts int
	// RetryDelay between attempts; overridable in tests.
	RetryDelay time.Duration
}

// Dispatch creates at most one notification per listing for the config's
// owner and fans each new one out to the user's active devices. Failures on
// one device never block the others.
func (d *Dispatcher) Dispatch(ctx context.Context, cfg model.SearchConfig, listings []model.Listing) error {
	for _, l := range listings {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, created, err := d.DB.NotificationInsertIfAbsent(ctx, model.Notification{
			UserID:         cfg.UserID,
			ListingID:      l.ID,
			SearchConfigID: cfg.ID,
		})
		if err != nil {
			d.Logger.Errorf("notifier: Error creating Notification for ListingID: %s, err: %v", l.ID.Hex(), err)
			continue
		}
		if !created {
			// Some earlier run already notified this user about this listing.
			continue
		}
		d.deliver(ctx, n, l)
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, n model.Notification, l model.Listing) {
	devices, err := d.DB.UserActiveDevicesFind(ctx, n.UserID)
	if err != nil {
		d.Logger.Errorf("notifier: Error finding active Devices for UserID: %s, err: %v", n.UserID.Hex(), err)
		return
	}
	if len(devices) == 0 {
		d.Logger.Debugf("notifier: No active Devices for UserID: %s, Notification %s stays PENDING",
			n.UserID.Hex(), n.ID.Hex())
		return
	}

	if err = d.DB.NotificationSetStatus(ctx, n.ID, model.NotificationSent); err != nil {
		d.Logger.Errorf("notifier: Error setting Notification %s to SENT, err: %v", n.ID.Hex(), err)
	}

	payload := client.PushPayload{
		Title:          "New listing matches your search!",
		Body:           fmt.Sprintf("%s - %d %s", misc.StringLimit(l.Title, 60), l.Price, l.Currency),
		ListingID:      l.ID.Hex(),
		NotificationID: n.ID.Hex(),
	}

	delivered := 0
	for _, dev := range devices {
		if err := d.sendToDevice(ctx, dev, payload); err != nil {
			d.Logger.Warnf("notifier: Delivery to DeviceID: %s failed for Notification %s, err: %v",
				dev.DeviceID, n.ID.Hex(), err)
			continue
		}
		delivered++
	}

	status := model.NotificationDelivered
	if delivered == 0 {
		status = model.NotificationFailed
	}
	if err = d.DB.NotificationSetStatus(ctx, n.ID, status); err != nil {
		d.Logger.Errorf("notifier: Error setting Notification %s to %s, err: %v", n.ID.Hex(), status, err)
	}
	d.Logger.Infof("notifier: Notification %s delivered to %d/%d device(s)", n.ID.Hex(), delivered, len(devices))
}

// sendToDevice pushes to one device with bounded retries on transient
// provider errors. A permanent rejection deactivates the device so no later
// dispatch targets it again.
func (d *Dispatcher) sendToDevice(ctx context.Context, dev model.Device, payload client.PushPayload) error {
	var lastErr error
	for attempt := 1; attempt <= d.SendMaxAttempts; attempt++ {
		err := d.Push.PushSend(ctx, dev.PushToken, dev.Platform, payload)
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, client.ErrPushPermanent) {
			if dErr := d.DB.UserDeviceDeactivateByPushToken(ctx, dev.PushToken); dErr != nil {
				d.Logger.Errorf("notifier: Error deactivating Device with rejected token, err: %v", dErr)
			} else {
				d.Logger.Infof("notifier: Deactivated Device %s after permanent provider rejection", dev.DeviceID)
			}
			return err
		}
		if !errors.Is(err, client.ErrPushTransient) {
			return err
		}
		if attempt < d.SendMaxAttempts && d.RetryDelay > 0 {
			select {
			case <-time.After(d.RetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return errors.Wrapf(lastErr, "gave up after %d attempt(s)", d.SendMaxAttempts)
}
