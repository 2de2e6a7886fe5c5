package notifier

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"listingwatcher/internal/client"
	"listingwatcher/internal/model"
)

type testLogger struct{ t *testing.T }

func (l testLogger) Debugf(format string, v ...any) { l.t.Logf("DEBUG "+format, v...) }
func (l testLogger) Infof(format string, v ...any)  { l.t.Logf("INFO  "+format, v...) }
func (l testLogger) Warnf(format string, v ...any)  { l.t.Logf("WARN  "+format, v...) }
func (l testLogger) Errorf(format string, v ...any) { l.t.Logf("ERROR "+format, v...) }

type fakeNotificationStore struct {
	existing    map[string]bool
	created     []model.Notification
	statuses    map[primitive.ObjectID][]model.NotificationStatus
	devices     []model.Device
	deactivated []string
}

func newFakeNotificationStore(devices ...model.Device) *fakeNotificationStore {
	return &fakeNotificationStore{
		existing: map[string]bool{},
		statuses: map[primitive.ObjectID][]model.NotificationStatus{},
		devices:  devices,
	}
}

func (s *fakeNotificationStore) NotificationInsertIfAbsent(
	_ context.Context, n model.Notification,
) (model.Notification, bool, error) {
	key := n.UserID.Hex() + "/" + n.ListingID.Hex()
	if s.existing[key] {
		return model.Notification{}, false, nil
	}
	s.existing[key] = true
	n.ID = primitive.NewObjectID()
	n.Status = model.NotificationPending
	s.created = append(s.created, n)
	return n, true, nil
}

func (s *fakeNotificationStore) NotificationSetStatus(
	_ context.Context, id primitive.ObjectID, status model.NotificationStatus,
) error {
	s.statuses[id] = append(s.statuses[id], status)
	return nil
}

func (s *fakeNotificationStore) UserActiveDevicesFind(context.Context, primitive.ObjectID) ([]model.Device, error) {
	var active []model.Device
	for _, d := range s.devices {
		if d.Active && d.PushToken != "" {
			active = append(active, d)
		}
	}
	return active, nil
}

func (s *fakeNotificationStore) UserDeviceDeactivateByPushToken(_ context.Context, pushToken string) error {
	s.deactivated = append(s.deactivated, pushToken)
	for i, d := range s.devices {
		if d.PushToken == pushToken {
			s.devices[i].Active = false
		}
	}
	return nil
}

type fakePush struct {
	errByToken map[string]error
	failTimes  map[string]int
	sent       []string
}

func (p *fakePush) PushSend(_ context.Context, token string, _ model.DevicePlatform, _ client.PushPayload) error {
	if n, ok := p.failTimes[token]; ok && n > 0 {
		p.failTimes[token] = n - 1
		return errors.Wrap(client.ErrPushTransient, "flaky")
	}
	if err, ok := p.errByToken[token]; ok {
		return err
	}
	p.sent = append(p.sent, token)
	return nil
}

func device(id, token string) model.Device {
	return model.Device{DeviceID: id, Platform: model.PlatformAndroid, PushToken: token, Active: true}
}

func testConfig() model.SearchConfig {
	return model.SearchConfig{
		ID:     primitive.NewObjectID(),
		UserID: primitive.NewObjectID(),
	}
}

func testListing() model.Listing {
	return model.Listing{ID: primitive.NewObjectID(), Title: "Blue bike", Price: 100, Currency: "EUR"}
}

func newTestDispatcher(t *testing.T, store *fakeNotificationStore, push *fakePush) *Dispatcher {
	return &Dispatcher{
		DB:              store,
		Push:            push,
		Logger:          testLogger{t},
		SendMaxAttempts: 3,
	}
}

func TestDispatchExactlyOncePerListing(t *testing.T) {
	store := newFakeNotificationStore(device("d1", "tok-1"))
	push := &fakePush{}
	d := newTestDispatcher(t, store, push)
	cfg := testConfig()
	l := testListing()

	require.NoError(t, d.Dispatch(context.Background(), cfg, []model.Listing{l}))
	require.Len(t, store.created, 1)
	require.Len(t, push.sent, 1)

	// Re-dispatching the same listing, as happens after a crash or when a
	// later run re-matches it, must not notify again.
	require.NoError(t, d.Dispatch(context.Background(), cfg, []model.Listing{l}))
	assert.Len(t, store.created, 1)
	assert.Len(t, push.sent, 1)
}

func TestDispatchNoDevicesStaysPending(t *testing.T) {
	store := newFakeNotificationStore()
	push := &fakePush{}
	d := newTestDispatcher(t, store, push)

	require.NoError(t, d.Dispatch(context.Background(), testConfig(), []model.Listing{testListing()}))
	require.Len(t, store.created, 1)
	assert.Empty(t, store.statuses[store.created[0].ID], "no status transition without devices")
	assert.Empty(t, push.sent)
}

func TestDispatchDeliveredStatusFlow(t *testing.T) {
	store := newFakeNotificationStore(device("d1", "tok-1"), device("d2", "tok-2"))
	push := &fakePush{}
	d := newTestDispatcher(t, store, push)

	require.NoError(t, d.Dispatch(context.Background(), testConfig(), []model.Listing{testListing()}))
	require.Len(t, store.created, 1)
	assert.Equal(t,
		[]model.NotificationStatus{model.NotificationSent, model.NotificationDelivered},
		store.statuses[store.created[0].ID])
	assert.Len(t, push.sent, 2)
}

func TestDispatchAllDevicesFailMarksFailed(t *testing.T) {
	store := newFakeNotificationStore(device("d1", "tok-1"))
	push := &fakePush{errByToken: map[string]error{
		"tok-1": errors.Wrap(client.ErrPushTransient, "provider down"),
	}}
	d := newTestDispatcher(t, store, push)

	require.NoError(t, d.Dispatch(context.Background(), testConfig(), []model.Listing{testListing()}))
	require.Len(t, store.created, 1)
	assert.Equal(t,
		[]model.NotificationStatus{model.NotificationSent, model.NotificationFailed},
		store.statuses[store.created[0].ID])
}

func TestDispatchTransientFailureRetriesThenSucceeds(t *testing.T) {
	store := newFakeNotificationStore(device("d1", "tok-1"))
	push := &fakePush{failTimes: map[string]int{"tok-1": 2}}
	d := newTestDispatcher(t, store, push)

	require.NoError(t, d.Dispatch(context.Background(), testConfig(), []model.Listing{testListing()}))
	require.Len(t, store.created, 1)
	assert.Equal(t,
		[]model.NotificationStatus{model.NotificationSent, model.NotificationDelivered},
		store.statuses[store.created[0].ID])
	assert.Equal(t, []string{"tok-1"}, push.sent)
}

func TestDispatchPermanentFailureDeactivatesDevice(t *testing.T) {
	store := newFakeNotificationStore(device("d1", "tok-dead"), device("d2", "tok-2"))
	push := &fakePush{errByToken: map[string]error{
		"tok-dead": errors.Wrap(client.ErrPushPermanent, "NotRegistered"),
	}}
	d := newTestDispatcher(t, store, push)

	require.NoError(t, d.Dispatch(context.Background(), testConfig(), []model.Listing{testListing()}))
	assert.Equal(t, []string{"tok-dead"}, store.deactivated)
	// The healthy device still got the push.
	assert.Equal(t, []string{"tok-2"}, push.sent)
	require.Len(t, store.created, 1)
	assert.Equal(t,
		[]model.NotificationStatus{model.NotificationSent, model.NotificationDelivered},
		store.statuses[store.created[0].ID])

	// The deactivated device is gone from later dispatches.
	require.NoError(t, d.Dispatch(context.Background(), testConfig(), []model.Listing{testListing()}))
	assert.Equal(t, []string{"tok-2", "tok-2"}, push.sent)
}
