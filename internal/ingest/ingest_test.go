package ingest

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"listingwatcher/internal/model"
	"listingwatcher/internal/scrape"
)

type testLogger struct{ t *testing.T }

func (l testLogger) Debugf(format string, v ...any) { l.t.Logf("DEBUG "+format, v...) }
func (l testLogger) Errorf(format string, v ...any) { l.t.Logf("ERROR "+format, v...) }

// fakeListingStore mimics the unique-index behavior: first insert for a
// (service, external id) wins, later ones report the stored row.
type fakeListingStore struct {
	stored map[string]model.Listing
	failOn string
}

func newFakeListingStore() *fakeListingStore {
	return &fakeListingStore{stored: map[string]model.Listing{}}
}

func (s *fakeListingStore) ListingInsertIfAbsent(_ context.Context, l model.Listing) (model.Listing, bool, error) {
	if l.ExternalID == s.failOn {
		return model.Listing{}, false, errors.New("write failed")
	}
	key := l.ServiceID.Hex() + "/" + l.ExternalID
	if existing, ok := s.stored[key]; ok {
		return existing, false, nil
	}
	l.ID = primitive.NewObjectID()
	s.stored[key] = l
	return l, true, nil
}

func TestFingerprintStableForExternalID(t *testing.T) {
	serviceID := primitive.NewObjectID()
	a := Fingerprint(serviceID, scrape.Record{ExternalID: "123", Title: "Blue bike", Price: 100})
	b := Fingerprint(serviceID, scrape.Record{ExternalID: "123", Title: "Completely different", Price: 999})
	assert.Equal(t, a, b, "external id pins identity regardless of content")

	c := Fingerprint(serviceID, scrape.Record{ExternalID: "124"})
	assert.NotEqual(t, a, c)
	d := Fingerprint(primitive.NewObjectID(), scrape.Record{ExternalID: "123"})
	assert.NotEqual(t, a, d, "fingerprints are scoped per service")
}

func TestFingerprintNormalizedFallback(t *testing.T) {
	serviceID := primitive.NewObjectID()
	a := Fingerprint(serviceID, scrape.Record{Title: "  Blue   Bike ", Price: 100, URL: "https://x.test/l/1/"})
	b := Fingerprint(serviceID, scrape.Record{Title: "blue bike", Price: 100, URL: "https://x.test/l/1"})
	assert.Equal(t, a, b, "whitespace, case and trailing slash must not change identity")

	c := Fingerprint(serviceID, scrape.Record{Title: "blue bike", Price: 101, URL: "https://x.test/l/1"})
	assert.NotEqual(t, a, c)
}

func TestIngestSplitsNewAndKnown(t *testing.T) {
	serviceID := primitive.NewObjectID()
	store := newFakeListingStore()
	ing := &Ingestor{DB: store, Logger: testLogger{t}}

	records := []scrape.Record{
		{ExternalID: "1", Title: "Bike one", Price: 100},
		{ExternalID: "2", Title: "Bike two", Price: 200},
	}
	res, err := ing.Ingest(context.Background(), serviceID, records)
	require.NoError(t, err)
	assert.Len(t, res.New, 2)
	assert.Empty(t, res.Known)

	// The exact same snapshot again: nothing new, everything known.
	res, err = ing.Ingest(context.Background(), serviceID, records)
	require.NoError(t, err)
	assert.Empty(t, res.New)
	require.Len(t, res.Known, 2)
	assert.Equal(t, "1", res.Known[0].ExternalID)
}

func TestIngestFallbackExternalIDIsFingerprint(t *testing.T) {
	serviceID := primitive.NewObjectID()
	store := newFakeListingStore()
	ing := &Ingestor{DB: store, Logger: testLogger{t}}

	r := scrape.Record{Title: "No id here", Price: 50, URL: "https://x.test/l/9"}
	res, err := ing.Ingest(context.Background(), serviceID, []scrape.Record{r})
	require.NoError(t, err)
	require.Len(t, res.New, 1)
	assert.Equal(t, Fingerprint(serviceID, r), res.New[0].ExternalID)
	assert.Equal(t, res.New[0].Fingerprint, res.New[0].ExternalID)

	// Re-scraped with cosmetic differences, still the same listing.
	r2 := scrape.Record{Title: "  no ID  here ", Price: 50, URL: "https://x.test/l/9/"}
	res, err = ing.Ingest(context.Background(), serviceID, []scrape.Record{r2})
	require.NoError(t, err)
	assert.Empty(t, res.New)
	assert.Len(t, res.Known, 1)
}

func TestIngestSkipsFailedRecords(t *testing.T) {
	serviceID := primitive.NewObjectID()
	store := newFakeListingStore()
	store.failOn = "bad"
	ing := &Ingestor{DB: store, Logger: testLogger{t}}

	res, err := ing.Ingest(context.Background(), serviceID, []scrape.Record{
		{ExternalID: "good-1", Title: "ok"},
		{ExternalID: "bad", Title: "boom"},
		{ExternalID: "good-2", Title: "ok too"},
	})
	require.NoError(t, err, "one bad row must not sink the run")
	assert.Len(t, res.New, 2)
}

func TestIngestStopsOnCancelledContext(t *testing.T) {
	serviceID := primitive.NewObjectID()
	ing := &Ingestor{DB: newFakeListingStore(), Logger: testLogger{t}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ing.Ingest(ctx, serviceID, []scrape.Record{{ExternalID: "1"}})
	assert.ErrorIs(t, err, context.Canceled)
}
