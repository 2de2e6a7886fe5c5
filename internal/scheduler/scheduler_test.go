package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"listingwatcher/internal/ingest"
	"listingwatcher/internal/model"
	"listingwatcher/internal/scrape"
)

type testLogger struct{ t *testing.T }

func (l testLogger) Debugf(format string, v ...any) { l.t.Logf("DEBUG "+format, v...) }
func (l testLogger) Infof(format string, v ...any)  { l.t.Logf("INFO  "+format, v...) }
func (l testLogger) Warnf(format string, v ...any)  { l.t.Logf("WARN  "+format, v...) }
func (l testLogger) Errorf(format string, v ...any) { l.t.Logf("ERROR "+format, v...) }

type fakeConfigStore struct {
	configs map[primitive.ObjectID]model.SearchConfig
	findErr error

	completed []runCompletion
	disabled  map[primitive.ObjectID]string
}

type runCompletion struct {
	id        primitive.ObjectID
	lastRunAt time.Time
	nextRunAt time.Time
	failures  int
}

func newFakeConfigStore(configs ...model.SearchConfig) *fakeConfigStore {
	s := &fakeConfigStore{
		configs:  map[primitive.ObjectID]model.SearchConfig{},
		disabled: map[primitive.ObjectID]string{},
	}
	for _, cfg := range configs {
		s.configs[cfg.ID] = cfg
	}
	return s
}

func (s *fakeConfigStore) SearchConfigsFindEnabled(context.Context) ([]model.SearchConfig, error) {
	var out []model.SearchConfig
	for _, cfg := range s.configs {
		if cfg.Enabled {
			out = append(out, cfg)
		}
	}
	return out, nil
}

func (s *fakeConfigStore) SearchConfigFindByID(_ context.Context, id primitive.ObjectID) (model.SearchConfig, error) {
	if s.findErr != nil {
		return model.SearchConfig{}, s.findErr
	}
	cfg, ok := s.configs[id]
	if !ok {
		return model.SearchConfig{}, errors.New("not found")
	}
	return cfg, nil
}

func (s *fakeConfigStore) SearchConfigRunCompleted(
	_ context.Context, id primitive.ObjectID, lastRunAt, nextRunAt time.Time, failures int,
) error {
	s.completed = append(s.completed, runCompletion{id: id, lastRunAt: lastRunAt, nextRunAt: nextRunAt, failures: failures})
	cfg := s.configs[id]
	cfg.LastRunAt = primitive.NewDateTimeFromTime(lastRunAt)
	cfg.NextRunAt = primitive.NewDateTimeFromTime(nextRunAt)
	cfg.ConsecutiveFailures = failures
	s.configs[id] = cfg
	return nil
}

func (s *fakeConfigStore) SearchConfigDisable(_ context.Context, id primitive.ObjectID, reason string) error {
	s.disabled[id] = reason
	cfg := s.configs[id]
	cfg.Enabled = false
	cfg.DisabledReason = reason
	s.configs[id] = cfg
	return nil
}

func newTestScheduler(t *testing.T, store *fakeConfigStore) *Scheduler {
	s := New(store, nil, nil, nil, testLogger{t}, Config{
		WorkerCount:      2,
		MaxBatch:         4,
		MaxBackoff:       6 * time.Hour,
		BackoffCap:       6,
		FailureThreshold: 10,
	})
	return s
}

func testConfig(interval, randomRange int) model.SearchConfig {
	return model.SearchConfig{
		ID:                 primitive.NewObjectID(),
		UserID:             primitive.NewObjectID(),
		ServiceID:          primitive.NewObjectID(),
		Keywords:           []string{"bike"},
		IntervalSeconds:    interval,
		RandomRangeSeconds: randomRange,
		Enabled:            true,
	}
}

func TestJitterBounds(t *testing.T) {
	assert.Equal(t, time.Duration(0), jitter(0))
	for i := 0; i < 200; i++ {
		d := jitter(5)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 5*time.Second)
	}
}

func TestBackoffDelayMonotonicAndCapped(t *testing.T) {
	interval := time.Minute
	prev := time.Duration(0)
	for failures := 1; failures <= 20; failures++ {
		d := backoffDelay(interval, failures, 6, 6*time.Hour)
		assert.GreaterOrEqual(t, d, prev, "delay must not shrink as failures grow")
		assert.LessOrEqual(t, d, 6*time.Hour)
		prev = d
	}
	assert.Equal(t, 2*time.Minute, backoffDelay(interval, 1, 6, 6*time.Hour))
	assert.Equal(t, 64*time.Minute, backoffDelay(interval, 6, 6, 6*time.Hour))
	// Exponent stays capped past BackoffCap.
	assert.Equal(t, 64*time.Minute, backoffDelay(interval, 15, 6, 6*time.Hour))
}

func TestFailureWeight(t *testing.T) {
	assert.Equal(t, 2, failureWeight(errors.Wrap(scrape.ErrCredentials, "login rejected")))
	assert.Equal(t, 2, failureWeight(errors.Wrap(scrape.ErrBlocked, "captcha")))
	assert.Equal(t, 1, failureWeight(errors.Wrap(scrape.ErrTransient, "timeout")))
	assert.Equal(t, 1, failureWeight(errors.New("anything else")))
}

func TestCompleteRunSuccessSchedulesWithinJitterWindow(t *testing.T) {
	cfg := testConfig(60, 30)
	store := newFakeConfigStore(cfg)
	s := newTestScheduler(t, store)

	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	s.jitterFn = func(rangeSeconds int) time.Duration {
		require.Equal(t, 30, rangeSeconds)
		return 7 * time.Second
	}

	cfg.ConsecutiveFailures = 3
	s.completeRun(context.Background(), cfg, nil)

	require.Len(t, store.completed, 1)
	c := store.completed[0]
	assert.Equal(t, cfg.ID, c.id)
	assert.Equal(t, 0, c.failures, "success resets the failure streak")
	assert.Equal(t, now.Add(67*time.Second), c.nextRunAt)

	s.mu.Lock()
	e, ok := s.entries[cfg.ID]
	s.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, now.Add(67*time.Second), e.runAt)
}

func TestCompleteRunFailureBacksOff(t *testing.T) {
	cfg := testConfig(60, 0)
	store := newFakeConfigStore(cfg)
	s := newTestScheduler(t, store)

	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.completeRun(context.Background(), cfg, errors.Wrap(scrape.ErrTransient, "timeout"))

	require.Len(t, store.completed, 1)
	c := store.completed[0]
	assert.Equal(t, 1, c.failures)
	assert.Equal(t, now.Add(2*time.Minute), c.nextRunAt)
	assert.Empty(t, store.disabled)
}

func TestCompleteRunAutoDisablesAtThreshold(t *testing.T) {
	cfg := testConfig(60, 0)
	cfg.ConsecutiveFailures = 9
	store := newFakeConfigStore(cfg)
	s := newTestScheduler(t, store)
	s.now = time.Now

	s.mu.Lock()
	s.scheduleLocked(cfg.ID, time.Now().Add(time.Hour))
	s.mu.Unlock()

	s.completeRun(context.Background(), cfg, errors.Wrap(scrape.ErrCredentials, "rejected"))

	require.Contains(t, store.disabled, cfg.ID)
	assert.Empty(t, store.completed, "a disabled config gets no further run bookkeeping")
	s.mu.Lock()
	_, queued := s.entries[cfg.ID]
	s.mu.Unlock()
	assert.False(t, queued, "disabled config must leave the queue")
}

func TestPopDueRespectsMaxBatchAndOrder(t *testing.T) {
	store := newFakeConfigStore()
	s := newTestScheduler(t, store)
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	var ids []primitive.ObjectID
	s.mu.Lock()
	for i := 0; i < 6; i++ {
		id := primitive.NewObjectID()
		ids = append(ids, id)
		s.scheduleLocked(id, now.Add(time.Duration(i-5)*time.Minute))
	}
	// One config in the future must not be popped.
	future := primitive.NewObjectID()
	s.scheduleLocked(future, now.Add(time.Minute))
	s.mu.Unlock()

	due := s.popDue()
	require.Len(t, due, 4, "bounded by MaxBatch")
	// Earliest runAt first: ids were scheduled at now-5m .. now.
	assert.Equal(t, ids[0], due[0])
	assert.NotContains(t, due, future)

	rest := s.popDue()
	require.Len(t, rest, 2)
	assert.NotContains(t, rest, future)
}

func TestScheduleNowMovesEntryForward(t *testing.T) {
	cfg := testConfig(3600, 0)
	store := newFakeConfigStore(cfg)
	s := newTestScheduler(t, store)
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.mu.Lock()
	s.scheduleLocked(cfg.ID, now.Add(time.Hour))
	s.mu.Unlock()

	s.ScheduleNow(cfg.ID)

	due := s.popDue()
	require.Len(t, due, 1)
	assert.Equal(t, cfg.ID, due[0])
}

func TestOnConfigChangedDisabledRemoves(t *testing.T) {
	cfg := testConfig(60, 0)
	store := newFakeConfigStore(cfg)
	s := newTestScheduler(t, store)

	s.OnConfigChanged(cfg)
	s.mu.Lock()
	_, queued := s.entries[cfg.ID]
	s.mu.Unlock()
	require.True(t, queued)

	cfg.Enabled = false
	s.OnConfigChanged(cfg)
	s.mu.Lock()
	_, queued = s.entries[cfg.ID]
	s.mu.Unlock()
	assert.False(t, queued)
}

func TestOnConfigChangedPreviouslyRunConfigKeepsCadence(t *testing.T) {
	cfg := testConfig(60, 15)
	store := newFakeConfigStore(cfg)
	s := newTestScheduler(t, store)
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	lastRun := now.Add(-30 * time.Second)
	cfg.LastRunAt = primitive.NewDateTimeFromTime(lastRun)
	s.OnConfigChanged(cfg)

	s.mu.Lock()
	e := s.entries[cfg.ID]
	s.mu.Unlock()
	require.NotNil(t, e)
	assert.False(t, e.runAt.Before(lastRun.Add(60*time.Second)))
	assert.False(t, e.runAt.After(lastRun.Add(75*time.Second)))
}

func TestDispatchDueRequeuesOnLoadError(t *testing.T) {
	cfg := testConfig(60, 0)
	store := newFakeConfigStore(cfg)
	store.findErr = errors.New("connection reset")
	s := newTestScheduler(t, store)
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.mu.Lock()
	s.scheduleLocked(cfg.ID, now)
	s.mu.Unlock()

	due := s.popDue()
	require.Len(t, due, 1)
	require.True(t, s.dispatchDue(context.Background(), due))

	s.mu.Lock()
	e, queued := s.entries[cfg.ID]
	s.mu.Unlock()
	require.True(t, queued, "a failed load must not park the config until reconcile")
	assert.Equal(t, now.Add(configLoadRetryDelay), e.runAt)
}

func TestReconcileConvergesQueue(t *testing.T) {
	known := testConfig(60, 0)
	added := testConfig(60, 0)
	store := newFakeConfigStore(known, added)
	s := newTestScheduler(t, store)

	stale := primitive.NewObjectID()
	s.mu.Lock()
	s.scheduleLocked(known.ID, time.Now().Add(time.Minute))
	s.scheduleLocked(stale, time.Now().Add(time.Minute))
	s.mu.Unlock()

	s.Reconcile(context.Background())

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Contains(t, s.entries, known.ID)
	assert.Contains(t, s.entries, added.ID)
	assert.NotContains(t, s.entries, stale)
}

type fakeExecutor struct {
	records []scrape.Record
	err     error
}

func (e fakeExecutor) Execute(context.Context, model.SearchConfig) ([]scrape.Record, error) {
	return e.records, e.err
}

type fakeIngestor struct{ res ingest.Result }

func (i fakeIngestor) Ingest(context.Context, primitive.ObjectID, []scrape.Record) (ingest.Result, error) {
	return i.res, nil
}

type fakeDispatcher struct{ got []model.Listing }

func (d *fakeDispatcher) Dispatch(_ context.Context, _ model.SearchConfig, listings []model.Listing) error {
	d.got = append(d.got, listings...)
	return nil
}

func TestRunOneDispatchesNewAndKnownListings(t *testing.T) {
	cfg := testConfig(60, 0)
	store := newFakeConfigStore(cfg)
	s := newTestScheduler(t, store)
	s.Exec = fakeExecutor{records: []scrape.Record{{ExternalID: "a"}, {ExternalID: "b"}}}

	newListing := model.Listing{ID: primitive.NewObjectID(), ExternalID: "a"}
	knownListing := model.Listing{ID: primitive.NewObjectID(), ExternalID: "b"}
	s.Ingest = fakeIngestor{res: ingest.Result{
		New:   []model.Listing{newListing},
		Known: []model.Listing{knownListing},
	}}
	disp := &fakeDispatcher{}
	s.Notify = disp

	s.runOne(context.Background(), cfg)

	require.Len(t, disp.got, 2, "known listings still flow to dispatch for per-user dedup")
	assert.Equal(t, newListing.ID, disp.got[0].ID)
	assert.Equal(t, knownListing.ID, disp.got[1].ID)
	require.Len(t, store.completed, 1)
	assert.Equal(t, 0, store.completed[0].failures)
}
