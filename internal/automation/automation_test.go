package automation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"listingwatcher/internal/credstore"
	"listingwatcher/internal/model"
	"listingwatcher/internal/scrape"
)

type testLogger struct{ t *testing.T }

func (l testLogger) Debugf(format string, v ...any) { l.t.Logf("DEBUG "+format, v...) }
func (l testLogger) Infof(format string, v ...any)  { l.t.Logf("INFO  "+format, v...) }
func (l testLogger) Warnf(format string, v ...any)  { l.t.Logf("WARN  "+format, v...) }
func (l testLogger) Errorf(format string, v ...any) { l.t.Logf("ERROR "+format, v...) }

type fakeCreds struct {
	mu       sync.Mutex
	cred     credstore.Credential
	err      error
	invalids map[primitive.ObjectID]string
}

func (c *fakeCreds) Get(context.Context, primitive.ObjectID, primitive.ObjectID) (credstore.Credential, error) {
	if c.err != nil {
		return credstore.Credential{}, c.err
	}
	return c.cred, nil
}

func (c *fakeCreds) MarkInvalid(_ context.Context, id primitive.ObjectID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.invalids == nil {
		c.invalids = map[primitive.ObjectID]string{}
	}
	c.invalids[id] = reason
	return nil
}

type fakeServices struct{ svc model.Service }

func (s fakeServices) ServiceFindByID(context.Context, primitive.ObjectID) (model.Service, error) {
	return s.svc, nil
}

// stubStrategy counts logins and serves canned pages.
type stubStrategy struct {
	loginErr  error
	searchErr error
	pages     []scrape.Page
	logins    atomic.Int32
	searches  atomic.Int32
}

func (s *stubStrategy) Flow() string { return "stub_v1" }

func (s *stubStrategy) Login(context.Context, *scrape.Client, scrape.Credentials) error {
	s.logins.Add(1)
	return s.loginErr
}

func (s *stubStrategy) Search(_ context.Context, _ *scrape.Client, q scrape.Query) (scrape.Page, error) {
	s.searches.Add(1)
	if s.searchErr != nil {
		return scrape.Page{}, s.searchErr
	}
	if q.Page-1 < len(s.pages) {
		return s.pages[q.Page-1], nil
	}
	return scrape.Page{}, nil
}

func testManager(t *testing.T, strategy *stubStrategy, creds *fakeCreds) (*Manager, model.SearchConfig) {
	svc := model.Service{
		ID:         primitive.NewObjectID(),
		Name:       "stubmarket",
		BaseDomain: "stubmarket.test",
		LoginFlow:  "stub_v1",
	}
	m := NewManager(creds, fakeServices{svc: svc}, scrape.NewRegistry(strategy), testLogger{t}, Config{
		SessionIdleTimeout: time.Minute,
		SessionMaxAge:      time.Hour,
		SessionMaxUses:     100,
		ServiceConcurrency: 2,
		ActionsPerMinute:   6000,
		MaxPages:           3,
		MaxItems:           10,
	})
	cfg := model.SearchConfig{
		ID:        primitive.NewObjectID(),
		UserID:    primitive.NewObjectID(),
		ServiceID: svc.ID,
		Keywords:  []string{"bike"},
	}
	return m, cfg
}

func records(n int, prefix string) []scrape.Record {
	rs := make([]scrape.Record, n)
	for i := range rs {
		rs[i] = scrape.Record{ExternalID: prefix + string(rune('a'+i)), Title: "x"}
	}
	return rs
}

func TestExecuteReusesSessionAcrossRuns(t *testing.T) {
	strategy := &stubStrategy{pages: []scrape.Page{{Records: records(3, "p1-")}}}
	creds := &fakeCreds{cred: credstore.Credential{ID: primitive.NewObjectID(), Username: "u", Password: "p"}}
	m, cfg := testManager(t, strategy, creds)

	got, err := m.Execute(context.Background(), cfg)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	_, err = m.Execute(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, int32(1), strategy.logins.Load(), "second run rides the existing session")
}

func TestExecutePagesUntilMaxItems(t *testing.T) {
	strategy := &stubStrategy{pages: []scrape.Page{
		{Records: records(6, "p1-"), HasMore: true},
		{Records: records(6, "p2-"), HasMore: true},
		{Records: records(6, "p3-"), HasMore: true},
	}}
	creds := &fakeCreds{cred: credstore.Credential{ID: primitive.NewObjectID()}}
	m, cfg := testManager(t, strategy, creds)

	got, err := m.Execute(context.Background(), cfg)
	require.NoError(t, err)
	assert.Len(t, got, 10, "capped at MaxItems")
	assert.Equal(t, int32(2), strategy.searches.Load(), "third page never requested")
}

func TestExecuteMissingCredentialIsCredentialsError(t *testing.T) {
	strategy := &stubStrategy{}
	creds := &fakeCreds{err: errors.Wrap(credstore.ErrNotFound, "nothing stored")}
	m, cfg := testManager(t, strategy, creds)

	_, err := m.Execute(context.Background(), cfg)
	assert.ErrorIs(t, err, scrape.ErrCredentials)
	assert.Zero(t, strategy.logins.Load())
}

func TestExecuteRepeatedLoginRejectionInvalidatesCredential(t *testing.T) {
	strategy := &stubStrategy{loginErr: errors.Wrap(scrape.ErrCredentials, "rejected")}
	credID := primitive.NewObjectID()
	creds := &fakeCreds{cred: credstore.Credential{ID: credID}}
	m, cfg := testManager(t, strategy, creds)

	for i := 0; i < credentialLoginFailureLimit; i++ {
		_, err := m.Execute(context.Background(), cfg)
		assert.ErrorIs(t, err, scrape.ErrCredentials)
	}
	assert.Contains(t, creds.invalids, credID)
}

func TestExecuteConcurrentRunsShareOneSession(t *testing.T) {
	strategy := &stubStrategy{pages: []scrape.Page{{Records: records(3, "p1-")}}}
	creds := &fakeCreds{cred: credstore.Credential{ID: primitive.NewObjectID(), Username: "u", Password: "p"}}
	m, cfg := testManager(t, strategy, creds)

	// One user with several saved searches on one marketplace: overlapping
	// runs all land on the same (service, credential) session.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := m.Execute(context.Background(), cfg)
			assert.NoError(t, err)
			assert.Len(t, got, 3)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), strategy.logins.Load(), "every run rides the one session")
	m.mu.Lock()
	assert.Len(t, m.sessions, 1)
	m.mu.Unlock()
}

func TestExecuteTransientFailureKeepsSessionReady(t *testing.T) {
	strategy := &stubStrategy{pages: []scrape.Page{{Records: records(2, "p1-")}}}
	creds := &fakeCreds{cred: credstore.Credential{ID: primitive.NewObjectID()}}
	m, cfg := testManager(t, strategy, creds)

	_, err := m.Execute(context.Background(), cfg)
	require.NoError(t, err)

	strategy.searchErr = errors.Wrap(scrape.ErrTransient, "gateway timeout")
	before := time.Now()
	_, err = m.Execute(context.Background(), cfg)
	assert.ErrorIs(t, err, scrape.ErrTransient)

	m.mu.Lock()
	require.Len(t, m.sessions, 1, "transient failure keeps the session pooled")
	var sess *session
	for _, v := range m.sessions {
		sess = v
	}
	m.mu.Unlock()

	sess.mu.Lock()
	defer sess.mu.Unlock()
	assert.Equal(t, stateReady, sess.state)
	assert.Equal(t, 1, sess.uses, "a failed run is not a use")
	assert.False(t, sess.lastUsed.Before(before), "idle clock restarts from the failed run")
}

func TestExecuteBlockedEvictsSession(t *testing.T) {
	strategy := &stubStrategy{searchErr: errors.Wrap(scrape.ErrBlocked, "captcha wall")}
	creds := &fakeCreds{cred: credstore.Credential{ID: primitive.NewObjectID()}}
	m, cfg := testManager(t, strategy, creds)

	_, err := m.Execute(context.Background(), cfg)
	assert.ErrorIs(t, err, scrape.ErrBlocked)

	m.mu.Lock()
	assert.Empty(t, m.sessions, "blocked session must not be reused")
	m.mu.Unlock()

	// The next run builds a fresh session and logs in again.
	strategy.searchErr = nil
	_, err = m.Execute(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, int32(2), strategy.logins.Load())
}

func TestGateBoundsConcurrency(t *testing.T) {
	g := NewGate(2, 6000)
	ctx := context.Background()

	require.NoError(t, g.Acquire(ctx))
	require.NoError(t, g.Acquire(ctx))
	assert.Equal(t, 2, g.InFlight())

	blockedCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := g.Acquire(blockedCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "third acquire must block")

	g.Release()
	require.NoError(t, g.Acquire(ctx))
	g.Release()
	g.Release()
	assert.Equal(t, 0, g.InFlight())
}

func TestGateConcurrencyUnderLoad(t *testing.T) {
	g := NewGate(3, 60000)
	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, g.Acquire(context.Background()))
			cur := inFlight.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inFlight.Add(-1)
			g.Release()
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestSessionExpiry(t *testing.T) {
	now := time.Now()
	sess := newSession(primitive.NewObjectID(), primitive.NewObjectID(), "https://x.test", &stubStrategy{}, time.Second, testLogger{t})
	sess.state = stateReady
	sess.lastUsed = now
	sess.createdAt = now

	assert.False(t, sess.expired(now, time.Minute, time.Hour, 10))
	assert.True(t, sess.expired(now.Add(2*time.Minute), time.Minute, time.Hour, 10), "idle timeout")
	assert.True(t, sess.expired(now.Add(2*time.Hour), time.Minute, time.Hour, 10), "max age")
	sess.uses = 10
	assert.True(t, sess.expired(now, time.Minute, time.Hour, 10), "use budget")
	sess.uses = 0
	sess.state = stateEvicted
	assert.True(t, sess.expired(now, time.Minute, time.Hour, 10), "evicted is always expired")
}
