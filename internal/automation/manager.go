// Package automation owns the pool of authenticated marketplace sessions and
// executes scrape runs against them. It never persists anything; raw records
// go back to the caller and persistence is the ingestion stage's job.
package automation

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"listingwatcher/internal/credstore"
	"listingwatcher/internal/model"
	"listingwatcher/internal/scrape"
)

// credentialLoginFailureLimit is how many consecutive login rejections a
// credential survives before it is soft-invalidated.
const credentialLoginFailureLimit = 3

type credentialSource interface {
	Get(ctx context.Context, userID, serviceID primitive.ObjectID) (credstore.Credential, error)
	MarkInvalid(ctx context.Context, credentialID primitive.ObjectID, reason string) error
}

type serviceSource interface {
	ServiceFindByID(ctx context.Context, id primitive.ObjectID) (model.Service, error)
}

type Config struct {
	SessionIdleTimeout time.Duration
	SessionMaxAge      time.Duration
	SessionMaxUses     int
	ServiceConcurrency int
	ActionsPerMinute   int
	MaxPages           int
	MaxItems           int
	RequestTimeout     time.Duration
}

type Manager struct {
	Creds      credentialSource
	Services   serviceSource
	Strategies *scrape.Registry
	Logger     clientLogger
	Cfg        Config

	mu            sync.Mutex
	sessions      map[string]*session
	gates         map[primitive.ObjectID]*Gate
	loginFailures map[primitive.ObjectID]int
}

func NewManager(creds credentialSource, services serviceSource, strategies *scrape.Registry, log clientLogger, cfg Config) *Manager {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Manager{
		Creds:         creds,
		Services:      services,
		Strategies:    strategies,
		Logger:        log,
		Cfg:           cfg,
		sessions:      make(map[string]*session),
		gates:         make(map[primitive.ObjectID]*Gate),
		loginFailures: make(map[primitive.ObjectID]int),
	}
}

// Gate returns the shared concurrency gate for one service, creating it on
// first use.
func (m *Manager) Gate(serviceID primitive.ObjectID) *Gate {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gates[serviceID]
	if !ok {
		g = NewGate(m.Cfg.ServiceConcurrency, m.Cfg.ActionsPerMinute)
		m.gates[serviceID] = g
	}
	return g
}

func sessionKey(serviceID, credentialID primitive.ObjectID) string {
	return serviceID.Hex() + "/" + credentialID.Hex()
}

// Execute runs one scrape for the given config: acquire the service gate,
// check out (or build) the session for the config's credential, log in if
// needed, then page through search results up to the configured caps.
//
// Failures come back classified against the scrape error taxonomy; login
// failures are not retried here, the scheduler's backoff governs the cadence.
func (m *Manager) Execute(ctx context.Context, cfg model.SearchConfig) ([]scrape.Record, error) {
	svc, err := m.Services.ServiceFindByID(ctx, cfg.ServiceID)
	if err != nil {
		return nil, errors.Wrapf(err, "error loading Service for SearchConfig: %s", cfg.ID.Hex())
	}
	cred, err := m.Creds.Get(ctx, cfg.UserID, cfg.ServiceID)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) || errors.Is(err, credstore.ErrInvalid) {
			return nil, errors.Wrapf(scrape.ErrCredentials, "%v", err)
		}
		return nil, err
	}
	strategy, err := m.Strategies.For(svc.LoginFlow)
	if err != nil {
		return nil, errors.Wrapf(err, "Service: %s", svc.Name)
	}

	gate := m.Gate(svc.ID)
	if err = gate.Acquire(ctx); err != nil {
		return nil, err
	}
	defer gate.Release()

	// The sweep can evict a session between checkout and lock; retake until
	// a live one is held.
	var sess *session
	for {
		sess = m.checkout(svc, cred.ID, strategy)
		sess.mu.Lock()
		if sess.state != stateEvicted {
			break
		}
		sess.mu.Unlock()
	}
	defer sess.mu.Unlock()

	if sess.state == stateUnauthenticated {
		if err = m.login(ctx, gate, sess, cred); err != nil {
			return nil, err
		}
	}

	sess.state = stateExecuting
	records, err := m.search(ctx, gate, sess, cfg)
	if err != nil {
		if errors.Is(err, scrape.ErrBlocked) || errors.Is(err, scrape.ErrCredentials) {
			m.evict(sess, err.Error())
		} else {
			// Transient or parse failures keep the session; it still made
			// requests, so it goes back to READY with a fresh idle clock but
			// the run does not count as a use.
			sess.state = stateReady
			sess.lastUsed = time.Now()
		}
		return nil, err
	}

	sess.state = stateReady
	sess.lastUsed = time.Now()
	sess.uses++
	m.resetLoginFailures(cred.ID)
	return records, nil
}

// checkout returns the live session for (service, credential), replacing any
// expired one. The expiry fields belong to the session lock, so they are only
// read when TryLock succeeds; a session whose lock is held is mid-execution
// and therefore live, and the caller's own lock acquisition re-checks for
// eviction.
func (m *Manager) checkout(svc model.Service, credentialID primitive.ObjectID, strategy scrape.Strategy) *session {
	key := sessionKey(svc.ID, credentialID)
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[key]; ok {
		if !sess.mu.TryLock() {
			return sess
		}
		expired := sess.expired(time.Now(), m.Cfg.SessionIdleTimeout, m.Cfg.SessionMaxAge, m.Cfg.SessionMaxUses)
		sess.mu.Unlock()
		if !expired {
			return sess
		}
		m.Logger.Debugf("automation: Replacing expired session %s for Service: %s", sess.id, svc.Name)
	}
	sess := newSession(svc.ID, credentialID, "https://"+svc.BaseDomain, strategy, m.Cfg.RequestTimeout, m.Logger)
	m.sessions[key] = sess
	return sess
}

func (m *Manager) login(ctx context.Context, gate *Gate, sess *session, cred credstore.Credential) error {
	if err := gate.WaitAction(ctx); err != nil {
		return err
	}
	sess.state = stateLoggingIn
	m.Logger.Infof("automation: Logging in session %s", sess.id)
	err := sess.strategy.Login(ctx, sess.client, scrape.Credentials{
		Username: cred.Username,
		Password: cred.Password,
	})
	if err != nil {
		m.evict(sess, "login failed")
		if errors.Is(err, scrape.ErrCredentials) {
			m.recordLoginFailure(ctx, cred.ID)
		}
		return errors.Wrapf(err, "login failed for session %s", sess.id)
	}
	sess.state = stateReady
	m.resetLoginFailures(cred.ID)
	return nil
}

func (m *Manager) search(ctx context.Context, gate *Gate, sess *session, cfg model.SearchConfig) ([]scrape.Record, error) {
	q := scrape.Query{
		Keywords: cfg.Keywords,
		PriceMin: cfg.PriceMin,
		PriceMax: cfg.PriceMax,
		Location: cfg.Location,
		Custom:   cfg.CustomFilters,
	}
	var records []scrape.Record
	for page := 1; page <= m.Cfg.MaxPages; page++ {
		if err := gate.WaitAction(ctx); err != nil {
			return nil, err
		}
		q.Page = page
		p, err := sess.strategy.Search(ctx, sess.client, q)
		if err != nil {
			return nil, errors.Wrapf(err, "search page %d failed for session %s", page, sess.id)
		}
		records = append(records, p.Records...)
		if len(records) >= m.Cfg.MaxItems {
			records = records[:m.Cfg.MaxItems]
			break
		}
		if !p.HasMore {
			break
		}
	}
	return records, nil
}

// evict marks the session dead and drops it from the pool.
func (m *Manager) evict(sess *session, reason string) {
	sess.state = stateEvicted
	m.mu.Lock()
	key := sessionKey(sess.serviceID, sess.credentialID)
	if m.sessions[key] == sess {
		delete(m.sessions, key)
	}
	m.mu.Unlock()
	m.Logger.Infof("automation: Evicted session %s, reason: %s", sess.id, reason)
}

func (m *Manager) recordLoginFailure(ctx context.Context, credentialID primitive.ObjectID) {
	m.mu.Lock()
	m.loginFailures[credentialID]++
	failures := m.loginFailures[credentialID]
	m.mu.Unlock()
	if failures < credentialLoginFailureLimit {
		return
	}
	m.Logger.Warnf("automation: Credential %s rejected %d times in a row, marking invalid",
		credentialID.Hex(), failures)
	if err := m.Creds.MarkInvalid(ctx, credentialID, "login repeatedly rejected by service"); err != nil {
		m.Logger.Errorf("automation: Error marking credential %s invalid, err: %v", credentialID.Hex(), err)
	}
}

func (m *Manager) resetLoginFailures(credentialID primitive.ObjectID) {
	m.mu.Lock()
	delete(m.loginFailures, credentialID)
	m.mu.Unlock()
}

// SweepIdle evicts sessions past their idle timeout, age, or use budget.
// Wired to the periodic maintenance cron.
func (m *Manager) SweepIdle() int {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for key, sess := range m.sessions {
		if sess.mu.TryLock() {
			if sess.expired(now, m.Cfg.SessionIdleTimeout, m.Cfg.SessionMaxAge, m.Cfg.SessionMaxUses) {
				sess.state = stateEvicted
				delete(m.sessions, key)
				evicted++
			}
			sess.mu.Unlock()
		}
	}
	if evicted > 0 {
		m.Logger.Debugf("automation: Idle sweep evicted %d session(s)", evicted)
	}
	return evicted
}

// Close evicts every session. In-flight executions finish first because
// eviction needs each session's lock.
func (m *Manager) Close() {
	m.mu.Lock()
	keys := make([]string, 0, len(m.sessions))
	for key := range m.sessions {
		keys = append(keys, key)
	}
	m.mu.Unlock()
	for _, key := range keys {
		m.mu.Lock()
		sess, ok := m.sessions[key]
		m.mu.Unlock()
		if !ok {
			continue
		}
		sess.mu.Lock()
		sess.state = stateEvicted
		sess.mu.Unlock()
		m.mu.Lock()
		delete(m.sessions, key)
		m.mu.Unlock()
	}
}
