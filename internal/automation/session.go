package automation

import (
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"listingwatcher/internal/scrape"
)

type sessionState int

const (
	stateUnauthenticated sessionState = iota
	stateLoggingIn
	stateReady
	stateExecuting
	stateEvicted
)

func (s sessionState) String() string {
	switch s {
	case stateUnauthenticated:
		return "UNAUTHENTICATED"
	case stateLoggingIn:
		return "LOGGING_IN"
	case stateReady:
		return "READY"
	case stateExecuting:
		return "EXECUTING"
	case stateEvicted:
		return "EVICTED"
	}
	return "UNKNOWN"
}

// session is one authenticated browser-automation context against a service,
// keyed by (service, credential). It is process-local, never persisted, and
// exclusively owned by at most one in-flight execution: callers must hold mu
// across the whole execute.
type session struct {
	id           string
	serviceID    primitive.ObjectID
	credentialID primitive.ObjectID
	client       *scrape.Client
	strategy     scrape.Strategy

	mu        sync.Mutex
	state     sessionState
	createdAt time.Time
	lastUsed  time.Time
	uses      int
}

func newSession(serviceID, credentialID primitive.ObjectID, baseURL string, strategy scrape.Strategy, timeout time.Duration, log clientLogger) *session {
	jar, _ := cookiejar.New(nil)
	return &session{
		id:           uuid.NewString(),
		serviceID:    serviceID,
		credentialID: credentialID,
		client: &scrape.Client{
			Client:  &http.Client{Timeout: timeout, Jar: jar},
			BaseURL: baseURL,
			Logger:  log,
		},
		strategy:  strategy,
		state:     stateUnauthenticated,
		createdAt: time.Now(),
		lastUsed:  time.Now(),
	}
}

// expired reports whether the session should be evicted rather than reused.
// Bounded age and use count keep a session from looking persistently
// automated; the idle timeout bounds resource growth.
func (s *session) expired(now time.Time, idleTimeout, maxAge time.Duration, maxUses int) bool {
	if s.state == stateEvicted {
		return true
	}
	if now.Sub(s.lastUsed) > idleTimeout {
		return true
	}
	if now.Sub(s.createdAt) > maxAge {
		return true
	}
	return s.uses >= maxUses
}

type clientLogger interface {
	Debugf(format string, v ...any)
	Infof(format string, v ...any)
	Warnf(format string, v ...any)
	Errorf(format string, v ...any)
}
