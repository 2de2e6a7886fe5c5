package scrape

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// The four failure classes every scrape surfaces as. The scheduler keys its
// backoff and escalation decisions off these sentinels via errors.Is.
var (
	// ErrTransient covers timeouts and network failures; normal scheduling
	// cadence retries them.
	ErrTransient = errors.New("transient scrape error")
	// ErrCredentials means the service rejected the login. Not retried within
	// the same call; escalates the failure counter faster.
	ErrCredentials = errors.New("service rejected credentials")
	// ErrBlocked means anti-bot defenses fired (CAPTCHA, interstitial, 429).
	// The session is evicted and the config backs off aggressively.
	ErrBlocked = errors.New("blocked by anti-bot defenses")
	// ErrParse means the page shape changed. Logged for operator attention,
	// scheduled like a transient failure so a site fix recovers on its own.
	ErrParse = errors.New("page structure mismatch")
)

// classifyRequestError maps a transport-level error onto the taxonomy.
// Anything that reached the network and failed is transient; a cancelled
// context propagates as-is so callers can tell shutdown from flakiness.
func classifyRequestError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return errors.Wrapf(ErrTransient, "%v", err)
	}
	return errors.Wrapf(ErrTransient, "request failed: %v", err)
}

// blockedResponse reports whether the response looks like an anti-bot
// challenge rather than a real answer.
func blockedResponse(resp *http.Response, body []byte) bool {
	if resp.StatusCode == http.StatusTooManyRequests {
		return true
	}
	if resp.StatusCode == http.StatusForbidden {
		return true
	}
	lower := strings.ToLower(string(body))
	return strings.Contains(lower, "captcha") ||
		strings.Contains(lower, "access denied") ||
		strings.Contains(lower, "unusual traffic")
}
