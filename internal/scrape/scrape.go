// Package scrape holds the per-service marketplace strategies. A strategy
// translates a search config's filters into the service's query parameters,
// drives the login flow, and extracts listing snapshots. Everything
// site-specific lives behind the Strategy interface; the automation layer
// only sees Records and the shared error taxonomy.
package scrape

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Record is one extracted listing snapshot. Persistence is the ingestion
// stage's job; strategies only extract.
type Record struct {
	ExternalID string
	Title      string
	Price      int
	Currency   string
	URL        string
	Phone      string
	ImageURLs  []string
	PostedAt   time.Time
}

// Query carries a search config's filters, already detached from the config
// document.
type Query struct {
	Keywords []string
	PriceMin *int
	PriceMax *int
	Location string
	Custom   map[string]string
	Page     int
}

type Page struct {
	Records []Record
	HasMore bool
}

type Credentials struct {
	Username string
	Password string
}

// Client is the session-scoped HTTP state a strategy operates on. The
// automation session owns it: fresh cookie jar per session, one base URL per
// service.
type Client struct {
	*http.Client
	BaseURL string
	Logger  logger
}

type logger interface {
	Debugf(format string, v ...any)
	Infof(format string, v ...any)
	Warnf(format string, v ...any)
	Errorf(format string, v ...any)
}

type Strategy interface {
	// Flow is the login-flow identifier services reference.
	Flow() string
	Login(ctx context.Context, c *Client, creds Credentials) error
	Search(ctx context.Context, c *Client, q Query) (Page, error)
}

type Registry struct {
	strategies map[string]Strategy
}

func NewRegistry(ss ...Strategy) *Registry {
	r := &Registry{strategies: make(map[string]Strategy, len(ss))}
	for _, s := range ss {
		r.strategies[s.Flow()] = s
	}
	return r
}

func (r *Registry) For(flow string) (Strategy, error) {
	s, ok := r.strategies[flow]
	if !ok {
		return nil, errors.Errorf("no scrape strategy registered for login flow: %s", flow)
	}
	return s, nil
}

func newRequest(ctx context.Context, method string, url string, body io.Reader) (*http.Request, error) {
	r, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	r.Header.Set("User-Agent", "Mozilla/5.0")
	r.Header.Set("Accept", "application/json, text/html")
	return r, nil
}

// queryValues translates the shared filter fields into the baseline query
// parameters. Strategies may rename keys for their service before sending.
func queryValues(q Query) url.Values {
	v := url.Values{}
	if len(q.Keywords) > 0 {
		v.Set("q", strings.Join(q.Keywords, " "))
	}
	if q.PriceMin != nil {
		v.Set("price_min", strconv.Itoa(*q.PriceMin))
	}
	if q.PriceMax != nil {
		v.Set("price_max", strconv.Itoa(*q.PriceMax))
	}
	if q.Location != "" {
		v.Set("location", q.Location)
	}
	if q.Page > 1 {
		v.Set("page", strconv.Itoa(q.Page))
	}
	for k, val := range q.Custom {
		v.Set(k, val)
	}
	return v
}
