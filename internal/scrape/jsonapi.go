package scrape

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-redis/redis/v9"
	"github.com/pkg/errors"

	"listingwatcher/internal/misc"
)

const jsonAPISearchCacheTTL = 20 * time.Second

// JSONAPIStrategy drives marketplaces that expose a JSON search API behind a
// cookie-session login. Search responses are cached briefly in Redis so
// several configs sharing the same query within a few seconds cost one
// upstream request.
type JSONAPIStrategy struct {
	Redis  *redis.Client
	Logger logger
}

func (s *JSONAPIStrategy) Flow() string { return "json_api_v1" }

type jsonAPILoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type jsonAPILoginResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (s *JSONAPIStrategy) Login(ctx context.Context, c *Client, creds Credentials) error {
	reqBody, err := json.Marshal(jsonAPILoginRequest{Username: creds.Username, Password: creds.Password})
	if err != nil {
		return errors.Wrap(err, "error marshalling login request")
	}
	loginURL := c.BaseURL + "/api/auth/login"
	req, err := newRequest(ctx, http.MethodPost, loginURL, bytes.NewReader(reqBody))
	if err != nil {
		return errors.Wrapf(err, "error creating login request to URL: %s", loginURL)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Do(req)
	if err != nil {
		return classifyRequestError(err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(http.MaxBytesReader(nil, resp.Body, 100*1024))
	if err != nil {
		return errors.Wrapf(ErrTransient, "error reading login response body, status: %s, err: %v", resp.Status, err)
	}

	if blockedResponse(resp, body) {
		return errors.Wrapf(ErrBlocked, "login answered with challenge, status: %s, body:\n%s",
			resp.Status, misc.BytesLimit(body, 500))
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return errors.Wrapf(ErrCredentials, "status: %s, body:\n%s", resp.Status, misc.BytesLimit(body, 500))
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Wrapf(ErrTransient, "unexpected login status: %s, body:\n%s",
			resp.Status, misc.BytesLimit(body, 500))
	}

	loginResp := jsonAPILoginResponse{}
	if err = json.Unmarshal(body, &loginResp); err != nil {
		return errors.Wrapf(ErrParse, "error unmarshalling login response, body:\n%s, err: %v",
			misc.BytesLimit(body, 500), err)
	}
	if !loginResp.Success {
		return errors.Wrapf(ErrCredentials, "login rejected: %s", loginResp.Error)
	}
	// Session cookie now lives in the client's jar.
	return nil
}

type jsonAPISearchResponse struct {
	Listings []jsonAPIListing `json:"listings"`
	HasMore  bool             `json:"has_more"`
}

type jsonAPIListing struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Price    int      `json:"price"`
	Currency string   `json:"currency"`
	URL      string   `json:"url"`
	Phone    string   `json:"phone"`
	Images   []string `json:"images"`
	PostedAt string   `json:"posted_at"`
}

func (s *JSONAPIStrategy) Search(ctx context.Context, c *Client, q Query) (Page, error) {
	searchURL := c.BaseURL + "/api/search?" + queryValues(q).Encode()

	cacheKey := "JS-" + searchURL
	if cached, err := s.Redis.Get(ctx, cacheKey).Result(); err == nil {
		s.Logger.Infof("JSONAPIStrategy.Search: Cache found, key: %s", cacheKey)
		var p Page
		if err = json.Unmarshal([]byte(cached), &p); err == nil {
			return p, nil
		}
		s.Logger.Errorf("JSONAPIStrategy.Search: Error unmarshalling cache, key: %s, err: %v", cacheKey, err)
	} else if err != redis.Nil {
		s.Logger.Errorf("JSONAPIStrategy.Search: Error getting Redis cache with key: %s, err: %v", cacheKey, err)
	}

	req, err := newRequest(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return Page{}, errors.Wrapf(err, "error creating search request to URL: %s", searchURL)
	}
	s.Logger.Debugf("JSONAPIStrategy.Search: Sending request to %s", searchURL)
	resp, err := c.Do(req)
	if err != nil {
		return Page{}, classifyRequestError(err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(http.MaxBytesReader(nil, resp.Body, 1024*1024))
	if err != nil {
		return Page{}, errors.Wrapf(ErrTransient, "error reading search response body, status: %s, err: %v",
			resp.Status, err)
	}

	if blockedResponse(resp, body) {
		return Page{}, errors.Wrapf(ErrBlocked, "search answered with challenge, status: %s, body:\n%s",
			resp.Status, misc.BytesLimit(body, 500))
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return Page{}, errors.Wrapf(ErrCredentials, "session no longer authenticated, status: %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return Page{}, errors.Wrapf(ErrTransient, "unexpected search status: %s, body:\n%s",
			resp.Status, misc.BytesLimit(body, 500))
	}

	searchResp := jsonAPISearchResponse{}
	if err = json.Unmarshal(body, &searchResp); err != nil {
		return Page{}, errors.Wrapf(ErrParse, "error unmarshalling search response, body:\n%s, err: %v",
			misc.BytesLimit(body, 1000), err)
	}

	p := Page{HasMore: searchResp.HasMore, Records: make([]Record, 0, len(searchResp.Listings))}
	for _, l := range searchResp.Listings {
		if l.ID == "" || l.Title == "" {
			s.Logger.Warnf("JSONAPIStrategy.Search: Skipping listing with missing fields: %+v", l)
			continue
		}
		r := Record{
			ExternalID: l.ID,
			Title:      misc.NormalizeSpace(l.Title),
			Price:      l.Price,
			Currency:   l.Currency,
			URL:        l.URL,
			Phone:      l.Phone,
			ImageURLs:  l.Images,
		}
		if l.PostedAt != "" {
			if ts, err := time.Parse(time.RFC3339, l.PostedAt); err == nil {
				r.PostedAt = ts
			}
		}
		p.Records = append(p.Records, r)
	}

	if pJSON, err := json.Marshal(p); err != nil {
		s.Logger.Errorf("JSONAPIStrategy.Search: Error marshalling Page to cache, key: %s, err: %v", cacheKey, err)
	} else if err = s.Redis.Set(ctx, cacheKey, pJSON, jsonAPISearchCacheTTL).Err(); err != nil {
		s.Logger.Errorf("JSONAPIStrategy.Search: Error caching Page, key: %s, err: %v", cacheKey, err)
	}

	return p, nil
}
