package scrape

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/net/html"

	"listingwatcher/internal/misc"
)

// HTMLBoardStrategy drives classifieds boards that only render server-side
// HTML: form login with a CSRF token, then listing cards extracted from the
// search results markup. Cards are identified by their data-listing-id
// attribute so minor layout shuffles don't break extraction.
type HTMLBoardStrategy struct {
	Logger logger
}

func (s *HTMLBoardStrategy) Flow() string { return "html_form_v1" }

func (s *HTMLBoardStrategy) Login(ctx context.Context, c *Client, creds Credentials) error {
	loginURL := c.BaseURL + "/login"
	req, err := newRequest(ctx, http.MethodGet, loginURL, nil)
	if err != nil {
		return errors.Wrapf(err, "error creating login page request to URL: %s", loginURL)
	}
	resp, err := c.Do(req)
	if err != nil {
		return classifyRequestError(err)
	}
	body, err := io.ReadAll(http.MaxBytesReader(nil, resp.Body, 500*1024))
	_ = resp.Body.Close()
	if err != nil {
		return errors.Wrapf(ErrTransient, "error reading login page body, status: %s, err: %v", resp.Status, err)
	}
	if blockedResponse(resp, body) {
		return errors.Wrapf(ErrBlocked, "login page answered with challenge, status: %s", resp.Status)
	}

	csrf, err := findInputValue(body, "csrf_token")
	if err != nil {
		return errors.Wrapf(ErrParse, "error finding csrf token on login page: %v", err)
	}

	form := url.Values{
		"username":   []string{creds.Username},
		"password":   []string{creds.Password},
		"csrf_token": []string{csrf},
	}
	postReq, err := newRequest(ctx, http.MethodPost, loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return errors.Wrapf(err, "error creating login form request to URL: %s", loginURL)
	}
	postReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	postResp, err := c.Do(postReq)
	if err != nil {
		return classifyRequestError(err)
	}
	postBody, err := io.ReadAll(http.MaxBytesReader(nil, postResp.Body, 500*1024))
	_ = postResp.Body.Close()
	if err != nil {
		return errors.Wrapf(ErrTransient, "error reading login form response, status: %s, err: %v",
			postResp.Status, err)
	}
	if blockedResponse(postResp, postBody) {
		return errors.Wrapf(ErrBlocked, "login form answered with challenge, status: %s", postResp.Status)
	}
	if postResp.StatusCode == http.StatusUnauthorized ||
		strings.Contains(strings.ToLower(string(postBody)), "invalid credentials") {
		return errors.Wrapf(ErrCredentials, "status: %s, body:\n%s",
			postResp.Status, misc.BytesLimit(postBody, 300))
	}
	if postResp.StatusCode != http.StatusOK {
		return errors.Wrapf(ErrTransient, "unexpected login form status: %s", postResp.Status)
	}
	return nil
}

func (s *HTMLBoardStrategy) Search(ctx context.Context, c *Client, q Query) (Page, error) {
	searchURL := c.BaseURL + "/search?" + queryValues(q).Encode()
	req, err := newRequest(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return Page{}, errors.Wrapf(err, "error creating search request to URL: %s", searchURL)
	}
	s.Logger.Debugf("HTMLBoardStrategy.Search: Sending request to %s", searchURL)
	resp, err := c.Do(req)
	if err != nil {
		return Page{}, classifyRequestError(err)
	}
	body, err := io.ReadAll(http.MaxBytesReader(nil, resp.Body, 2*1024*1024))
	_ = resp.Body.Close()
	if err != nil {
		return Page{}, errors.Wrapf(ErrTransient, "error reading search page body, status: %s, err: %v",
			resp.Status, err)
	}
	if blockedResponse(resp, body) {
		return Page{}, errors.Wrapf(ErrBlocked, "search page answered with challenge, status: %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return Page{}, errors.Wrapf(ErrTransient, "unexpected search page status: %s", resp.Status)
	}

	return s.parseSearchPage(c.BaseURL, body)
}

func (s *HTMLBoardStrategy) parseSearchPage(baseURL string, body []byte) (Page, error) {
	node, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return Page{}, errors.Wrapf(ErrParse, "error parsing search page HTML: %v", err)
	}

	var p Page
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if id := attrValue(n, "data-listing-id"); id != "" {
				if r, ok := s.parseListingCard(baseURL, n, id); ok {
					p.Records = append(p.Records, r)
				}
				return
			}
			if attrValue(n, "data-page-next") != "" {
				p.HasMore = true
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(node)

	if len(p.Records) == 0 && !strings.Contains(strings.ToLower(string(body)), "no results") {
		return Page{}, errors.Wrap(ErrParse, "no listing cards found and no empty-result marker present")
	}
	return p, nil
}

func (s *HTMLBoardStrategy) parseListingCard(baseURL string, card *html.Node, externalID string) (Record, bool) {
	r := Record{ExternalID: externalID}
	if priceStr := attrValue(card, "data-price"); priceStr != "" {
		if price, err := strconv.Atoi(priceStr); err == nil {
			r.Price = price
		}
	}
	r.Currency = attrValue(card, "data-currency")

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "a":
				href := attrValue(n, "href")
				if strings.HasPrefix(href, "tel:") {
					r.Phone = strings.TrimPrefix(href, "tel:")
				} else if href != "" && r.URL == "" {
					if strings.HasPrefix(href, "/") {
						href = baseURL + href
					}
					r.URL = href
					r.Title = misc.NormalizeSpace(textContent(n))
				}
			case "img":
				if src := attrValue(n, "src"); src != "" {
					r.ImageURLs = append(r.ImageURLs, src)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(card)

	if r.Title == "" || r.URL == "" {
		s.Logger.Warnf("HTMLBoardStrategy: Skipping malformed listing card, ExternalID: %s", externalID)
		return Record{}, false
	}
	return r, true
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func findInputValue(body []byte, name string) (string, error) {
	node, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return "", errors.Wrap(err, "failed to parse HTML")
	}
	var found string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if found != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "input" && attrValue(n, "name") == name {
			found = attrValue(n, "value")
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(node)
	if found == "" {
		return "", errors.Errorf("input %q not found", name)
	}
	return found, nil
}
