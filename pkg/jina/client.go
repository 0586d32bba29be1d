// Package jina is a small client for the Jina AI web search API. The engine
// uses it as a last-resort employment lookup: one query per person, results
// scanned for the current employer.
package jina

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
)

// Searcher runs web searches.
type Searcher interface {
	Search(ctx context.Context, query string, opts ...SearchOption) (*SearchResponse, error)
}

// SearchResponse is the parsed search API response.
type SearchResponse struct {
	Code int            `json:"code"`
	Data []SearchResult `json:"data"`
}

// SearchResult is one hit.
type SearchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
	Content     string `json:"content"`
	Date        string `json:"date,omitempty"`
	Usage       Usage  `json:"usage"`
}

// Usage tracks token consumption for billing.
type Usage struct {
	Tokens int `json:"tokens"`
}

// Tokens sums token usage across all results.
func (r *SearchResponse) Tokens() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, d := range r.Data {
		n += d.Usage.Tokens
	}
	return n
}

// SearchOption configures a search request.
type SearchOption func(*searchOpts)

type searchOpts struct {
	site  string
	count int
}

// WithSite restricts results to one domain, e.g. "linkedin.com".
func WithSite(domain string) SearchOption {
	return func(o *searchOpts) {
		o.site = domain
	}
}

// WithCount caps the number of results.
func WithCount(n int) SearchOption {
	return func(o *searchOpts) {
		o.count = n
	}
}

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return "jina: unexpected status " + strconv.Itoa(e.Code) + ": " + e.Body
}

// Retryable reports whether the request may succeed on retry.
func (e *StatusError) Retryable() bool {
	switch e.Code {
	case http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint (tests).
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = u
	}
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithMaxAttempts sets how many times a transient failure is tried.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithBackoff sets the initial retry delay; it doubles per attempt.
func WithBackoff(d time.Duration) Option {
	return func(c *Client) {
		c.backoff = d
	}
}

// Client talks to the search API.
type Client struct {
	apiKey      string
	baseURL     string
	http        *http.Client
	maxAttempts int
	backoff     time.Duration
}

// NewClient creates a client authenticated with apiKey.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:      apiKey,
		baseURL:     "https://s.jina.ai",
		maxAttempts: 3,
		backoff:     time.Second,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Search performs a web search. A 422 means no results and is returned as
// an empty response.
func (c *Client) Search(ctx context.Context, query string, opts ...SearchOption) (*SearchResponse, error) {
	if query == "" {
		return nil, eris.New("jina: empty query")
	}
	so := searchOpts{}
	for _, opt := range opts {
		opt(&so)
	}

	reqURL := c.baseURL + "/" + url.PathEscape(query)
	q := url.Values{}
	if so.site != "" {
		q.Set("site", so.site)
	}
	if so.count > 0 {
		q.Set("count", strconv.Itoa(so.count))
	}
	if len(q) > 0 {
		reqURL += "?" + q.Encode()
	}

	body, code, err := c.do(ctx, reqURL)
	if err != nil {
		return nil, eris.Wrap(err, "jina: search")
	}
	if code == http.StatusUnprocessableEntity {
		return &SearchResponse{Code: code}, nil
	}

	var out SearchResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, eris.Wrap(err, "jina: decode search response")
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, reqURL string) ([]byte, int, error) {
	delay := c.backoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		body, code, err := c.once(ctx, reqURL)
		if err == nil {
			return body, code, nil
		}
		lastErr = err

		var se *StatusError
		if errors.As(err, &se) && !se.Retryable() {
			return nil, code, err
		}
		if attempt == c.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, 0, lastErr
}

func (c *Client) once(ctx context.Context, reqURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, 0, eris.Wrap(err, "jina: create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Respond-With", "no-content")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, resp.StatusCode, eris.Wrap(err, "jina: read response body")
	}
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusUnprocessableEntity {
		return body, resp.StatusCode, nil
	}
	snippet := string(body)
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	return nil, resp.StatusCode, &StatusError{Code: resp.StatusCode, Body: snippet}
}

var _ Searcher = (*Client)(nil)
