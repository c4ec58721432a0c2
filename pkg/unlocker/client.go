// Package unlocker is a client for a web-unlocker proxy API: it fetches a
// target URL server-side through a residential proxy zone and returns the
// raw response body.
package unlocker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/crestmark-data/ratings-sync/internal/resilience"
)

// Default base URL for the unlocker API.
const defaultBaseURL = "https://api.brightdata.com"

// Client defines the unlocker API operations.
type Client interface {
	Fetch(ctx context.Context, targetURL string) ([]byte, error)
}

// request is the body for POST /request.
type request struct {
	Zone    string `json:"zone"`
	URL     string `json:"url"`
	Format  string `json:"format"`
	Method  string `json:"method"`
	Country string `json:"country,omitempty"`
}

// APIError is returned when the unlocker responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("unlocker: HTTP %d: %s", e.StatusCode, e.Body)
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithBaseURL overrides the default base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithCountry sets the exit-node country for proxied requests.
func WithCountry(country string) Option {
	return func(c *httpClient) {
		c.country = country
	}
}

// httpClient implements Client using net/http.
type httpClient struct {
	apiKey  string
	zone    string
	country string
	baseURL string
	http    *http.Client
}

// NewClient creates a new unlocker client for the given proxy zone.
func NewClient(apiKey, zone string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		zone:    zone,
		baseURL: defaultBaseURL,
		http: &http.Client{
			// Proxied fetches of heavy pages routinely take over a minute.
			Timeout: 180 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch retrieves targetURL through the proxy zone and returns the raw
// body. Rate limiting and upstream 5xx surface as transient errors; an auth
// failure is permanent.
func (c *httpClient) Fetch(ctx context.Context, targetURL string) ([]byte, error) {
	body := request{
		Zone:    c.zone,
		URL:     targetURL,
		Format:  "raw",
		Method:  http.MethodGet,
		Country: c.country,
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, eris.Wrap(err, "unlocker: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/request", bytes.NewReader(buf))
	if err != nil {
		return nil, eris.Wrap(err, "unlocker: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "unlocker: execute request"), 0)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "unlocker: read response body")
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, eris.Wrapf(&APIError{StatusCode: resp.StatusCode, Body: string(data)},
			"unlocker: authentication failed")
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return nil, resilience.NewTransientError(
			&APIError{StatusCode: resp.StatusCode, Body: string(data)}, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	return data, nil
}
