// Package airtable is a minimal client for the Airtable records API,
// covering the operations the sync pipeline needs: batched creates,
// single-record updates, and formula-filtered listing.
package airtable

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/crestmark-data/ratings-sync/internal/resilience"
)

const (
	defaultBaseURL = "https://api.airtable.com/v0"
	defaultTimeout = 30 * time.Second

	// MaxBatchSize is the largest record batch the API accepts per request.
	MaxBatchSize = 10
)

// Record is an Airtable record. Fields carries the column values keyed by
// field name.
type Record struct {
	ID          string         `json:"id,omitempty"`
	Fields      map[string]any `json:"fields"`
	CreatedTime string         `json:"createdTime,omitempty"`
}

// ListOptions narrows a list call. A zero value lists the whole table one
// page at a time.
type ListOptions struct {
	FilterByFormula string
	MaxRecords      int
	Fields          []string
}

// Client is the surface the sync pipeline depends on.
type Client interface {
	CreateRecords(ctx context.Context, table string, records []Record) ([]Record, error)
	UpdateRecord(ctx context.Context, table, recordID string, fields map[string]any) (Record, error)
	ListRecords(ctx context.Context, table string, opts ListOptions) ([]Record, error)
}

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("airtable: API error (status %d): %s", e.StatusCode, e.Body)
}

type httpClient struct {
	baseURL string
	apiKey  string
	baseID  string
	http    *http.Client
	limiter *rate.Limiter
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the API endpoint, mainly for tests.
func WithBaseURL(u string) Option {
	return func(c *httpClient) { c.baseURL = u }
}

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *httpClient) { c.http = h }
}

// WithRateLimit caps outbound requests per second. Airtable enforces five
// requests per second per base.
func WithRateLimit(perSec float64) Option {
	return func(c *httpClient) { c.limiter = rate.NewLimiter(rate.Limit(perSec), 1) }
}

// NewClient builds a client for one Airtable base.
func NewClient(apiKey, baseID string, opts ...Option) Client {
	c := &httpClient{
		baseURL: defaultBaseURL,
		apiKey:  apiKey,
		baseID:  baseID,
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type recordsEnvelope struct {
	Records []Record `json:"records"`
	Offset  string   `json:"offset,omitempty"`
}

type createRequest struct {
	Records  []Record `json:"records"`
	Typecast bool     `json:"typecast"`
}

func (c *httpClient) CreateRecords(ctx context.Context, table string, records []Record) ([]Record, error) {
	if len(records) == 0 {
		return nil, nil
	}
	if len(records) > MaxBatchSize {
		return nil, eris.Errorf("airtable: batch of %d exceeds the %d record limit", len(records), MaxBatchSize)
	}

	var resp recordsEnvelope
	err := c.do(ctx, http.MethodPost, c.tableURL(table), createRequest{Records: records, Typecast: true}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Records, nil
}

func (c *httpClient) UpdateRecord(ctx context.Context, table, recordID string, fields map[string]any) (Record, error) {
	var rec Record
	u := c.tableURL(table) + "/" + url.PathEscape(recordID)
	err := c.do(ctx, http.MethodPatch, u, map[string]any{"fields": fields, "typecast": true}, &rec)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (c *httpClient) ListRecords(ctx context.Context, table string, opts ListOptions) ([]Record, error) {
	base := c.tableURL(table)
	q := url.Values{}
	if opts.FilterByFormula != "" {
		q.Set("filterByFormula", opts.FilterByFormula)
	}
	if opts.MaxRecords > 0 {
		q.Set("maxRecords", strconv.Itoa(opts.MaxRecords))
	}
	for _, f := range opts.Fields {
		q.Add("fields[]", f)
	}

	var out []Record
	offset := ""
	for {
		u := base
		page := q
		if offset != "" {
			page = url.Values{}
			for k, v := range q {
				page[k] = v
			}
			page.Set("offset", offset)
		}
		if enc := page.Encode(); enc != "" {
			u += "?" + enc
		}

		var resp recordsEnvelope
		if err := c.do(ctx, http.MethodGet, u, nil, &resp); err != nil {
			return nil, err
		}
		out = append(out, resp.Records...)
		if resp.Offset == "" {
			return out, nil
		}
		offset = resp.Offset
	}
}

func (c *httpClient) tableURL(table string) string {
	return c.baseURL + "/" + url.PathEscape(c.baseID) + "/" + url.PathEscape(table)
}

func (c *httpClient) do(ctx context.Context, method, u string, payload, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "airtable: rate limit wait")
		}
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return eris.Wrap(err, "airtable: marshal request")
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return eris.Wrap(err, "airtable: create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "airtable: send request"), 0)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "airtable: read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(apiErr, resp.StatusCode)
		}
		return eris.Wrap(apiErr, "airtable: request failed")
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return eris.Wrap(err, "airtable: decode response")
		}
	}
	return nil
}
