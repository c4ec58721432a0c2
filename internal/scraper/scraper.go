// Package scraper fetches disclosure pages, either directly or through the
// web-unlocker delegate when the target site blocks datacenter traffic.
package scraper

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/crestmark-data/ratings-sync/internal/config"
	"github.com/crestmark-data/ratings-sync/internal/resilience"
	"github.com/crestmark-data/ratings-sync/pkg/unlocker"
)

// FetchResult is the outcome of one page fetch, whichever path served it.
type FetchResult struct {
	Body      []byte    `json:"-"`
	URL       string    `json:"url"`
	Method    string    `json:"method"` // "direct" or "unlocker"
	FetchedAt time.Time `json:"fetched_at"`
	Size      int       `json:"size"`
}

// Scraper fetches the ratings disclosure page. The unlocker path sits
// behind a circuit breaker so a dead proxy zone fails fast instead of
// eating the full timeout per chunk.
type Scraper struct {
	cfg      config.ScraperConfig
	http     *http.Client
	unlocker unlocker.Client
	breaker  *resilience.CircuitBreaker
}

// New creates a Scraper. delegate may be nil when direct fetching is
// configured.
func New(cfg config.ScraperConfig, delegate unlocker.Client) *Scraper {
	return &Scraper{
		cfg: cfg,
		http: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSecs) * time.Second,
		},
		unlocker: delegate,
		breaker:  resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig()),
	}
}

const dateParamLayout = "2006-01-02"

// RangeURL builds the disclosure listing URL for an inclusive date range.
func (s *Scraper) RangeURL(start, end time.Time) string {
	q := url.Values{}
	q.Set("fromdate", start.Format(dateParamLayout))
	q.Set("todate", end.Format(dateParamLayout))
	return s.cfg.BaseURL + "?" + q.Encode()
}

// FetchRange retrieves the disclosure listing for a date range.
func (s *Scraper) FetchRange(ctx context.Context, start, end time.Time) (*FetchResult, error) {
	if end.Before(start) {
		return nil, eris.Errorf("scraper: range end %s before start %s",
			end.Format(dateParamLayout), start.Format(dateParamLayout))
	}
	return s.Fetch(ctx, s.RangeURL(start, end))
}

// Fetch retrieves a single URL through the configured path.
func (s *Scraper) Fetch(ctx context.Context, target string) (*FetchResult, error) {
	start := time.Now()
	var (
		body   []byte
		method string
		err    error
	)
	if s.cfg.UseUnlocker && s.unlocker != nil {
		method = "unlocker"
		body, err = resilience.ExecuteVal(ctx, s.breaker, func(ctx context.Context) ([]byte, error) {
			return s.unlocker.Fetch(ctx, target)
		})
	} else {
		method = "direct"
		body, err = s.fetchDirect(ctx, target)
	}
	if err != nil {
		return nil, err
	}

	zap.L().Debug("fetched page",
		zap.String("url", target),
		zap.String("method", method),
		zap.Int("bytes", len(body)),
		zap.Duration("elapsed", time.Since(start)))

	return &FetchResult{
		Body:      body,
		URL:       target,
		Method:    method,
		FetchedAt: time.Now().UTC(),
		Size:      len(body),
	}, nil
}

func (s *Scraper) fetchDirect(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, eris.Wrap(err, "scraper: create request")
	}
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "scraper: execute request"), 0)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "scraper: read response body")
	}
	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return nil, resilience.NewTransientError(
			eris.Errorf("scraper: HTTP %d from %s", resp.StatusCode, target), resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, eris.Errorf("scraper: HTTP %d from %s", resp.StatusCode, target)
	}
	return data, nil
}

// ValidateRange checks ISO date inputs and the configured maximum span.
// Returns the parsed bounds.
func ValidateRange(startDate, endDate string, maxRangeDays int) (time.Time, time.Time, error) {
	start, err := time.Parse(dateParamLayout, startDate)
	if err != nil {
		return time.Time{}, time.Time{}, eris.Wrapf(err, "scraper: invalid start date %q", startDate)
	}
	end, err := time.Parse(dateParamLayout, endDate)
	if err != nil {
		return time.Time{}, time.Time{}, eris.Wrapf(err, "scraper: invalid end date %q", endDate)
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, eris.Errorf("scraper: end date %s before start date %s", endDate, startDate)
	}
	if maxRangeDays > 0 {
		if days := int(end.Sub(start).Hours()/24) + 1; days > maxRangeDays {
			return time.Time{}, time.Time{}, eris.New(
				fmt.Sprintf("scraper: range spans %d days, maximum is %d", days, maxRangeDays))
		}
	}
	return start, end, nil
}
