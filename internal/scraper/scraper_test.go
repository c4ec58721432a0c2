package scraper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crestmark-data/ratings-sync/internal/config"
	"github.com/crestmark-data/ratings-sync/internal/resilience"
)

func TestFetchRange_QueryParamsAndUserAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2025-10-01", r.URL.Query().Get("fromdate"))
		assert.Equal(t, "2025-10-15", r.URL.Query().Get("todate"))
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		w.Write([]byte("<html>listing</html>")) //nolint:errcheck
	}))
	defer srv.Close()

	s := New(config.ScraperConfig{BaseURL: srv.URL, UserAgent: "test-agent", TimeoutSecs: 10}, nil)
	res, err := s.FetchRange(context.Background(),
		time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 10, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "direct", res.Method)
	assert.Equal(t, len("<html>listing</html>"), res.Size)
}

func TestFetchRange_InvertedRange(t *testing.T) {
	s := New(config.ScraperConfig{BaseURL: "http://localhost", TimeoutSecs: 1}, nil)
	_, err := s.FetchRange(context.Background(),
		time.Date(2025, 10, 15, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC))
	assert.Error(t, err)
}

func TestFetch_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := New(config.ScraperConfig{BaseURL: srv.URL, TimeoutSecs: 10}, nil)
	_, err := s.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestFetch_NotFoundIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := New(config.ScraperConfig{BaseURL: srv.URL, TimeoutSecs: 10}, nil)
	_, err := s.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
}

func TestValidateRange(t *testing.T) {
	start, end, err := ValidateRange("2025-10-01", "2025-10-15", 90)
	require.NoError(t, err)
	assert.Equal(t, 1, start.Day())
	assert.Equal(t, 15, end.Day())

	_, _, err = ValidateRange("2025/10/01", "2025-10-15", 90)
	assert.Error(t, err)

	_, _, err = ValidateRange("2025-10-15", "2025-10-01", 90)
	assert.Error(t, err)

	// 91 days inclusive exceeds a 90-day cap.
	_, _, err = ValidateRange("2025-07-01", "2025-09-29", 90)
	assert.Error(t, err)

	_, _, err = ValidateRange("2025-07-01", "2025-09-28", 90)
	assert.NoError(t, err)
}
