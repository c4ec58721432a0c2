package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crestmark-data/ratings-sync/internal/jobstore"
	"github.com/crestmark-data/ratings-sync/internal/model"
)

func newRouterEnv(t *testing.T) *appEnv {
	t.Helper()
	jobs := jobstore.NewManager(jobstore.NewMemoryBackend(24*time.Hour), false)
	t.Cleanup(func() { _ = jobs.Close() })
	return &appEnv{Jobs: jobs}
}

func TestHealthz(t *testing.T) {
	router := newRouter(newRouterEnv(t))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestSubmitJob_InvalidBody(t *testing.T) {
	router := newRouter(newRouterEnv(t))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader("not json")))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitJob_MissingDates(t *testing.T) {
	router := newRouter(newRouterEnv(t))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs",
		strings.NewReader(`{"start_date":"2025-10-01"}`)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "end_date")
}

func TestGetJob(t *testing.T) {
	env := newRouterEnv(t)
	job, err := env.Jobs.Create(context.Background(), model.JobTypeScrapeRange, "2025-10-01", "2025-10-15", "")
	require.NoError(t, err)

	router := newRouter(env)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+job.ID, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got model.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, model.JobStatusQueued, got.Status)
}

func TestGetJob_NotFound(t *testing.T) {
	router := newRouter(newRouterEnv(t))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/nope", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobs(t *testing.T) {
	env := newRouterEnv(t)
	ctx := context.Background()
	for range 3 {
		_, err := env.Jobs.Create(ctx, model.JobTypeScrapeRange, "2025-10-01", "2025-10-15", "")
		require.NoError(t, err)
	}

	router := newRouter(env)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs?limit=2", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Jobs []model.Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Len(t, got.Jobs, 2)
}

func TestListJobs_InvalidLimit(t *testing.T) {
	router := newRouter(newRouterEnv(t))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs?limit=zero", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
