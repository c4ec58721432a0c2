package airtable

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crestmark-data/ratings-sync/internal/resilience"
)

func TestCreateRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/appBase123/Ratings", r.URL.Path)
		assert.Equal(t, "Bearer key-abc", r.Header.Get("Authorization"))

		var req createRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Typecast)
		require.Len(t, req.Records, 2)
		assert.Equal(t, "Acme Industries Limited", req.Records[0].Fields["Company Name"])

		out := recordsEnvelope{Records: []Record{
			{ID: "recAAA", Fields: req.Records[0].Fields},
			{ID: "recBBB", Fields: req.Records[1].Fields},
		}}
		_ = json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	client := NewClient("key-abc", "appBase123", WithBaseURL(srv.URL))
	created, err := client.CreateRecords(context.Background(), "Ratings", []Record{
		{Fields: map[string]any{"Company Name": "Acme Industries Limited"}},
		{Fields: map[string]any{"Company Name": "Beta Finance Private Limited"}},
	})
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.Equal(t, "recAAA", created[0].ID)
}

func TestCreateRecords_EmptyBatchIsNoop(t *testing.T) {
	client := NewClient("key", "app", WithBaseURL("http://127.0.0.1:0"))
	created, err := client.CreateRecords(context.Background(), "Ratings", nil)
	require.NoError(t, err)
	assert.Nil(t, created)
}

func TestCreateRecords_OversizedBatchRejected(t *testing.T) {
	records := make([]Record, MaxBatchSize+1)
	for i := range records {
		records[i] = Record{Fields: map[string]any{"Name": "x"}}
	}
	client := NewClient("key", "app", WithBaseURL("http://127.0.0.1:0"))
	_, err := client.CreateRecords(context.Background(), "Ratings", records)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record limit")
}

func TestCreateRecords_RateLimitedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewClient("key", "app", WithBaseURL(srv.URL))
	_, err := client.CreateRecords(context.Background(), "Ratings", []Record{{Fields: map[string]any{}}})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestCreateRecords_UnprocessableIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	client := NewClient("key", "app", WithBaseURL(srv.URL))
	_, err := client.CreateRecords(context.Background(), "Ratings", []Record{{Fields: map[string]any{}}})
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
}

func TestUpdateRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/appBase123/Companies/recXYZ", r.URL.Path)
		_ = json.NewEncoder(w).Encode(Record{ID: "recXYZ", Fields: map[string]any{"CIN": "L12345MH2001PLC123456"}})
	}))
	defer srv.Close()

	client := NewClient("key", "appBase123", WithBaseURL(srv.URL))
	rec, err := client.UpdateRecord(context.Background(), "Companies", "recXYZ", map[string]any{"CIN": "L12345MH2001PLC123456"})
	require.NoError(t, err)
	assert.Equal(t, "recXYZ", rec.ID)
}

func TestListRecords_FilterAndPagination(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, `{Name}="Acme Industries Limited"`, r.URL.Query().Get("filterByFormula"))
		if calls == 1 {
			assert.Empty(t, r.URL.Query().Get("offset"))
			_ = json.NewEncoder(w).Encode(recordsEnvelope{
				Records: []Record{{ID: "rec1"}},
				Offset:  "page2",
			})
			return
		}
		assert.Equal(t, "page2", r.URL.Query().Get("offset"))
		_ = json.NewEncoder(w).Encode(recordsEnvelope{Records: []Record{{ID: "rec2"}}})
	}))
	defer srv.Close()

	client := NewClient("key", "app", WithBaseURL(srv.URL))
	records, err := client.ListRecords(context.Background(), "Companies", ListOptions{
		FilterByFormula: `{Name}="Acme Industries Limited"`,
	})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "rec1", records[0].ID)
	assert.Equal(t, "rec2", records[1].ID)
}
