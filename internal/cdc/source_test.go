package cdc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSource_FetchPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/customers", r.URL.Path)
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		assert.Equal(t, "c1", r.URL.Query().Get("cursor"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"items":[{"id":12,"name":"Ann"},{"id":"x-9"}],"next":"c2"}`))
	}))
	defer srv.Close()

	src := &HTTPSource{BaseURL: srv.URL + "/api", PageSize: 50, Token: "secret"}
	page, err := src.FetchPage(context.Background(), "customers", "c1")
	require.NoError(t, err)
	assert.Equal(t, "c2", page.Next)
	require.Len(t, page.Rows, 2)
	assert.Equal(t, "12", page.Rows[0].ID)
	assert.JSONEq(t, `{"id":12,"name":"Ann"}`, string(page.Rows[0].Data))
	assert.Equal(t, "x-9", page.Rows[1].ID)
}

func TestHTTPSource_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"items":[]}`))
	}))
	defer srv.Close()

	src := &HTTPSource{BaseURL: srv.URL, Retry: RetryPolicy{Attempts: 3, Backoff: time.Millisecond}}
	page, err := src.FetchPage(context.Background(), "deals", "")
	require.NoError(t, err)
	assert.Empty(t, page.Rows)
	assert.Equal(t, int32(3), hits.Load())
}

func TestHTTPSource_ClientErrorNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	src := &HTTPSource{BaseURL: srv.URL, Retry: RetryPolicy{Attempts: 5, Backoff: time.Millisecond}}
	_, err := src.FetchPage(context.Background(), "deals", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Equal(t, int32(1), hits.Load())
}

func TestHTTPSource_MissingID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"items":[{"name":"no id"}]}`))
	}))
	defer srv.Close()

	src := &HTTPSource{BaseURL: srv.URL, Retry: RetryPolicy{Attempts: 1}}
	_, err := src.FetchPage(context.Background(), "deals", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"id"`)
}
