package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/funnel/internal/config"
	"github.com/roach88/funnel/internal/metrics"
	"github.com/roach88/funnel/internal/runner"
)

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	return resp
}

func TestHealth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := runner.NewHealth(nil, nil)
	r := NewRouter(Deps{Health: h, DB: fakePinger{}})

	resp := get(t, r, "/health")
	require.Equal(t, http.StatusOK, resp.Code)
	var body HealthResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "starting", body.Status)
	assert.Equal(t, "ok", body.Database)

	require.NoError(t, h.Ready())
	resp = get(t, r, "/health")
	require.Equal(t, http.StatusOK, resp.Code)
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, runner.StateRunning, body.State)
	assert.Equal(t, 1, body.Cycles)

	require.NoError(t, h.Fail(errors.New("broker gone")))
	resp = get(t, r, "/health")
	require.Equal(t, http.StatusInternalServerError, resp.Code)
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "broker gone", body.LastError)
}

func TestHealth_DatabaseDown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRouter(Deps{DB: fakePinger{err: errors.New("connection refused")}})

	resp := get(t, r, "/health")
	require.Equal(t, http.StatusInternalServerError, resp.Code)
	var body HealthResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "connection refused", body.Database)
}

func TestEnvs(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRouter(Deps{Env: func() map[string]string {
		return map[string]string{"FUNNEL_BUS_TOPIC": "events", "DB_PASSWORD": "hunter2"}
	}})

	resp := get(t, r, "/envs")
	require.Equal(t, http.StatusOK, resp.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, map[string]string{"FUNNEL_BUS_TOPIC": "events", "DB_PASSWORD": config.Hidden}, body)
	assert.NotContains(t, resp.Body.String(), "hunter2")
}

func TestStats(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := metrics.New()
	m.Event(context.Background(), "workflow_start", "received")
	m.StageExecuted(context.Background(), "welcome", "greet", time.Millisecond, nil)
	r := NewRouter(Deps{Metrics: m})

	resp := get(t, r, "/stats")
	require.Equal(t, http.StatusOK, resp.Code)
	var body struct {
		Counters map[string]int64 `json:"counters"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, m.Snapshot(), body.Counters)
	assert.NotEmpty(t, body.Counters)
}

func TestStats_NilMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	resp := get(t, NewRouter(Deps{}), "/stats")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"counters":{}}`, resp.Body.String())
}

func TestServe_StopsOnCancel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, "127.0.0.1:0", NewRouter(Deps{}), nil) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
