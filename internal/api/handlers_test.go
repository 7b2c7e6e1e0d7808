package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/devbox-orchestrator/internal/auth"
	"github.com/yourusername/devbox-orchestrator/internal/scheduler"
	"github.com/yourusername/devbox-orchestrator/pkg/models"
)

type directorFunc func(ctx context.Context, userID string) (string, error)

func (f directorFunc) GetServiceFor(ctx context.Context, userID string) (string, error) {
	return f(ctx, userID)
}

type fleetFunc func(ctx context.Context) (*models.FleetSnapshot, error)

func (f fleetFunc) Snapshot(ctx context.Context) (*models.FleetSnapshot, error) {
	return f(ctx)
}

func newRouter(t *testing.T, director directorFunc, fleet fleetFunc) (http.Handler, *auth.Tokens) {
	t.Helper()
	tokens, err := auth.NewTokens("secret", 0)
	require.NoError(t, err)
	return NewRouter(Options{
		Director:    director,
		Tokens:      tokens,
		Fleet:       fleet,
		MetricsPath: "/metrics",
	}), tokens
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h, _ := newRouter(t, nil, nil)
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestIssueUserToken(t *testing.T) {
	h, tokens := newRouter(t, nil, nil)

	rec := serve(h, httptest.NewRequest(http.MethodPost, "/user", strings.NewReader(`{"user_id":"alice"}`)))
	require.Equal(t, http.StatusCreated, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	userID, err := tokens.Verify(body["token"])
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)

	rec = serve(h, httptest.NewRequest(http.MethodPost, "/user", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/user", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer(t *testing.T) {
	var gotUser string
	h, tokens := newRouter(t, func(ctx context.Context, userID string) (string, error) {
		gotUser = userID
		return "http://10.0.0.1:3001", nil
	}, nil)
	token, err := tokens.Issue("alice")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/server", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := serve(h, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://10.0.0.1:3001", rec.Body.String())
	assert.Equal(t, "alice", gotUser)

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/server?token="+token, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServerUnauthorized(t *testing.T) {
	h, _ := newRouter(t, func(ctx context.Context, userID string) (string, error) {
		t.Fatal("director must not be called")
		return "", nil
	}, nil)

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/server", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/server", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec = serve(h, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/server", nil)
	req.Header.Set("Authorization", "Basic YWxpY2U6cHc=")
	rec = serve(h, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServerBusy(t *testing.T) {
	h, tokens := newRouter(t, func(ctx context.Context, userID string) (string, error) {
		return "", scheduler.ErrNoCapacity
	}, nil)
	token, err := tokens.Issue("alice")
	require.NoError(t, err)

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/server?token="+token, nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, BusyMessage, strings.TrimSpace(rec.Body.String()))
}

func TestServerInternalError(t *testing.T) {
	h, tokens := newRouter(t, func(ctx context.Context, userID string) (string, error) {
		return "", errors.New("redis down")
	}, nil)
	token, err := tokens.Issue("alice")
	require.NoError(t, err)

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/server?token="+token, nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "redis")
}

func TestFleet(t *testing.T) {
	cpu := 20.0
	h, _ := newRouter(t, nil, func(ctx context.Context) (*models.FleetSnapshot, error) {
		return &models.FleetSnapshot{
			Timestamp: time.Now(),
			Workers: []models.RankedWorker{
				{WorkerID: "w1", Score: 0.2, Summary: &models.WorkerSummary{WorkerID: "w1", IP: "10.0.0.1", ContainerCount: 2, CPUPercent: &cpu}},
				{WorkerID: "w2", Score: 0.9, Stale: true},
			},
		}, nil
	})

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/fleet", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var snapshot models.FleetSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	require.Len(t, snapshot.Workers, 2)
	assert.Equal(t, "10.0.0.1", snapshot.Workers[0].Summary.IP)
	assert.True(t, snapshot.Workers[1].Stale)
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newRouter(t, nil, nil)
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
