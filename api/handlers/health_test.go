package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/a2aflow/agent/backend"
	"github.com/BaSui01/a2aflow/agent/persistence"
	"github.com/BaSui01/a2aflow/internal/database"
	"github.com/BaSui01/a2aflow/internal/pool"
)

func TestHealthHandler_HandleHealth(t *testing.T) {
	handler := NewHealthHandler(zap.NewNop())

	w := httptest.NewRecorder()
	handler.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var status HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Equal(t, "healthy", status.Status)
	assert.False(t, status.Timestamp.IsZero())
}

func pass(context.Context) (Details, error) { return Details{"ok": true}, nil }

func TestHealthHandler_HandleReady(t *testing.T) {
	tests := []struct {
		name       string
		checks     []HealthCheck
		wantStatus int
		wantHealth string
	}{
		{
			name:       "no checks",
			wantStatus: http.StatusOK,
			wantHealth: "healthy",
		},
		{
			name: "all passing",
			checks: []HealthCheck{
				NewCheck("task_store", pass),
				NewCheck("journal", pass),
			},
			wantStatus: http.StatusOK,
			wantHealth: "healthy",
		},
		{
			name: "degraded backend",
			checks: []HealthCheck{
				NewCheck("task_store", pass),
				BackendCheck(func() backend.BreakerState { return backend.BreakerOpen }),
			},
			wantStatus: http.StatusOK,
			wantHealth: "degraded",
		},
		{
			name: "one failing",
			checks: []HealthCheck{
				NewCheck("task_store", func(context.Context) (Details, error) {
					return nil, errors.New("redis: connection refused")
				}),
				NewCheck("journal", pass),
				BackendCheck(func() backend.BreakerState { return backend.BreakerOpen }),
			},
			wantStatus: http.StatusServiceUnavailable,
			wantHealth: "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHealthHandler(nil)
			for _, c := range tt.checks {
				handler.RegisterCheck(c)
			}

			w := httptest.NewRecorder()
			handler.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

			assert.Equal(t, tt.wantStatus, w.Code)
			var status HealthStatus
			require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
			assert.Equal(t, tt.wantHealth, status.Status)
			assert.Len(t, status.Checks, len(tt.checks))
			if tt.wantHealth == "unhealthy" {
				assert.Equal(t, "fail", status.Checks["task_store"].Status)
				assert.Contains(t, status.Checks["task_store"].Message, "connection refused")
				assert.Equal(t, "pass", status.Checks["journal"].Status)
				assert.Equal(t, "warn", status.Checks["backend"].Status)
			}
		})
	}
}

type fakeRouter struct {
	closed bool
}

func (f *fakeRouter) Closed() bool     { return f.closed }
func (f *fakeRouter) Agents() []string { return []string{"automl.v1", "datarep.v1"} }
func (f *fakeRouter) EventStats() pool.GoroutinePoolStats {
	return pool.GoroutinePoolStats{Workers: 4, Queued: 2}
}

func TestRouterCheck(t *testing.T) {
	r := &fakeRouter{}
	details, err := RouterCheck(r).Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"automl.v1", "datarep.v1"}, details["agents"])
	assert.Equal(t, 2, details["event_queued"])

	r.closed = true
	_, err = RouterCheck(r).Check(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDegraded)
}

func TestStoreCheck(t *testing.T) {
	store := persistence.NewMemoryTaskStore()
	tracker := persistence.NewTracker(store, nil)
	_, _, err := tracker.Begin(context.Background(), "automl.v1", "t-1", nil)
	require.NoError(t, err)

	check := StoreCheck(store, "memory")
	assert.Equal(t, "task_store", check.Name())
	details, err := check.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "memory", details["type"])
	assert.Equal(t, 1, details["working"])

	require.NoError(t, store.Close())
	_, err = check.Check(context.Background())
	assert.Error(t, err)
}

type fakeJournal struct {
	pingErr error
	count   int64
}

func (f *fakeJournal) Ping(context.Context) error { return f.pingErr }
func (f *fakeJournal) Count(context.Context) (int64, error) {
	return f.count, nil
}
func (f *fakeJournal) Stats() database.PoolStats { return database.PoolStats{OpenConnections: 1} }

func TestJournalCheck(t *testing.T) {
	j := &fakeJournal{count: 7}
	details, err := JournalCheck(j).Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), details["transitions"])
	assert.Equal(t, 1, details["open_connections"])

	j.pingErr = errors.New("database is locked")
	_, err = JournalCheck(j).Check(context.Background())
	assert.ErrorContains(t, err, "locked")
}

func TestBackendCheck(t *testing.T) {
	details, err := BackendCheck(func() backend.BreakerState { return backend.BreakerHalfOpen }).Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "half_open", details["breaker"])

	_, err = BackendCheck(func() backend.BreakerState { return backend.BreakerOpen }).Check(context.Background())
	assert.ErrorIs(t, err, ErrDegraded)
}

func TestHealthHandler_HandleVersion(t *testing.T) {
	handler := NewHealthHandler(nil)
	w := httptest.NewRecorder()
	handler.HandleVersion(VersionInfo{Version: "1.2.3", GitCommit: "abc"})(w, httptest.NewRequest(http.MethodGet, "/version", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	resp := decodeResponse(t, w)
	data := resp.Data.(map[string]any)
	assert.Equal(t, "1.2.3", data["version"])
	assert.Equal(t, "abc", data["git_commit"])
}
