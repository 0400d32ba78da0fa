package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T, handler http.Handler) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	return NewManager("api", handler, cfg, zap.NewNop())
}

func TestDefaultConfig_Values(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 120*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 1<<20, cfg.MaxHeaderBytes)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
}

func TestManager_StartAndShutdown(t *testing.T) {
	m := newTestManager(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))

	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	resp, err := http.Get("http://" + m.Addr() + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	require.NoError(t, m.Shutdown(context.Background()))
	assert.False(t, m.IsRunning())
}

func TestManager_DoubleStart(t *testing.T) {
	m := newTestManager(t, http.NewServeMux())
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	err := m.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")
}

func TestManager_StartAfterShutdown(t *testing.T) {
	m := newTestManager(t, http.NewServeMux())
	require.NoError(t, m.Start())
	require.NoError(t, m.Shutdown(context.Background()))

	err := m.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}

func TestManager_ShutdownHooksRunInReverseOnce(t *testing.T) {
	m := newTestManager(t, http.NewServeMux())
	var order []string
	m.OnShutdown(func(context.Context) error { order = append(order, "store"); return nil })
	m.OnShutdown(func(context.Context) error { order = append(order, "router"); return errors.New("drain failed") })

	require.NoError(t, m.Start())
	err := m.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drain failed")
	assert.Equal(t, []string{"router", "store"}, order)

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Len(t, order, 2)
}

func TestManager_WaitReturnsOnContextCancel(t *testing.T) {
	m := newTestManager(t, http.NewServeMux())
	require.NoError(t, m.Start())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Wait(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return")
	}
	assert.False(t, m.IsRunning())
}

func TestManager_AddrBeforeStart(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = ":9999"
	m := NewManager("metrics", http.NewServeMux(), cfg, nil)
	assert.Equal(t, ":9999", m.Addr())
}
