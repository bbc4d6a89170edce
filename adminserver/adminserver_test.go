package adminserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fschiettecatte/mps-sub005/gateway"
	"github.com/fschiettecatte/mps-sub005/lwps/lwpstest"
)

func newTestGateway(t *testing.T) *gateway.Gateway {
	t.Helper()
	p := filepath.Join(t.TempDir(), "gateway.conf")
	require.NoError(t, os.WriteFile(p, []byte("version 1.0.0\n"), 0o644))
	gw, err := gateway.Open(context.Background(), p, lwpstest.NewDialer())
	require.NoError(t, err)
	return gw
}

func TestHealthzReturnsOK(t *testing.T) {
	gw := newTestGateway(t)
	s := New("", gw, prometheus.NewRegistry())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestStatsReturnsJSON(t *testing.T) {
	gw := newTestGateway(t)
	s := New("", gw, prometheus.NewRegistry())

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "search_cache")
}

func TestReinitAccepted(t *testing.T) {
	gw := newTestGateway(t)
	s := New("", gw, prometheus.NewRegistry())

	req := httptest.NewRequest(http.MethodPost, "/reinit", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestMetricsServesPrometheusFormat(t *testing.T) {
	gw := newTestGateway(t)
	s := New("", gw, prometheus.NewRegistry())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gateway_searchcache_hits")
}
