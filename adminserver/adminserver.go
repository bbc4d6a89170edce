// Package adminserver exposes the gateway's health, stats, metrics, and
// forced-reinit surface over HTTP (SPEC_FULL.md §4.11), built on
// gorilla/mux and wrapped in gorilla/handlers request logging.
package adminserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fschiettecatte/mps-sub005/gateway"
	"github.com/fschiettecatte/mps-sub005/logging"
)

// Metrics are the Prometheus collectors the admin server exposes.
type Metrics struct {
	CacheHits   *prometheus.GaugeVec
	CacheMisses *prometheus.GaugeVec
	CacheSaves  *prometheus.GaugeVec
	InfoHits    prometheus.Gauge
	InfoMisses  prometheus.Gauge
}

// NewMetrics registers the admin server's collectors against reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		CacheHits: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gateway",
			Subsystem: "searchcache",
			Name:      "hits",
			Help:      "cumulative cache hits, by artifact class",
		}, []string{"class"}),
		CacheMisses: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gateway",
			Subsystem: "searchcache",
			Name:      "misses",
			Help:      "cumulative cache misses, by artifact class",
		}, []string{"class"}),
		CacheSaves: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gateway",
			Subsystem: "searchcache",
			Name:      "saves",
			Help:      "cumulative cache saves, by artifact class",
		}, []string{"class"}),
		InfoHits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Subsystem: "infocache",
			Name:      "hits",
			Help:      "cumulative info-cache hits",
		}),
		InfoMisses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Subsystem: "infocache",
			Name:      "misses",
			Help:      "cumulative info-cache misses",
		}),
	}
	reg.MustRegister(m.CacheHits, m.CacheMisses, m.CacheSaves, m.InfoHits, m.InfoMisses)
	return m
}

func (m *Metrics) refresh(gw *gateway.Gateway) {
	caches := gw.SearchCaches()
	for class, c := range map[string]interface {
		Stats() (hits, misses, saves uint64)
	}{
		"short-results":  caches.ShortResults,
		"postings":       caches.Postings,
		"weight-vectors": caches.WeightVectors,
		"bitmaps":        caches.Bitmaps,
	} {
		hits, misses, saves := c.Stats()
		m.CacheHits.WithLabelValues(class).Set(float64(hits))
		m.CacheMisses.WithLabelValues(class).Set(float64(misses))
		m.CacheSaves.WithLabelValues(class).Set(float64(saves))
	}
	hits, misses := gw.Info().Stats()
	m.InfoHits.Set(float64(hits))
	m.InfoMisses.Set(float64(misses))
}

// Server is the admin/metrics HTTP surface.
type Server struct {
	httpServer *http.Server
	gw         *gateway.Gateway
	metrics    *Metrics
}

// New builds the admin router bound to addr. With an empty addr
// (spec.md "gateway-admin-listen": empty disables it) ListenAndServe
// returns nil at once without listening.
func New(addr string, gw *gateway.Gateway, reg *prometheus.Registry) *Server {
	metrics := NewMetrics(reg)
	s := &Server{gw: gw, metrics: metrics}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/reinit", s.handleReinit).Methods(http.MethodPost)
	metricsHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.Handle("/metrics", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics.refresh(gw)
		metricsHandler.ServeHTTP(w, r)
	})).Methods(http.MethodGet)

	logged := handlers.CombinedLoggingHandler(&zapWriter{}, r)
	s.httpServer = &http.Server{Addr: addr, Handler: logged}
	return s
}

// ListenAndServe starts the admin server; it blocks until Shutdown is
// called or the listener fails.
func (s *Server) ListenAndServe() error {
	if s.httpServer.Addr == "" {
		return nil
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the admin server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type statsResponse struct {
	SearchCache map[string]cacheStats `json:"search_cache"`
	InfoCache   cacheHitsMisses       `json:"info_cache"`
}

type cacheStats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Saves  uint64 `json:"saves"`
}

type cacheHitsMisses struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.metrics.refresh(s.gw)

	caches := s.gw.SearchCaches()
	resp := statsResponse{SearchCache: map[string]cacheStats{}}
	for class, c := range map[string]interface {
		Stats() (hits, misses, saves uint64)
	}{
		"short-results":  caches.ShortResults,
		"postings":       caches.Postings,
		"weight-vectors": caches.WeightVectors,
		"bitmaps":        caches.Bitmaps,
	} {
		hits, misses, saves := c.Stats()
		resp.SearchCache[class] = cacheStats{Hits: hits, Misses: misses, Saves: saves}
	}
	hits, misses := s.gw.Info().Stats()
	resp.InfoCache = cacheHitsMisses{Hits: hits, Misses: misses}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleReinit implements spec.md §4.11's "POST /reinit": forces the
// gateway to re-check its config status-change timestamp immediately,
// rather than waiting for the next request.
func (s *Server) handleReinit(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	s.gw.EnterRequest(ctx)
	w.WriteHeader(http.StatusAccepted)
}

// zapWriter adapts the module's zap-backed logging package to the
// io.Writer CombinedLoggingHandler expects.
type zapWriter struct{}

func (zapWriter) Write(p []byte) (int, error) {
	logging.Infof("%s", string(p))
	return len(p), nil
}
