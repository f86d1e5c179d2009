// Package metrics exposes the Prometheus counters and gauges the ingestion
// core's handlers update, and a small admin HTTP server for /metrics and
// /healthz separate from the device-facing TCP ports.
package metrics

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every counter/gauge/histogram the handlers touch.
type Metrics struct {
	ConnectionsActive   prometheus.Gauge
	ConnectionsTotal    *prometheus.CounterVec
	FramesParsed        *prometheus.CounterVec
	FramesMalformed     *prometheus.CounterVec
	TelemetryInserted   *prometheus.CounterVec
	TelemetryDropped    *prometheus.CounterVec
	StoreCallDuration   *prometheus.HistogramVec
	ShortIDAllocations  *prometheus.CounterVec

	active int64
}

// New registers and returns a fresh metric set against its own registry, so
// tests can construct isolated instances without colliding on the default
// global registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "connections_active", Help: "Live device TCP connections.",
		}),
		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connections_total", Help: "Accepted device TCP connections.",
		}, []string{"protocol"}),
		FramesParsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frames_parsed_total", Help: "Successfully parsed frames.",
		}, []string{"protocol", "message_type"}),
		FramesMalformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frames_malformed_total", Help: "Frames that failed to parse.",
		}, []string{"protocol"}),
		TelemetryInserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_inserted_total", Help: "Telemetry rows written.",
		}, []string{"protocol"}),
		TelemetryDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_dropped_total", Help: "Telemetry rows dropped instead of written.",
		}, []string{"protocol", "reason"}),
		StoreCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "store_call_duration_seconds", Help: "Store Gateway call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		ShortIDAllocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "short_id_allocations_total", Help: "Short device IDs allocated.",
		}, []string{"protocol"}),
	}
	reg.MustRegister(m.ConnectionsActive, m.ConnectionsTotal, m.FramesParsed,
		m.FramesMalformed, m.TelemetryInserted, m.TelemetryDropped,
		m.StoreCallDuration, m.ShortIDAllocations)
	return m
}

func (m *Metrics) ConnectionOpened(protocol string) {
	atomic.AddInt64(&m.active, 1)
	m.ConnectionsActive.Set(float64(atomic.LoadInt64(&m.active)))
	m.ConnectionsTotal.WithLabelValues(protocol).Inc()
}

func (m *Metrics) ConnectionClosed() {
	atomic.AddInt64(&m.active, -1)
	m.ConnectionsActive.Set(float64(atomic.LoadInt64(&m.active)))
}

func (m *Metrics) ObserveStoreCall(operation string, d time.Duration) {
	m.StoreCallDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// Server is the admin HTTP listener serving /metrics and /healthz.
type Server struct {
	httpServer *http.Server
	healthy    func() bool
}

func NewServer(addr string, reg *prometheus.Registry, healthy func() bool) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if healthy == nil || healthy() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("unhealthy"))
	})
	return &Server{httpServer: &http.Server{Addr: addr, Handler: mux}, healthy: healthy}
}

func (s *Server) ListenAndServe() error {
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
