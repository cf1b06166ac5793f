// Package metrics exposes Prometheus collectors for the HTTP surface and the
// target queue. Scraping lifecycle counters live in the progress sinks.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/leadforge/leadcrawler/internal/engine"
)

// HTTPMetrics instruments inbound API requests.
type HTTPMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewHTTPMetrics registers the HTTP collectors against reg.
func NewHTTPMetrics(reg prometheus.Registerer) (*HTTPMetrics, error) {
	m := &HTTPMetrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadcrawler_http_requests_total",
				Help: "Total HTTP requests, labeled by method and status code.",
			},
			[]string{"method", "code"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "leadcrawler_http_request_duration_seconds",
				Help:    "HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		),
	}
	for _, c := range []prometheus.Collector{m.requestsTotal, m.requestDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Middleware records request counts and latencies. Routes are reported by chi
// pattern so path parameters do not explode the label space.
func (m *HTTPMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		cw := &codeWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(cw, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		m.requestsTotal.WithLabelValues(r.Method, strconv.Itoa(cw.code)).Inc()
		m.requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type codeWriter struct {
	http.ResponseWriter
	code int
}

func (cw *codeWriter) WriteHeader(code int) {
	cw.code = code
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *codeWriter) Flush() {
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// QueueDepthGauge mirrors the queued-target count into a gauge.
type QueueDepthGauge struct {
	gauge prometheus.Gauge
	store engine.Store
	log   *zap.Logger
}

// NewQueueDepthGauge registers the gauge against reg.
func NewQueueDepthGauge(reg prometheus.Registerer, store engine.Store, logger *zap.Logger) (*QueueDepthGauge, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &QueueDepthGauge{
		gauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "leadcrawler_queue_depth",
			Help: "Number of targets currently queued.",
		}),
		store: store,
		log:   logger,
	}
	if err := reg.Register(g.gauge); err != nil {
		return nil, err
	}
	return g, nil
}

// Run polls the store until ctx is done.
func (g *QueueDepthGauge) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		g.observe(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (g *QueueDepthGauge) observe(ctx context.Context) {
	depth, err := g.store.QueuedDepth(ctx)
	if err != nil {
		if ctx.Err() == nil {
			g.log.Warn("queue depth poll failed", zap.Error(err))
		}
		return
	}
	g.gauge.Set(float64(depth))
}
