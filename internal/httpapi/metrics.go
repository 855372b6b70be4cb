package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Ops routes. They double as the only route label values besides
// routeOther, which keeps metric cardinality fixed.
const (
	routeHealthz = "/healthz"
	routeReadyz  = "/readyz"
	routeStatus  = "/status"
	routeSanity  = "/sanity"
	routeMetrics = "/metrics"
	routeSwagger = "/swagger/*"
	routeOther   = "other"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modelmgr",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Ops HTTP requests by route, method and status",
		},
		[]string{"route", "method", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "modelmgr",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of ops HTTP requests in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"route"},
	)

	httpInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "modelmgr",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "In-flight ops HTTP requests",
		},
	)

	managerReady = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "modelmgr",
			Name:      "ready",
			Help:      "1 while the model manager accepts loads and installs, 0 after close",
		},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, httpInflight, managerReady)
}

func setReady(ok bool) {
	if ok {
		managerReady.Set(1)
		return
	}
	managerReady.Set(0)
}

// statusRecorder wraps http.ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// MetricsMiddleware instruments ops requests for Prometheus.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := routeLabel(r.URL.Path)
		httpInflight.Inc()
		defer httpInflight.Dec()

		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sr, r)
		httpRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(sr.status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// routeLabel maps a request path onto one of the ops routes, or routeOther.
func routeLabel(path string) string {
	switch path {
	case routeHealthz, routeReadyz, routeStatus, routeSanity, routeMetrics:
		return path
	}
	if strings.HasPrefix(path, "/swagger/") {
		return routeSwagger
	}
	return routeOther
}
