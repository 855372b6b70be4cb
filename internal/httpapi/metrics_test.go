package httpapi

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsEndpointExposesHTTPCounters(t *testing.T) {
	h := NewMux(&mockService{})
	// generate some traffic first
	for i := 0; i < 2; i++ {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics code %d", rr.Code)
	}
	body, _ := io.ReadAll(rr.Body)
	for _, want := range []string{
		"modelmgr_http_requests_total",
		"modelmgr_http_request_duration_seconds",
		"modelmgr_http_inflight_requests",
		"modelmgr_ready 0",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %s", want)
		}
	}
}

func TestReadyGaugeTracksService(t *testing.T) {
	svc := &mockService{ready: true}
	h := NewMux(svc)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if v := testutil.ToFloat64(managerReady); v != 1 {
		t.Fatalf("ready gauge %v after ready", v)
	}
	svc.ready = false
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if v := testutil.ToFloat64(managerReady); v != 0 {
		t.Fatalf("ready gauge %v after close", v)
	}
	svc.status.Ready = true
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/status", nil))
	if v := testutil.ToFloat64(managerReady); v != 1 {
		t.Fatalf("status did not refresh ready gauge: %v", v)
	}
}

func TestUnknownPathsShareOneRouteLabel(t *testing.T) {
	h := NewMux(&mockService{})
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(routeOther, http.MethodGet, "404"))
	for _, p := range []string{"/a", "/b/c", "/models/123"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(routeOther, http.MethodGet, "404"))
	if after-before != 3 {
		t.Fatalf("expected 3 requests under %q, got %v", routeOther, after-before)
	}
	if n := testutil.CollectAndCount(httpRequestDuration); n > 7 {
		t.Fatalf("duration histogram has %d series, want at most one per route", n)
	}
}

func TestStatusRecorderCapturesCode(t *testing.T) {
	rr := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rr, status: 200}
	sr.WriteHeader(http.StatusTeapot)
	if sr.status != http.StatusTeapot || rr.Code != http.StatusTeapot {
		t.Fatalf("status not captured: %d/%d", sr.status, rr.Code)
	}
}

func TestRouteLabel(t *testing.T) {
	cases := map[string]string{
		"/healthz":            routeHealthz,
		"/readyz":             routeReadyz,
		"/status":             routeStatus,
		"/sanity":             routeSanity,
		"/metrics":            routeMetrics,
		"/swagger/index.html": routeSwagger,
		"/status/extra":       routeOther,
		"/":                   routeOther,
	}
	for in, want := range cases {
		if got := routeLabel(in); got != want {
			t.Fatalf("routeLabel(%q)=%q want %q", in, got, want)
		}
	}
}
