package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	"modelmgr/internal/manager"
	"modelmgr/pkg/types"
)

// Service defines the methods required by the ops HTTP layer.
type Service interface {
	Status() types.StatusResponse
	Ready() bool
	SanityCheck() manager.SanityReport
}

// serverBaseCtx is the parent of every request context. It is canceled
// with the manager on shutdown.
var serverBaseCtx = context.Background()

// SetBaseContext sets the process-level base context used by handlers.
// A nil ctx resets it to Background.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		serverBaseCtx = context.Background()
		return
	}
	serverBaseCtx = ctx
}

// NewMux builds the ops router: health, readiness, status snapshot, sanity
// report, Prometheus metrics and the API docs under /swagger/.
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(AccessLog)
	if corsEnabled {
		r.Use(cors.Handler(corsOptions()))
	}
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	h := &opsHandlers{svc: svc, prom: promhttp.Handler()}
	r.Get(routeHealthz, h.healthz)
	r.Get(routeReadyz, h.readyz)
	r.Get(routeStatus, h.status)
	r.Get(routeSanity, h.sanity)
	r.Get(routeMetrics, h.metrics)
	r.Get(routeSwagger, httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusNotFound, "not found", nil)
	})
	return r
}

// NewServer wraps h in an http.Server whose handlers derive from the base
// context set with SetBaseContext.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return serverBaseCtx },
	}
}

type opsHandlers struct {
	svc  Service
	prom http.Handler
}

// healthz godoc
// @Summary      Liveness check
// @Description  Always answers ok while the process serves HTTP.
// @Tags         ops
// @Produce      plain
// @Success      200  {string}  string  "ok"
// @Router       /healthz [get]
func (h *opsHandlers) healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// readyz godoc
// @Summary      Readiness check
// @Description  Reports whether the manager accepts loads and installs.
// @Tags         ops
// @Produce      plain
// @Success      200  {string}  string  "ready"
// @Failure      503  {string}  string  "closed"
// @Router       /readyz [get]
func (h *opsHandlers) readyz(w http.ResponseWriter, r *http.Request) {
	ready := h.svc.Ready()
	setReady(ready)
	if ready {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("closed"))
}

// status godoc
// @Summary      Manager status snapshot
// @Description  Catalog size, job counts by state and cache statistics.
// @Tags         ops
// @Produce      json
// @Success      200  {object}  types.StatusResponse
// @Router       /status [get]
func (h *opsHandlers) status(w http.ResponseWriter, r *http.Request) {
	st := h.svc.Status()
	setReady(st.Ready)
	writeJSON(w, http.StatusOK, st)
}

// sanity godoc
// @Summary      On-disk layout checks
// @Description  Validates the root and models directories and the catalog.
// @Tags         ops
// @Produce      json
// @Success      200  {object}  manager.SanityReport
// @Failure      503  {object}  types.ErrorResponse  "details lists every check"
// @Router       /sanity [get]
func (h *opsHandlers) sanity(w http.ResponseWriter, r *http.Request) {
	rep := h.svc.SanityCheck()
	if !rep.OK {
		writeJSONError(w, http.StatusServiceUnavailable, "sanity check failed", rep.Checks)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// metrics godoc
// @Summary      Prometheus metrics
// @Tags         ops
// @Produce      plain
// @Success      200  {string}  string  "text exposition format"
// @Router       /metrics [get]
func (h *opsHandlers) metrics(w http.ResponseWriter, r *http.Request) {
	setReady(h.svc.Ready())
	h.prom.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response", nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

// writeJSONError writes the shared types.ErrorResponse payload.
func writeJSONError(w http.ResponseWriter, status int, msg string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status, Details: details})
}
