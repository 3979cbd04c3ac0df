// Package api implements the REST ingress surface: trade capture, manual
// entry, file upload, status lookups, and the operator status endpoints,
// mounted on a go-chi/chi router with go-chi/cors middleware.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-logr/logr"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/internal/ingress"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/backpressure"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/blotter"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/jobs"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/sequence"
)

// Deps collects every dependency the REST handlers need.
type Deps struct {
	Ingress       *ingress.Service
	Jobs          *jobs.Registry
	Blotter       *blotter.Repository
	Backpressure  *backpressure.Controller
	Sequence      *sequence.Manager
	MaxUploadRows int
	ServiceName   string
	Logger        logr.Logger
}

// NewRouter builds the complete chi.Router for the service's REST surface.
func NewRouter(deps Deps) chi.Router {
	r := chi.NewRouter()
	r.Use(requestLogger(deps.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Callback-Url", "Idempotency-Key"},
		MaxAge:         300,
	}))

	h := &handler{deps: deps}

	r.Get("/api/v1/health", h.health)
	r.Get("/api/v1/backpressure/status", h.backpressureStatus)
	r.Get("/api/v1/sequence-buffer/{partitionKey}/status", h.sequenceStatus)

	r.Post("/api/v1/trades/capture", h.capture)
	r.Post("/api/v1/trades/manual-entry", h.manualEntry)
	r.Post("/api/v1/trades/upload", h.upload)
	r.Get("/api/v1/trades/capture/{tradeId}", h.getTrade)
	r.Get("/api/v1/trades/jobs/{jobId}/status", h.jobStatus)
	r.Delete("/api/v1/trades/jobs/{jobId}", h.cancelJob)

	return r
}

// requestLogger is a minimal access-log middleware: one line per request,
// duration and status code.
func requestLogger(logger logr.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			logger.V(1).Info("http request", "method", r.Method, "path", r.URL.Path, "status", sw.status, "duration", time.Since(start).String())
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
