// Package server exposes the HTTP API: health, status, metrics, and the
// analysis enqueue/lookup endpoints. It injects correlation IDs into request
// contexts for consistent logging.
package server

import (
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/matchscribe/backend/analysis"
	"github.com/onnwee/matchscribe/backend/queue"
	"github.com/onnwee/matchscribe/backend/telemetry"
)

// Deps carries the wired components the handlers need.
type Deps struct {
	DB         *sql.DB
	Store      analysis.Store
	Dispatcher *queue.Dispatcher
	// Route is the queue route analysis requests are enqueued on.
	Route string
	// Validity bounds the delivery window attached to new requests.
	Validity time.Duration
}

// NewMux returns the HTTP handler with all routes.
func NewMux(deps Deps) http.Handler {
	h := &Handlers{deps: deps}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/status", h.HandleStatus)
	mux.HandleFunc("/analyses", h.HandleAnalyses)
	mux.HandleFunc("/analyses/", h.HandleAnalysisGet)

	// Correlation ID injector plus tracing span around every request.
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start",
			slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		mux.ServeHTTP(rec, r.WithContext(ctx))

		if rec.statusCode >= 500 {
			telemetry.LoggerWithCorr(ctx).Warn("request failed",
				slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.Int("status", rec.statusCode))
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}
