// Package api exposes the inbound webhook endpoint and the administrative
// operations of a Relay over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/xraph/hookrelay"
	"github.com/xraph/hookrelay/circuit"
	"github.com/xraph/hookrelay/dlq"
	"github.com/xraph/hookrelay/event"
	"github.com/xraph/hookrelay/fault"
)

// maxBodyBytes caps inbound webhook bodies.
const maxBodyBytes = 1 << 20

// Handler is the root HTTP handler.
type Handler struct {
	relay  *hookrelay.Relay
	logger *slog.Logger
	mux    *http.ServeMux

	trustProxy bool
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithTrustedProxy makes the handler rebuild signed request URLs from
// X-Forwarded-Proto and X-Forwarded-Host. Use it only behind a proxy that
// sets those headers itself.
func WithTrustedProxy() HandlerOption {
	return func(h *Handler) { h.trustProxy = true }
}

// NewHandler creates a new HTTP handler over r.
func NewHandler(r *hookrelay.Relay, logger *slog.Logger, opts ...HandlerOption) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		relay:  r,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.registerRoutes()
	return h
}

func (h *Handler) registerRoutes() {
	// Inbound
	h.mux.HandleFunc("POST /webhooks/{source}", h.receiveWebhook)

	// Status
	h.mux.HandleFunc("GET /admin/status", h.getStatus)

	// Circuits
	h.mux.HandleFunc("GET /admin/circuits", h.listCircuits)
	h.mux.HandleFunc("POST /admin/circuits/{key}/reset", h.resetCircuit)

	// Outbound secrets
	h.mux.HandleFunc("POST /admin/secrets/{destination}/rotate", h.rotateSecret)

	// Retries
	h.mux.HandleFunc("POST /admin/retries/run", h.runRetries)
	h.mux.HandleFunc("POST /admin/retries/force", h.forceRetries)

	// Events
	h.mux.HandleFunc("GET /admin/events", h.listEvents)
	h.mux.HandleFunc("POST /admin/events/cleanup", h.cleanupEvents)
	h.mux.HandleFunc("GET /admin/events/{id}", h.getEvent)
	h.mux.HandleFunc("POST /admin/events/{id}/retry", h.retryEvent)
	h.mux.HandleFunc("POST /admin/events/{id}/replay", h.replayEvent)

	// DLQ
	h.mux.HandleFunc("GET /admin/dlq", h.listDLQ)
	h.mux.HandleFunc("GET /admin/dlq/stats", h.dlqStats)
	h.mux.HandleFunc("POST /admin/dlq/cleanup", h.cleanupDLQ)
	h.mux.HandleFunc("GET /admin/dlq/{id}", h.getDLQ)
	h.mux.HandleFunc("POST /admin/dlq/{id}/retry", h.retryDLQ)
	h.mux.HandleFunc("DELETE /admin/dlq/{id}", h.deleteDLQ)

	// Metrics
	if m := h.relay.Metrics(); m != nil {
		h.mux.Handle("GET /metrics", m.Handler())
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.withMiddleware(h.mux).ServeHTTP(w, r)
}

func (h *Handler) withMiddleware(next http.Handler) http.Handler {
	return h.panicRecovery(h.logging(next))
}

func (h *Handler) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		h.logger.InfoContext(r.Context(), "api request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (h *Handler) panicRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.ErrorContext(r.Context(), "panic recovered",
					"error", rec,
					"stack", string(debug.Stack()),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// writeFailure maps err onto a status code. Messages of unexpected errors
// are logged, never returned.
func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, event.ErrNotFound),
		errors.Is(err, dlq.ErrNotFound),
		errors.Is(err, circuit.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, event.ErrNotClaimable),
		errors.Is(err, dlq.ErrNotClaimable),
		errors.Is(err, event.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	var fe *fault.Error
	if errors.As(err, &fe) && fe.Kind != fault.KindUnknown {
		writeError(w, fault.HTTPStatus(err), fe.Message)
		return
	}

	h.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

// JSON helpers.

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best effort
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// queryParam returns a query parameter value, or empty string if not present.
func queryParam(r *http.Request, key string) string {
	return r.URL.Query().Get(key)
}

// queryInt returns a query parameter as int or a default value.
func queryInt(r *http.Request, key string, defaultVal int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}

// queryDuration parses a Go duration ("72h") or returns defaultVal.
func queryDuration(r *http.Request, key string, defaultVal time.Duration) (time.Duration, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fault.Validation("invalid %s %q", key, v)
	}
	return d, nil
}
