// Package api exposes the HTTP surface: status transition requests, the
// status polling resource, enrollment, health, and metrics.
package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/openbenefits/cardlife/internal/guard"
	"github.com/openbenefits/cardlife/internal/logging"
	"github.com/openbenefits/cardlife/internal/store"
	"github.com/openbenefits/cardlife/internal/workflow"
)

// Router handles HTTP routing.
type Router struct {
	mux       *http.ServeMux
	documents store.DocumentStore
	schedules store.ExpirationStore
	registry  *guard.Registry
	client    workflow.Client

	now func() time.Time
}

// NewRouter creates the router with all routes configured.
func NewRouter(documents store.DocumentStore, schedules store.ExpirationStore, registry *guard.Registry, client workflow.Client) http.Handler {
	r := &Router{
		mux:       http.NewServeMux(),
		documents: documents,
		schedules: schedules,
		registry:  registry,
		client:    client,
		now:       time.Now,
	}
	r.setupRoutes()
	return requestLogger(r.mux)
}

func (r *Router) setupRoutes() {
	r.mux.HandleFunc("/healthz", r.handleHealth)
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/status/", r.handleStatus)
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus dispatches /status/{userId} and /status/{userId}/enroll.
func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) {
	rest := strings.TrimPrefix(req.URL.Path, "/status/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	userID := parts[0]
	if userID == "" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	switch {
	case len(parts) == 1 && req.Method == http.MethodGet:
		r.handleGetStatus(w, req, userID)
	case len(parts) == 1 && req.Method == http.MethodPost:
		r.handleTransition(w, req, userID)
	case len(parts) == 2 && parts[1] == "enroll" && req.Method == http.MethodPut:
		r.handleEnroll(w, req, userID)
	case len(parts) == 1 || (len(parts) == 2 && parts[1] == "enroll"):
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

// requestLogger assigns a request id and emits an access log line.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctx, requestID := logging.WithRequestID(req.Context(), req.Header.Get("X-Request-ID"))
		w.Header().Set("X-Request-ID", requestID)

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, req.WithContext(ctx))

		log.Debug().
			Str("requestId", requestID).
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
