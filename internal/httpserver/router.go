// Package httpserver builds the gorilla/mux router shared by every role:
// common routes (health, view-logs), a request-id + logging middleware, and
// a hook for each role to register its own endpoints, generalizing the
// teacher's internal/server/http.go mux.HandleFunc wiring.
package httpserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/mathdee/paxos-cluster/internal/metrics"
)

// ViewLogsFunc produces the role-specific state snapshot for GET /view-logs.
type ViewLogsFunc func() interface{}

// New builds a router with the routes common to every role already wired:
// GET /health, GET /view-logs, and (ambient, not in spec §6 but never
// excluded by a Non-goal) GET /metrics.
func New(logger log.Logger, metricsReg *metrics.Registry, role string, nodeID int, viewLogs ViewLogsFunc) *mux.Router {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))

	r.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"status": "healthy",
			"role":   role,
			"id":     nodeID,
		})
	}).Methods(http.MethodGet)

	r.HandleFunc("/view-logs", func(w http.ResponseWriter, req *http.Request) {
		WriteJSON(w, http.StatusOK, viewLogs())
	}).Methods(http.MethodGet)

	r.Handle("/metrics", metricsReg.Handler()).Methods(http.MethodGet)

	return r
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(logger log.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Log(
				"msg", "request",
				"method", r.Method,
				"path", r.URL.Path,
				"request_id", w.Header().Get("X-Request-Id"),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

// WriteJSON writes v as a JSON body with the given status code, setting
// CORS headers the way the teacher's dashboard-facing endpoints do.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes {"error": msg} with the given status code.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}

// DecodeJSON decodes the request body into v, returning false (and writing
// a 400 ClientInput response) if the body is missing or malformed.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil {
		WriteError(w, http.StatusBadRequest, "missing request body")
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
