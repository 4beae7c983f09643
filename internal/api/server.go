package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserbase-orchestrator/internal/proxy"
	"github.com/shehryarbajwa/browserbase-orchestrator/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(streamServer *proxy.Server, rateLimiter *ratelimit.Limiter) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", h.Health).Methods("GET")

	// API v1 routes
	api := r.PathPrefix("/v1").Subrouter()

	// Apply rate limiting middleware to task mutations
	rateLimitedAPI := api.PathPrefix("").Subrouter()
	rateLimitedAPI.Use(RateLimitMiddleware(rateLimiter))

	// Task endpoints (rate limited)
	rateLimitedAPI.HandleFunc("/tasks", h.CreateTask).Methods("POST")
	rateLimitedAPI.HandleFunc("/tasks/{id}", h.CancelTask).Methods("DELETE")
	rateLimitedAPI.HandleFunc("/tasks/{id}/pause", h.PauseTask).Methods("POST")
	rateLimitedAPI.HandleFunc("/tasks/{id}/resume", h.ResumeTask).Methods("POST")

	// Read endpoints (not rate limited - frequent polling)
	api.HandleFunc("/tasks", h.ListTasks).Methods("GET")
	api.HandleFunc("/tasks/{id}", h.GetTask).Methods("GET")
	api.HandleFunc("/pool", h.GetPool).Methods("GET")

	// Event stream (not rate limited)
	api.HandleFunc("/tasks/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		taskID := mux.Vars(r)["id"]
		if _, err := h.tasks.GetTask(r.Context(), taskID); err != nil {
			h.fail(w, err)
			return
		}
		streamServer.HandleEventStream(w, r, taskID)
	}).Methods("GET")

	r.Use(requestLogger(h.log))
	// CORS middleware
	r.Use(corsMiddleware)

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requestLogger logs every request with its status and latency
func requestLogger(log *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := timeNow()
			next.ServeHTTP(rec, r)
			log.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("latency", timeNow().Sub(start)))
		})
	}
}
