package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, "method not allowed")
	})

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/state", func(r chi.Router) {
			r.Get("/", s.handleGetSnapshot)
			r.Get("/{key}", s.handleGetState)
			r.Put("/{key}", s.handleSetState)
		})

		r.Get("/history/{key}", s.handleGetHistory)

		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.receiver.Stats()
	resp := map[string]any{
		"status":      "ok",
		"version":     s.version,
		"receiver_id": s.receiverID,
		"connected":   s.receiver.IsConnected(),
	}
	if !stats.LastActivity.IsZero() {
		resp["last_activity"] = stats.LastActivity.UTC().Format(timeFormat)
	}
	writeJSON(w, http.StatusOK, resp)
}
