package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// healthTimeout bounds the dependency checks behind /healthz.
const healthTimeout = 3 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestIDHeader)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(middleware.RequestSize(maxRequestBodySize))

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/meters", s.handleListMeters)
		r.Get("/attempts", s.handleListAttempts)
		r.With(s.requireOperator).Post("/authz/invalidate", s.handleInvalidate)

		r.Route("/commands", func(r chi.Router) {
			r.With(s.requireOperator).Post("/", s.handleEnqueueCommand)
			r.Get("/{id}", s.handleGetCommand)
		})
	})

	return r
}

// handleHealth reports database and MQTT status. Either failing yields 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	status := http.StatusOK
	checks := map[string]string{"database": "ok", "mqtt": "ok"}

	if err := s.db.HealthCheck(ctx); err != nil {
		checks["database"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if s.mqtt == nil || !s.mqtt.IsConnected() {
		checks["mqtt"] = "disconnected"
		status = http.StatusServiceUnavailable
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":  overall,
		"version": s.version,
		"checks":  checks,
	})
}
