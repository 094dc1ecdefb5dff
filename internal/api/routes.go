// Package api provides HTTP handlers and routing for the engine's
// operator and inspection surface.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server holds the HTTP handlers and dependencies.
type Server struct {
	router   *mux.Router
	handlers *Handlers
}

// NewServer creates a new API server with the given handlers.
func NewServer(h *Handlers) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
	}
	s.setupRoutes()
	return s
}

// Router returns the configured router for use with http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	// Health and metrics endpoints
	s.router.HandleFunc("/health", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/ready", s.handlers.Ready).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// API routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Workflow management
	api.HandleFunc("/dags", s.handlers.SubmitDag).Methods("POST")
	api.HandleFunc("/dags", s.handlers.ListDags).Methods("GET")
	api.HandleFunc("/dags/{id}", s.handlers.GetDag).Methods("GET")
	api.HandleFunc("/dags/{id}/tasks", s.handlers.GetDagTasks).Methods("GET")
	api.HandleFunc("/dags/{id}/cancel", s.handlers.CancelDag).Methods("POST")
	api.HandleFunc("/dags/{id}/events", s.handlers.GetDagEvents).Methods("GET")

	// Task inspection
	api.HandleFunc("/tasks/{id}", s.handlers.GetTask).Methods("GET")
	api.HandleFunc("/tasks/{id}/events", s.handlers.GetTaskEvents).Methods("GET")

	// Agent pool
	api.HandleFunc("/agents", s.handlers.RegisterAgent).Methods("POST")
	api.HandleFunc("/agents", s.handlers.ListAgents).Methods("GET")

	// Human approvals
	api.HandleFunc("/approvals", s.handlers.ListPendingApprovals).Methods("GET")
	api.HandleFunc("/approvals/{id}/decision", s.handlers.DecideApproval).Methods("POST")

	// Contract inspection
	api.HandleFunc("/contracts", s.handlers.ListActiveContracts).Methods("GET")

	// Live event stream
	api.HandleFunc("/events/stream", s.handlers.StreamEvents).Methods("GET")

	// Operator controls
	ops := s.router.PathPrefix("/ops").Subrouter()
	ops.HandleFunc("/breakers", s.handlers.BreakerStatus).Methods("GET")
	ops.HandleFunc("/breakers/{provider}/reset", s.handlers.ResetBreaker).Methods("POST")
	ops.HandleFunc("/breakers/{provider}/trip", s.handlers.TripBreaker).Methods("POST")

	// Apply middleware
	s.router.Use(s.handlers.LoggingMiddleware)
	s.router.Use(s.handlers.RecoveryMiddleware)
}
