// Package api exposes the read-only inspection surface over the state
// store: operators query audit progress here, they never mutate it.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/config"
	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/state"
)

// Server represents the inspection API server
type Server struct {
	cfg      config.APIConfig
	router   chi.Router
	handlers *Handlers
}

// NewServer creates a new inspection API server over the state store.
func NewServer(cfg config.APIConfig, states *state.Store) *Server {
	s := &Server{
		cfg:      cfg,
		router:   chi.NewRouter(),
		handlers: &Handlers{states: states},
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handlers.HealthCheck)

	s.router.Route("/api/v1/audits", func(r chi.Router) {
		r.Use(AuthMiddleware(s.cfg.JWTSecret))

		r.Get("/stats", s.handlers.GetStats)
		r.Get("/states", s.handlers.ListByStatus)
		r.Get("/encounters/{patientID}/{fiscalYear}/{caseNumber}/{accountID}", s.handlers.GetEncounter)
		r.Get("/encounters/{patientID}/{fiscalYear}/{caseNumber}/{accountID}/history", s.handlers.GetHistory)
	})
}

// Router returns the chi router
func (s *Server) Router() http.Handler {
	return s.router
}
