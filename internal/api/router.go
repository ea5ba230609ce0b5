package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/savegress/medledger/internal/cache"
	"github.com/savegress/medledger/internal/config"
	"github.com/savegress/medledger/internal/consent"
	"github.com/savegress/medledger/internal/events"
	"github.com/savegress/medledger/internal/websocket"
)

// Server represents the API server
type Server struct {
	config   *config.Config
	router   chi.Router
	handlers *Handlers
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, svc *consent.Service, eventLog *events.Log, hub *websocket.Hub, c *cache.Cache) *Server {
	s := &Server{
		config:   cfg,
		router:   chi.NewRouter(),
		handlers: NewHandlers(cfg, svc, eventLog, hub),
	}

	s.setupMiddleware(c)
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware(c *cache.Cache) {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Compress(5))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.router.Use(RateLimitMiddleware(&s.config.RateLimit, c))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handlers.HealthCheck)
	s.router.Get("/ws", s.handlers.ServeWS)

	// Development-only stand-in for the wallet identity provider
	if s.config.Server.Environment == "development" {
		s.router.Post("/auth/token", s.handlers.IssueDevToken)
	}

	s.router.Route("/api/v1/medledger", func(r chi.Router) {
		// Registry
		r.Route("/registry", func(r chi.Router) {
			r.With(AuthMiddleware(&s.config.Auth)).Post("/register", s.handlers.Register)
			r.Get("/{address}", s.handlers.GetAccount)
			r.Get("/{address}/role", s.handlers.GetRole)
		})

		// Access ledger
		r.Route("/access", func(r chi.Router) {
			r.With(AuthMiddleware(&s.config.Auth)).Post("/grant", s.handlers.Grant)
			r.With(AuthMiddleware(&s.config.Auth)).Post("/revoke", s.handlers.Revoke)
			r.Get("/check", s.handlers.CheckAccess)
			r.Get("/doctor/{address}/patients", s.handlers.ListPatientsForDoctor)
			r.Get("/patient/{address}/doctors", s.handlers.ListDoctorsForPatient)
		})

		// Record chains
		r.Route("/records", func(r chi.Router) {
			r.With(AuthMiddleware(&s.config.Auth)).Post("/", s.handlers.InitializeRecord)
			r.With(AuthMiddleware(&s.config.Auth)).Put("/{patient}/pointer", s.handlers.UpdatePointer)
			r.Get("/{patient}", s.handlers.GetChain)
			r.Get("/{patient}/pointer", s.handlers.GetCurrentPointer)
			r.Get("/{patient}/history", s.handlers.GetHistory)
		})

		// Event log
		r.Route("/events", func(r chi.Router) {
			r.Get("/", s.handlers.ListEvents)
			r.Get("/verify", s.handlers.VerifyEvents)
			r.Get("/{id}", s.handlers.GetEvent)
		})

		// Stats
		r.Get("/stats", s.handlers.GetStats)
	})
}

// Router returns the chi router
func (s *Server) Router() http.Handler {
	return s.router
}
