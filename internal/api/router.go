package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/winfleet-io/winfleet/internal/auth"
	"github.com/winfleet-io/winfleet/internal/bulk"
	"github.com/winfleet-io/winfleet/internal/dispatch"
	"github.com/winfleet-io/winfleet/internal/events"
	"github.com/winfleet-io/winfleet/internal/gateway"
	"github.com/winfleet-io/winfleet/internal/liveness"
	"github.com/winfleet-io/winfleet/internal/registry"
	"github.com/winfleet-io/winfleet/internal/repository"
	"github.com/winfleet-io/winfleet/internal/terminal"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// Populated in main.go after all components are initialized and passed as a
// single struct to keep the constructor signature manageable.
type RouterConfig struct {
	AuthService *auth.Service
	JWTManager  *auth.JWTManager
	Registry    *registry.Registry
	Dispatcher  *dispatch.Dispatcher
	Liveness    *liveness.Tracker
	Bulk        *bulk.Operator
	Gateway     *gateway.Gateway
	Terminals   *terminal.Manager
	Hub         *events.Hub
	Logger      *zap.Logger

	Agents        repository.AgentRepository
	History       repository.HistoryRepository
	SavedCommands repository.SavedCommandRepository
}

// NewRouter builds and returns the fully configured Chi router. REST routes
// live under /api/v1; the agent and event WebSocket endpoints are mounted at
// the root so agents do not need API tokens to reach them.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	agentHandler := NewAgentHandler(cfg.Agents, cfg.History, cfg.Registry, cfg.Liveness, cfg.Logger)
	commandHandler := NewCommandHandler(cfg.Dispatcher, cfg.Logger)
	bulkHandler := NewBulkHandler(cfg.Bulk, cfg.Logger)
	savedHandler := NewSavedCommandHandler(cfg.SavedCommands, cfg.Logger)
	authHandler := NewAuthHandler(cfg.AuthService, cfg.Logger)
	wsHandler := NewWSHandler(cfg.Gateway, cfg.Terminals, cfg.Hub, cfg.Logger)

	// Agent transport. Agents authenticate by protocol (register-first), not
	// by operator JWT.
	r.Get("/ws/agent", wsHandler.Agent)

	// Operational endpoints.
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		Ok(w, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {

		// Public routes.
		r.Group(func(r chi.Router) {
			r.Post("/auth/login", authHandler.Login)
		})

		// Authenticated routes.
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.JWTManager))

			// Event stream for UI clients.
			r.Get("/events", wsHandler.Events)

			// Agents
			r.Get("/agents", agentHandler.List)
			r.Post("/agents/register", agentHandler.Register)
			r.Post("/agents/bulk", bulkHandler.Run)
			r.Get("/agents/{id}", agentHandler.GetByID)
			r.Post("/agents/{id}/refresh", agentHandler.Refresh)
			r.Get("/agents/{id}/status", agentHandler.Status)
			r.Get("/agents/{id}/history", agentHandler.History)
			r.Get("/agents/{id}/terminal", wsHandler.Terminal)

			// Commands
			r.Post("/agents/{id}/command", commandHandler.Execute)
			r.Post("/agents/{id}/command/async", commandHandler.ExecuteAsync)
			r.Get("/commands/{request_id}", commandHandler.GetResult)

			// Saved command templates
			r.Get("/saved-commands", savedHandler.List)
			r.Get("/saved-commands/{id}", savedHandler.GetByID)

			// Admin-only: removing agents and mutating shared templates.
			r.Group(func(r chi.Router) {
				r.Use(RequireRole("admin"))
				r.Delete("/agents/{id}", agentHandler.Delete)
				r.Post("/saved-commands", savedHandler.Create)
				r.Patch("/saved-commands/{id}", savedHandler.Update)
				r.Delete("/saved-commands/{id}", savedHandler.Delete)
			})
		})
	})

	return r
}
