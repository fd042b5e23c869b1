// Package server exposes the board over HTTP: webhook ingestion, the agent
// tool surface, CI run reporting, plan review actions, and read endpoints
// for the UI.
package server

import (
	"net"
	"net/http"
	"time"

	"github.com/agentboard/agentboard/internal/agentboard/db"
	"github.com/agentboard/agentboard/internal/agentboard/ingest/linear"
	"github.com/agentboard/agentboard/internal/agentboard/ingest/loki"
	"github.com/agentboard/agentboard/internal/agentboard/lifecycle"
	"github.com/agentboard/agentboard/internal/agentboard/metrics"
	"github.com/agentboard/agentboard/internal/agentboard/spawn"
)

// Config holds the wired services the server exposes.
type Config struct {
	DB        *db.DB
	Hub       *Hub
	Lifecycle *lifecycle.Service
	Spawner   *spawn.Service
	Linear    *linear.Service
	Loki      *loki.Service

	// AutoImplement re-enters the spawn gate for an implement run as soon
	// as a plan is approved.
	AutoImplement bool
}

// Server wraps the agentboard HTTP server.
type Server struct {
	mux      *http.ServeMux
	listener net.Listener
}

// New creates a Server bound to the given address (e.g. "127.0.0.1:7780").
// It does not start serving; call Serve() for that.
func New(addr string, cfg Config) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	s := &Server{mux: mux, listener: ln}
	s.registerRoutes(cfg)
	return s, nil
}

// Addr returns the listener's address (useful when binding to :0 in tests).
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve starts accepting connections. It blocks until the listener is closed.
func (s *Server) Serve() error {
	return http.Serve(s.listener, s.mux)
}

// Close shuts down the listener.
func (s *Server) Close() error {
	return s.listener.Close()
}

func (s *Server) registerRoutes(cfg Config) {
	if cfg.Linear != nil {
		s.mux.Handle("POST /webhooks/linear", cfg.Linear.Webhook())
	}
	if cfg.Loki != nil {
		s.mux.Handle("POST /webhooks/loki", cfg.Loki.Webhook())
	}

	if cfg.DB != nil {
		api := &apiHandler{
			db:            cfg.DB,
			lifecycle:     cfg.Lifecycle,
			spawner:       cfg.Spawner,
			hub:           cfg.Hub,
			autoImplement: cfg.AutoImplement,
			startAt:       time.Now(),
		}

		s.mux.HandleFunc("GET /api/status", api.handleStatus)
		s.mux.HandleFunc("GET /api/issues", api.handleListIssues)
		s.mux.HandleFunc("GET /api/issues/{id}", api.handleGetIssue)
		s.mux.HandleFunc("GET /api/issues/{id}/timeline", api.handleTimeline)
		s.mux.HandleFunc("DELETE /api/issues/{id}", api.handleDeleteIssue)

		s.mux.HandleFunc("POST /api/issues/{id}/plan/approve", api.handleApprovePlan)
		s.mux.HandleFunc("POST /api/issues/{id}/plan/reject", api.handleRejectPlan)
		s.mux.HandleFunc("POST /api/issues/{id}/spawn", api.handleSpawn)
		s.mux.HandleFunc("POST /api/issues/{id}/unblock", api.handleUnblock)

		// Agent tool surface, consumed by running agents.
		s.mux.HandleFunc("POST /api/agent/plan", api.handleAgentPlan)
		s.mux.HandleFunc("POST /api/agent/blocker", api.handleAgentBlocker)
		s.mux.HandleFunc("POST /api/agent/status", api.handleAgentStatus)
		s.mux.HandleFunc("POST /api/agent/activity", api.handleAgentActivity)

		// CI reporting.
		s.mux.HandleFunc("POST /api/runs/{id}/complete", api.handleCompleteRun)
		s.mux.HandleFunc("POST /api/runs/{id}/terminal", api.handleTerminal)
	} else {
		s.mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}

	s.mux.Handle("GET /metrics", metrics.Handler())

	if cfg.Hub != nil {
		s.mux.HandleFunc("GET /api/ws", cfg.Hub.ServeWS)
	}

	// Catch-all for unregistered /api/ routes.
	s.mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
}
