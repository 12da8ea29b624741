// Package api serves the orchestrator's HTTP JSON API and the websocket
// event stream consumed by external UIs.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
	"github.com/hochfrequenz/batch-orchestrator/internal/observer"
	"github.com/hochfrequenz/batch-orchestrator/internal/sessions"
)

const stuckThreshold = 30 * time.Minute

// PlanSource reads plan documents for API views
type PlanSource interface {
	Specs() ([]string, error)
	Plan(spec string) (*domain.Plan, error)
}

// RunSource reads recorded run history for API views
type RunSource interface {
	Runs(spec string) ([]*domain.Run, error)
	Run(spec, id string) (*domain.Run, error)
	Running(spec string) (*domain.Run, bool)
}

// TriggerFunc starts a run for a spec. The serve command wires the engine
// in; a nil trigger disables the endpoint.
type TriggerFunc func(ctx context.Context, spec string, dryRun bool) (*domain.Run, error)

// Server is the HTTP API server
type Server struct {
	plans    PlanSource
	runs     RunSource
	sessions *sessions.Registry
	trigger  TriggerFunc
	stats    *observer.Stats
	logger   *slog.Logger
	addr     string
	mux      *http.ServeMux
	hub      *Hub

	baseCtx context.Context
}

// NewServer creates a new API server
func NewServer(plans PlanSource, runs RunSource, reg *sessions.Registry, trigger TriggerFunc, addr string, logger *slog.Logger) *Server {
	s := &Server{
		plans:    plans,
		runs:     runs,
		sessions: reg,
		trigger:  trigger,
		stats:    observer.NewStats(stuckThreshold),
		logger:   logger,
		addr:     addr,
		mux:      http.NewServeMux(),
		hub:      NewHub(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/health", s.healthHandler())
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/plans", s.listPlansHandler())
	s.mux.HandleFunc("/api/plans/", s.planHandler())
	s.mux.HandleFunc("/api/runs/", s.runsHandler())
	s.mux.HandleFunc("/api/sessions", s.sessionsHandler())
	s.mux.HandleFunc("/api/ws", s.wsHandler())
}

// Start serves the API until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = ctx
	go s.hub.Run()

	srv := &http.Server{Addr: s.addr, Handler: s.mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	s.logger.Info("api listening", "addr", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Broadcast pushes an event to all connected websocket clients
func (s *Server) Broadcast(event Event) {
	s.hub.Broadcast(event)
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
