// Package http exposes the outreach engine over a JSON REST API plus a
// Server-Sent Events stream for real-time notifications.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/giada-tronca/cold-outreach-2-sub004/pkg/notify"
	"github.com/giada-tronca/cold-outreach-2-sub004/pkg/recovery"
	"github.com/giada-tronca/cold-outreach-2-sub004/pkg/service"
)

// Logger is the narrow logging contract the server needs.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Server is the HTTP front for the workflow, batch and notification services.
type Server struct {
	httpServer *http.Server
	logger     Logger
}

// Deps bundles the collaborators the server routes requests to.
type Deps struct {
	Workflows *service.WorkflowService
	Batches   *service.BatchService
	Runner    *service.CampaignRunner
	Hub       *notify.Hub
	Recovery  *recovery.Handler
	Logger    Logger

	// MetricsHandler serves GET /metrics when set.
	MetricsHandler http.Handler
}

// New builds the server and its route table.
func New(addr string, deps Deps) *Server {
	h := &handlers{
		workflows: deps.Workflows,
		batches:   deps.Batches,
		runner:    deps.Runner,
		hub:       deps.Hub,
		recovery:  deps.Recovery,
		logger:    deps.Logger,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)
	if deps.MetricsHandler != nil {
		mux.Handle("GET /metrics", deps.MetricsHandler)
	}

	mux.HandleFunc("POST /sessions", h.createSession)
	mux.HandleFunc("GET /sessions", h.listSessions)
	mux.HandleFunc("GET /sessions/{id}", h.getSession)
	mux.HandleFunc("DELETE /sessions/{id}", h.deleteSession)
	mux.HandleFunc("GET /sessions/{id}/progress", h.getProgress)
	mux.HandleFunc("POST /sessions/{id}/pause", h.pauseSession)
	mux.HandleFunc("POST /sessions/{id}/resume", h.resumeSession)
	mux.HandleFunc("POST /sessions/{id}/abandon", h.abandonSession)

	mux.HandleFunc("PUT /sessions/{id}/steps/{step}/config", h.configureStep)
	mux.HandleFunc("POST /sessions/{id}/steps/{step}/start", h.startStep)
	mux.HandleFunc("POST /sessions/{id}/steps/{step}/progress", h.updateStepProgress)
	mux.HandleFunc("POST /sessions/{id}/steps/{step}/complete", h.completeStep)
	mux.HandleFunc("POST /sessions/{id}/steps/{step}/skip", h.skipStep)
	mux.HandleFunc("POST /sessions/{id}/steps/{step}/fail", h.failStep)

	mux.HandleFunc("POST /sessions/{id}/import", h.importProspects)
	mux.HandleFunc("POST /sessions/{id}/enrich", h.runEnrichment)
	mux.HandleFunc("POST /sessions/{id}/generate", h.runGeneration)
	mux.HandleFunc("GET /sessions/{id}/errors", h.sessionErrors)
	mux.HandleFunc("GET /sessions/{id}/errors/stats", h.sessionErrorStats)

	mux.HandleFunc("POST /jobs", h.createJob)
	mux.HandleFunc("GET /jobs", h.listJobs)
	mux.HandleFunc("GET /jobs/{id}", h.getJob)
	mux.HandleFunc("DELETE /jobs/{id}", h.deleteJob)
	mux.HandleFunc("POST /jobs/{id}/pause", h.pauseJob)
	mux.HandleFunc("POST /jobs/{id}/resume", h.resumeJob)
	mux.HandleFunc("POST /jobs/{id}/cancel", h.cancelJob)
	mux.HandleFunc("POST /jobs/{id}/retry", h.retryJob)

	mux.HandleFunc("GET /stream/{key}", h.stream)

	return &Server{
		httpServer: &http.Server{
			Addr:    addr,
			Handler: mux,
			// No WriteTimeout: /stream connections are long-lived.
			ReadTimeout: 10 * time.Second,
		},
		logger: deps.Logger,
	}
}

// Handler exposes the route table, mainly for tests run against
// httptest servers.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the server and blocks until the context is cancelled or the
// listener fails.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)
	go func() {
		s.logger.Infof("Outreach server listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
