// Package server exposes the orchestrator over a JSON REST API.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/MycosoftLabs/mas-runtime/pkg/config"
	"github.com/MycosoftLabs/mas-runtime/pkg/logging"
	"github.com/MycosoftLabs/mas-runtime/pkg/middleware"
	"github.com/MycosoftLabs/mas-runtime/pkg/monitoring"
	"github.com/MycosoftLabs/mas-runtime/pkg/orchestrator"
	"github.com/MycosoftLabs/mas-runtime/pkg/types"
)

// Server is the orchestrator's HTTP front end.
type Server struct {
	config  *config.ServerConfig
	orch    *orchestrator.Orchestrator
	monitor *monitoring.Monitor
	logger  *logging.Logger
	server  *http.Server
	limiter *middleware.RateLimiter
}

// New creates a server over the orchestrator.
func New(cfg *config.ServerConfig, orch *orchestrator.Orchestrator, monitor *monitoring.Monitor) *Server {
	s := &Server{
		config:  cfg,
		orch:    orch,
		monitor: monitor,
		logger:  logging.GetLogger().WithComponent("server"),
		limiter: middleware.NewRateLimiter(cfg.RateLimitEnabled, cfg.RateLimitPerSecond, cfg.RateLimitBurst),
	}

	handler := middleware.Chain(s.routes(),
		middleware.RequestID,
		middleware.Logging(s.logger),
		middleware.Metrics(monitor.Metrics()),
		s.corsMiddleware(),
		s.limiter.Middleware,
	)

	s.server = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        handler,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}
	return s
}

func (s *Server) corsMiddleware() func(http.Handler) http.Handler {
	if !s.config.CORSEnabled {
		return func(next http.Handler) http.Handler { return next }
	}
	return middleware.CORS(s.config.CORSAllowedOrigins)
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)

	mux.HandleFunc("GET /agents", s.handleListAgents)
	mux.HandleFunc("GET /agents/{id}", s.handleGetAgent)
	mux.HandleFunc("POST /agents/spawn", s.handleSpawnAgent)
	mux.HandleFunc("POST /agents/create", s.handleCreateAgent)
	mux.HandleFunc("POST /agents/register", s.handleRegisterAgent)
	mux.HandleFunc("POST /agents/{id}/stop", s.handleStopAgent)
	mux.HandleFunc("POST /agents/{id}/restart", s.handleRestartAgent)
	mux.HandleFunc("POST /agents/{id}/deregister", s.handleDeregisterAgent)
	mux.HandleFunc("GET /agents/{id}/snapshots", s.handleListSnapshots)
	mux.HandleFunc("POST /agents/{id}/snapshot", s.handleTakeSnapshot)

	mux.HandleFunc("POST /tasks", s.handleSubmitTask)
	mux.HandleFunc("GET /tasks/{id}", s.handleTaskStatus)

	mux.HandleFunc("POST /messages", s.handleSendMessage)

	mux.HandleFunc("GET /gaps", s.handleGaps)
	mux.HandleFunc("POST /gaps/fill", s.handleFillGaps)

	mux.HandleFunc("GET /templates", s.handleListTemplates)
	mux.HandleFunc("GET /approvals", s.handleListApprovals)
	mux.HandleFunc("POST /approvals/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /approvals/{id}/reject", s.handleReject)

	return mux
}

// Start begins serving. It blocks until the listener fails or the
// server is shut down.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.server.Addr).Info("http server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop drains in-flight requests and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// Handler returns the fully wrapped handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func writeJSON(w http.ResponseWriter, status int, resp types.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func writeData(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, types.Response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	writeJSON(w, status, types.Response{Success: false, Message: fmt.Sprintf(format, args...)})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return false
	}
	return true
}
