package agent

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/MycosoftLabs/mas-runtime/pkg/types"
)

// startHTTPServer serves the agent's health endpoints on httpPort.
func (r *Runtime) startHTTPServer() {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", r.handleHealth)
	mux.HandleFunc("/metrics", r.handleMetrics)
	mux.Handle("/metrics/prometheus", r.prom.handler())
	mux.HandleFunc("/status", r.handleStatus)

	r.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", r.httpPort),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		r.logger.WithField("port", r.httpPort).Info("health server listening")
		if err := r.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.WithError(err).Error("health server error")
		}
	}()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, req *http.Request) {
	status := r.Status()
	healthy := status == types.AgentStatusActive ||
		status == types.AgentStatusBusy ||
		status == types.AgentStatusIdle

	uptime := 0.0
	r.mu.RLock()
	if r.startedAt != nil {
		uptime = time.Since(*r.startedAt).Seconds()
	}
	r.mu.RUnlock()

	code := http.StatusOK
	health := "ok"
	if !healthy {
		code = http.StatusServiceUnavailable
		health = "unhealthy"
	}
	writeJSON(w, code, map[string]interface{}{
		"status":         health,
		"agent_id":       r.config.AgentID,
		"agent_status":   string(status),
		"uptime_seconds": uptime,
	})
}

func (r *Runtime) handleMetrics(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.Metrics())
}

func (r *Runtime) handleStatus(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.State())
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}
