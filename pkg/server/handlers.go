package server

import (
	"net/http"

	"github.com/MycosoftLabs/mas-runtime/pkg/errors"
	"github.com/MycosoftLabs/mas-runtime/pkg/factory"
	"github.com/MycosoftLabs/mas-runtime/pkg/types"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeData(w, types.Payload{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeData(w, s.orch.Status())
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeData(w, s.orch.ListAgents())
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	state, err := s.orch.GetAgent(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "%v", err)
		return
	}
	writeData(w, state)
}

func (s *Server) handleSpawnAgent(w http.ResponseWriter, r *http.Request) {
	var cfg types.AgentConfig
	if !decodeBody(w, r, &cfg) {
		return
	}
	if cfg.AgentID == "" || cfg.AgentType == "" {
		writeError(w, http.StatusBadRequest, "agent_id and agent_type are required")
		return
	}

	state, err := s.orch.SpawnAgent(r.Context(), &cfg)
	if err != nil {
		writeError(w, statusFor(err), "failed to spawn agent: %v", err)
		return
	}
	writeData(w, state)
}

// handleCreateAgent builds an agent from a factory template. Gated
// categories return 202 with the pending approval instead of a state.
func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	f := s.orch.Factory()
	if f == nil {
		writeError(w, http.StatusBadRequest, "agent factory is not configured")
		return
	}

	var req struct {
		TemplateID     string        `json:"template_id"`
		AgentID        string        `json:"agent_id,omitempty"`
		Reason         string        `json:"reason,omitempty"`
		CustomSettings types.Payload `json:"custom_settings,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	template, err := f.GetTemplate(req.TemplateID)
	if err != nil {
		writeError(w, http.StatusNotFound, "%v", err)
		return
	}

	state, approval, err := f.CreateAgent(r.Context(), template, factory.CreateOptions{
		AgentID:        req.AgentID,
		Reason:         req.Reason,
		CustomSettings: req.CustomSettings,
	})
	if err != nil {
		writeError(w, statusFor(err), "failed to create agent: %v", err)
		return
	}
	if approval != nil {
		writeJSON(w, http.StatusAccepted, types.Response{
			Success: true,
			Message: "approval required",
			Data:    approval,
		})
		return
	}
	writeData(w, state)
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var cfg types.AgentConfig
	if !decodeBody(w, r, &cfg) {
		return
	}
	if cfg.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	state, err := s.orch.RegisterAgent(r.Context(), &cfg)
	if err != nil {
		writeError(w, statusFor(err), "failed to register agent: %v", err)
		return
	}
	writeData(w, state)
}

func (s *Server) handleStopAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	force := r.URL.Query().Get("force") == "true"
	if !s.orch.StopAgent(r.Context(), id, force) {
		writeError(w, http.StatusNotFound, "agent %s not found", id)
		return
	}
	writeData(w, types.Payload{"agent_id": id, "stopped": true})
}

func (s *Server) handleRestartAgent(w http.ResponseWriter, r *http.Request) {
	state, err := s.orch.RestartAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), "failed to restart agent: %v", err)
		return
	}
	writeData(w, state)
}

func (s *Server) handleDeregisterAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.orch.DeregisterAgent(r.Context(), id) {
		writeError(w, http.StatusNotFound, "agent %s not found", id)
		return
	}
	writeData(w, types.Payload{"agent_id": id, "deregistered": true})
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	mgr := s.orch.Snapshots()
	if mgr == nil {
		writeError(w, http.StatusBadRequest, "snapshots are not configured")
		return
	}
	snaps, err := mgr.List(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), "failed to list snapshots: %v", err)
		return
	}
	writeData(w, snaps)
}

func (s *Server) handleTakeSnapshot(w http.ResponseWriter, r *http.Request) {
	mgr := s.orch.Snapshots()
	if mgr == nil {
		writeError(w, http.StatusBadRequest, "snapshots are not configured")
		return
	}
	snap, err := mgr.Take(r.Context(), r.PathValue("id"), types.SnapshotReasonManual)
	if err != nil {
		writeError(w, statusFor(err), "failed to take snapshot: %v", err)
		return
	}
	writeData(w, snap)
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID  string             `json:"agent_id"`
		TaskType string             `json:"task_type"`
		Payload  types.Payload      `json:"payload,omitempty"`
		Priority types.TaskPriority `json:"priority,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AgentID == "" || req.TaskType == "" {
		writeError(w, http.StatusBadRequest, "agent_id and task_type are required")
		return
	}

	task := types.NewTask(req.AgentID, req.TaskType, req.Payload)
	if req.Priority != 0 {
		task.Priority = req.Priority
	}

	id, err := s.orch.SubmitTask(r.Context(), task)
	if err != nil {
		writeError(w, statusFor(err), "failed to submit task: %v", err)
		return
	}
	writeData(w, types.Payload{"task_id": id, "status": string(task.Status)})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	task, err := s.orch.TaskStatus(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "%v", err)
		return
	}
	writeData(w, task)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FromAgent string             `json:"from_agent"`
		ToAgent   string             `json:"to_agent"`
		Type      types.MessageType  `json:"type"`
		Payload   types.Payload      `json:"payload,omitempty"`
		Priority  types.TaskPriority `json:"priority,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.FromAgent == "" || req.ToAgent == "" {
		writeError(w, http.StatusBadRequest, "from_agent and to_agent are required")
		return
	}
	if req.Type == "" {
		req.Type = types.MessageTypeEvent
	}

	id, err := s.orch.SendMessage(r.Context(), req.FromAgent, req.ToAgent, req.Type, req.Payload, req.Priority)
	if err != nil {
		writeError(w, statusFor(err), "failed to send message: %v", err)
		return
	}
	writeData(w, types.Payload{"message_id": id})
}

func (s *Server) handleGaps(w http.ResponseWriter, r *http.Request) {
	if _, err := s.orch.DetectGaps(r.Context()); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	report, err := s.orch.GapReport()
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	writeData(w, report)
}

func (s *Server) handleFillGaps(w http.ResponseWriter, r *http.Request) {
	created, err := s.orch.AutoFillGaps(r.Context())
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	writeData(w, types.Payload{"created": created, "count": len(created)})
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	f := s.orch.Factory()
	if f == nil {
		writeError(w, http.StatusBadRequest, "agent factory is not configured")
		return
	}
	writeData(w, f.ListTemplates())
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	f := s.orch.Factory()
	if f == nil {
		writeError(w, http.StatusBadRequest, "agent factory is not configured")
		return
	}
	approvals, err := f.ListPendingApprovals(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list approvals: %v", err)
		return
	}
	writeData(w, approvals)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	f := s.orch.Factory()
	if f == nil {
		writeError(w, http.StatusBadRequest, "agent factory is not configured")
		return
	}
	state, err := f.ApproveCreation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), "failed to approve creation: %v", err)
		return
	}
	writeData(w, state)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	f := s.orch.Factory()
	if f == nil {
		writeError(w, http.StatusBadRequest, "agent factory is not configured")
		return
	}

	var req struct {
		Reason string `json:"reason,omitempty"`
	}
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}

	id := r.PathValue("id")
	if err := f.RejectCreation(r.Context(), id, req.Reason); err != nil {
		writeError(w, statusFor(err), "failed to reject creation: %v", err)
		return
	}
	writeData(w, types.Payload{"approval_id": id, "rejected": true})
}

// statusFor maps runtime errors onto HTTP status codes.
func statusFor(err error) int {
	var apiErr *errors.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	switch {
	case errors.Is(err, errors.ErrAgentNotFound),
		errors.Is(err, errors.ErrTaskNotFound),
		errors.Is(err, errors.ErrSnapshotNotFound),
		errors.Is(err, errors.ErrApprovalNotFound),
		errors.Is(err, errors.ErrTemplateNotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrAgentExists):
		return http.StatusConflict
	case errors.Is(err, errors.ErrAgentUnavailable):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
