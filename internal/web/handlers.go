package web

import (
	"net/http"

	"github.com/JonMunkholm/importpipe/internal/domain"
	"github.com/JonMunkholm/importpipe/internal/workflow"
)

// healthResponse reports store reachability and batch slot usage.
type healthResponse struct {
	Status    string `json:"status"`
	Store     string `json:"store"`
	Active    int    `json:"activeBatches"`
	Available int    `json:"availableSlots"`
	Limit     int    `json:"batchLimit"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	limiter := s.service.LimiterStatus()
	resp := healthResponse{
		Status:    "ok",
		Store:     "ok",
		Active:    limiter.Active,
		Available: limiter.Available,
		Limit:     limiter.MaxConcurrent,
	}
	status := http.StatusOK
	if err := s.service.Ping(r.Context()); err != nil {
		resp.Status, resp.Store = "degraded", err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSONStatus(w, status, resp)
}

// handleStatus returns processing counters and the workflow view.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, sessionID := sessionContext(r)
	status, err := s.service.Status(ctx, sessionID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, status)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	_, sessionID := sessionContext(r)
	preview, err := s.service.Preview(sessionID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, preview)
}

// mappingsRequest carries human mapping edits.
type mappingsRequest struct {
	Mappings []domain.FieldMapping `json:"mappings"`
}

// handleUpdateMappings applies mapping edits and re-runs the workflow from
// mapping_complete.
func (s *Server) handleUpdateMappings(w http.ResponseWriter, r *http.Request) {
	ctx, sessionID := sessionContext(r)

	var req mappingsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if len(req.Mappings) == 0 {
		respondError(w, r, badRequest("mappings must not be empty"))
		return
	}
	for i, m := range req.Mappings {
		if m.SourceField == "" || m.TargetField == "" {
			respondError(w, r, badRequest("mapping %d needs sourceField and targetField", i))
			return
		}
	}

	if err := s.service.UpdateMappings(ctx, sessionID, req.Mappings); err != nil {
		respondError(w, r, err)
		return
	}
	s.writeWorkflow(w, r, sessionID)
}

// advanceRequest asks for an explicit transition.
type advanceRequest struct {
	Target   domain.SessionStatus  `json:"target"`
	Mappings []domain.FieldMapping `json:"mappings,omitempty"`
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	ctx, sessionID := sessionContext(r)

	var req advanceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if req.Target == "" {
		respondError(w, r, badRequest("target state is required"))
		return
	}

	var in *workflow.Input
	if len(req.Mappings) > 0 {
		in = &workflow.Input{Mappings: req.Mappings}
	}
	if err := s.service.Advance(ctx, sessionID, req.Target, in); err != nil {
		respondError(w, r, err)
		return
	}
	s.writeWorkflow(w, r, sessionID)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	ctx, sessionID := sessionContext(r)
	if err := s.service.Approve(ctx, sessionID); err != nil {
		respondError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, statusResponse{SessionID: sessionID, Status: string(domain.StatusExecuting)})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	ctx, sessionID := sessionContext(r)
	if err := s.service.Retry(ctx, sessionID); err != nil {
		respondError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, statusResponse{SessionID: sessionID, Status: "retrying"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx, sessionID := sessionContext(r)
	if err := s.service.Cancel(ctx, sessionID); err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, statusResponse{SessionID: sessionID, Status: string(domain.StatusCancelled)})
}

// writeWorkflow responds with the current workflow view after a transition.
func (s *Server) writeWorkflow(w http.ResponseWriter, r *http.Request, sessionID string) {
	status, err := s.service.Status(r.Context(), sessionID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, status.Workflow)
}
