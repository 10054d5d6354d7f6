package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/crmflow/internal/diagram"
	"github.com/rendis/crmflow/internal/logging"
	"github.com/rendis/crmflow/pkg/schema"
)

// handleEmitEvents accepts a single event object or a JSON array of events
// and dispatches them with their cascades before responding.
func (s *Server) handleEmitEvents(w http.ResponseWriter, r *http.Request) {
	raw, ok := s.readBody(w, r)
	if !ok {
		return
	}

	var req emitRequest
	var err error
	if raw[0] == '[' {
		err = json.Unmarshal(raw, &req.Events)
	} else {
		var one eventRequest
		if err = json.Unmarshal(raw, &one); err == nil {
			req.Events = []eventRequest{one}
		}
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if !s.validRequest(w, &req) {
		return
	}

	events := make([]schema.PipelineEvent, len(req.Events))
	for i, e := range req.Events {
		events[i] = e.event()
	}

	report := s.dispatcher.EmitAll(r.Context(), events)
	respondJSON(w, http.StatusOK, report)
}

// handleResumeRun continues a run waiting on the delay step named in the body.
func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	raw, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req resumeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if !s.validRequest(w, &req) {
		return
	}

	ctx := logging.WithRunID(r.Context(), runID)
	res, err := s.dispatcher.ResumeDelay(ctx, runID, req.StepID)
	if err != nil {
		s.respondFlowError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	snap, err := s.runs.Status(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.respondFlowError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleTickDelays(w http.ResponseWriter, r *http.Request) {
	if s.ticker == nil {
		respondError(w, http.StatusServiceUnavailable, "delay scheduler not configured")
		return
	}
	report, err := s.ticker.Tick(r.Context())
	if err != nil {
		s.respondFlowError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// handleWorkflowDiagram renders a workflow, optionally overlaid with the
// step logs of ?run_id=, in the ?format= requested.
func (s *Server) handleWorkflowDiagram(w http.ResponseWriter, r *http.Request) {
	if s.diagrams == nil {
		respondError(w, http.StatusServiceUnavailable, "diagrams not configured")
		return
	}
	format, err := diagram.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		s.respondFlowError(w, r, err)
		return
	}
	out, err := diagram.Render(r.Context(), s.diagrams,
		chi.URLParam(r, "workflowID"), r.URL.Query().Get("run_id"), format)
	if err != nil {
		s.respondFlowError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(out); err != nil {
		s.logger.WarnContext(r.Context(), "write diagram", "error", err)
	}
}

// readBody reads a bounded, non-empty request body.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		respondError(w, http.StatusBadRequest, "read body: "+err.Error())
		return nil, false
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		respondError(w, http.StatusBadRequest, "request body is empty")
		return nil, false
	}
	return raw, true
}

func (s *Server) validRequest(w http.ResponseWriter, req any) bool {
	err := s.validate.Struct(req)
	if err == nil {
		return true
	}
	fields, ok := fieldErrors(err)
	if !ok {
		respondError(w, http.StatusBadRequest, err.Error())
		return false
	}
	respondJSON(w, http.StatusUnprocessableEntity, errorResponse{
		Error:  "request validation failed",
		Code:   schema.ErrCodeValidation,
		Fields: fields,
	})
	return false
}
