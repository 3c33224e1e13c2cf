package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentflow/pkg/bus"
	"agentflow/pkg/registry"
	"agentflow/pkg/stream"
	"agentflow/pkg/workflow"
)

const maxRequestBody = 8 << 20

type startRequest struct {
	Kind      string         `json:"kind"`
	SessionID string         `json:"session_id"`
	Payload   map[string]any `json:"payload"`
}

type startResponse struct {
	WorkflowID string          `json:"workflow_id"`
	SessionID  string          `json:"session_id"`
	Status     workflow.Status `json:"status"`
	EventsURL  string          `json:"events_url"`
}

type agentPatch struct {
	MaxRetries *int              `json:"max_retries,omitempty"`
	Timeout    string            `json:"timeout,omitempty"`
	Features   map[string]bool   `json:"features,omitempty"`
	Settings   map[string]string `json:"settings,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Service) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.Handle("GET /metrics", s.app.Metrics.Handler())

	mux.HandleFunc("POST /v1/workflows", s.handleStartWorkflow)
	mux.HandleFunc("GET /v1/workflows", s.handleListWorkflows)
	mux.HandleFunc("GET /v1/workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("DELETE /v1/workflows/{id}", s.handleCancelWorkflow)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleSessionStatus)
	mux.HandleFunc("GET /v1/sessions/{id}/events", s.handleSessionEvents)
	mux.HandleFunc("GET /v1/sessions/{id}/results", s.handleSessionResults)
	mux.HandleFunc("GET /v1/agents", s.handleListAgents)
	mux.HandleFunc("PATCH /v1/agents/{topic}", s.handlePatchAgent)

	return mux
}

func (s *Service) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		req.SessionID = uuid.NewString()
	}

	workflowID, err := s.app.Coordinator.StartWorkflow(r.Context(), req.Kind, req.SessionID, req.Payload)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, startResponse{
		WorkflowID: workflowID,
		SessionID:  req.SessionID,
		Status:     workflow.StatusProcessing,
		EventsURL:  "/v1/sessions/" + req.SessionID + "/events",
	})
}

func (s *Service) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := workflow.ListFilter{
		SessionID: query.Get("session_id"),
		Status:    workflow.Status(query.Get("status")),
		Kind:      query.Get("kind"),
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		filter.Limit = limit
	}

	s.writeJSON(w, http.StatusOK, s.app.Coordinator.ListWorkflows(filter))
}

func (s *Service) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.app.Coordinator.GetWorkflow(r.PathValue("id"))
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, wf)
}

func (s *Service) handleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.app.Coordinator.CancelWorkflow(r.Context(), id); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}

	wf, err := s.app.Coordinator.GetWorkflow(id)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, wf)
}

func (s *Service) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	wf, err := s.app.Coordinator.GetStatus(r.PathValue("id"))
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, wf)
}

// handleSessionEvents relays the session's stream as server-sent events until
// the terminal message or the client goes away. A reconnecting client resumes
// where the previous one stopped reading.
func (s *Service) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	collector, err := s.app.Coordinator.Stream(sessionID)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for msg, err := range collector.All(r.Context()) {
		if err != nil {
			if r.Context().Err() == nil {
				s.log.Warn("Event stream ended", "session_id", sessionID, "error", err)
				fmt.Fprintf(w, "event: stream_error\ndata: %q\n\n", err.Error())
				flusher.Flush()
			}
			return
		}

		frame, err := stream.ToEvent(msg).SSE()
		if err != nil {
			s.log.Error("Failed to encode event", "session_id", sessionID, "message_id", msg.ID, "error", err)
			continue
		}
		if _, err := w.Write(frame); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (s *Service) handleSessionResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.app.Results.Results(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, results)
}

func (s *Service) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.app.Coordinator.ListAgents())
}

func (s *Service) handlePatchAgent(w http.ResponseWriter, r *http.Request) {
	var body agentPatch
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	patch := registry.ConfigPatch{MaxRetries: body.MaxRetries, Features: body.Features, Settings: body.Settings}
	if body.Timeout != "" {
		timeout, err := time.ParseDuration(body.Timeout)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid timeout: %w", err))
			return
		}
		patch.Timeout = &timeout
	}

	topic := bus.Topic(r.PathValue("topic"))
	if err := s.app.Coordinator.UpdateAgentConfig(r.Context(), topic, patch); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.log.Info("Agent config updated", "topic", topic)

	for _, info := range s.app.Coordinator.ListAgents() {
		if info.Topic == topic {
			s.writeJSON(w, http.StatusOK, info)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, workflow.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, workflow.ErrNotFound), errors.Is(err, registry.ErrUnknownTopic):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrSessionBusy), errors.Is(err, workflow.ErrNotActive):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrLimitReached):
		return http.StatusTooManyRequests
	case errors.Is(err, workflow.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Service) writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write response", "error", err)
	}
}

func (s *Service) writeError(w http.ResponseWriter, statusCode int, err error) {
	if statusCode >= http.StatusInternalServerError {
		s.log.Error("Request failed", "status", statusCode, "error", err)
	}
	s.writeJSON(w, statusCode, errorResponse{Error: err.Error()})
}
