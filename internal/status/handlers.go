package status

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/netbro-agent/internal/alert"
	"github.com/nerrad567/netbro-agent/internal/supervisor"
)

const (
	codeBadRequest  = "bad_request"
	codeUnavailable = "unavailable"
	codeInternal    = "internal_error"
)

type errorBody struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v) //nolint:errcheck // client may be gone
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Status: status, Code: code, Message: message})
}

type healthBody struct {
	Status          string           `json:"status"`
	State           supervisor.State `json:"state"`
	ActiveTransport string           `json:"active_transport,omitempty"`
	Version         string           `json:"version,omitempty"`
}

// handleHealth is 200 while some transport is active, 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.status.Snapshot()
	body := healthBody{
		Status:          "ok",
		State:           snap.State,
		ActiveTransport: snap.ActiveTransport,
		Version:         s.version,
	}
	code := http.StatusOK
	if snap.ActiveTransport == "" {
		body.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, body)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status.Snapshot())
}

type alertRequest struct {
	AlertType string          `json:"alert_type"`
	Payload   json.RawMessage `json:"payload"`
}

// handleAlert lets local detectors hand alerts to the agent.
func (s *Server) handleAlert(w http.ResponseWriter, r *http.Request) {
	if s.alerts == nil {
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "alert intake disabled")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req alertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid JSON: "+err.Error())
		return
	}

	typ, err := alert.ParseType(req.AlertType)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	ev, err := alert.New(typ, payload, s.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}

	switch err := s.alerts.Alert(r.Context(), ev); {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"id": ev.ID.String(), "status": "queued"})
	case errors.Is(err, supervisor.ErrQueueFull), errors.Is(err, supervisor.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, err.Error())
	case errors.Is(err, alert.ErrInvalid):
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
	default:
		s.logger.Error("queueing alert failed", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "could not queue alert")
	}
}
