package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Jelling-test/flytining/internal/command"
)

type enqueueRequest struct {
	MeterID string `json:"meter_id"`
	Command string `json:"command"`
	Value   string `json:"value"`
}

// handleEnqueueCommand queues a set_state or rename command.
func (s *Server) handleEnqueueCommand(w http.ResponseWriter, r *http.Request) {
	if s.commands == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "command queue not configured")
		return
	}

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	req.MeterID = strings.TrimSpace(req.MeterID)
	if req.MeterID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "meter_id is required")
		return
	}
	switch req.Command {
	case command.KindSetState:
	case command.KindRename:
		if strings.TrimSpace(req.Value) == "" {
			writeError(w, http.StatusBadRequest, ErrCodeValidation, "rename requires a value")
			return
		}
	default:
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "command must be set_state or rename")
		return
	}

	c := &command.Command{MeterID: req.MeterID, Command: req.Command, Value: req.Value}
	if err := s.commands.Enqueue(r.Context(), c); err != nil {
		s.logger.Error("failed to enqueue command", "error", err)
		writeInternalError(w, "failed to enqueue command")
		return
	}
	s.logger.Info("command queued",
		"id", c.ID, "meter_id", c.MeterID, "command", c.Command, "requested_by", subject(r))
	writeJSON(w, http.StatusAccepted, c)
}

// handleGetCommand returns one command's status.
func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	if s.commands == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "command queue not configured")
		return
	}

	c, err := s.commands.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, command.ErrNotFound) {
			writeNotFound(w, "command not found")
			return
		}
		s.logger.Error("failed to get command", "error", err)
		writeInternalError(w, "failed to get command")
		return
	}
	writeJSON(w, http.StatusOK, c)
}
