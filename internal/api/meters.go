package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/Jelling-test/flytining/internal/audit"
)

// handleListMeters returns every meter record.
func (s *Server) handleListMeters(w http.ResponseWriter, r *http.Request) {
	records, err := s.meters.ListRecords(r.Context())
	if err != nil {
		s.logger.Error("failed to list meters", "error", err)
		writeInternalError(w, "failed to list meters")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"meters": records,
		"count":  len(records),
	})
}

// handleListAttempts returns denied power-on attempts, newest first.
//
// Query parameters:
//   - meter: filter by meter number
//   - limit: max results (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{MeterNumber: q.Get("meter")}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeBadRequest(w, "limit must be an integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeBadRequest(w, "offset must be an integer")
			return
		}
		filter.Offset = n
	}

	result, err := s.attempts.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list unauthorized attempts", "error", err)
		writeInternalError(w, "failed to list attempts")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type invalidateRequest struct {
	Meter string `json:"meter"`
}

// handleInvalidate drops one cached decision, or all of them when no meter
// is given. An empty body clears everything.
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	meterNumber := strings.TrimSpace(req.Meter)

	s.cache.Invalidate(meterNumber)
	s.logger.Info("authorization cache invalidated", "meter", meterNumber, "requested_by", subject(r))

	writeJSON(w, http.StatusOK, map[string]any{
		"invalidated": meterNumber,
		"entries":     s.cache.Len(),
	})
}
