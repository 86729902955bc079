package api

import (
	"net/http"
	"strconv"

	"github.com/fleetlab/fleetlab-core/internal/audit"
)

// handleListAudit returns audit trail entries, newest first.
//
// Query parameters:
//   - action: filter by action (claim, release, presence)
//   - serial: filter by device serial
//   - actor: filter by actor email
//   - limit, offset: pagination
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeNotFound(w, "audit trail is not enabled")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Action: q.Get("action"),
		Serial: q.Get("serial"),
		Actor:  q.Get("actor"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	result, err := s.audit.List(r.Context(), filter)
	if err != nil {
		writeInternalError(w, "failed to query audit trail")
		return
	}

	writeJSON(w, http.StatusOK, result)
}
