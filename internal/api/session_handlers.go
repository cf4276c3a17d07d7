package api

import (
	"errors"
	"net/http"

	"github.com/flowpbx/agentgw/internal/routing"
	"github.com/go-chi/chi/v5"
)

// handleListSessions returns a page of live sessions, oldest first. The
// optional state query parameter filters by state.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	p, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	snaps := s.deps.Sessions.Snapshot()

	if state := r.URL.Query().Get("state"); state != "" {
		filtered := make([]routing.Snapshot, 0, len(snaps))
		for _, snap := range snaps {
			if string(snap.State) == state {
				filtered = append(filtered, snap)
			}
		}
		snaps = filtered
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  page(snaps, p),
		Total:  len(snaps),
		Limit:  p.Limit,
		Offset: p.Offset,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	sess, ok := s.deps.Sessions.Lookup(callID)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

// handleTerminateSession hangs up a live session. The hangup completes
// asynchronously; the session leaves the registry once its legs are gone.
func (s *Server) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")

	err := s.deps.Terminator.Terminate(r.Context(), callID)
	switch {
	case err == nil:
	case errors.Is(err, routing.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
		return
	default:
		s.logger.Error("failed to terminate session", "call_id", callID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to terminate session")
		return
	}

	s.logger.Info("session terminated via api", "call_id", callID, "subject", subject(r))
	writeJSON(w, http.StatusAccepted, map[string]string{"call_id": callID})
}
