package api

import (
	"net/http"

	"github.com/flowpbx/agentgw/internal/sip"
	"github.com/go-chi/chi/v5"
)

// handleListTrunks returns the live status of every configured trunk.
func (s *Server) handleListTrunks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Trunks == nil {
		writeJSON(w, http.StatusOK, []sip.TrunkState{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Trunks.GetAllStatuses())
}

func (s *Server) handleListBlocked(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Guard.BlockedIPs())
}

// handleUnblock lifts a brute-force block on a source IP.
func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	if !s.deps.Guard.UnblockIP(ip) {
		writeError(w, http.StatusNotFound, "ip is not blocked")
		return
	}
	s.logger.Info("source unblocked via api", "ip", ip, "subject", subject(r))
	writeJSON(w, http.StatusOK, map[string]string{"ip": ip})
}
