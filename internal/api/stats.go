package api

import (
	"net/http"
)

// handleGetStats reports a point-in-time snapshot of the bridge pool: state,
// worker counts, queue depth, and the cached defect flag.
func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.pool.Stats())
}
