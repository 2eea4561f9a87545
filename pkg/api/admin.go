package api

import (
	"net/http"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.Stats())
}

// shutdownResponse acknowledges that the drain has started.
type shutdownResponse struct {
	Status string `json:"status"`
}

// handleShutdown starts the service drain. The reply comes back before
// the drain resolves; the daemon exits once outstanding work completes.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	s.mgr.ShutdownStart()
	s.logger.Info().Msg("shutdown requested over API")
	writeJSON(w, http.StatusAccepted, shutdownResponse{Status: "draining"})
}
