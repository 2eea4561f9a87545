package api

import (
	"errors"
	"net/http"

	"github.com/quarrystor/quarry/pkg/manager"
	"github.com/quarrystor/quarry/pkg/types"
)

// createVolumeRequest is the body of POST /api/v1/volumes.
type createVolumeRequest struct {
	Name      string `json:"name"`
	SizeBytes uint64 `json:"size_bytes"`
	PageSize  uint32 `json:"page_size,omitempty"`
}

// createVolumeResponse carries the new volume's identifier.
type createVolumeResponse struct {
	ID types.VolumeID `json:"id"`
}

func (s *Server) handleCreateVolume(w http.ResponseWriter, r *http.Request) {
	var req createVolumeRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "volume name is required")
		return
	}
	if req.SizeBytes == 0 {
		writeError(w, http.StatusBadRequest, "volume size is required")
		return
	}

	id, err := s.mgr.CreateVolume(r.Context(), req.Name, req.SizeBytes, req.PageSize)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createVolumeResponse{ID: id})
}

func (s *Server) handleListVolumes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.ListVolumes())
}

func (s *Server) handleGetVolume(w http.ResponseWriter, r *http.Request) {
	id, err := pathVolumeID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid volume id")
		return
	}
	info, err := s.mgr.LookupVolume(id)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleRemoveVolume(w http.ResponseWriter, r *http.Request) {
	id, err := pathVolumeID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid volume id")
		return
	}
	if err := s.mgr.RemoveVolume(r.Context(), id); err != nil {
		writeManagerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVolumeStats(w http.ResponseWriter, r *http.Request) {
	id, err := pathVolumeID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid volume id")
		return
	}
	stats, err := s.mgr.VolumeStats(id)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// writeManagerError maps manager errors onto HTTP status codes.
func writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, manager.ErrVolumeNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, manager.ErrShutdownStarted):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, manager.ErrTooManyVolumes):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
