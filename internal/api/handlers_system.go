package api

import (
	"net/http"

	"github.com/chambrid/jobs-api/pkg/images"
	"github.com/chambrid/jobs-api/pkg/jobs"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{Status: "OK"})
}

// handleListImages lists the images the tool can run
func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	all, err := s.service.GetImages(r.Context(), ToolFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if all == nil {
		all = []images.Image{}
	}
	s.writeJSON(w, http.StatusOK, ImageListResponse{Images: all})
}

// handleGetQuotas shows the quota usage of the tool, grouped by category
func (s *Server) handleGetQuotas(w http.ResponseWriter, r *http.Request) {
	data, err := s.service.GetQuotas(r.Context(), ToolFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, jobs.QuotaFromData(data))
}
