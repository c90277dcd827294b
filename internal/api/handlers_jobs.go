package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/chambrid/jobs-api/internal/runtime/k8s"
	"github.com/chambrid/jobs-api/pkg/jobs"
)

// handleListJobs handles job listing requests
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	all, err := s.service.GetJobs(r.Context(), ToolFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]DefinedJob, 0, len(all))
	for _, job := range all {
		out = append(out, NewDefinedJob(job))
	}
	s.writeJSON(w, http.StatusOK, out)
}

// decodeJob reads the job of a create or update request.
func (s *Server) decodeJob(r *http.Request) (*jobs.Job, error) {
	var req NewJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, jobs.NewValidationError("Invalid JSON body", map[string]any{"error": err.Error()})
	}
	return req.ToJob(r.Context(), ToolFromContext(r.Context()), s.images, s.defaults)
}

// handleCreateJob handles job creation requests
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.decodeJob(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	created, err := s.service.CreateJob(r.Context(), job)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, NewDefinedJob(created))
}

// handleUpdateJob creates the job, or recreates it when it changed
func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.decodeJob(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	message, err := s.service.UpdateJob(r.Context(), job)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, UpdateResponse{Message: message})
}

// handleFlushJobs deletes every job of the tool
func (s *Server) handleFlushJobs(w http.ResponseWriter, r *http.Request) {
	if err := s.service.FlushJobs(r.Context(), ToolFromContext(r.Context())); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{})
}

// handleGetJob handles job status requests
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.service.GetJob(r.Context(), ToolFromContext(r.Context()), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDefinedJob(job))
}

// handleDeleteJob handles job deletion requests
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteJob(r.Context(), ToolFromContext(r.Context()), chi.URLParam(r, "name")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{})
}

// handleRestartJob handles job restart requests
func (s *Server) handleRestartJob(w http.ResponseWriter, r *http.Request) {
	if err := s.service.RestartJob(r.Context(), ToolFromContext(r.Context()), chi.URLParam(r, "name")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{})
}

// handleGetJobLogs streams the logs of a job, one JSON entry per line.
// Errors found before the first entry is sent are answered normally.
func (s *Server) handleGetJobLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	started := false

	err := s.service.GetLogs(r.Context(), ToolFromContext(r.Context()), chi.URLParam(r, "name"),
		query.Get("follow") == "true", query.Get("lines"),
		func(entry k8s.LogEntry) error {
			if !started {
				w.Header().Set("Content-Type", "application/x-ndjson")
				// nginx must not buffer followed logs
				w.Header().Set("X-Accel-Buffering", "no")
				w.WriteHeader(http.StatusOK)
				started = true
			}
			if err := enc.Encode(entry); err != nil {
				return err
			}
			if flusher != nil {
				flusher.Flush()
			}
			return nil
		})
	if err == nil {
		return
	}
	if !started {
		s.writeError(w, r, err)
		return
	}
	// the client went away, or the backend broke mid stream
	s.logger.V(1).Info("log stream ended", "error", err.Error())
}
