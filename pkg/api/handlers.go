package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethpandaops/artifactoor/pkg/history"
	"github.com/go-chi/chi/v5"
)

// maxListLimit caps the limit query parameter of the runs listing.
const maxListLimit = 500

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

type runResponse struct {
	ID         string    `json:"id"`
	Workspace  string    `json:"workspace"`
	Profile    string    `json:"profile"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Uploaded   int       `json:"uploaded"`
	Failed     int       `json:"failed"`
	Error      string    `json:"error,omitempty"`
}

type artifactResponse struct {
	Seq          int    `json:"seq"`
	Bucket       string `json:"bucket"`
	Key          string `json:"key"`
	LocalPath    string `json:"local_path"`
	Size         int64  `json:"size"`
	ETag         string `json:"etag,omitempty"`
	StorageClass string `json:"storage_class"`
	Region       string `json:"region"`
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListRuns returns the most recent runs, newest first.
func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := history.DefaultListLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"limit must be a positive integer"})

			return
		}

		limit = min(n, maxListLimit)
	}

	runs, err := s.history.ListRuns(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing runs: " + err.Error()})

		return
	}

	out := make([]runResponse, 0, len(runs))
	for i := range runs {
		out = append(out, toRunResponse(&runs[i]))
	}

	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

// handleGetRun returns a single run.
func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, toRunResponse(run))
}

// handleListArtifacts returns the attempted uploads of a run.
func (s *server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}

	artifacts, err := s.history.ListArtifacts(r.Context(), run.RunID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing artifacts: " + err.Error()})

		return
	}

	out := make([]artifactResponse, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, artifactResponse{
			Seq:          a.Seq,
			Bucket:       a.Bucket,
			Key:          a.Key,
			LocalPath:    a.LocalPath,
			Size:         a.Size,
			ETag:         a.ETag,
			StorageClass: a.StorageClass,
			Region:       a.Region,
			Success:      a.Success,
			Error:        a.Error,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"artifacts": out})
}

// lookupRun loads the run named by the id URL parameter, writing the error
// response itself when it cannot.
func (s *server) lookupRun(w http.ResponseWriter, r *http.Request) (*history.Run, bool) {
	id := chi.URLParam(r, "id")

	run, err := s.history.GetRun(r.Context(), id)
	if errors.Is(err, history.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{"run not found"})

		return nil, false
	}

	if err != nil {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"getting run: " + err.Error()})

		return nil, false
	}

	return run, true
}

func toRunResponse(run *history.Run) runResponse {
	return runResponse{
		ID:         run.RunID,
		Workspace:  run.Workspace,
		Profile:    run.Profile,
		Status:     run.Status,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Uploaded:   run.Uploaded,
		Failed:     run.Failed,
		Error:      run.Error,
	}
}

// handleArtifactDownload returns a presigned download URL for a
// successfully uploaded artifact.
func (s *server) handleArtifactDownload(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}

	seq, err := strconv.Atoi(chi.URLParam(r, "seq"))
	if err != nil || seq < 0 {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"seq must be a non-negative integer"})

		return
	}

	artifact, err := s.history.GetArtifact(r.Context(), run.RunID, seq)
	if errors.Is(err, history.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{"artifact not found"})

		return
	}

	if err != nil {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"getting artifact: " + err.Error()})

		return
	}

	if !artifact.Success {
		writeJSON(w, http.StatusConflict,
			errorResponse{"artifact was not uploaded"})

		return
	}

	url, err := s.presigner.GeneratePresignedURL(
		r.Context(), run.Profile, artifact.Region, artifact.Bucket, artifact.Key,
	)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"generating download url: " + err.Error()})

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}
