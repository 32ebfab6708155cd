package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/sandbroker/internal/model"
	"github.com/seantiz/sandbroker/internal/store"
	"github.com/seantiz/sandbroker/internal/workspace"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	defaultRunName   = "main.js"
)

// createRunRequest is the JSON body for POST /v1/runs. Exactly one of
// Source, FileID and Selected picks what runs.
type createRunRequest struct {
	Name     string  `json:"name"`
	Typed    bool    `json:"typed"`
	Source   *string `json:"source"`
	FileID   *int64  `json:"file_id"`
	Selected bool    `json:"selected"`
}

// listRunsResponse wraps the paginated list response.
type listRunsResponse struct {
	Runs   []*model.Run `json:"runs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// outputResponse is the JSON response for GET /v1/runs/{id}/output.
type outputResponse struct {
	RunID  string              `json:"run_id"`
	Chunks []model.OutputChunk `json:"chunks"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	picked := 0
	for _, set := range []bool{req.Source != nil, req.FileID != nil, req.Selected} {
		if set {
			picked++
		}
	}
	if picked != 1 {
		s.writeError(w, http.StatusBadRequest, "exactly one of source, file_id or selected is required")
		return
	}

	var (
		run *model.Run
		err error
	)
	switch {
	case req.Source != nil:
		name := req.Name
		if name == "" {
			name = defaultRunName
		}
		run = newRun(model.OriginSource, name)
		run.Typed = req.Typed || workspace.IsTyped(name)
		run.Source = *req.Source
		err = s.engine.Submit(r.Context(), run, nil)
	case req.FileID != nil:
		f, ferr := s.workspace.File(*req.FileID)
		if ferr != nil {
			s.writeError(w, http.StatusNotFound, "file not found")
			return
		}
		run = newRun(model.OriginFile, f.Name)
		run.FileID = &f.ID
		run.Typed = workspace.IsTyped(f.Name)
		err = s.engine.Submit(r.Context(), run, s.workspace.Editor(f.ID))
	default:
		run, err = s.submitSelected(r.Context())
	}
	if err != nil {
		s.logger.Error("submit run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit run")
		return
	}

	s.writeJSON(w, http.StatusAccepted, run)
}

// submitSelected runs the workspace's selected file as it is when the run
// starts.
func (s *Server) submitSelected(ctx context.Context) (*model.Run, error) {
	f := s.workspace.Selected()
	run := newRun(model.OriginSelected, f.Name)
	run.FileID = &f.ID
	run.Typed = workspace.IsTyped(f.Name)
	if err := s.engine.Submit(ctx, run, s.workspace); err != nil {
		return nil, err
	}
	return run, nil
}

func newRun(origin, name string) *model.Run {
	return &model.Run{
		ID:        model.NewID(),
		Status:    model.StatusPending,
		Origin:    origin,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	runs, total, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	if runs == nil {
		runs = []*model.Run{}
	}

	s.writeJSON(w, http.StatusOK, listRunsResponse{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleGetOutput(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}

	chunks, err := s.store.GetOutput(r.Context(), run.ID)
	if err != nil {
		s.logger.Error("get output", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get output")
		return
	}
	if chunks == nil {
		chunks = []model.OutputChunk{}
	}

	s.writeJSON(w, http.StatusOK, outputResponse{RunID: run.ID, Chunks: chunks})
}

// lookupRun loads the run named by the {id} parameter, writing an error
// response if it cannot.
func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) (*model.Run, bool) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("get run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return nil, false
	}
	return run, true
}
