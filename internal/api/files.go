package api

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/sandbroker/internal/model"
	"github.com/seantiz/sandbroker/internal/workspace"
)

var validExt = regexp.MustCompile(`^[A-Za-z0-9]{1,8}$`)

type listFilesResponse struct {
	Files    []workspace.File `json:"files"`
	Selected int64            `json:"selected"`
}

type createFileRequest struct {
	Ext string `json:"ext"`
}

// updateFileRequest is the JSON body for PUT /v1/files/{id}. Nil fields are
// left unchanged.
type updateFileRequest struct {
	Name    *string `json:"name"`
	Content *string `json:"content"`
}

// updateFileResponse carries the updated file and, when the edit changed
// the selected file's content, the run it triggered.
type updateFileResponse struct {
	File workspace.File `json:"file"`
	Run  *model.Run     `json:"run,omitempty"`
}

func (s *Server) handleListFiles(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.listFiles())
}

func (s *Server) listFiles() listFilesResponse {
	return listFilesResponse{
		Files:    s.workspace.Files(),
		Selected: s.workspace.Selected().ID,
	}
}

func (s *Server) handleCreateFile(w http.ResponseWriter, r *http.Request) {
	var req createFileRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Ext == "" {
		req.Ext = "js"
	}
	if !validExt.MatchString(req.Ext) {
		s.writeError(w, http.StatusBadRequest, "invalid extension")
		return
	}

	f := s.workspace.NewFile(req.Ext)
	s.saver.Request()
	s.writeJSON(w, http.StatusCreated, f)
}

func (s *Server) handleUpdateFile(w http.ResponseWriter, r *http.Request) {
	id, ok := s.fileID(w, r)
	if !ok {
		return
	}
	var req updateFileRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var (
		f   workspace.File
		err error
	)
	if f, err = s.workspace.File(id); err == nil && req.Name != nil {
		f, err = s.workspace.Rename(id, *req.Name)
	}
	if err == nil && req.Content != nil {
		f, err = s.workspace.Update(id, *req.Content)
	}
	if err != nil {
		s.writeFileError(w, err)
		return
	}
	s.saver.Request()

	resp := updateFileResponse{File: f}
	if req.Content != nil && s.workspace.Selected().ID == id {
		run, err := s.submitSelected(r.Context())
		if err != nil {
			s.logger.Error("submit run for edit", "file_id", id, "error", err)
		}
		resp.Run = run
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCloseFile(w http.ResponseWriter, r *http.Request) {
	id, ok := s.fileID(w, r)
	if !ok {
		return
	}
	if err := s.workspace.Close(id); err != nil {
		s.writeFileError(w, err)
		return
	}
	s.saver.Request()
	s.writeJSON(w, http.StatusOK, s.listFiles())
}

func (s *Server) handleSelectFile(w http.ResponseWriter, r *http.Request) {
	id, ok := s.fileID(w, r)
	if !ok {
		return
	}
	if err := s.workspace.Select(id); err != nil {
		s.writeFileError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.listFiles())
}

// fileID parses the {id} parameter, writing an error response if it is not
// a number.
func (s *Server) fileID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid file id")
		return 0, false
	}
	return id, true
}

func (s *Server) writeFileError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workspace.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "file not found")
	case errors.Is(err, workspace.ErrLastFile):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("file operation", "error", err)
		s.writeError(w, http.StatusInternalServerError, "file operation failed")
	}
}
