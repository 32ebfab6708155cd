package api

import (
	"errors"
	"net/http"

	"github.com/seantiz/sandbroker/internal/broker"
	"github.com/seantiz/sandbroker/internal/codec"
	"github.com/seantiz/sandbroker/internal/share"
	"github.com/seantiz/sandbroker/internal/workspace"
)

// encodeShareRequest is the JSON body for POST /v1/share. When FileID is
// set the open file is shared and Name and Content are ignored.
type encodeShareRequest struct {
	Name    string `json:"name"`
	Content string `json:"content"`
	FileID  *int64 `json:"file_id"`
}

type encodeShareResponse struct {
	Hash string `json:"hash"`
}

type decodeShareRequest struct {
	Hash string `json:"hash"`
}

// decodeShareResponse carries the decoded script and the workspace file
// it was opened as.
type decodeShareResponse struct {
	Name    string         `json:"name"`
	Content string         `json:"content"`
	File    workspace.File `json:"file"`
}

func (s *Server) handleEncodeShare(w http.ResponseWriter, r *http.Request) {
	var req encodeShareRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.FileID != nil {
		f, err := s.workspace.File(*req.FileID)
		if err != nil {
			s.writeError(w, http.StatusNotFound, "file not found")
			return
		}
		req.Name, req.Content = f.Name, f.Content
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	hash, err := share.Encode(r.Context(), s.broker, req.Name, req.Content)
	if err != nil {
		s.writeBrokerError(w, "encode share", err)
		return
	}
	s.writeJSON(w, http.StatusOK, encodeShareResponse{Hash: hash})
}

func (s *Server) handleDecodeShare(w http.ResponseWriter, r *http.Request) {
	var req decodeShareRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	name, content, err := share.Decode(r.Context(), s.broker, req.Hash)
	if errors.Is(err, codec.ErrInvalidHash) {
		s.writeError(w, http.StatusBadRequest, "invalid share hash")
		return
	}
	if err != nil {
		s.writeBrokerError(w, "decode share", err)
		return
	}

	f := s.workspace.Open(name, content)
	s.saver.Request()
	s.writeJSON(w, http.StatusOK, decodeShareResponse{Name: name, Content: content, File: f})
}

// writeBrokerError maps a failed broker request to a response. A blocked
// executor is reported as temporarily unavailable since a retry runs on a
// fresh one.
func (s *Server) writeBrokerError(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op, "error", err)
	switch {
	case errors.Is(err, broker.ErrBlocked), errors.Is(err, broker.ErrClosed):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		var appErr *broker.ApplicationError
		if errors.As(err, &appErr) {
			s.writeError(w, http.StatusUnprocessableEntity, appErr.Message)
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}
