package api

import (
	"encoding/json"
	"net/http"
)

// healthResponse reports the server and the current executor generation.
// An idle broker has no live executor until the next request spawns one.
type healthResponse struct {
	Status     string `json:"status"`
	Generation uint64 `json:"generation"`
	Live       bool   `json:"live"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats := s.broker.Stats()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(healthResponse{
		Status:     "ok",
		Generation: stats.Generation,
		Live:       stats.Live,
	}); err != nil {
		s.logger.Error("encode healthz response", "error", err)
	}
}
