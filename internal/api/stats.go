package api

import (
	"net/http"

	"github.com/seantiz/sandbroker/internal/broker"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	ByOrigin      map[string]int `json:"by_origin"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	Broker        broker.Stats   `json:"broker"`
	FileVersion   int64          `json:"file_version"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetRunStats(r.Context())
	if err != nil {
		s.logger.Error("get run stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		ByStatus:      stats.CountByStatus,
		ByOrigin:      stats.CountByOrigin,
		AvgDurationMS: stats.AvgDurationMS,
		Broker:        s.broker.Stats(),
		FileVersion:   s.saver.Version(),
	})
}
