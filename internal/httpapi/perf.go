package httpapi

import (
	"net/http"

	"github.com/ent0n29/callguard/internal/observability"
)

type perfDecisionsResponse struct {
	observability.DecisionStageSnapshot
	SLOMS     int64 `json:"slo_ms"`
	WithinSLO bool  `json:"within_slo"`
}

func (s *Server) handlePerfDecisions(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	snap := s.metrics.SnapshotDecisionStages()
	resp := perfDecisionsResponse{
		DecisionStageSnapshot: snap,
		SLOMS:                 s.cfg.DecisionSLO.Milliseconds(),
		WithinSLO:             true,
	}
	for _, st := range snap.Stages {
		if st.Stage == observability.StageDecisionTotal && resp.SLOMS > 0 && st.P95MS > float64(resp.SLOMS) {
			resp.WithinSLO = false
		}
	}
	respondJSON(w, http.StatusOK, resp)
}
