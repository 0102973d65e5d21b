package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ent0n29/callguard/internal/audit"
)

// handleAuditVerify recomputes the hash chain over ?from=&to= (defaults: the
// whole ledger). Operator endpoint; it reports positions, never hashes.
func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	from, err := seqParam(r, "from")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	to, err := seqParam(r, "to")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	rep, err := s.ledger.Verify(r.Context(), from, to)
	if err != nil {
		if errors.Is(err, audit.ErrBadRange) {
			respondError(w, http.StatusBadRequest, "invalid_range", err.Error())
			return
		}
		respondError(w, http.StatusServiceUnavailable, "audit_unavailable", "audit store unavailable")
		return
	}
	status := http.StatusOK
	if !rep.Intact {
		status = http.StatusConflict
	}
	respondJSON(w, status, rep)
}

func seqParam(r *http.Request, name string) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, errors.New("query parameter " + name + " must be a non-negative integer")
	}
	return v, nil
}
