package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/callguard/internal/credential"
	"github.com/ent0n29/callguard/internal/gate"
	"github.com/ent0n29/callguard/internal/session"
)

type utteranceRequest struct {
	Text string `json:"text" validate:"required,max=4000"`
}

type identifyRequest struct {
	Phone     string `json:"phone" validate:"required_without_all=FirstName LastName DOB,max=32"`
	FirstName string `json:"first_name" validate:"max=128"`
	LastName  string `json:"last_name" validate:"max=128"`
	DOB       string `json:"dob" validate:"max=32"`
}

type verifyRequest struct {
	Kind  string `json:"kind" validate:"omitempty,oneof=identity one_time_code knowledge"`
	Value string `json:"value" validate:"required,max=256"`
}

type operationRequest struct {
	SubjectID string         `json:"subject_id" validate:"max=128"`
	Args      map[string]any `json:"args"`
}

type consentRequest struct {
	Kind  string `json:"kind" validate:"required,max=64"`
	Given *bool  `json:"given" validate:"required"`
}

type sessionStatusResponse struct {
	SessionID        string              `json:"session_id"`
	Status           session.Status      `json:"status"`
	Level            int                 `json:"level"`
	LevelName        string              `json:"level_name"`
	SubjectID        string              `json:"subject_id,omitempty"`
	Expiry           session.Expiry      `json:"expiry_state"`
	SecondsRemaining int64               `json:"seconds_remaining"`
	Escalated        bool                `json:"escalated"`
	Consents         []string            `json:"consents,omitempty"`
	Challenge        *gate.ChallengeInfo `json:"challenge,omitempty"`
	PendingOperation string              `json:"pending_operation,omitempty"`
	EndReason        string              `json:"end_reason,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if !s.decodeValid(w, r, &req, true) {
		return
	}
	sess, err := s.gate.Start(r.Context(), strings.TrimSpace(req.Channel))
	if err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		Status:          sess.Status,
		Level:           sess.Level,
		CreatedAt:       sess.CreatedAt,
		ExpiresAt:       sess.ExpiresAt,
		InactivityTTLMS: sess.ExpiresAt.Sub(sess.LastActivityAt).Milliseconds(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	st, err := s.gate.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, statusResponse(st))
}

func statusResponse(st gate.Status) sessionStatusResponse {
	return sessionStatusResponse{
		SessionID:        st.Session.ID,
		Status:           st.Session.Status,
		Level:            int(st.Session.Level),
		LevelName:        st.Session.Level.String(),
		SubjectID:        st.Session.SubjectID,
		Expiry:           st.Expiry.State,
		SecondsRemaining: int64(st.Expiry.Remaining.Seconds()),
		Escalated:        st.Session.Escalated,
		Consents:         st.Session.Consents,
		Challenge:        st.Challenge,
		PendingOperation: st.Pending,
		EndReason:        st.Session.EndReason,
	}
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.gate.Hangup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleUtterance(w http.ResponseWriter, r *http.Request) {
	var req utteranceRequest
	if !s.decodeValid(w, r, &req, false) {
		return
	}
	respondDecision(w, s.gate.Observe(r.Context(), chi.URLParam(r, "id"), req.Text))
}

func (s *Server) handleIdentify(w http.ResponseWriter, r *http.Request) {
	var req identifyRequest
	if !s.decodeValid(w, r, &req, false) {
		return
	}
	respondDecision(w, s.gate.Identify(r.Context(), chi.URLParam(r, "id"), credential.Presented{
		Phone:     req.Phone,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		DOB:       req.DOB,
	}))
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !s.decodeValid(w, r, &req, false) {
		return
	}
	respondDecision(w, s.gate.SubmitVerification(r.Context(), chi.URLParam(r, "id"), credential.Presented{
		Kind:  credential.Kind(req.Kind),
		Value: req.Value,
	}))
}

func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	var req operationRequest
	if !s.decodeValid(w, r, &req, true) {
		return
	}
	respondDecision(w, s.gate.Authorize(r.Context(), gate.Request{
		SessionID: chi.URLParam(r, "id"),
		Operation: chi.URLParam(r, "op"),
		SubjectID: strings.TrimSpace(req.SubjectID),
		Args:      req.Args,
	}))
}

func (s *Server) handleHandoff(w http.ResponseWriter, r *http.Request) {
	respondDecision(w, s.gate.Handoff(r.Context(), chi.URLParam(r, "id")))
}

func (s *Server) handleConsent(w http.ResponseWriter, r *http.Request) {
	var req consentRequest
	if !s.decodeValid(w, r, &req, false) {
		return
	}
	respondDecision(w, s.gate.RecordConsent(r.Context(), chi.URLParam(r, "id"), req.Kind, *req.Given))
}

func (s *Server) handleSessionAudit(w http.ResponseWriter, r *http.Request) {
	recs, err := s.gate.AuditTrail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": chi.URLParam(r, "id"),
		"records":    recs,
	})
}
