package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/callguard/internal/audit"
	"github.com/ent0n29/callguard/internal/config"
	"github.com/ent0n29/callguard/internal/gate"
	"github.com/ent0n29/callguard/internal/observability"
	"github.com/ent0n29/callguard/internal/session"
)

type Server struct {
	cfg      config.Config
	gate     *gate.Gate
	ledger   *audit.Ledger
	metrics  *observability.Metrics
	validate *validator.Validate
	upgrader websocket.Upgrader
}

func New(cfg config.Config, g *gate.Gate, ledger *audit.Ledger, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		gate:     g,
		ledger:   ledger,
		metrics:  metrics,
		validate: validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browser clients must come from the same origin unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Telephony bridges and other non-browser clients omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/decisions", s.handlePerfDecisions)

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Route("/v1/sessions/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetSession)
		r.Post("/end", s.handleEndSession)
		r.Post("/utterances", s.handleUtterance)
		r.Post("/identify", s.handleIdentify)
		r.Post("/verify", s.handleVerify)
		r.Post("/operations/{op}", s.handleOperation)
		r.Post("/handoff", s.handleHandoff)
		r.Post("/consents", s.handleConsent)
		r.Get("/audit", s.handleSessionAudit)
		r.Get("/ws", s.handleSessionWS)
	})
	r.Get("/v1/audit/verify", s.handleAuditVerify)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"domain": s.cfg.Domain,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.gate == nil || s.ledger == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "gate not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"domain":     s.cfg.Domain,
		"audit_head": s.ledger.Head(),
	})
}

// decisionStatus maps a gate outcome onto HTTP.
func decisionStatus(d gate.Decision) int {
	switch d.Outcome {
	case gate.OutcomeAllowed:
		return http.StatusOK
	case gate.OutcomeChallenge:
		return http.StatusAccepted
	case gate.OutcomeEscalated:
		return http.StatusLocked
	}
	switch d.Reason {
	case gate.ReasonSessionExpired, gate.ReasonSessionEnded:
		return http.StatusConflict
	case gate.ReasonSessionNotFound:
		return http.StatusNotFound
	case gate.ReasonAuditUnavailable:
		return http.StatusServiceUnavailable
	case gate.ReasonCoolingDown:
		return http.StatusTooManyRequests
	case gate.ReasonInternal, gate.ReasonToolFailed, gate.ReasonDeliveryFailed:
		return http.StatusBadGateway
	default:
		return http.StatusForbidden
	}
}

func respondDecision(w http.ResponseWriter, d gate.Decision) {
	respondJSON(w, decisionStatus(d), d)
}

// respondSessionError maps session manager errors for the non-gate routes.
func respondSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", "session not found")
	case errors.Is(err, session.ErrExpired):
		respondError(w, http.StatusConflict, "session_expired", "session expired")
	case errors.Is(err, session.ErrEnded):
		respondError(w, http.StatusConflict, "session_ended", "session ended")
	case errors.Is(err, gate.ErrAuditUnavailable):
		respondError(w, http.StatusServiceUnavailable, "audit_unavailable", "please try again")
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

// decodeValid decodes and validates a request body, writing the 400 itself.
func (s *Server) decodeValid(w http.ResponseWriter, r *http.Request, out any, allowEmpty bool) bool {
	if err := decodeJSON(r, out); err != nil && !(allowEmpty && errors.Is(err, errEmptyBody)) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return false
	}
	if err := s.validate.Struct(out); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
