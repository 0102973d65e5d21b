package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/callguard/internal/audit"
	"github.com/ent0n29/callguard/internal/authlevel"
	"github.com/ent0n29/callguard/internal/observability"
	"github.com/ent0n29/callguard/internal/policy"
	"github.com/ent0n29/callguard/internal/session"
)

// Observe runs the escalation monitor over one caller utterance. A match
// escalates the session for good; every later operation except handoff is
// refused regardless of level.
func (g *Gate) Observe(ctx context.Context, sessionID, utterance string) Decision {
	start := time.Now()
	unlock := g.locks.lock(sessionID)
	defer unlock()

	s, d, ok := g.live(ctx, sessionID, "")
	if !ok {
		return g.finish(ctx, start, d)
	}
	if s.Escalated {
		return g.finish(ctx, start, Decision{
			Outcome:   OutcomeEscalated,
			Reason:    ReasonEscalated,
			Message:   messageFor(ReasonEscalated),
			SessionID: s.ID,
			Level:     s.Level,
			Markers:   s.EscalationMarkers,
			err:       ErrEscalated,
		})
	}

	scanStart := time.Now()
	scan := g.monitor.Scan(utterance)
	g.metrics.ObserveDecisionStage(observability.StageEscalationCheck, time.Since(scanStart))
	if !scan.Triggered {
		return g.finish(ctx, start, Decision{
			Outcome:   OutcomeAllowed,
			Reason:    ReasonClear,
			SessionID: s.ID,
			Level:     s.Level,
		})
	}

	escalated, err := g.sessions.MarkEscalated(ctx, s.ID, scan.Markers)
	if err != nil {
		return g.finish(ctx, start, g.sessionError(ctx, s, "escalation", err))
	}
	g.metrics.ObserveEscalation()
	g.metrics.ObserveSessionEvent("escalated")
	redacted, _ := policy.RedactPII(utterance)
	g.logger.WarnContext(ctx, "gate.escalated",
		"session_id", s.ID,
		"markers", strings.Join(scan.Markers, ","),
		"utterance", redacted,
	)
	if _, err := g.ledger.Append(ctx, audit.Entry{
		SessionID: s.ID,
		SubjectID: s.SubjectID,
		Action:    "escalation",
		Decision:  audit.DecisionEscalate,
		Level:     s.Level,
		Detail:    "keyword_detected=" + strings.Join(scan.Markers, ","),
	}); err != nil {
		// The session stays escalated; the flag fails closed on its own.
		g.metrics.ObserveIndicator("audit_failure")
		g.logger.ErrorContext(ctx, "gate.audit_failed", "session_id", s.ID, "action", "escalation", "error", err)
	}

	d = Decision{
		Outcome:   OutcomeEscalated,
		Reason:    ReasonEscalated,
		Message:   messageFor(ReasonEscalated),
		SessionID: s.ID,
		Level:     escalated.Level,
		Markers:   escalated.EscalationMarkers,
		err:       ErrEscalated,
	}
	if g.handoffOp == "" {
		d.Message = "I can't help with that over this line."
	}
	return g.finish(ctx, start, d)
}

// Handoff runs the handoff operation and ends the session on success.
func (g *Gate) Handoff(ctx context.Context, sessionID string) Decision {
	start := time.Now()
	unlock := g.locks.lock(sessionID)
	defer unlock()

	if g.handoffOp == "" {
		return g.finish(ctx, start, denied(sessionID, "handoff", ReasonHandoffUnavailable, ErrDenied))
	}
	d := g.authorizeLocked(ctx, Request{SessionID: sessionID, Operation: g.handoffOp})
	if d.Outcome != OutcomeAllowed {
		return g.finish(ctx, start, d)
	}
	if _, err := g.end(ctx, sessionID, session.ReasonHandoff); err != nil {
		g.logger.WarnContext(ctx, "gate.handoff_end_failed", "session_id", sessionID, "error", err)
	}
	d.Message = "Transferring you to a staff member now."
	return g.finish(ctx, start, d)
}

// Hangup ends the session. Ending an ended session is a no-op.
func (g *Gate) Hangup(ctx context.Context, sessionID string) (*session.Session, error) {
	unlock := g.locks.lock(sessionID)
	defer unlock()
	return g.end(ctx, sessionID, session.ReasonHangup)
}

func (g *Gate) end(ctx context.Context, sessionID, reason string) (*session.Session, error) {
	before, err := g.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ended, err := g.sessions.Terminate(ctx, sessionID, reason)
	if err != nil {
		return nil, err
	}
	if before.Terminal() {
		return ended, nil
	}
	if _, err := g.ledger.Append(ctx, audit.Entry{
		SessionID: ended.ID,
		SubjectID: ended.SubjectID,
		Action:    "session_ended",
		Decision:  audit.DecisionAllow,
		Level:     ended.Level,
		Kind:      audit.KindSession,
		Detail:    "reason=" + reason,
	}); err != nil {
		g.metrics.ObserveIndicator("audit_failure")
		g.logger.ErrorContext(ctx, "gate.audit_failed", "session_id", sessionID, "action", "session_ended", "error", err)
	}
	g.logger.InfoContext(ctx, "gate.session_ended", "session_id", sessionID, "reason", reason)
	return ended, nil
}

// RecordConsent stores a consent answer. The change is rolled back if its
// audit record cannot be written.
func (g *Gate) RecordConsent(ctx context.Context, sessionID, kind string, given bool) Decision {
	start := time.Now()
	unlock := g.locks.lock(sessionID)
	defer unlock()

	kind = strings.ToLower(strings.TrimSpace(kind))
	s, d, ok := g.live(ctx, sessionID, "record_consent")
	if !ok {
		return g.finish(ctx, start, d)
	}
	if s.Escalated {
		return g.finish(ctx, start, g.refuseEscalated(ctx, s, "record_consent"))
	}
	if kind == "" {
		return g.finish(ctx, start, denied(s.ID, "record_consent", ReasonUnknownOperation, ErrDenied))
	}
	updated, err := g.sessions.RecordConsent(ctx, s.ID, kind, given)
	if err != nil {
		return g.finish(ctx, start, g.sessionError(ctx, s, "record_consent", err))
	}
	if _, err := g.ledger.Append(ctx, audit.Entry{
		SessionID: s.ID,
		SubjectID: s.SubjectID,
		Action:    "record_consent",
		Decision:  audit.DecisionAllow,
		Level:     s.Level,
		Detail:    fmt.Sprintf("kind=%s given=%t", kind, given),
	}); err != nil {
		if _, rerr := g.sessions.RecordConsent(ctx, s.ID, kind, !given); rerr != nil {
			g.logger.ErrorContext(ctx, "gate.consent_rollback_failed", "session_id", s.ID, "error", rerr)
		}
		g.metrics.ObserveIndicator("audit_failure")
		return g.finish(ctx, start, denied(s.ID, "record_consent", ReasonAuditUnavailable, ErrAuditUnavailable))
	}
	msg := "Thank you, I've noted that."
	if !given {
		msg = "Understood, I won't proceed with anything that needs that consent."
	}
	return g.finish(ctx, start, Decision{
		Outcome:   OutcomeAllowed,
		Reason:    ReasonSatisfied,
		Message:   msg,
		SessionID: s.ID,
		Operation: "record_consent",
		Level:     updated.Level,
	})
}

// Status reports the session, advancing it through warning and expiry.
func (g *Gate) Status(ctx context.Context, sessionID string) (Status, error) {
	report, err := g.sessions.CheckExpiry(ctx, sessionID)
	if err != nil && !errors.Is(err, session.ErrEnded) {
		return Status{}, err
	}
	s, err := g.sessions.Get(ctx, sessionID)
	if err != nil {
		return Status{}, err
	}
	if s.Status == session.StatusEnded {
		report = session.ExpiryReport{State: session.ExpiryExpired}
	}
	st := Status{Session: s, Expiry: report}
	if ch, ok := g.verifier.Active(sessionID); ok {
		st.Challenge = challengeInfo(ch)
	}
	if p, ok := g.peekPending(sessionID); ok {
		st.Pending = p.req.Operation
	}
	return st, nil
}

// AuditTrail returns a session's records with chain fields removed.
func (g *Gate) AuditTrail(ctx context.Context, sessionID string) ([]audit.Record, error) {
	if _, err := g.sessions.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	recs, err := g.ledger.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]audit.Record, len(recs))
	for i, r := range recs {
		out[i] = r.Redacted()
	}
	return out, nil
}

// Requirement exposes the tier table to transports.
func (g *Gate) Requirement(op string) (authlevel.Requirement, error) {
	return g.table.Requirement(op)
}

func (g *Gate) onSessionExpired(s *session.Session) {
	ctx := context.Background()
	g.metrics.ObserveSessionEvent("expired")
	if _, err := g.ledger.Append(ctx, audit.Entry{
		SessionID: s.ID,
		SubjectID: s.SubjectID,
		Action:    "session_expired",
		Decision:  audit.DecisionAllow,
		Level:     s.Level,
		Kind:      audit.KindSession,
		Detail:    "reason=" + session.ReasonTimeout,
	}); err != nil {
		g.metrics.ObserveIndicator("audit_failure")
		g.logger.Error("gate.audit_failed", "session_id", s.ID, "action", "session_expired", "error", err)
	}
}

// onSessionEnd runs for every terminal transition. The live challenge and
// any pending operation die with the session.
func (g *Gate) onSessionEnd(s *session.Session) {
	g.verifier.DiscardSession(s.ID)
	g.clearPending(s.ID)
	g.metrics.ObserveSessionEvent("ended")
	if g.metrics != nil {
		g.metrics.ActiveSessions.Dec()
	}
}
