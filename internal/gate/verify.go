package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ent0n29/callguard/internal/audit"
	"github.com/ent0n29/callguard/internal/authlevel"
	"github.com/ent0n29/callguard/internal/credential"
	"github.com/ent0n29/callguard/internal/session"
)

// Identify answers the level 1 step. A caller who volunteers identity
// before asking for anything gets an identity challenge opened on the spot.
func (g *Gate) Identify(ctx context.Context, sessionID string, p credential.Presented) Decision {
	start := time.Now()
	unlock := g.locks.lock(sessionID)
	defer unlock()

	s, d, ok := g.live(ctx, sessionID, "identify")
	if !ok {
		return g.finish(ctx, start, d)
	}
	if s.Escalated {
		return g.finish(ctx, start, g.refuseEscalated(ctx, s, "identify"))
	}
	p.Kind = credential.KindIdentity
	if _, active := g.verifier.Active(sessionID); !active {
		if s.Level >= authlevel.Light {
			return g.finish(ctx, start, Decision{
				Outcome:   OutcomeAllowed,
				Reason:    ReasonAlreadyVerified,
				Message:   messageFor(ReasonAlreadyVerified),
				SessionID: s.ID,
				Level:     s.Level,
			})
		}
		if d := g.issue(ctx, s, "identify", authlevel.Requirement{Operation: "identify", Level: authlevel.Light}); d.Outcome != OutcomeChallenge {
			return g.finish(ctx, start, d)
		}
	}
	return g.finish(ctx, start, g.verifyLocked(ctx, s, p))
}

// SubmitVerification answers the live challenge with a one-time code or a
// knowledge answer (or identity factors). On success the level is raised
// and the operation that triggered the step-up is re-evaluated.
func (g *Gate) SubmitVerification(ctx context.Context, sessionID string, p credential.Presented) Decision {
	start := time.Now()
	unlock := g.locks.lock(sessionID)
	defer unlock()

	s, d, ok := g.live(ctx, sessionID, "verify")
	if !ok {
		return g.finish(ctx, start, d)
	}
	if s.Escalated {
		return g.finish(ctx, start, g.refuseEscalated(ctx, s, "verify"))
	}
	return g.finish(ctx, start, g.verifyLocked(ctx, s, p))
}

func (g *Gate) verifyLocked(ctx context.Context, s *session.Session, p credential.Presented) Decision {
	res, verr := g.verifier.Verify(ctx, s.ID, p)
	if verr != nil && res.Outcome == "" {
		g.logger.ErrorContext(ctx, "gate.verify_failed", "session_id", s.ID, "error", verr)
		return denied(s.ID, "verify", ReasonInternal, verr)
	}

	action := verifyAction(res.Kind, p.Kind)
	subjectID := res.SubjectID
	if subjectID == "" {
		subjectID = s.SubjectID
	}
	entry := audit.Entry{
		SessionID: s.ID,
		SubjectID: subjectID,
		Action:    action,
		Decision:  audit.DecisionDeny,
		Level:     s.Level,
		Kind:      audit.KindVerification,
		Detail:    fmt.Sprintf("outcome=%s", res.Outcome),
	}
	if res.Reason != "" {
		entry.Detail += " reason=" + res.Reason
	}
	if res.Outcome == credential.OutcomeSuccess {
		entry.Decision = audit.DecisionAllow
		entry.Level = res.Level
	}
	if _, err := g.ledger.Append(ctx, entry); err != nil {
		g.metrics.ObserveIndicator("audit_failure")
		if res.Outcome == credential.OutcomeSuccess {
			// No unaudited level gain; the step has to be repeated.
			g.verifier.DiscardSession(s.ID)
			g.clearPending(s.ID)
			return denied(s.ID, action, ReasonAuditUnavailable, ErrAuditUnavailable)
		}
		g.logger.ErrorContext(ctx, "gate.audit_failed", "session_id", s.ID, "action", action, "error", err)
	}

	if verr != nil {
		return g.verificationFailed(ctx, s, res, verr)
	}

	raised, err := g.sessions.RaiseLevel(ctx, s.ID, res.SubjectID, res.Level)
	if err != nil {
		g.clearPending(s.ID)
		return g.sessionError(ctx, s, action, err)
	}
	g.metrics.ObserveSessionEvent("verified")
	g.logger.InfoContext(ctx, "gate.level_raised", "session_id", s.ID, "level", raised.Level.String(), "kind", string(res.Kind))

	pending, ok := g.takePending(s.ID)
	if !ok {
		return Decision{
			Outcome:   OutcomeAllowed,
			Reason:    ReasonVerified,
			Message:   messageFor(ReasonVerified),
			SessionID: s.ID,
			Operation: action,
			Level:     raised.Level,
		}
	}
	// A waiting request about another subject is dropped, not replayed.
	if g.regression(authlevel.RegressionInput{
		Operation:        pending.req.Operation,
		Level:            raised.Level,
		SubjectID:        raised.SubjectID,
		RequestedSubject: pending.req.SubjectID,
	}) {
		rq, _ := g.table.Requirement(pending.req.Operation)
		return g.deny(ctx, raised, pending.req.Operation, rq, ReasonSubjectMismatch, session.ErrSubjectMismatch)
	}
	// Re-evaluate from current state: the operation may need another tier.
	return g.authorizeLocked(ctx, pending.req)
}

func (g *Gate) verificationFailed(ctx context.Context, s *session.Session, res credential.Result, verr error) Decision {
	action := verifyAction(res.Kind, "")
	switch {
	case errors.Is(verr, credential.ErrInvalidCredential):
		d := denied(s.ID, action, ReasonInvalidCredential, verr)
		d.Level = s.Level
		left := res.AttemptsRemaining
		d.AttemptsRemaining = &left
		if left == 1 {
			d.Message = "That didn't match. You have 1 attempt left."
		} else {
			d.Message = fmt.Sprintf("That didn't match. You have %d attempts left.", left)
		}
		if ch, ok := g.verifier.Active(s.ID); ok {
			d.Challenge = challengeInfo(ch)
		}
		return d
	case errors.Is(verr, credential.ErrWrongFactor):
		d := denied(s.ID, action, ReasonWrongFactor, verr)
		d.Level = s.Level
		if ch, ok := g.verifier.Active(s.ID); ok {
			d.Challenge = challengeInfo(ch)
			d.Message = stepMessage(ch)
		}
		return d
	case errors.Is(verr, credential.ErrNoChallenge):
		d := denied(s.ID, action, ReasonNoActiveChallenge, verr)
		d.Level = s.Level
		return d
	case errors.Is(verr, credential.ErrChallengeExpired):
		return g.denyPending(ctx, s, action, ReasonChallengeExpired, verr)
	case errors.Is(verr, credential.ErrAttemptsExhausted):
		d := g.denyPending(ctx, s, action, ReasonAttemptsExhausted, verr)
		zero := 0
		d.AttemptsRemaining = &zero
		return d
	default:
		return denied(s.ID, action, ReasonInternal, verr)
	}
}

// denyPending closes out the operation that was waiting on a challenge which
// can no longer succeed.
func (g *Gate) denyPending(ctx context.Context, s *session.Session, action, reason string, cause error) Decision {
	pending, ok := g.takePending(s.ID)
	if !ok {
		d := denied(s.ID, action, reason, cause)
		d.Level = s.Level
		return d
	}
	rq, _ := g.table.Requirement(pending.req.Operation)
	return g.deny(ctx, s, pending.req.Operation, rq, reason, cause)
}

func verifyAction(kind, presented credential.Kind) string {
	if kind == "" {
		kind = presented
	}
	if kind == "" {
		return "verify"
	}
	return "verify_" + string(kind)
}
