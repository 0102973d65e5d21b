// Package gate is the single entry point for caller requests. It composes
// the escalation monitor, the tier table, the credential verifier, the
// session manager and the audit ledger into one decision per request.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/callguard/internal/audit"
	"github.com/ent0n29/callguard/internal/authlevel"
	"github.com/ent0n29/callguard/internal/credential"
	"github.com/ent0n29/callguard/internal/observability"
	"github.com/ent0n29/callguard/internal/policy"
	"github.com/ent0n29/callguard/internal/session"
	"github.com/ent0n29/callguard/internal/tools"
)

type Config struct {
	Table    *authlevel.Table
	Registry *tools.Registry
	// HandoffOperation is the one operation an escalated session may run.
	// Empty disables handoff.
	HandoffOperation string
	Regression       authlevel.RegressionPolicy
}

type Option func(*Gate)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(g *Gate) { g.metrics = metrics }
}

// pendingOp is the operation that triggered the live step-up; a successful
// verification resumes it.
type pendingOp struct {
	req      Request
	required authlevel.Level
}

type Gate struct {
	table      *authlevel.Table
	registry   *tools.Registry
	handoffOp  string
	regression authlevel.RegressionPolicy

	sessions *session.Manager
	verifier *credential.Verifier
	ledger   *audit.Ledger
	monitor  *policy.Monitor

	logger  *slog.Logger
	metrics *observability.Metrics
	locks   *sessionLocks

	pendingMu sync.Mutex
	pending   map[string]pendingOp
}

// New validates that every declared operation has a tool (and the reverse)
// before the gate will accept traffic, then hooks session termination so
// live challenges die with their session.
func New(cfg Config, sessions *session.Manager, verifier *credential.Verifier, ledger *audit.Ledger, monitor *policy.Monitor, opts ...Option) (*Gate, error) {
	if cfg.Table == nil || cfg.Registry == nil {
		return nil, errors.New("gate requires an operation table and a tool registry")
	}
	if sessions == nil || verifier == nil || ledger == nil {
		return nil, errors.New("gate requires a session manager, verifier and ledger")
	}
	if err := cfg.Registry.Validate(cfg.Table); err != nil {
		return nil, err
	}
	if cfg.HandoffOperation != "" {
		req, err := cfg.Table.Requirement(cfg.HandoffOperation)
		if err != nil {
			return nil, fmt.Errorf("handoff operation: %w", err)
		}
		if req.Level != authlevel.None {
			return nil, fmt.Errorf("handoff operation %q must require level 0, got %s", cfg.HandoffOperation, req.Level)
		}
	}
	if cfg.Regression == nil {
		cfg.Regression = authlevel.NoRegression
	}
	g := &Gate{
		table:      cfg.Table,
		registry:   cfg.Registry,
		handoffOp:  cfg.HandoffOperation,
		regression: cfg.Regression,
		sessions:   sessions,
		verifier:   verifier,
		ledger:     ledger,
		monitor:    monitor,
		logger:     slog.Default(),
		locks:      newSessionLocks(),
		pending:    make(map[string]pendingOp),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "gate")

	sessions.SetExpireHook(g.onSessionExpired)
	sessions.AddEndHook(g.onSessionEnd)
	return g, nil
}

// Start opens a session at level 0. A session whose opening record cannot be
// written is ended immediately.
func (g *Gate) Start(ctx context.Context, channel string) (*session.Session, error) {
	s, err := g.sessions.Create(ctx, channel)
	if err != nil {
		return nil, err
	}
	if _, err := g.ledger.Append(ctx, audit.Entry{
		SessionID: s.ID,
		Action:    "session_started",
		Decision:  audit.DecisionAllow,
		Level:     s.Level,
		Kind:      audit.KindSession,
		Detail:    channelDetail(channel),
	}); err != nil {
		if _, terr := g.sessions.Terminate(context.WithoutCancel(ctx), s.ID, session.ReasonHangup); terr != nil {
			g.logger.WarnContext(ctx, "gate.start_rollback_failed", "session_id", s.ID, "error", terr)
		}
		return nil, fmt.Errorf("%w: %v", ErrAuditUnavailable, err)
	}
	g.metrics.ObserveSessionEvent("started")
	if g.metrics != nil {
		g.metrics.ActiveSessions.Inc()
	}
	g.logger.InfoContext(ctx, "gate.session_started", "session_id", s.ID, "channel", channel)
	return s, nil
}

// Authorize runs one operation through escalation, expiry, regression,
// level and consent checks, executing the tool only when all pass and the
// ALLOW record is durable.
func (g *Gate) Authorize(ctx context.Context, req Request) Decision {
	start := time.Now()
	unlock := g.locks.lock(req.SessionID)
	defer unlock()

	d := g.authorizeLocked(ctx, req)
	return g.finish(ctx, start, d)
}

func (g *Gate) authorizeLocked(ctx context.Context, req Request) Decision {
	s, d, ok := g.live(ctx, req.SessionID, req.Operation)
	if !ok {
		return d
	}

	if s.Escalated && req.Operation != g.handoffOp {
		return g.refuseEscalated(ctx, s, req.Operation)
	}

	levelStart := time.Now()
	rq, err := g.table.Requirement(req.Operation)
	if err != nil {
		return g.deny(ctx, s, req.Operation, rq, ReasonUnknownOperation, ErrDenied)
	}

	if g.regression(authlevel.RegressionInput{
		Operation:        req.Operation,
		Level:            s.Level,
		SubjectID:        s.SubjectID,
		RequestedSubject: req.SubjectID,
	}) {
		reset, d, ok := g.resetLevel(ctx, s, req.Operation)
		if !ok {
			return d
		}
		s = reset
	}

	satisfied := g.table.IsSatisfied(s.Standing(g.sessions.Now()), req.Operation)
	g.metrics.ObserveDecisionStage(observability.StageLevelCheck, time.Since(levelStart))
	if !satisfied {
		return g.stepUp(ctx, s, req, rq)
	}

	if rq.RequiresConsent != "" && !s.HasConsent(rq.RequiresConsent) {
		d := g.deny(ctx, s, req.Operation, rq, ReasonConsentRequired, ErrDenied)
		d.Message = fmt.Sprintf("I need your %s consent before I can do that.", strings.ReplaceAll(rq.RequiresConsent, "_", " "))
		return d
	}
	return g.execute(ctx, s, req, rq)
}

// live loads the session and fails closed on anything but an active,
// unexpired session. An expired session is moved to its terminal state here
// so the expiry is audited even if the janitor has not run.
func (g *Gate) live(ctx context.Context, sessionID, op string) (*session.Session, Decision, bool) {
	s, err := g.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, denied(sessionID, op, ReasonSessionNotFound, session.ErrNotFound), false
		}
		g.logger.ErrorContext(ctx, "gate.session_load_failed", "session_id", sessionID, "error", err)
		return nil, denied(sessionID, op, ReasonInternal, err), false
	}
	st := s.Standing(g.sessions.Now())
	switch {
	case st.Closed:
		return nil, denied(sessionID, op, ReasonSessionEnded, session.ErrEnded), false
	case st.Expired:
		if _, err := g.sessions.CheckExpiry(ctx, sessionID); err != nil {
			g.logger.WarnContext(ctx, "gate.expire_failed", "session_id", sessionID, "error", err)
		}
		d := g.deny(ctx, s, op, authlevel.Requirement{}, ReasonSessionExpired, session.ErrExpired)
		return nil, d, false
	}
	return s, Decision{}, true
}

func (g *Gate) refuseEscalated(ctx context.Context, s *session.Session, op string) Decision {
	rq, _ := g.table.Requirement(op)
	d := Decision{
		Outcome:   OutcomeEscalated,
		Reason:    ReasonEscalated,
		Message:   messageFor(ReasonEscalated),
		SessionID: s.ID,
		Operation: op,
		Level:     s.Level,
		Required:  rq.Level,
		Markers:   s.EscalationMarkers,
		err:       ErrEscalated,
	}
	if _, err := g.ledger.Append(ctx, audit.Entry{
		SessionID:    s.ID,
		SubjectID:    s.SubjectID,
		Action:       op,
		ResourceType: rq.ResourceType,
		Decision:     audit.DecisionEscalate,
		Level:        s.Level,
		Detail:       "reason=" + ReasonEscalated,
	}); err != nil {
		g.logger.ErrorContext(ctx, "gate.audit_failed", "session_id", s.ID, "operation", op, "error", err)
	}
	return d
}

// resetLevel applies the regression policy: the session drops to tier 0, its
// subject is unbound and any live challenge is discarded.
func (g *Gate) resetLevel(ctx context.Context, s *session.Session, op string) (*session.Session, Decision, bool) {
	reset, err := g.sessions.ResetLevel(ctx, s.ID)
	if err != nil {
		return nil, g.sessionError(ctx, s, op, err), false
	}
	g.verifier.DiscardSession(s.ID)
	g.clearPending(s.ID)
	if _, err := g.ledger.Append(ctx, audit.Entry{
		SessionID: s.ID,
		SubjectID: s.SubjectID,
		Action:    "level_reset",
		Decision:  audit.DecisionAllow,
		Level:     authlevel.None,
		Kind:      audit.KindSession,
		Detail:    fmt.Sprintf("operation=%s from_level=%d", op, s.Level),
	}); err != nil {
		return nil, denied(s.ID, op, ReasonAuditUnavailable, ErrAuditUnavailable), false
	}
	g.metrics.ObserveSessionEvent("level_reset")
	g.logger.InfoContext(ctx, "gate.level_reset", "session_id", s.ID, "operation", op, "from_level", s.Level.String())
	return reset, Decision{}, true
}

// stepUp issues the challenge for the next tier toward the operation's
// requirement. Tiers are climbed one at a time; a live challenge for the same
// tier is reused rather than duplicated.
func (g *Gate) stepUp(ctx context.Context, s *session.Session, req Request, rq authlevel.Requirement) Decision {
	g.setPending(s.ID, pendingOp{req: req, required: rq.Level})
	d := g.issue(ctx, s, req.Operation, rq)
	if d.Outcome != OutcomeChallenge {
		g.clearPending(s.ID)
	}
	return d
}

func (g *Gate) issue(ctx context.Context, s *session.Session, op string, rq authlevel.Requirement) Decision {
	start := time.Now()
	target := s.Level + 1
	ch, issued, err := g.verifier.Issue(ctx, credential.IssueRequest{
		SessionID:   s.ID,
		SubjectID:   s.SubjectID,
		TargetLevel: target,
	})
	g.metrics.ObserveDecisionStage(observability.StageChallengeIssue, time.Since(start))
	if err != nil {
		reason := ReasonInternal
		switch {
		case errors.Is(err, credential.ErrCoolingDown):
			reason = ReasonCoolingDown
		case errors.Is(err, credential.ErrDeliveryFailed):
			reason = ReasonDeliveryFailed
			g.metrics.ObserveIndicator("delivery_failure")
		case errors.Is(err, credential.ErrNoKnowledgeFactor):
			reason = ReasonKnowledgeMissing
		default:
			g.logger.ErrorContext(ctx, "gate.challenge_issue_failed", "session_id", s.ID, "error", err)
		}
		d := g.deny(ctx, s, op, rq, reason, err)
		d.Required = rq.Level
		return d
	}

	d := Decision{
		Outcome:   OutcomeChallenge,
		Reason:    ReasonStepUpRequired,
		Message:   stepMessage(ch),
		SessionID: s.ID,
		Operation: op,
		Level:     s.Level,
		Required:  rq.Level,
		Challenge: challengeInfo(ch),
	}
	if !issued {
		d.Reason = ReasonChallengePending
		return d
	}
	if _, err := g.ledger.Append(ctx, audit.Entry{
		SessionID:    s.ID,
		SubjectID:    s.SubjectID,
		Action:       op,
		ResourceType: rq.ResourceType,
		Decision:     audit.DecisionChallengeIssued,
		Level:        s.Level,
		Detail:       fmt.Sprintf("kind=%s target_level=%d", ch.Kind, ch.TargetLevel),
	}); err != nil {
		// An unaudited challenge must not stay answerable.
		g.verifier.DiscardSession(s.ID)
		g.metrics.ObserveIndicator("audit_failure")
		return denied(s.ID, op, ReasonAuditUnavailable, ErrAuditUnavailable)
	}
	return d
}

// execute makes the ALLOW record durable, touches the session, then runs the
// tool. Sensitive results are handed back only once their access record is
// written.
func (g *Gate) execute(ctx context.Context, s *session.Session, req Request, rq authlevel.Requirement) Decision {
	tool, err := g.registry.Get(req.Operation)
	if err != nil {
		return g.deny(ctx, s, req.Operation, rq, ReasonUnknownOperation, ErrDenied)
	}
	if _, err := g.ledger.Append(ctx, audit.Entry{
		SessionID:             s.ID,
		SubjectID:             s.SubjectID,
		Action:                req.Operation,
		ResourceType:          rq.ResourceType,
		Decision:              audit.DecisionAllow,
		Level:                 s.Level,
		SensitiveDataAccessed: rq.Sensitive,
	}); err != nil {
		g.metrics.ObserveIndicator("audit_failure")
		return denied(s.ID, req.Operation, ReasonAuditUnavailable, ErrAuditUnavailable)
	}
	// Only an audited request extends the session.
	touched, err := g.sessions.Touch(ctx, s.ID)
	if err != nil {
		return g.sessionError(ctx, s, req.Operation, err)
	}

	toolStart := time.Now()
	res, err := tool.Invoke(ctx, tools.Call{
		SessionID: s.ID,
		SubjectID: touched.SubjectID,
		Operation: req.Operation,
		Args:      req.Args,
	})
	g.metrics.ObserveDecisionStage(observability.StageToolInvoke, time.Since(toolStart))
	if err != nil {
		g.logger.ErrorContext(ctx, "gate.tool_failed", "session_id", s.ID, "operation", req.Operation, "error", err)
		return denied(s.ID, req.Operation, ReasonToolFailed, err)
	}

	if res.SensitiveDataAccessed || res.ResourceID != "" {
		if _, err := g.ledger.Append(ctx, audit.Entry{
			SessionID:             s.ID,
			SubjectID:             touched.SubjectID,
			Action:                req.Operation,
			ResourceType:          rq.ResourceType,
			ResourceID:            res.ResourceID,
			Decision:              audit.DecisionAllow,
			Level:                 touched.Level,
			SensitiveDataAccessed: res.SensitiveDataAccessed,
			Kind:                  audit.KindAccess,
		}); err != nil {
			g.metrics.ObserveIndicator("audit_failure")
			return denied(s.ID, req.Operation, ReasonAuditUnavailable, ErrAuditUnavailable)
		}
	}

	return Decision{
		Outcome:   OutcomeAllowed,
		Reason:    ReasonSatisfied,
		Message:   messageFor(ReasonSatisfied),
		SessionID: s.ID,
		Operation: req.Operation,
		Level:     touched.Level,
		Required:  rq.Level,
		Result:    &res,
	}
}

// deny records a DENY and returns the matching decision. A failed DENY write
// is logged; the outcome is a denial either way.
func (g *Gate) deny(ctx context.Context, s *session.Session, op string, rq authlevel.Requirement, reason string, cause error) Decision {
	if _, err := g.ledger.Append(ctx, audit.Entry{
		SessionID:    s.ID,
		SubjectID:    s.SubjectID,
		Action:       op,
		ResourceType: rq.ResourceType,
		Decision:     audit.DecisionDeny,
		Level:        s.Level,
		Detail:       "reason=" + reason,
	}); err != nil {
		g.metrics.ObserveIndicator("audit_failure")
		g.logger.ErrorContext(ctx, "gate.audit_failed", "session_id", s.ID, "operation", op, "error", err)
	}
	d := denied(s.ID, op, reason, cause)
	d.Level = s.Level
	d.Required = rq.Level
	return d
}

// sessionError maps a session manager failure mid-request.
func (g *Gate) sessionError(ctx context.Context, s *session.Session, op string, err error) Decision {
	switch {
	case errors.Is(err, session.ErrExpired):
		return denied(s.ID, op, ReasonSessionExpired, session.ErrExpired)
	case errors.Is(err, session.ErrEnded):
		return denied(s.ID, op, ReasonSessionEnded, session.ErrEnded)
	case errors.Is(err, session.ErrSubjectMismatch):
		return g.deny(ctx, s, op, authlevel.Requirement{}, ReasonSubjectMismatch, err)
	default:
		g.logger.ErrorContext(ctx, "gate.session_update_failed", "session_id", s.ID, "operation", op, "error", err)
		return denied(s.ID, op, ReasonInternal, err)
	}
}

func denied(sessionID, op, reason string, cause error) Decision {
	if cause == nil {
		cause = ErrDenied
	}
	return Decision{
		Outcome:   OutcomeDenied,
		Reason:    reason,
		Message:   messageFor(reason),
		SessionID: sessionID,
		Operation: op,
		err:       cause,
	}
}

func (g *Gate) finish(ctx context.Context, start time.Time, d Decision) Decision {
	g.metrics.ObserveDecisionStage(observability.StageDecisionTotal, time.Since(start))
	op := d.Operation
	if op == "" {
		op = "none"
	}
	g.metrics.ObserveDecision(op, string(d.Outcome))
	level := slog.LevelInfo
	if d.Outcome == OutcomeDenied && d.Reason == ReasonAuditUnavailable {
		level = slog.LevelError
	}
	g.logger.Log(ctx, level, "gate.decision",
		"session_id", d.SessionID,
		"operation", d.Operation,
		"outcome", string(d.Outcome),
		"reason", d.Reason,
		"level", d.Level.String(),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return d
}

func (g *Gate) setPending(sessionID string, p pendingOp) {
	g.pendingMu.Lock()
	g.pending[sessionID] = p
	g.pendingMu.Unlock()
}

func (g *Gate) takePending(sessionID string) (pendingOp, bool) {
	g.pendingMu.Lock()
	defer g.pendingMu.Unlock()
	p, ok := g.pending[sessionID]
	delete(g.pending, sessionID)
	return p, ok
}

func (g *Gate) peekPending(sessionID string) (pendingOp, bool) {
	g.pendingMu.Lock()
	defer g.pendingMu.Unlock()
	p, ok := g.pending[sessionID]
	return p, ok
}

func (g *Gate) clearPending(sessionID string) {
	g.pendingMu.Lock()
	delete(g.pending, sessionID)
	g.pendingMu.Unlock()
}

func channelDetail(channel string) string {
	if channel == "" {
		return ""
	}
	return "channel=" + channel
}
