package gate

import (
	"errors"
	"time"

	"github.com/ent0n29/callguard/internal/authlevel"
	"github.com/ent0n29/callguard/internal/credential"
	"github.com/ent0n29/callguard/internal/session"
	"github.com/ent0n29/callguard/internal/tools"
)

var (
	ErrEscalated        = errors.New("session escalated; only handoff permitted")
	ErrDenied           = errors.New("operation denied")
	ErrAuditUnavailable = errors.New("audit ledger unavailable")
)

type Outcome string

const (
	OutcomeAllowed   Outcome = "allowed"
	OutcomeChallenge Outcome = "challenge"
	OutcomeDenied    Outcome = "denied"
	OutcomeEscalated Outcome = "escalated"
)

// Stable reason codes carried on every Decision.
const (
	ReasonSatisfied          = "satisfied"
	ReasonVerified           = "verified"
	ReasonAlreadyVerified    = "already_verified"
	ReasonClear              = "clear"
	ReasonStepUpRequired     = "step_up_required"
	ReasonChallengePending   = "challenge_pending"
	ReasonInvalidCredential  = "invalid_credential"
	ReasonChallengeExpired   = "challenge_expired"
	ReasonAttemptsExhausted  = "attempts_exhausted"
	ReasonCoolingDown        = "cooling_down"
	ReasonDeliveryFailed     = "delivery_failed"
	ReasonNoActiveChallenge  = "no_active_challenge"
	ReasonWrongFactor        = "wrong_factor"
	ReasonKnowledgeMissing   = "knowledge_unavailable"
	ReasonSubjectMismatch    = "subject_mismatch"
	ReasonSessionExpired     = "session_expired"
	ReasonSessionEnded       = "session_ended"
	ReasonSessionNotFound    = "session_not_found"
	ReasonEscalated          = "escalated"
	ReasonAuditUnavailable   = "audit_unavailable"
	ReasonConsentRequired    = "consent_required"
	ReasonUnknownOperation   = "unknown_operation"
	ReasonToolFailed         = "tool_failed"
	ReasonHandoffUnavailable = "handoff_unavailable"
	ReasonInternal           = "internal_error"
)

// ChallengeInfo is the caller-facing view of a live challenge. It never
// carries the code or its digest.
type ChallengeInfo struct {
	ID                string          `json:"challenge_id"`
	Kind              credential.Kind `json:"kind"`
	Step              authlevel.Step  `json:"step"`
	TargetLevel       authlevel.Level `json:"target_level"`
	Question          string          `json:"question,omitempty"`
	DeliveredTo       string          `json:"delivered_to,omitempty"`
	ExpiresAt         time.Time       `json:"expires_at"`
	AttemptsRemaining int             `json:"attempts_remaining"`
}

func challengeInfo(c credential.Challenge) *ChallengeInfo {
	step, _ := authlevel.StepFor(c.TargetLevel)
	return &ChallengeInfo{
		ID:                c.ID,
		Kind:              c.Kind,
		Step:              step,
		TargetLevel:       c.TargetLevel,
		Question:          c.Question,
		DeliveredTo:       c.DeliveredTo,
		ExpiresAt:         c.ExpiresAt,
		AttemptsRemaining: c.AttemptsRemaining,
	}
}

// Decision is the terminal answer to one gate request.
type Decision struct {
	Outcome           Outcome         `json:"outcome"`
	Reason            string          `json:"reason"`
	Message           string          `json:"message"`
	SessionID         string          `json:"session_id"`
	Operation         string          `json:"operation,omitempty"`
	Level             authlevel.Level `json:"level"`
	Required          authlevel.Level `json:"required_level"`
	Challenge         *ChallengeInfo  `json:"challenge,omitempty"`
	AttemptsRemaining *int            `json:"attempts_remaining,omitempty"`
	Markers           []string        `json:"markers,omitempty"`
	Result            *tools.Result   `json:"result,omitempty"`

	err error
}

// Err returns the sentinel behind a non-allowed decision, or nil.
func (d Decision) Err() error { return d.err }

func (d Decision) Allowed() bool { return d.Outcome == OutcomeAllowed }

// Status is the caller-facing view of a session.
type Status struct {
	Session   *session.Session     `json:"session"`
	Expiry    session.ExpiryReport `json:"expiry"`
	Challenge *ChallengeInfo       `json:"challenge,omitempty"`
	Pending   string               `json:"pending_operation,omitempty"`
}

// Request asks the gate to run one operation. SubjectID names the subject
// the caller is asking about, if any; it feeds the regression policy.
type Request struct {
	SessionID string         `json:"-"`
	Operation string         `json:"-"`
	SubjectID string         `json:"subject_id,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
}

var messages = map[string]string{
	ReasonSatisfied:          "Done.",
	ReasonVerified:           "Thanks, you're verified.",
	ReasonAlreadyVerified:    "You're already verified.",
	ReasonClear:              "",
	ReasonInvalidCredential:  "That didn't match. Please try again.",
	ReasonChallengeExpired:   "That code has expired. Let's start that step again.",
	ReasonAttemptsExhausted:  "I couldn't verify you, so I can't complete that request.",
	ReasonCoolingDown:        "Too many failed attempts. Please wait a moment before trying again.",
	ReasonDeliveryFailed:     "I couldn't send a verification code right now.",
	ReasonNoActiveChallenge:  "There is nothing to verify right now.",
	ReasonWrongFactor:        "That isn't what I asked for.",
	ReasonKnowledgeMissing:   "I can't complete that request over the phone.",
	ReasonSubjectMismatch:    "That doesn't match the account we're working with.",
	ReasonSessionExpired:     "This call session has timed out. Please start again.",
	ReasonSessionEnded:       "This call session has ended.",
	ReasonSessionNotFound:    "This call session has ended.",
	ReasonEscalated:          "I'll connect you with a staff member who can help with that.",
	ReasonAuditUnavailable:   "Something went wrong on our side. Please try again.",
	ReasonConsentRequired:    "I need your consent before I can do that.",
	ReasonUnknownOperation:   "I can't help with that request.",
	ReasonToolFailed:         "Something went wrong on our side. Please try again.",
	ReasonHandoffUnavailable: "I can't transfer this call.",
	ReasonInternal:           "Something went wrong on our side. Please try again.",
}

func messageFor(reason string) string {
	return messages[reason]
}

func stepMessage(c credential.Challenge) string {
	switch c.Kind {
	case credential.KindIdentity:
		return "Before I can help with that, I need to verify your identity."
	case credential.KindOneTimeCode:
		return "I've sent a verification code to " + c.DeliveredTo + ". Please read it back to me."
	case credential.KindKnowledge:
		return c.Question
	default:
		return "I need one more verification step."
	}
}
