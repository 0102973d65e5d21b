package credential

import (
	"errors"
	"time"

	"github.com/ent0n29/callguard/internal/authlevel"
)

var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrChallengeExpired  = errors.New("challenge expired")
	ErrAttemptsExhausted = errors.New("verification attempts exhausted")
	ErrCoolingDown       = errors.New("verification locked during cool-down")
	ErrDeliveryFailed    = errors.New("one-time code delivery failed")
	ErrNoChallenge       = errors.New("no active challenge for session")
	ErrWrongFactor       = errors.New("presented factor does not answer the active challenge")
	ErrSubjectRequired   = errors.New("step-up requires an identified subject")
	ErrNoKnowledgeFactor = errors.New("subject has no knowledge factor on file")
)

type Kind string

const (
	KindIdentity    Kind = "identity"
	KindOneTimeCode Kind = "one_time_code"
	KindKnowledge   Kind = "knowledge"
)

// KindFor maps the next step toward a tier onto the factor that proves it.
func KindFor(step authlevel.Step) Kind {
	switch step {
	case authlevel.StepIdentify:
		return KindIdentity
	case authlevel.StepOneTimeCode:
		return KindOneTimeCode
	default:
		return KindKnowledge
	}
}

// Identity modes accepted for a Level 1 proof.
const (
	IdentityAny     = "any"
	IdentityPhone   = "phone"
	IdentityNameDOB = "name_dob"
)

// Challenge is an in-flight step-up. SecretRef is a digest of the issued
// code; the code itself is only ever handed to the delivery relay.
type Challenge struct {
	ID                string          `json:"challenge_id"`
	SessionID         string          `json:"session_id"`
	SubjectID         string          `json:"subject_id,omitempty"`
	Kind              Kind            `json:"kind"`
	TargetLevel       authlevel.Level `json:"target_level"`
	SecretRef         []byte          `json:"-"`
	FactorKey         string          `json:"-"`
	Question          string          `json:"question,omitempty"`
	DeliveredTo       string          `json:"delivered_to,omitempty"`
	IssuedAt          time.Time       `json:"issued_at"`
	ExpiresAt         time.Time       `json:"expires_at"`
	AttemptsRemaining int             `json:"attempts_remaining"`
}

type IssueRequest struct {
	SessionID   string
	SubjectID   string
	TargetLevel authlevel.Level
}

// Presented carries whatever the caller offered. Identity challenges read
// Phone or the name+DOB triple; the others read Value.
type Presented struct {
	Kind      Kind   `json:"kind,omitempty"`
	Value     string `json:"value,omitempty"`
	Phone     string `json:"phone,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	DOB       string `json:"dob,omitempty"`
}

type Outcome string

const (
	OutcomeSuccess           Outcome = "success"
	OutcomeFailure           Outcome = "failure"
	OutcomeExpired           Outcome = "expired"
	OutcomeAttemptsExhausted Outcome = "attempts_exhausted"
)

// Result is the verdict on one presented factor. Level is the tier the
// factor proves and is only set on success.
type Result struct {
	Outcome           Outcome         `json:"outcome"`
	Kind              Kind            `json:"kind"`
	ChallengeID       string          `json:"challenge_id,omitempty"`
	Level             authlevel.Level `json:"level"`
	SubjectID         string          `json:"subject_id,omitempty"`
	Reason            string          `json:"reason,omitempty"`
	AttemptsRemaining int             `json:"attempts_remaining"`
}
