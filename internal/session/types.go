package session

import (
	"slices"
	"time"

	"github.com/ent0n29/callguard/internal/authlevel"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
	StatusExpired Status = "expired"
)

// Termination reasons recorded on ended sessions.
const (
	ReasonHangup  = "hangup"
	ReasonTimeout = "timeout"
	ReasonHandoff = "handoff"
)

// Session is a snapshot. The Manager hands out copies; mutating one has no
// effect on the live table.
type Session struct {
	ID                string          `json:"session_id"`
	SubjectID         string          `json:"subject_id,omitempty"`
	Level             authlevel.Level `json:"level"`
	Status            Status          `json:"status"`
	Channel           string          `json:"channel,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	LastActivityAt    time.Time       `json:"last_activity_at"`
	ExpiresAt         time.Time       `json:"expires_at"`
	WarningIssued     bool            `json:"warning_issued"`
	Consents          []string        `json:"consents,omitempty"`
	Escalated         bool            `json:"escalated"`
	EscalationMarkers []string        `json:"escalation_markers,omitempty"`
	EndReason         string          `json:"end_reason,omitempty"`
	EndedAt           *time.Time      `json:"ended_at,omitempty"`
	Version           int64           `json:"version"`
}

// Standing reports the session as the level check sees it at now. A session
// past ExpiresAt is expired even if the janitor has not visited it yet.
func (s *Session) Standing(now time.Time) authlevel.Standing {
	return authlevel.Standing{
		Level:   s.Level,
		Expired: s.Status == StatusExpired || (s.Status == StatusActive && !now.Before(s.ExpiresAt)),
		Closed:  s.Status == StatusEnded,
	}
}

func (s *Session) HasConsent(kind string) bool {
	_, found := slices.BinarySearch(s.Consents, kind)
	return found
}

func (s *Session) Terminal() bool {
	return s.Status != StatusActive
}

func clone(s *Session) *Session {
	c := *s
	c.Consents = slices.Clone(s.Consents)
	c.EscalationMarkers = slices.Clone(s.EscalationMarkers)
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// Expiry is the result of a validity-window check.
type Expiry string

const (
	ExpiryActive  Expiry = "active"
	ExpiryWarning Expiry = "warning"
	ExpiryExpired Expiry = "expired"
)

// ExpiryReport is returned by CheckExpiry. FirstWarning is true only on the
// check that moved the session into its warning window.
type ExpiryReport struct {
	State        Expiry        `json:"state"`
	Remaining    time.Duration `json:"-"`
	RemainingMS  int64         `json:"remaining_ms"`
	FirstWarning bool          `json:"first_warning"`
}

// CreateRequest defines payload for creating a new session.
type CreateRequest struct {
	Channel string `json:"channel" validate:"omitempty,max=256"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string          `json:"session_id"`
	Status          Status          `json:"status"`
	Level           authlevel.Level `json:"level"`
	CreatedAt       time.Time       `json:"created_at"`
	ExpiresAt       time.Time       `json:"expires_at"`
	InactivityTTLMS int64           `json:"inactivity_ttl_ms"`
}
