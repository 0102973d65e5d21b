package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/ent0n29/callguard/internal/authlevel"
)

// GenesisHash seeds the chain; the first record's PrevHash is always this.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

type Decision string

const (
	DecisionAllow           Decision = "ALLOW"
	DecisionDeny            Decision = "DENY"
	DecisionChallengeIssued Decision = "CHALLENGE_ISSUED"
	DecisionEscalate        Decision = "ESCALATE"
)

// Kind separates gate decisions from the other events the ledger carries.
type Kind string

const (
	KindDecision     Kind = "decision"
	KindAccess       Kind = "access"
	KindVerification Kind = "verification"
	KindSession      Kind = "session"
)

// Entry is what callers ask the ledger to write. Sequence, identity, time,
// retention and hashes are assigned by the ledger.
type Entry struct {
	SessionID             string
	SubjectID             string
	Action                string
	ResourceType          string
	ResourceID            string
	Decision              Decision
	Level                 authlevel.Level
	SensitiveDataAccessed bool
	Kind                  Kind
	Detail                string
}

type Record struct {
	Seq                   int64           `json:"seq"`
	RecordID              string          `json:"record_id"`
	Timestamp             time.Time       `json:"timestamp"`
	SessionID             string          `json:"session_id"`
	SubjectID             string          `json:"subject_id,omitempty"`
	Action                string          `json:"action"`
	ResourceType          string          `json:"resource_type,omitempty"`
	ResourceID            string          `json:"resource_id,omitempty"`
	Decision              Decision        `json:"decision"`
	Level                 authlevel.Level `json:"level_at_decision"`
	SensitiveDataAccessed bool            `json:"sensitive_data_accessed"`
	Kind                  Kind            `json:"kind"`
	Detail                string          `json:"detail,omitempty"`
	RetainUntil           time.Time       `json:"retain_until"`
	PrevHash              string          `json:"prev_hash"`
	IntegrityHash         string          `json:"integrity_hash"`
}

// Redacted drops the chain fields before a record leaves for a caller-facing surface.
func (r Record) Redacted() Record {
	r.PrevHash = ""
	r.IntegrityHash = ""
	return r
}

// ComputeHash hashes every field except IntegrityHash, PrevHash last. The
// field list is a JSON array so no separator can be smuggled inside a value.
func ComputeHash(r Record) string {
	fields := []any{
		r.Seq,
		r.RecordID,
		r.Timestamp.UTC().Format(time.RFC3339Nano),
		r.SessionID,
		r.SubjectID,
		r.Action,
		r.ResourceType,
		r.ResourceID,
		string(r.Decision),
		int(r.Level),
		r.SensitiveDataAccessed,
		string(r.Kind),
		r.Detail,
		r.RetainUntil.UTC().Format(time.RFC3339Nano),
	}
	data, _ := json.Marshal(fields)
	sum := sha256.Sum256(append(data, r.PrevHash...))
	return hex.EncodeToString(sum[:])
}
