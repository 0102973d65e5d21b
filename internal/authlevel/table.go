package authlevel

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrUnknownOperation = errors.New("unknown operation")

// Requirement is one row of a domain's operation table.
type Requirement struct {
	Operation       string
	Level           Level
	ResourceType    string
	Sensitive       bool
	RequiresConsent string
}

// Standing is the slice of session state the level check reads.
type Standing struct {
	Level   Level
	Expired bool
	Closed  bool
}

// Table is immutable after construction and safe for concurrent use.
type Table struct {
	reqs map[string]Requirement
}

func NewTable(reqs []Requirement) (*Table, error) {
	t := &Table{reqs: make(map[string]Requirement, len(reqs))}
	for _, r := range reqs {
		name := strings.TrimSpace(r.Operation)
		if name == "" {
			return nil, errors.New("operation name must not be empty")
		}
		if !r.Level.Valid() {
			return nil, fmt.Errorf("operation %q: %s out of range", name, r.Level)
		}
		if _, dup := t.reqs[name]; dup {
			return nil, fmt.Errorf("operation %q declared twice", name)
		}
		r.Operation = name
		t.reqs[name] = r
	}
	if len(t.reqs) == 0 {
		return nil, errors.New("operation table is empty")
	}
	return t, nil
}

func (t *Table) Requirement(op string) (Requirement, error) {
	r, ok := t.reqs[op]
	if !ok {
		return Requirement{}, fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}
	return r, nil
}

func (t *Table) RequiredLevel(op string) (Level, error) {
	r, err := t.Requirement(op)
	if err != nil {
		return None, err
	}
	return r.Level, nil
}

// IsSatisfied fails closed: unknown operations and expired or closed sessions
// never satisfy. Expiry dominates level, including for tier-0 operations.
func (t *Table) IsSatisfied(st Standing, op string) bool {
	if st.Expired || st.Closed {
		return false
	}
	required, err := t.RequiredLevel(op)
	if err != nil {
		return false
	}
	if required == None {
		return true
	}
	return st.Level >= required
}

func (t *Table) Operations() []string {
	out := make([]string, 0, len(t.reqs))
	for name := range t.reqs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CheckComplete reports every mismatch between the table and a declared
// operation set. Both directions matter: a tool with no tier would be
// unreachable, a tier with no tool would be a dangling grant.
func (t *Table) CheckComplete(declared []string) error {
	seen := make(map[string]bool, len(declared))
	var problems []string
	for _, name := range declared {
		seen[name] = true
		if _, ok := t.reqs[name]; !ok {
			problems = append(problems, fmt.Sprintf("tool %q has no required level", name))
		}
	}
	for _, name := range t.Operations() {
		if !seen[name] {
			problems = append(problems, fmt.Sprintf("operation %q has no tool", name))
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("operation table incomplete: %s", strings.Join(problems, "; "))
	}
	return nil
}
