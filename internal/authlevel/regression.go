package authlevel

import (
	"fmt"
	"strings"
)

// RegressionInput is what a regression policy sees before each operation.
type RegressionInput struct {
	Operation        string
	Level            Level
	SubjectID        string
	RequestedSubject string
}

// RegressionPolicy decides whether a session must drop back to tier 0 before
// the operation is evaluated. It is the only path by which a level decreases.
type RegressionPolicy func(RegressionInput) bool

func NoRegression(RegressionInput) bool { return false }

// SubjectSwitch resets when a request names a subject other than the one the
// session verified, e.g. a caller asking about someone else's account.
func SubjectSwitch(in RegressionInput) bool {
	if in.SubjectID == "" || strings.TrimSpace(in.RequestedSubject) == "" {
		return false
	}
	return !strings.EqualFold(strings.TrimSpace(in.RequestedSubject), in.SubjectID)
}

func RegressionPolicyByName(name string) (RegressionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return NoRegression, nil
	case "subject_switch":
		return SubjectSwitch, nil
	default:
		return nil, fmt.Errorf("unknown regression policy %q (expected none|subject_switch)", name)
	}
}
