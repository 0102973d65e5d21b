// Package authlevel models verification tiers and the per-domain table that
// maps each operation to the minimum tier it demands.
package authlevel

import (
	"fmt"
	"strconv"
	"strings"
)

// Level is an ordered verification tier. A session at tier N satisfies any
// requirement <= N.
type Level int

const (
	None     Level = 0
	Light    Level = 1
	Standard Level = 2
	Full     Level = 3
)

func (l Level) String() string {
	switch l {
	case None:
		return "none"
	case Light:
		return "light"
	case Standard:
		return "standard"
	case Full:
		return "full"
	default:
		return "level(" + strconv.Itoa(int(l)) + ")"
	}
}

func (l Level) Valid() bool {
	return l >= None && l <= Full
}

// Parse accepts either the numeric tier or its name.
func Parse(s string) (Level, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	switch v {
	case "0", "none":
		return None, nil
	case "1", "light":
		return Light, nil
	case "2", "standard":
		return Standard, nil
	case "3", "full":
		return Full, nil
	default:
		return None, fmt.Errorf("invalid verification level %q", s)
	}
}

// ApplyLevelGain never moves a session backward.
func ApplyLevelGain(current, proven Level) Level {
	if proven > current {
		return proven
	}
	return current
}

// Step names the factor that raises a session to a given tier.
type Step string

const (
	StepIdentify    Step = "identify"
	StepOneTimeCode Step = "one_time_code"
	StepKnowledge   Step = "knowledge"
)

// StepFor returns the factor proving target. Tiers are climbed one at a time,
// so target is always current+1.
func StepFor(target Level) (Step, bool) {
	switch target {
	case Light:
		return StepIdentify, true
	case Standard:
		return StepOneTimeCode, true
	case Full:
		return StepKnowledge, true
	default:
		return "", false
	}
}
