package policy

import (
	"slices"
	"strings"
	"unicode"

	"github.com/ent0n29/callguard/internal/textnorm"
)

// DefaultMedicalMarkers are the topics a scheduling agent must hand to staff.
var DefaultMedicalMarkers = []string{
	"diagnosis", "medication", "prescription", "test results", "medical records",
	"treatment", "symptoms", "pain level", "lab results", "imaging",
	"x-ray", "mri", "scan",
}

type ScanResult struct {
	Triggered bool     `json:"triggered"`
	Markers   []string `json:"markers,omitempty"`
}

// Monitor flags utterances that touch a disallowed topic. A marker matches
// when its folded form begins a word in the folded text, so "medications"
// trips "medication" but "prescan" does not trip "scan".
type Monitor struct {
	markers    []string
	normalized []string
}

func NewMonitor(markers []string) *Monitor {
	m := &Monitor{}
	seen := make(map[string]bool, len(markers))
	for _, mk := range markers {
		n := normalizeForScan(mk)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		m.markers = append(m.markers, strings.TrimSpace(mk))
		m.normalized = append(m.normalized, n)
	}
	return m
}

// Enabled is false for a monitor with no markers; Scan then never triggers.
func (m *Monitor) Enabled() bool {
	return m != nil && len(m.normalized) > 0
}

func (m *Monitor) Markers() []string {
	if m == nil {
		return nil
	}
	return slices.Clone(m.markers)
}

func (m *Monitor) Scan(text string) ScanResult {
	if !m.Enabled() {
		return ScanResult{}
	}
	hay := " " + normalizeForScan(text)
	if strings.TrimSpace(hay) == "" {
		return ScanResult{}
	}
	var res ScanResult
	for i, n := range m.normalized {
		if strings.Contains(hay, " "+n) {
			res.Markers = append(res.Markers, m.markers[i])
		}
	}
	res.Triggered = len(res.Markers) > 0
	return res
}

// normalizeForScan folds case and accents and turns punctuation into word
// breaks, so "X-Ray" and "x ray" compare equal.
func normalizeForScan(s string) string {
	folded := textnorm.Fold(s)
	return strings.Join(strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}), " ")
}
