package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactCodesDatesAndRecordNumbers(t *testing.T) {
	out, changed := RedactPII("my code is 482913, born 12/10/1985, record MRN-448812")
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, leaked := range []string{"482913", "1985", "448812"} {
		if strings.Contains(out, leaked) {
			t.Fatalf("output still contains %q: %q", leaked, out)
		}
	}
	for _, marker := range []string{"[REDACTED_NUMBER]", "[REDACTED_DATE]", "[REDACTED_MRN]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactLeavesPlainTextAlone(t *testing.T) {
	in := "I'd like to book a cleaning next week"
	out, changed := RedactPII(in)
	if changed || out != in {
		t.Fatalf("RedactPII(%q) = %q, %v", in, out, changed)
	}
}
