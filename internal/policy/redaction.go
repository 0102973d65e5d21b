package policy

import "regexp"

var (
	emailPattern    = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern    = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern     = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	datePattern     = regexp.MustCompile(`\b(?:\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{2,4})\b`)
	mrnPattern      = regexp.MustCompile(`(?i)\bMRN[- ]?\d+\b`)
	digitRunPattern = regexp.MustCompile(`\b\d{4,10}\b`)
)

// RedactPII masks common high-risk PII patterns, plus dates of birth,
// record numbers and short digit runs that may be one-time codes.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Run card redaction before phone to avoid card numbers being classified as phone.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	// Dates before phone: "1985-12-10" would otherwise read as a phone number.
	next = datePattern.ReplaceAllString(out, "[REDACTED_DATE]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	next = mrnPattern.ReplaceAllString(out, "[REDACTED_MRN]")
	changed = changed || next != out
	out = next

	next = digitRunPattern.ReplaceAllString(out, "[REDACTED_NUMBER]")
	changed = changed || next != out
	out = next

	return out, changed
}
