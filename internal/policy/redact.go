// Package policy masks sensitive text before it reaches long-term memory.
package policy

import (
	"regexp"
	"strings"
)

type rule struct {
	marker string
	re     *regexp.Regexp
}

// Order matters: card numbers must be masked before the phone rule sees them.
var piiRules = []rule{
	{"[REDACTED_EMAIL]", regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{"[REDACTED_CARD]", regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)},
	{"[REDACTED_PHONE]", regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)},
}

var secretRules = []rule{
	{"[REDACTED_PRIVATE_KEY]", regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`)},
	{"[REDACTED_API_KEY]", regexp.MustCompile(`\b(?:sk|pk|rk)-(?:[A-Za-z0-9]+-)*[A-Za-z0-9]{16,}\b`)},
	{"[REDACTED_API_KEY]", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{"[REDACTED_TOKEN]", regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]{16,}=*`)},
	{"[REDACTED_TOKEN]", regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{20,}\b`)},
	{"$1[REDACTED_SECRET]", regexp.MustCompile(`(?i)\b((?:password|passwd|pwd|secret|api[_ -]?key|token)\s*(?:=|:|\bis\b)\s*)\S+`)},
}

func apply(rules []rule, input string) (string, bool) {
	out := input
	changed := false
	for _, r := range rules {
		next := r.re.ReplaceAllString(out, r.marker)
		changed = changed || next != out
		out = next
	}
	return out, changed
}

// RedactPII masks email addresses, card numbers and phone numbers.
func RedactPII(input string) (redacted string, changed bool) {
	return apply(piiRules, input)
}

// RedactSecrets masks credentials such as API keys, bearer tokens, private
// keys and "password: ..." style assignments.
func RedactSecrets(input string) (redacted string, changed bool) {
	return apply(secretRules, input)
}

// SanitizeMemory prepares text for long-term storage. Secrets are always
// masked; PII only when redactPII is set.
func SanitizeMemory(input string, redactPII bool) (string, bool) {
	out, changed := RedactSecrets(strings.TrimSpace(input))
	if !redactPII {
		return out, changed
	}
	out, piiChanged := RedactPII(out)
	return out, changed || piiChanged
}
