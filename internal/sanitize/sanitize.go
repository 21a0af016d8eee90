// Package sanitize strips personally identifying fragments from scraped text
// before it leaves an adapter.
package sanitize

import "regexp"

// Placeholder replaces every redacted fragment.
const Placeholder = "[redacted]"

// Patterns are applied in order. Card numbers and IPv4 addresses run before
// phone numbers, whose dotted groupings would otherwise consume part of them.
var patterns = []*regexp.Regexp{
	// e-mail addresses
	regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`),
	// US social security numbers
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	// payment-card-like digit runs (13-19 digits, optional space/dash groups)
	regexp.MustCompile(`\b(?:\d[ \-]?){12,18}\d\b`),
	// IPv4 addresses
	regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`),
	// phone numbers: optional country code, 3-3-4 or 3-4 groupings
	regexp.MustCompile(`(?:\+\d{1,3}[ .\-]?)?(?:\(\d{2,4}\)|\d{2,4})[ .\-]\d{3,4}[ .\-]\d{3,4}\b`),
}

// Text returns s with PII fragments replaced by Placeholder.
func Text(s string) string {
	if s == "" {
		return s
	}
	for _, re := range patterns {
		s = re.ReplaceAllString(s, Placeholder)
	}
	return s
}

// Sanitizer is the collaborator adapters use for text clean-up.
type Sanitizer interface {
	Clean(string) string
}

// PII is the default regex-based Sanitizer.
type PII struct{}

// Clean implements Sanitizer.
func (PII) Clean(s string) string { return Text(s) }
