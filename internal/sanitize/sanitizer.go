// Package sanitize redacts personally identifiable information from text
// before it can reach a model prompt, a stored summary, or a log line.
// Every window title and OCR string that leaves the process boundary must
// pass through here first.
package sanitize

import (
	"regexp"
	"sync"
)

// RedactionMarker replaces every matched span.
const RedactionMarker = "[REDACTED]"

var (
	// Email: conservative RFC subset.
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9_.+-]+@[a-zA-Z0-9-]+\.[a-zA-Z0-9-.]+`)

	// IPv4 dotted quad, each octet 0-255.
	ipv4Pattern = regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`)

	// Credit card: 13-19 digits allowing spaces/hyphens between. No Luhn
	// check; redaction errs on the side of caution.
	creditCardPattern = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)

	// OpenAI-style key: sk- plus 20+ alphanumerics.
	openAIKeyPattern = regexp.MustCompile(`\bsk-[a-zA-Z0-9]{20,}\b`)

	// GitHub PAT: ghp_ plus 36+ alphanumerics.
	githubKeyPattern = regexp.MustCompile(`\bghp_[a-zA-Z0-9]{36,}\b`)

	// AWS Access Key ID: AKIA plus 16 uppercase alphanumerics.
	awsKeyPattern = regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)

	// Generic credential: api_key/token/secret followed by a long value.
	genericKeyPattern = regexp.MustCompile(`(?i)\b(?:api[_-]?key|token|secret)[\s=:]+[a-zA-Z0-9_\-]{20,}\b`)

	// UUID 8-4-4-4-12 hex.
	uuidPattern = regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`)
)

// Sanitizer redacts PII spans from untrusted text. It holds no I/O and no
// mutable state; a single instance is safe for concurrent use.
type Sanitizer struct {
	patterns []*regexp.Regexp
}

// New returns a Sanitizer with the full pattern set.
func New() *Sanitizer {
	return &Sanitizer{
		patterns: []*regexp.Regexp{
			emailPattern,
			ipv4Pattern,
			creditCardPattern,
			openAIKeyPattern,
			githubKeyPattern,
			awsKeyPattern,
			genericKeyPattern,
			uuidPattern,
		},
	}
}

// CleanText replaces every PII match with [REDACTED]. Idempotent:
// CleanText(CleanText(s)) == CleanText(s).
func (s *Sanitizer) CleanText(text string) string {
	if text == "" {
		return text
	}
	result := text
	for _, p := range s.patterns {
		result = p.ReplaceAllString(result, RedactionMarker)
	}
	return result
}

// ContainsPII reports whether any pattern matches the text.
func (s *Sanitizer) ContainsPII(text string) bool {
	if text == "" {
		return false
	}
	for _, p := range s.patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// CleanMap returns a copy of the map with every string value sanitized,
// descending into nested maps and slices.
func (s *Sanitizer) CleanMap(data map[string]any) map[string]any {
	result := make(map[string]any, len(data))
	for key, value := range data {
		result[key] = s.cleanValue(value)
	}
	return result
}

// CleanSlice returns a copy of the slice with every string element
// sanitized, descending into nested maps and slices.
func (s *Sanitizer) CleanSlice(data []any) []any {
	result := make([]any, len(data))
	for i, item := range data {
		result[i] = s.cleanValue(item)
	}
	return result
}

// CleanStrings sanitizes each element of a string slice.
func (s *Sanitizer) CleanStrings(data []string) []string {
	result := make([]string, len(data))
	for i, item := range data {
		result[i] = s.CleanText(item)
	}
	return result
}

func (s *Sanitizer) cleanValue(value any) any {
	switch v := value.(type) {
	case string:
		return s.CleanText(v)
	case map[string]any:
		return s.CleanMap(v)
	case []any:
		return s.CleanSlice(v)
	default:
		return value
	}
}

var (
	defaultSanitizer *Sanitizer
	defaultOnce      sync.Once
)

// Default returns the process-wide Sanitizer instance. Components should
// accept a *Sanitizer by capability; Default exists for call sites that have
// no injection path.
func Default() *Sanitizer {
	defaultOnce.Do(func() {
		defaultSanitizer = New()
	})
	return defaultSanitizer
}
