// Package redact masks secret-shaped values in text before it reaches logs or
// audit sinks. The pattern set is static; redaction is applied only at
// emission boundaries, never to data on the request path.
package redact

import (
	"regexp"
)

// compiledPattern pairs a pre-compiled regex with its replacement.
type compiledPattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

// Redactor applies the masking patterns in a fixed order.
type Redactor struct {
	patterns []compiledPattern
}

// New returns a redactor with the built-in pattern set: vendor API keys,
// bearer tokens, and key/value pairs whose key names a secret.
func New() *Redactor {
	return &Redactor{patterns: []compiledPattern{
		{
			name:        "anthropic_api_key",
			regex:       regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{20,}`),
			replacement: "***REDACTED_API_KEY***",
		},
		{
			name:        "openai_api_key",
			regex:       regexp.MustCompile(`sk-[A-Za-z0-9_-]{20,}`),
			replacement: "***REDACTED_API_KEY***",
		},
		{
			name:        "google_api_key",
			regex:       regexp.MustCompile(`AIza[A-Za-z0-9_-]{35}`),
			replacement: "***REDACTED_API_KEY***",
		},
		{
			name:        "bearer_token",
			regex:       regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/-]{16,}=*`),
			replacement: "Bearer ***REDACTED***",
		},
		{
			name:        "secret_assignment",
			regex:       regexp.MustCompile(`(?i)("?(?:api[_-]?key|secret|password|token)"?\s*[:=]\s*)"?[^"\s,}]{8,}"?`),
			replacement: `$1"***REDACTED***"`,
		},
	}}
}

// Mask returns s with every matched secret replaced.
func (r *Redactor) Mask(s string) string {
	for _, p := range r.patterns {
		s = p.regex.ReplaceAllString(s, p.replacement)
	}
	return s
}

// MaskBytes is Mask for byte slices, returning a new slice.
func (r *Redactor) MaskBytes(b []byte) []byte {
	return []byte(r.Mask(string(b)))
}
