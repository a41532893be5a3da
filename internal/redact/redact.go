// Package redact applies pattern-based secret redaction to outbound text.
package redact

import (
	"fmt"
	"regexp"
)

// Replacement is substituted in place of every pattern match.
const Replacement = "<REDACTED>"

// Redactor replaces configured secret patterns in text. Patterns are process
// config, not per-run. The zero-pattern redactor passes text through
// unchanged.
type Redactor struct {
	patterns []*regexp.Regexp
}

// New compiles the given patterns. A pattern that does not compile is a
// configuration error.
func New(patterns []string) (*Redactor, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("redact pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return &Redactor{patterns: compiled}, nil
}

// Apply replaces every match of every pattern with Replacement. Patterns are
// applied in configuration order, so later patterns also see earlier
// replacements.
func (r *Redactor) Apply(text string) string {
	for _, re := range r.patterns {
		text = re.ReplaceAllString(text, Replacement)
	}
	return text
}

// ApplyBytes is Apply for byte slices.
func (r *Redactor) ApplyBytes(data []byte) []byte {
	return []byte(r.Apply(string(data)))
}
