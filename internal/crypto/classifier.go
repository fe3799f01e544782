package crypto

import (
	"fmt"
	"regexp"
)

// DefaultSensitivePatterns marks the field names encrypted by default:
// credentials, tokens, contact identifiers, and financial identifiers.
// The set is data-driven so new entities with new sensitive fields only
// need a config change.
var DefaultSensitivePatterns = []string{
	"password",
	"api_key",
	"secret",
	"token",
	"credit_card",
	"ssn",
	"address",
	"phone",
	"email",
}

// Classifier decides whether a field name holds sensitive data, based on
// a configurable set of patterns.
type Classifier struct {
	patterns []*regexp.Regexp
}

// NewClassifier compiles the given patterns. Plain strings become
// case-insensitive substring matches; strings containing regex
// metacharacters compile as-is.
func NewClassifier(patterns []string) (*Classifier, error) {
	if len(patterns) == 0 {
		patterns = DefaultSensitivePatterns
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		var re *regexp.Regexp
		var err error
		if isRegex(p) {
			re, err = regexp.Compile(p)
		} else {
			re, err = regexp.Compile(`(?i)` + regexp.QuoteMeta(p))
		}
		if err != nil {
			return nil, fmt.Errorf("sensitive pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return &Classifier{patterns: compiled}, nil
}

// Sensitive reports whether a field with the given name must be encrypted.
func (c *Classifier) Sensitive(field string) bool {
	for _, re := range c.patterns {
		if re.MatchString(field) {
			return true
		}
	}
	return false
}

func isRegex(s string) bool {
	for _, c := range s {
		switch c {
		case '(', ')', '[', ']', '{', '}', '|', '^', '$', '.', '*', '+', '?', '\\':
			return true
		}
	}
	return false
}
