package events

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Pattern is a subscription glob over "/"-delimited event types. A
// trailing "*" segment matches any remaining depth, so "chat/*" selects
// "chat/message/created"; "*" inside a segment matches within it.
type Pattern struct {
	Pattern string `json:"pattern"`
}

// NewPattern validates p.
func NewPattern(p string) (Pattern, error) {
	if p == "" || !doublestar.ValidatePattern(p) {
		return Pattern{}, fmt.Errorf("%w: %q", ErrInvalidPattern, p)
	}

	return Pattern{Pattern: p}, nil
}

// MustPattern is NewPattern for compile-time constant patterns.
func MustPattern(p string) Pattern {
	pattern, err := NewPattern(p)
	if err != nil {
		panic(err)
	}

	return pattern
}

// Patterns builds a pattern set from literals.
func Patterns(ps ...string) []Pattern {
	out := make([]Pattern, 0, len(ps))
	for _, p := range ps {
		out = append(out, MustPattern(p))
	}

	return out
}

func (p Pattern) glob() string {
	switch {
	case p.Pattern == "*":
		return "**"
	case strings.HasSuffix(p.Pattern, "/*"):
		return p.Pattern + "*"
	default:
		return p.Pattern
	}
}

// Match reports whether eventType is selected by p.
func (p Pattern) Match(eventType string) bool {
	ok, err := doublestar.Match(p.glob(), eventType)

	return err == nil && ok
}

func (p Pattern) String() string {
	return p.Pattern
}

// MatchAny reports whether any pattern selects eventType.
func MatchAny(patterns []Pattern, eventType string) bool {
	for _, p := range patterns {
		if p.Match(eventType) {
			return true
		}
	}

	return false
}
