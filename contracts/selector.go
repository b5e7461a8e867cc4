package contracts

import (
	"fmt"
	"strings"
)

// Selector filters a subscription to messages whose Header equals Value.
// The zero Selector matches every message.
type Selector struct {
	Header string
	Value  string
}

// IsZero reports whether the selector is empty
func (s Selector) IsZero() bool {
	return s.Header == ""
}

// Matches reports whether headers satisfy the selector
func (s Selector) Matches(headers map[string]string) bool {
	if s.IsZero() {
		return true
	}
	v, ok := headers[s.Header]
	return ok && v == s.Value
}

// String renders the selector as a JMS style expression
func (s Selector) String() string {
	if s.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s='%s'", s.Header, strings.ReplaceAll(s.Value, "'", "''"))
}

// ParseSelector parses an expression of the form name='value'.
// An empty expression yields the zero Selector.
func ParseSelector(expr string) (Selector, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Selector{}, nil
	}

	name, value, ok := strings.Cut(expr, "=")
	if !ok {
		return Selector{}, fmt.Errorf("%w: missing '=' in %q", ErrInvalidSelector, expr)
	}

	name = strings.TrimSpace(name)
	value = strings.TrimSpace(value)
	if name == "" || strings.ContainsAny(name, " '\"") {
		return Selector{}, fmt.Errorf("%w: bad header name in %q", ErrInvalidSelector, expr)
	}
	if len(value) < 2 || value[0] != '\'' || value[len(value)-1] != '\'' {
		return Selector{}, fmt.Errorf("%w: value must be single quoted in %q", ErrInvalidSelector, expr)
	}

	value = strings.ReplaceAll(value[1:len(value)-1], "''", "'")
	return Selector{Header: name, Value: value}, nil
}
