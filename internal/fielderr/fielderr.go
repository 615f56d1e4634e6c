// Package fielderr carries per-field validation messages from entity and
// payload validation out to the HTTP layer, which renders them as a JSON
// object keyed by field name.
package fielderr

import (
	"fmt"
	"sort"
	"strings"
)

// Errors maps field names to validation messages.
type Errors map[string][]string

// Add appends a message for a field.
func (e Errors) Add(field, format string, args ...any) {
	e[field] = append(e[field], fmt.Sprintf(format, args...))
}

// Empty reports whether no messages have been recorded.
func (e Errors) Empty() bool {
	return len(e) == 0
}

// OrNil returns the error value, or nil when no messages were recorded.
// Returning the map directly would produce a non-nil error interface.
func (e Errors) OrNil() error {
	if e.Empty() {
		return nil
	}
	return e
}

// Error renders the messages deterministically for logs.
func (e Errors) Error() string {
	fields := make([]string, 0, len(e))
	for field := range e {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var sb strings.Builder
	for i, field := range fields {
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(field)
		sb.WriteString(": ")
		sb.WriteString(strings.Join(e[field], ", "))
	}
	return sb.String()
}
