// Package validation carries structured field-level validation failures from
// the domain packages up to the HTTP layer, where they become the details
// array of the error envelope.
package validation

import (
	"fmt"
	"strings"
)

// Issue names one invalid field and what is wrong with it.
type Issue struct {
	Field string `json:"field"`
	Issue string `json:"issue"`
}

// Error is a collection of field issues. A nil or empty Error means the
// input was valid; use Err to collapse that into a nil error.
type Error struct {
	Issues []Issue
}

func (e *Error) Error() string {
	if len(e.Issues) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e.Issues))
	for i, iss := range e.Issues {
		parts[i] = fmt.Sprintf("%s: %s", iss.Field, iss.Issue)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add records one invalid field.
func (e *Error) Add(field, issue string) {
	e.Issues = append(e.Issues, Issue{Field: field, Issue: issue})
}

// Addf records one invalid field with a formatted issue message.
func (e *Error) Addf(field, format string, args ...any) {
	e.Add(field, fmt.Sprintf(format, args...))
}

// Err returns e if any issue was recorded and nil otherwise, so callers can
// end a validation pass with `return v.Err()`.
func (e *Error) Err() error {
	if len(e.Issues) == 0 {
		return nil
	}
	return e
}
