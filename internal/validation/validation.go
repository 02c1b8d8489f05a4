// Package validation checks payloads posted to the local API before they
// reach the mutation queue or the cache layer. Every check reports the
// offending field so handlers can return all problems in one response.
package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// ValidationError names a rejected field and what is wrong with it.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return e.Field + " " + e.Message
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Collector gathers every failing field of a single request.
type Collector struct {
	errors []ValidationError
}

// Check records each non-nil result.
func (c *Collector) Check(results ...*ValidationError) {
	for _, err := range results {
		if err != nil {
			c.errors = append(c.errors, *err)
		}
	}
}

// Errors returns what has been recorded, nil when the request is clean.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// ValidateText rejects malformed UTF-8, embedded NUL bytes and values
// longer than max runes. A max of zero skips the length check. Only the
// first failure is reported.
func ValidateText(field, value string, max int) *ValidationError {
	switch {
	case !utf8.ValidString(value):
		return invalid(field, "must be valid UTF-8")
	case strings.IndexByte(value, 0) >= 0:
		return invalid(field, "must not contain null bytes")
	case max > 0 && utf8.RuneCountInString(value) > max:
		return invalid(field, "exceeds maximum length of %d characters", max)
	}
	return nil
}

// ValidateRequired rejects empty and whitespace-only values.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return invalid(field, "is required")
	}
	return nil
}

// ValidateOneOf requires value to be present and to match one of allowed
// exactly.
func ValidateOneOf(field, value string, allowed []string) *ValidationError {
	if err := ValidateRequired(field, value); err != nil {
		return err
	}
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return invalid(field, "must be one of: %s", strings.Join(allowed, ", "))
}
