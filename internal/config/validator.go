package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ValidationError represents a single configuration problem.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validator accumulates configuration errors so they can be reported
// together instead of one per restart.
type Validator struct {
	errors []ValidationError
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{errors: make([]ValidationError, 0)}
}

// AddError adds a validation error.
func (v *Validator) AddError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are validation errors.
func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

// Errors returns all validation errors.
func (v *Validator) Errors() []ValidationError {
	return v.errors
}

// ErrorString returns a formatted string of all errors.
func (v *Validator) ErrorString() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration validation failed with %d error(s):\n", len(v.errors))
	for i, err := range v.errors {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Err returns nil when no errors were recorded.
func (v *Validator) Err() error {
	if !v.HasErrors() {
		return nil
	}
	return errors.New(strings.TrimRight(v.ErrorString(), "\n"))
}

// ValidateRequired records an error when value is empty.
func (v *Validator) ValidateRequired(key, value string) {
	if strings.TrimSpace(value) == "" {
		v.AddError(key, "required value not set")
	}
}

// ValidateDatabaseURL checks that a non-empty value is a postgres URL.
func (v *Validator) ValidateDatabaseURL(key, value string) {
	if value == "" {
		return
	}
	parsed, err := url.Parse(value)
	if err != nil {
		v.AddError(key, fmt.Sprintf("invalid URL format: %v", err))
		return
	}
	if parsed.Scheme != "postgres" && parsed.Scheme != "postgresql" {
		v.AddError(key, "URL must use postgres or postgresql scheme")
	}
}

// ValidateEnum validates that a value is one of allowed options.
func (v *Validator) ValidateEnum(key, value string, allowed []string) {
	for _, opt := range allowed {
		if value == opt {
			return
		}
	}
	v.AddError(key, fmt.Sprintf("must be one of: %s (got: %s)", strings.Join(allowed, ", "), value))
}

// ValidateMinInt validates that n is at least min.
func (v *Validator) ValidateMinInt(key string, n, min int) {
	if n < min {
		v.AddError(key, fmt.Sprintf("must be at least %d (got %d)", min, n))
	}
}
