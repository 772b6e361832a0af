package params

import (
	"fmt"
	"strings"
)

// Reason classifies a validation failure.
type Reason string

const (
	MissingParameter    Reason = "MissingParameter"
	InvalidType         Reason = "InvalidType"
	OutOfRange          Reason = "OutOfRange"
	InvalidEnum         Reason = "InvalidEnum"
	ConstraintViolation Reason = "ConstraintViolation"
)

// ValidationError is returned by Validate on the first rule a request breaks.
type ValidationError struct {
	Reason  Reason
	Param   string
	Min     *float64
	Max     *float64
	Allowed []string
	Actual  any
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func missing(r Rule) *ValidationError {
	msg := "Missing required parameter: " + r.Name
	if r.Description != "" {
		msg += " (" + r.Description + ")"
	}
	return &ValidationError{Reason: MissingParameter, Param: r.Name, Message: msg}
}

func invalidType(r Rule, actual any) *ValidationError {
	var msg string
	switch r.Type {
	case Number, Integer:
		msg = "Invalid numeric value for parameter: " + r.Name
		if r.Type == Integer {
			msg = "Invalid integer value for parameter: " + r.Name
		}
	default:
		msg = fmt.Sprintf("Invalid %s value for parameter: %s", r.Type, r.Name)
	}
	return &ValidationError{Reason: InvalidType, Param: r.Name, Actual: actual, Message: msg}
}

func outOfRange(r Rule, actual float64) *ValidationError {
	lo, hi := r.rangeText()
	var msg string
	switch {
	case r.MinExclusive && r.Max == nil && r.Min != nil && *r.Min == 0:
		msg = fmt.Sprintf("%s must be positive, got: %s", r.Name, formatFloat(actual))
	default:
		msg = fmt.Sprintf("%s must be between %s and %s, got: %s", r.Name, lo, hi, formatFloat(actual))
	}
	return &ValidationError{
		Reason:  OutOfRange,
		Param:   r.Name,
		Min:     r.Min,
		Max:     r.Max,
		Actual:  actual,
		Message: msg,
	}
}

func invalidEnum(r Rule, actual any) *ValidationError {
	return &ValidationError{
		Reason:  InvalidEnum,
		Param:   r.Name,
		Allowed: append([]string(nil), r.Enum...),
		Actual:  actual,
		Message: fmt.Sprintf("Invalid %s. Must be one of: %s", r.Name, r.allowed()),
	}
}

// Constraint builds a cross-field ValidationError for profile-level checks.
func Constraint(param string, format string, args ...any) *ValidationError {
	return &ValidationError{
		Reason:  ConstraintViolation,
		Param:   param,
		Message: strings.TrimSpace(fmt.Sprintf(format, args...)),
	}
}
