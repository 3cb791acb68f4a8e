package flow

import (
	"errors"
	"fmt"
)

// Error variables for tracker failures. Callers match them with errors.Is.
var (
	ErrInvalidField       = errors.New("invalid field")
	ErrInvalidValue       = errors.New("invalid value")
	ErrIllegalTransition  = errors.New("illegal transition")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrInvalidDomain      = errors.New("invalid domain")
	ErrUnknownSession     = errors.New("unknown session")
)

// FieldError describes a rejected SetField call.
type FieldError struct {
	Domain string
	Field  string
	Reason string
	Err    error // ErrInvalidField or ErrInvalidValue
}

func (e *FieldError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: %s.%s", e.Err, e.Domain, e.Field)
	}
	return fmt.Sprintf("%s: %s.%s: %s", e.Err, e.Domain, e.Field, e.Reason)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// TransitionError reports a trigger that is not legal from the current phase.
type TransitionError struct {
	Domain  string
	Phase   string
	Trigger string
	Allowed []string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition: %s has no edge %q from phase %q (allowed: %v)", e.Domain, e.Trigger, e.Phase, e.Allowed)
}

func (e *TransitionError) Unwrap() error {
	return ErrIllegalTransition
}

// PreconditionError reports why a commit was refused.
type PreconditionError struct {
	Domain  string
	Phase   string
	Missing []string
	Reason  string
}

func (e *PreconditionError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("precondition failed: %s: %s (missing: %v)", e.Domain, e.Reason, e.Missing)
	}
	return fmt.Sprintf("precondition failed: %s: %s", e.Domain, e.Reason)
}

func (e *PreconditionError) Unwrap() error {
	return ErrPreconditionFailed
}
