package domain

import "errors"

// Engine-level error taxonomy.
var (
	ErrGraphValidation  = errors.New("graph validation failed")
	ErrCoalesceConflict = errors.New("coalesce conflict")
	ErrLateArrival      = errors.New("late coalesce arrival discarded")
	ErrCoalesceFailed   = errors.New("coalesce group cannot be satisfied")
	ErrIterationLimit   = errors.New("work queue iteration limit exceeded")
	ErrRouteNotFound    = errors.New("route label not declared")
	ErrConfigInvalid    = errors.New("invalid configuration")
)

// DomainError wraps errors with additional context.
//
//nolint:revive // Name is intentionally verbose to distinguish domain-layer errors
type DomainError struct {
	Err     error
	Code    string
	Message string
	Details map[string]any
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err == nil {
		return e.Code
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}
