package model

import (
	"errors"
	"fmt"
)

// ErrExecutionTimeout is returned when a program exceeds its wall-clock limit.
// Timed-out jobs are terminal and never retried.
var ErrExecutionTimeout = errors.New("execution timed out")

// ValidationError reports a request rejected before queueing.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InfraError reports a failure of the execution infrastructure (sandbox
// provider, queue store) as opposed to the submitted program. Jobs failing
// with an InfraError are retried.
type InfraError struct {
	Op  string
	Err error
}

func (e *InfraError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InfraError) Unwrap() error {
	return e.Err
}

// IsInfra reports whether err is, or wraps, an *InfraError.
func IsInfra(err error) bool {
	var ie *InfraError
	return errors.As(err, &ie)
}
