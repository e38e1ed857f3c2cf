package domain

import (
	"errors"
	"fmt"
)

var (
	ErrAuth              = errors.New("authentication failed")
	ErrNotAuthorized     = errors.New("not authorized")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrGroupFull         = errors.New("shared group is full")
	ErrGroupInactive     = errors.New("shared group is no longer active")
	ErrGroupInvariant    = errors.New("shared group invariant violated")
	ErrNotFound          = errors.New("not found")
	ErrDependency        = errors.New("dependency failure")
	ErrBadRequest        = errors.New("bad request")

	ErrRequestNotFound    = fmt.Errorf("request %w", ErrNotFound)
	ErrGroupNotFound      = fmt.Errorf("shared group %w", ErrNotFound)
	ErrConnectionNotFound = fmt.Errorf("connection %w", ErrNotFound)
	ErrInvalidRequestID   = fmt.Errorf("invalid request id: %w", ErrBadRequest)
	ErrInvalidCapacity    = fmt.Errorf("invalid group capacity: %w", ErrBadRequest)
	ErrNotShareable       = fmt.Errorf("request cannot be shared: %w", ErrInvalidTransition)
	ErrAlreadyAssigned    = fmt.Errorf("request already assigned: %w", ErrInvalidTransition)
	ErrStaleWrite         = fmt.Errorf("record changed concurrently: %w", ErrInvalidTransition)
)

// DependencyError reports a record store or infrastructure failure.
type DependencyError struct {
	Op  string
	Err error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrDependency, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

func (e *DependencyError) Is(target error) bool { return target == ErrDependency }

// Dependency wraps err as a DependencyError unless it already carries a
// domain error, which callers want to see as is.
func Dependency(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range domainErrors {
		if errors.Is(err, known) {
			return err
		}
	}
	return &DependencyError{Op: op, Err: err}
}

var domainErrors = []error{
	ErrAuth,
	ErrNotAuthorized,
	ErrInvalidTransition,
	ErrGroupFull,
	ErrGroupInactive,
	ErrGroupInvariant,
	ErrNotFound,
	ErrDependency,
	ErrBadRequest,
}

const (
	CodeAuth              = "AUTH_ERROR"
	CodeNotAuthorized     = "NOT_AUTHORIZED"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeGroupFull         = "GROUP_FULL"
	CodeNotFound          = "NOT_FOUND"
	CodeDependency        = "DEPENDENCY_ERROR"
	CodeBadRequest        = "BAD_REQUEST"
	CodeInternal          = "INTERNAL"
)

// ErrorCode maps an error to its wire code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuth):
		return CodeAuth
	case errors.Is(err, ErrNotAuthorized):
		return CodeNotAuthorized
	case errors.Is(err, ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, ErrGroupFull), errors.Is(err, ErrGroupInactive):
		return CodeGroupFull
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrDependency):
		return CodeDependency
	case errors.Is(err, ErrBadRequest):
		return CodeBadRequest
	}
	return CodeInternal
}
