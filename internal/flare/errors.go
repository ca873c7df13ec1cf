package flare

import (
	"errors"
	"fmt"
)

// ErrorKind discriminates the failure classes surfaced to callers.
type ErrorKind int

const (
	// KindInfrastructure covers store or scheduler failures; opaque to callers.
	KindInfrastructure ErrorKind = iota
	// KindValidation covers malformed or out-of-range request fields.
	KindValidation
	// KindPrecondition covers missing referenced entities or lack of standing.
	KindPrecondition
	// KindAuthorization covers caller/actor uid mismatches.
	KindAuthorization
)

// String names the kind for error payloads.
func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPrecondition:
		return "precondition"
	case KindAuthorization:
		return "authorization"
	default:
		return "infrastructure"
	}
}

// ServiceError carries a dotted operation code and a failure kind.
type ServiceError struct {
	kind ErrorKind
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code, e.g. flare.create.no_recipients.
func (e *ServiceError) Code() string {
	return e.code
}

// Kind returns the failure class.
func (e *ServiceError) Kind() ErrorKind {
	return e.kind
}

func newServiceError(kind ErrorKind, operation, reason string, cause error) error {
	return &ServiceError{
		kind: kind,
		code: fmt.Sprintf("%s.%s", operation, reason),
		err:  cause,
	}
}

func newValidationError(operation, reason string, cause error) error {
	return newServiceError(KindValidation, operation, reason, cause)
}

func newPreconditionError(operation, reason string, cause error) error {
	return newServiceError(KindPrecondition, operation, reason, cause)
}

func newAuthorizationError(operation, reason string, cause error) error {
	return newServiceError(KindAuthorization, operation, reason, cause)
}

func newInfrastructureError(operation, reason string, cause error) error {
	return newServiceError(KindInfrastructure, operation, reason, cause)
}

// KindOf classifies err; anything that is not a ServiceError counts as
// infrastructure.
func KindOf(err error) ErrorKind {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Kind()
	}
	return KindInfrastructure
}

// CodeOf returns the dotted code of err, or the empty string.
func CodeOf(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}
