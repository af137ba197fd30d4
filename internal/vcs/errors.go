package vcs

import (
	"errors"
	"fmt"
)

// ErrorKind classifies service failures so transport layers can map them
// onto status codes without string matching.
type ErrorKind int

const (
	// KindValidation marks malformed or cross-room input.
	KindValidation ErrorKind = iota + 1
	// KindNotFound marks an absent branch, commit or conflict.
	KindNotFound
	// KindAuthorization marks a failed role check.
	KindAuthorization
	// KindConflict marks a blocked state transition, such as unresolved
	// merge conflicts or a branch that is still checked out.
	KindConflict
	// KindPersistence marks a store I/O failure.
	KindPersistence
)

// Error is the coded service error carried across the vcs package boundary.
type Error struct {
	kind ErrorKind
	code string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Kind exposes the error classification.
func (e *Error) Kind() ErrorKind {
	return e.kind
}

// Code exposes the operation-scoped error code.
func (e *Error) Code() string {
	return e.code
}

// KindOf extracts the classification from an error chain. Unclassified
// errors report KindPersistence so unexpected failures surface as 500s.
func KindOf(err error) ErrorKind {
	var serviceErr *Error
	if errors.As(err, &serviceErr) {
		return serviceErr.kind
	}
	return KindPersistence
}

func newError(kind ErrorKind, operation, reason string, cause error) error {
	return &Error{
		kind: kind,
		code: fmt.Sprintf("%s.%s", operation, reason),
		err:  cause,
	}
}

func validationError(operation, reason string, cause error) error {
	return newError(KindValidation, operation, reason, cause)
}

func notFoundError(operation, reason string, cause error) error {
	return newError(KindNotFound, operation, reason, cause)
}

func authorizationError(operation, reason string, cause error) error {
	return newError(KindAuthorization, operation, reason, cause)
}

func conflictError(operation, reason string, cause error) error {
	return newError(KindConflict, operation, reason, cause)
}

func persistenceError(operation, reason string, cause error) error {
	return newError(KindPersistence, operation, reason, cause)
}
