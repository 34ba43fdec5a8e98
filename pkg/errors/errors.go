// Package errors provides common, reusable error values and helpers.
package errors

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Storage sentinels. Repositories return these (optionally wrapped) so the
// workflow service can translate them into a Kind.
var (
	ErrDocumentNotFound    = errors.New("kyc document not found")
	ErrVersionConflict     = errors.New("kyc document version conflict")
	ErrPendingNotFound     = errors.New("pending transition not found")
	ErrPendingSettled      = errors.New("pending transition already settled")
	ErrRuleTableInvalid    = errors.New("transition rule table invalid")
	ErrLockNotAcquired     = errors.New("lock not acquired")
	ErrInvalidMetricsRange = errors.New("metrics end date must be after start date")
)

// Kind classifies workflow failures for callers and transports.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindInvalidTransition Kind = "invalid_transition"
	KindForbidden         Kind = "forbidden"
	KindConflict          Kind = "conflict"
	KindValidation        Kind = "validation"
	KindInfrastructure    Kind = "infrastructure"
)

// WorkflowError carries a Kind plus a human readable reason. Err keeps the
// underlying cause reachable through errors.Is / errors.As.
type WorkflowError struct {
	Kind       Kind
	Op         string
	DocumentID uuid.UUID
	Message    string
	Err        error
}

func (e *WorkflowError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.DocumentID != uuid.Nil {
		return fmt.Sprintf("%s: %s (document %s): %s", e.Op, e.Kind, e.DocumentID, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// New builds a WorkflowError.
func New(kind Kind, op string, documentID uuid.UUID, message string) *WorkflowError {
	return &WorkflowError{Kind: kind, Op: op, DocumentID: documentID, Message: message}
}

// Infrastructure wraps a storage or transport failure without altering it.
func Infrastructure(op string, documentID uuid.UUID, err error) *WorkflowError {
	return &WorkflowError{Kind: KindInfrastructure, Op: op, DocumentID: documentID, Err: err}
}

// KindOf reports the Kind of err. Errors that are not WorkflowErrors are
// classified from the storage sentinels, and anything else is infrastructure.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var we *WorkflowError
	if errors.As(err, &we) {
		return we.Kind
	}
	switch {
	case errors.Is(err, ErrDocumentNotFound):
		return KindNotFound
	case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrPendingSettled), errors.Is(err, ErrLockNotAcquired):
		return KindConflict
	case errors.Is(err, ErrInvalidMetricsRange):
		return KindValidation
	default:
		return KindInfrastructure
	}
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is and As re-export the standard helpers so callers need only this package.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target interface{}) bool { return errors.As(err, target) }
