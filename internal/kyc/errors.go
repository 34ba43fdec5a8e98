// ==============================================================================
// KYC WORKFLOW ERROR HANDLING - internal/kyc/errors.go
// ==============================================================================
// Maps workflow error kinds to HTTP status codes and structured responses
// ==============================================================================

package kyc

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	kyderrors "kycflow/pkg/errors"

	"github.com/google/uuid"
)

// ValidationError is one rejected request field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ErrorMapping describes how a Kind is presented to HTTP clients.
type ErrorMapping struct {
	HTTPStatusCode int
	ErrorCode      string
	IsRetryable    bool
}

var errorMappings = map[kyderrors.Kind]ErrorMapping{
	kyderrors.KindValidation:        {http.StatusBadRequest, "VALIDATION_ERROR", false},
	kyderrors.KindNotFound:          {http.StatusNotFound, "DOCUMENT_NOT_FOUND", false},
	kyderrors.KindInvalidTransition: {http.StatusUnprocessableEntity, "INVALID_TRANSITION", false},
	kyderrors.KindForbidden:         {http.StatusForbidden, "FORBIDDEN", false},
	kyderrors.KindConflict:          {http.StatusConflict, "VERSION_CONFLICT", true},
	kyderrors.KindInfrastructure:    {http.StatusInternalServerError, "INTERNAL_ERROR", true},
}

// MappingFor returns the presentation of kind, defaulting to infrastructure.
func MappingFor(kind kyderrors.Kind) ErrorMapping {
	if m, ok := errorMappings[kind]; ok {
		return m
	}
	return errorMappings[kyderrors.KindInfrastructure]
}

// StructuredError is the API view of a workflow failure.
type StructuredError struct {
	Code           string            `json:"code"`
	Kind           kyderrors.Kind    `json:"kind"`
	Message        string            `json:"message"`
	DocumentID     *uuid.UUID        `json:"document_id,omitempty"`
	Operation      string            `json:"operation,omitempty"`
	HTTPStatusCode int               `json:"-"`
	IsRetryable    bool              `json:"is_retryable"`
	Validation     []ValidationError `json:"validation_errors,omitempty"`
	CorrelationID  string            `json:"correlation_id,omitempty"`
	ErrorTime      time.Time         `json:"error_time"`

	Cause error `json:"-"`
}

func (e *StructuredError) Error() string {
	return "[" + string(e.Kind) + "] " + e.Code + ": " + e.Message
}

func (e *StructuredError) Unwrap() error {
	return e.Cause
}

// ToJSON converts the error to JSON for API responses
func (e *StructuredError) ToJSON() []byte {
	jsonData, _ := json.Marshal(e)
	return jsonData
}

// ToStructuredError classifies err. Infrastructure details are not exposed
// to clients.
func ToStructuredError(err error) *StructuredError {
	kind := kyderrors.KindOf(err)
	mapping := MappingFor(kind)

	out := &StructuredError{
		Code:           mapping.ErrorCode,
		Kind:           kind,
		Message:        err.Error(),
		HTTPStatusCode: mapping.HTTPStatusCode,
		IsRetryable:    mapping.IsRetryable,
		ErrorTime:      time.Now().UTC(),
		Cause:          err,
	}

	var we *kyderrors.WorkflowError
	if kyderrors.As(err, &we) {
		out.Operation = we.Op
		if we.Message != "" {
			out.Message = we.Message
		}
		if we.DocumentID != uuid.Nil {
			id := we.DocumentID
			out.DocumentID = &id
		}
	}
	if kind == kyderrors.KindInfrastructure {
		out.Message = "internal error"
	}
	return out
}

// NewValidationError builds a 400 response body from field messages.
func NewValidationError(message string, fields map[string]string) *StructuredError {
	mapping := MappingFor(kyderrors.KindValidation)
	out := &StructuredError{
		Code:           mapping.ErrorCode,
		Kind:           kyderrors.KindValidation,
		Message:        message,
		HTTPStatusCode: mapping.HTTPStatusCode,
		ErrorTime:      time.Now().UTC(),
	}
	names := make([]string, 0, len(fields))
	for f := range fields {
		names = append(names, f)
	}
	sort.Strings(names)
	for _, f := range names {
		out.Validation = append(out.Validation, ValidationError{Field: f, Message: fields[f]})
	}
	return out
}
