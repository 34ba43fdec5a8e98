package kyc

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	kyderrors "kycflow/pkg/errors"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToStructuredError(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		name      string
		err       error
		status    int
		code      string
		retryable bool
	}{
		{"invalid transition", kyderrors.New(kyderrors.KindInvalidTransition, "kyc.TransitionStatus", id, "draft to approved"), http.StatusUnprocessableEntity, "INVALID_TRANSITION", false},
		{"forbidden", kyderrors.New(kyderrors.KindForbidden, "kyc.TransitionStatus", id, "reviewer required"), http.StatusForbidden, "FORBIDDEN", false},
		{"conflict", &kyderrors.WorkflowError{Kind: kyderrors.KindConflict, Op: "kyc.TransitionStatus", DocumentID: id, Err: kyderrors.ErrVersionConflict}, http.StatusConflict, "VERSION_CONFLICT", true},
		{"not found sentinel", kyderrors.ErrDocumentNotFound, http.StatusNotFound, "DOCUMENT_NOT_FOUND", false},
		{"validation", kyderrors.New(kyderrors.KindValidation, "kyc.BulkTransition", uuid.Nil, "too many"), http.StatusBadRequest, "VALIDATION_ERROR", false},
		{"driver error", errors.New("pq: connection refused"), http.StatusInternalServerError, "INTERNAL_ERROR", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			se := ToStructuredError(tc.err)
			assert.Equal(t, tc.status, se.HTTPStatusCode)
			assert.Equal(t, tc.code, se.Code)
			assert.Equal(t, tc.retryable, se.IsRetryable)
			assert.ErrorIs(t, se, tc.err)
		})
	}
}

func TestToStructuredError_HidesInfrastructureDetail(t *testing.T) {
	se := ToStructuredError(kyderrors.Infrastructure("kyc.TransitionStatus", uuid.New(), errors.New("password authentication failed")))
	assert.Equal(t, "internal error", se.Message)
	assert.NotContains(t, string(se.ToJSON()), "password")
}

func TestToStructuredError_CarriesDocument(t *testing.T) {
	id := uuid.New()
	se := ToStructuredError(kyderrors.New(kyderrors.KindNotFound, "kyc.GetDocument", id, "document not found"))
	require.NotNil(t, se.DocumentID)
	assert.Equal(t, id, *se.DocumentID)
	assert.Equal(t, "kyc.GetDocument", se.Operation)
	assert.Equal(t, "document not found", se.Message)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(se.ToJSON(), &body))
	assert.NotContains(t, body, "HTTPStatusCode")
	assert.Equal(t, "not_found", body["kind"])
}

func TestNewValidationError_SortsFields(t *testing.T) {
	se := NewValidationError("invalid request", map[string]string{
		"target_state": "unknown state",
		"document_ids": "too many",
	})
	require.Len(t, se.Validation, 2)
	assert.Equal(t, "document_ids", se.Validation[0].Field)
	assert.Equal(t, http.StatusBadRequest, se.HTTPStatusCode)
}
