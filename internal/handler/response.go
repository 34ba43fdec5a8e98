package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"kycflow/internal/kyc"
	"kycflow/internal/middleware"
	kyderrors "kycflow/pkg/errors"
	"kycflow/pkg/logger"
	"kycflow/pkg/validator"

	"github.com/google/uuid"
)

// maxBodyBytes bounds request bodies; bulk requests are the largest.
const maxBodyBytes = 1 << 20

func respondJSON(log logger.Logger, w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error("Failed to encode JSON response", map[string]interface{}{
			"error":  err.Error(),
			"status": status,
		})
	}
}

func respondStructured(log logger.Logger, w http.ResponseWriter, r *http.Request, se *kyc.StructuredError) {
	se.CorrelationID = middleware.RequestIDFromContext(r.Context())
	respondJSON(log, w, se.HTTPStatusCode, se)
}

// respondError classifies err and logs server-side failures with their
// full cause, which the response body does not carry.
func respondError(log logger.Logger, w http.ResponseWriter, r *http.Request, err error) {
	se := kyc.ToStructuredError(err)
	fields := map[string]interface{}{
		"error":      err.Error(),
		"kind":       string(se.Kind),
		"status":     se.HTTPStatusCode,
		"path":       r.URL.Path,
		"request_id": middleware.RequestIDFromContext(r.Context()),
	}
	if se.HTTPStatusCode >= 500 {
		log.Error("KYC workflow request failed", fields)
	} else {
		log.Warn("KYC workflow request rejected", fields)
	}
	respondStructured(log, w, r, se)
}

func respondValidation(log logger.Logger, w http.ResponseWriter, r *http.Request, message string, fields map[string]string) {
	respondStructured(log, w, r, kyc.NewValidationError(message, fields))
}

// decodeAndValidate parses a JSON body into req and runs struct validation.
// It writes the error response itself and reports whether to continue.
func decodeAndValidate(log logger.Logger, v *validator.Validator, w http.ResponseWriter, r *http.Request, req interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(req); err != nil {
		msg := "Invalid request body format"
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			msg = "Request body is required"
		case errors.As(err, &tooLarge):
			msg = "Request body too large"
		}
		respondValidation(log, w, r, msg, map[string]string{"_body": err.Error()})
		return false
	}

	if fields := v.ValidateStructured(req); len(fields) > 0 {
		respondValidation(log, w, r, "Request validation failed", fields)
		return false
	}
	return true
}

func notFound(id uuid.UUID) error {
	return kyderrors.New(kyderrors.KindNotFound, "handler.visibleDocument", id, "kyc document not found")
}
