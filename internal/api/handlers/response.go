// Package handlers provides HTTP handlers for the portfolio API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/curebird/curebird/internal/attachment"
	"github.com/curebird/curebird/internal/domain/appointment"
	"github.com/curebird/curebird/internal/domain/record"
	"github.com/curebird/curebird/internal/identity"
	"github.com/curebird/curebird/internal/store"
	"github.com/curebird/curebird/pkg/idempotency"
)

// maxBodySize bounds JSON request bodies.
const maxBodySize = 2 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v)
}

// statusFor maps the packages' sentinel errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, record.ErrInvalidRecord),
		errors.Is(err, appointment.ErrInvalidAppointment),
		errors.Is(err, identity.ErrWeakPassword),
		errors.Is(err, identity.ErrInvalidEmail),
		errors.Is(err, attachment.ErrMissingFileName),
		errors.Is(err, store.ErrInvalidPath):
		return http.StatusBadRequest
	case errors.Is(err, identity.ErrInvalidCredential),
		errors.Is(err, identity.ErrSessionExpired),
		errors.Is(err, identity.ErrFederatedRejected):
		return http.StatusUnauthorized
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, identity.ErrUserNotFound),
		errors.Is(err, attachment.ErrBlobNotFound):
		return http.StatusNotFound
	case errors.Is(err, identity.ErrEmailInUse),
		errors.Is(err, idempotency.ErrWriteInProgress):
		return http.StatusConflict
	case errors.Is(err, idempotency.ErrPreviouslyFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, attachment.ErrBlobTooLarge),
		errors.Is(err, attachment.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, identity.ErrFederatedUnavailable):
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

// errorMessage hides internal failures behind a generic message.
func errorMessage(err error) string {
	if statusFor(err) == http.StatusInternalServerError {
		return "internal server error"
	}
	return err.Error()
}
