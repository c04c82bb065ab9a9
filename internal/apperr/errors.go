// Package apperr holds the error taxonomy shared by services, the ws hub and HTTP handlers.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrLocked           = errors.New("locked")
	ErrForbidden        = errors.New("forbidden")
	ErrValidation       = errors.New("validation error")
	ErrNotFound         = errors.New("not found")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrConflict         = errors.New("conflict")
)

// ValidationError carries a human readable reason and matches ErrValidation.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Validation returns an error for malformed input.
func Validation(reason string) error {
	return &ValidationError{Reason: reason}
}

// HTTPStatus maps an error from the taxonomy to a response status.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrLocked):
		return http.StatusLocked
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the text shown to clients. Internal errors are not leaked.
func Message(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	for _, known := range []error{ErrUnauthenticated, ErrLocked, ErrForbidden, ErrNotFound, ErrConflict, ErrStoreUnavailable} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "internal server error"
}

// FromStatus is the inverse of HTTPStatus for clients of the API: msg becomes the
// validation reason, other statuses map back to their sentinel.
func FromStatus(status int, msg string) error {
	var base error
	switch status {
	case http.StatusUnauthorized:
		base = ErrUnauthenticated
	case http.StatusLocked:
		base = ErrLocked
	case http.StatusForbidden:
		base = ErrForbidden
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return Validation(msg)
	case http.StatusNotFound:
		base = ErrNotFound
	case http.StatusConflict:
		base = ErrConflict
	case http.StatusServiceUnavailable:
		base = ErrStoreUnavailable
	default:
		return fmt.Errorf("status %d: %s", status, msg)
	}
	if msg == "" || msg == base.Error() {
		return base
	}
	return fmt.Errorf("%s: %w", msg, base)
}
