package controlplane

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/fentz26/warden/internal/models"
)

// Error is a service-level failure with a stable code and an HTTP-equivalent
// status. Every failure surfaced to a caller carries one.
type Error struct {
	Code       models.ErrorCode
	Status     int
	Message    string
	Violations []models.Violation
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// AsError extracts a service error from err, wrapping anything unclassified
// as a 500 RUN_FAILED.
func AsError(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return &Error{
		Code:    models.ErrCodeRunFailed,
		Status:  http.StatusInternalServerError,
		Message: err.Error(),
		Err:     err,
	}
}

func errValidation(msg string) *Error {
	return &Error{Code: models.ErrCodeValidation, Status: http.StatusBadRequest, Message: msg}
}

func errTaskNotFound(id string) *Error {
	return &Error{Code: models.ErrCodeTaskNotFound, Status: http.StatusNotFound, Message: "task not found: " + id}
}

func errInvalidAction(action string) *Error {
	return &Error{Code: models.ErrCodeInvalidAction, Status: http.StatusBadRequest, Message: "invalid action: " + action}
}

func errStateConflict(msg string) *Error {
	return &Error{Code: models.ErrCodeStateConflict, Status: http.StatusConflict, Message: msg}
}

func errClarify(code models.ErrorCode, msg string) *Error {
	return &Error{Code: code, Status: http.StatusConflict, Message: msg}
}

func errInternal(code models.ErrorCode, msg string, err error) *Error {
	return &Error{Code: code, Status: http.StatusInternalServerError, Message: msg, Err: err}
}
