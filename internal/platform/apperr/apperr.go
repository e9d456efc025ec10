// Package apperr defines the error taxonomy shared by the scheduling and
// encounter domains, and its mapping onto HTTP responses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrImmutable         = errors.New("record is immutable")
	ErrConflict          = errors.New("concurrent modification")
)

// ValidationError reports malformed or insufficient input. The caller can
// always recover by correcting the input.
type ValidationError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Validation is shorthand for building a *ValidationError.
func Validation(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError reports an unknown identifier.
type NotFoundError struct {
	Resource string `json:"resource"`
	ID       string `json:"id"`
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NotFound builds a *NotFoundError for the given resource and id.
func NotFound(resource string, id fmt.Stringer) error {
	return &NotFoundError{Resource: resource, ID: id.String()}
}

// InvalidTransitionError reports a status change outside the transition table.
type InvalidTransitionError struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot transition from %s to %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// ImmutableRecordError reports an edit attempted on a locked field.
type ImmutableRecordError struct {
	Field  string `json:"field"`
	Status string `json:"status"`
}

func (e *ImmutableRecordError) Error() string {
	return fmt.Sprintf("%s is read-only while status is %s", e.Field, e.Status)
}

func (e *ImmutableRecordError) Is(target error) bool { return target == ErrImmutable }

// ConflictError reports a write that lost a race with another transaction.
// Nothing was persisted; the operator may retry.
type ConflictError struct {
	Message string `json:"message"`
}

func (e *ConflictError) Error() string { return e.Message }

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// HTTPStatus returns the response code for err.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrImmutable), errors.Is(err, ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// HTTPError converts a domain error to an echo error. Internal errors are
// not echoed back to the client.
func HTTPError(err error) *echo.HTTPError {
	code := HTTPStatus(err)
	if code == http.StatusInternalServerError {
		return echo.NewHTTPError(code, "internal server error").SetInternal(err)
	}

	body := map[string]interface{}{"error": err.Error()}
	var (
		ve *ValidationError
		te *InvalidTransitionError
		ie *ImmutableRecordError
		ce *ConflictError
	)
	switch {
	case errors.As(err, &ve):
		body["field"] = ve.Field
	case errors.As(err, &te):
		body["current_status"] = te.From
		body["requested_status"] = te.To
	case errors.As(err, &ie):
		body["field"] = ie.Field
		body["current_status"] = ie.Status
	case errors.As(err, &ce):
		body["retry"] = true
	}
	return echo.NewHTTPError(code, body).SetInternal(err)
}
