package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/google/uuid"
)

func TestSentinelMatching(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		sentinel error
		status   int
	}{
		{"validation", Validation("instructions", "too long"), ErrValidation, http.StatusBadRequest},
		{"not found", NotFound("appointment", uuid.New()), ErrNotFound, http.StatusNotFound},
		{"transition", &InvalidTransitionError{From: "scheduled", To: "completed"}, ErrInvalidTransition, http.StatusConflict},
		{"immutable", &ImmutableRecordError{Field: "diagnosis", Status: "completed"}, ErrImmutable, http.StatusConflict},
		{"conflict", &ConflictError{Message: "booking conflicted with a concurrent change, retry"}, ErrConflict, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wrapped := fmt.Errorf("op: %w", tc.err)
			if !errors.Is(wrapped, tc.sentinel) {
				t.Errorf("expected %v to match sentinel", wrapped)
			}
			if got := HTTPStatus(wrapped); got != tc.status {
				t.Errorf("expected status %d, got %d", tc.status, got)
			}
		})
	}
}

func TestHTTPError_HidesInternalErrors(t *testing.T) {
	he := HTTPError(errors.New("connection refused"))
	if he.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", he.Code)
	}
	if he.Message != "internal server error" {
		t.Errorf("expected generic message, got %v", he.Message)
	}
}

func TestHTTPError_TransitionBody(t *testing.T) {
	he := HTTPError(&InvalidTransitionError{From: "cancelled", To: "confirmed"})
	body, ok := he.Message.(map[string]interface{})
	if !ok {
		t.Fatalf("expected map body, got %T", he.Message)
	}
	if body["current_status"] != "cancelled" {
		t.Errorf("expected current_status cancelled, got %v", body["current_status"])
	}
}

func TestHTTPError_ConflictBody(t *testing.T) {
	he := HTTPError(fmt.Errorf("create appointment: %w", &ConflictError{Message: "booking conflicted with a concurrent change, retry"}))
	if he.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", he.Code)
	}
	body, ok := he.Message.(map[string]interface{})
	if !ok {
		t.Fatalf("expected map body, got %T", he.Message)
	}
	if body["retry"] != true {
		t.Errorf("expected retry hint, got %v", body["retry"])
	}
}
