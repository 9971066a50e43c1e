package stores

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"validation", NewValidationError("bad", nil), IsValidation},
		{"referential", NewReferentialError("missing", nil), IsReferential},
		{"conflict", NewConflictError("race", nil), IsConflict},
		{"adapter", NewAdapterError("source failed", nil), IsAdapter},
		{"fatal", NewFatalError("corrupt", nil), IsFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(tt.err) {
				t.Errorf("%v not classified as %s", tt.err, tt.name)
			}
			// Classification survives wrapping.
			wrapped := fmt.Errorf("outer: %w", tt.err)
			if !tt.check(wrapped) {
				t.Errorf("classification lost through wrapping: %v", wrapped)
			}
		})
	}
}

func TestErrorCodeOverride(t *testing.T) {
	err := NewValidationError("closed", nil).WithCode(ErrCodeAlreadyClosed)
	if !IsValidation(err) {
		t.Error("code override must not change the class")
	}

	var se *StoreError
	if !errors.As(fmt.Errorf("wrap: %w", err), &se) {
		t.Fatal("errors.As failed")
	}
	if se.Code != ErrCodeAlreadyClosed {
		t.Errorf("code = %s, want %s", se.Code, ErrCodeAlreadyClosed)
	}
}

func TestErrorMessageCarriesContext(t *testing.T) {
	cause := errors.New("unique constraint failed")
	err := NewReferentialError("device not found", cause).
		WithEntity("devices").WithKey("dev-1")

	msg := err.Error()
	for _, want := range []string{"referential", "devices", "dev-1", "unique constraint failed"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error message %q missing %q", msg, want)
		}
	}

	if !errors.Is(err, cause) {
		t.Error("unwrap chain broken")
	}
}
