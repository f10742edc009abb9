package protocol

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeOf(t *testing.T) {
	se := NewStoreError(CodeConflict, "update", "pins", errors.New("row changed"))
	if got := CodeOf(se); got != CodeConflict {
		t.Errorf("Expected conflict, got %s", got)
	}

	wrapped := fmt.Errorf("applying operation: %w", se)
	if got := CodeOf(wrapped); got != CodeConflict {
		t.Errorf("Expected conflict through wrapping, got %s", got)
	}

	if got := CodeOf(errors.New("connection reset")); got != CodeUnavailable {
		t.Errorf("Expected unclassified errors to map to unavailable, got %s", got)
	}

	if got := CodeOf(nil); got != "" {
		t.Errorf("Expected empty code for nil, got %s", got)
	}
}

func TestIsTransientIsTerminal(t *testing.T) {
	transient := NewStoreError(CodeUnavailable, "insert", "photos", nil)
	if !IsTransient(transient) {
		t.Error("Expected unavailable to be transient")
	}
	if IsTerminal(transient) {
		t.Error("Expected unavailable not to be terminal")
	}

	for _, code := range []ErrorCode{CodePermissionDenied, CodeValidation, CodeConflict, CodeNotFound} {
		err := NewStoreError(code, "update", "pins", nil)
		if !IsTerminal(err) {
			t.Errorf("Expected %s to be terminal", code)
		}
		if IsTransient(err) {
			t.Errorf("Expected %s not to be transient", code)
		}
	}

	if IsTransient(nil) || IsTerminal(nil) {
		t.Error("Expected nil to be neither transient nor terminal")
	}

	// Plain errors retry rather than silently dropping the operation.
	if !IsTransient(errors.New("dial tcp: timeout")) {
		t.Error("Expected unclassified error to be transient")
	}
}

func TestStoreErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	se := NewStoreError(CodeValidation, "close", "pins", cause)
	if !errors.Is(se, cause) {
		t.Error("Expected errors.Is to reach the cause")
	}
}
