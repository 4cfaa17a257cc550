package engine

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Formatting(t *testing.T) {
	plain := validationf("device_id is required")
	if got := plain.Error(); got != "validation_error: device_id is required" {
		t.Errorf("unexpected message: %q", got)
	}

	cause := errors.New("connection refused")
	wrapped := transient("join failed", cause)
	if got := wrapped.Error(); got != "transient: join failed: connection refused" {
		t.Errorf("unexpected message: %q", got)
	}
	if !errors.Is(wrapped, cause) {
		t.Error("wrapped cause should be reachable through Unwrap")
	}
	if plain.Unwrap() != nil {
		t.Error("plain error has no cause")
	}
}

func TestError_Retryable(t *testing.T) {
	cases := []struct {
		err       *Error
		retryable bool
	}{
		{validationf("bad input"), false},
		{notFoundf("gone"), false},
		{timeoutf("deadline elapsed"), false},
		{conflictf("lost a race"), true},
		{transient("store down", errors.New("i/o")), true},
	}
	for _, tc := range cases {
		if got := tc.err.Retryable(); got != tc.retryable {
			t.Errorf("%s: Retryable() = %v, want %v", tc.err.Code, got, tc.retryable)
		}
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(notFoundf("gone")); got != CodeNotFound {
		t.Errorf("CodeOf = %q, want %q", got, CodeNotFound)
	}

	// The code survives further wrapping.
	layered := fmt.Errorf("handler: %w", conflictf("lost a race"))
	if got := CodeOf(layered); got != CodeConflict {
		t.Errorf("CodeOf(wrapped) = %q, want %q", got, CodeConflict)
	}
	if !IsCode(layered, CodeConflict) {
		t.Error("IsCode should see through wrapping")
	}

	if got := CodeOf(errors.New("foreign")); got != "" {
		t.Errorf("foreign errors have no code, got %q", got)
	}
	if IsCode(nil, CodeValidation) {
		t.Error("nil carries no code")
	}
}
