package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_MessageIncludesContext(t *testing.T) {
	err := newError(ErrorRunnerInvocation, "function runtime failed", errors.New("exec: not found")).
		WithFunction("example/fn:v1").
		WithPath("app/fns.yaml")

	msg := err.Error()
	for _, want := range []string{"runner_invocation", "function runtime failed", "example/fn:v1", "app/fns.yaml", "exec: not found"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Expected message to contain %q, got: %s", want, msg)
		}
	}
}

func TestError_UnwrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := NewPersistenceError("failed to write results", cause)

	if !errors.Is(err, cause) {
		t.Error("Expected errors.Is to find the wrapped cause")
	}
	wrapped := fmt.Errorf("writing artifacts: %w", err)
	if !IsPersistence(wrapped) {
		t.Error("Expected category predicate to see through wrapping")
	}
}

func TestError_CategoryPredicates(t *testing.T) {
	tests := []struct {
		category  ErrorCategory
		predicate func(error) bool
	}{
		{ErrorDeclarationParse, IsDeclarationParse},
		{ErrorScopeResolution, IsScopeResolution},
		{ErrorRunnerInvocation, IsRunnerInvocation},
		{ErrorValidation, IsValidation},
		{ErrorPersistence, IsPersistence},
	}

	for _, tt := range tests {
		err := newError(tt.category, "test", nil)
		if !tt.predicate(err) {
			t.Errorf("Expected predicate for %s to match its own category", tt.category)
		}
		for _, other := range tests {
			if other.category == tt.category {
				continue
			}
			if other.predicate(err) {
				t.Errorf("Expected predicate for %s not to match %s", other.category, tt.category)
			}
		}
	}
}

func TestIsDeferrable(t *testing.T) {
	if !IsDeferrable(newError(ErrorRunnerInvocation, "crash", nil)) {
		t.Error("Expected runner invocation errors to be deferrable")
	}
	if !IsDeferrable(newError(ErrorValidation, "nonzero exit", nil)) {
		t.Error("Expected validation errors to be deferrable")
	}
	if IsDeferrable(newError(ErrorDeclarationParse, "bad annotation", nil)) {
		t.Error("Expected parse errors to be fatal")
	}
	if IsDeferrable(newError(ErrorScopeResolution, "bad anchor", nil)) {
		t.Error("Expected scope errors to be fatal")
	}
	if IsDeferrable(errors.New("plain")) {
		t.Error("Expected unclassified errors to be fatal")
	}
}
