package rterrors

import (
	"errors"
	"testing"
)

func TestNewBoundsAndSortsDetails(t *testing.T) {
	details := map[string]string{"b": "2", "a": "1", "": "dropped"}
	e := New(ConcurrencyConflict, "stale version", details)
	if len(e.Details) != 2 {
		t.Fatalf("expected empty key dropped, got %+v", e.Details)
	}
	if e.Details[0].K != "a" || e.Details[1].K != "b" {
		t.Fatalf("expected sorted details, got %+v", e.Details)
	}
}

func TestErrorStringIncludesCode(t *testing.T) {
	e := New(ScopeViolation, "tenant mismatch", nil)
	if got := e.Error(); got != "engine.scope_violation: tenant mismatch" {
		t.Fatalf("unexpected error string: %q", got)
	}
}

func TestWrapPreservesCauseForUnwrap(t *testing.T) {
	cause := errors.New("underlying failure")
	wrapped := Wrap(TransientIO, "store append failed", cause)
	if !errors.Is(wrapped, cause) {
		t.Fatalf("expected errors.Is to find the wrapped cause")
	}
}

func TestAsExtractsStructuredError(t *testing.T) {
	cause := Wrap(AdapterFailure, "decide failed", errors.New("boom"))
	var asErr error = cause
	got, ok := As(asErr)
	if !ok || got.Code != AdapterFailure {
		t.Fatalf("expected to extract AdapterFailure, got %+v ok=%v", got, ok)
	}
}

func TestCodeOfDefaultsToInternal(t *testing.T) {
	if got := CodeOf(errors.New("unstructured")); got != Internal {
		t.Fatalf("expected Internal for unstructured error, got %q", got)
	}
}

func TestRetryableReflectsRegistry(t *testing.T) {
	transient := New(TransientIO, "", nil)
	if !transient.Retryable() {
		t.Fatalf("expected TransientIO to be retryable")
	}
	scope := New(ScopeViolation, "", nil)
	if scope.Retryable() {
		t.Fatalf("expected ScopeViolation to be non-retryable")
	}
}

func TestListIsSortedAndComplete(t *testing.T) {
	codes := List()
	if len(codes) == 0 {
		t.Fatalf("expected a non-empty code registry")
	}
	for i := 1; i < len(codes); i++ {
		if codes[i-1] >= codes[i] {
			t.Fatalf("expected sorted codes, got %q before %q", codes[i-1], codes[i])
		}
	}
	if !Known(PoisonPill) {
		t.Fatalf("expected PoisonPill to be a known code")
	}
}
