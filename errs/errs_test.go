package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesComponentAndCause(t *testing.T) {
	err := New(
		"docstore/batch",
		CodePrecondition,
		WithHTTP(412),
		WithMessage("snapshot etag moved"),
		WithStoreCode("23505"),
		WithCause(errors.New("update affected 0 rows")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=docstore/batch") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=precondition_failed") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "http=412") {
		t.Fatalf("expected http status in error string: %s", out)
	}
	if !strings.Contains(out, "store_code=\"23505\"") {
		t.Fatalf("expected store code in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"update affected 0 rows\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestCodeOfUnwrapsNestedEnvelope(t *testing.T) {
	inner := New("docstore/read", CodeNotFound)
	wrapped := fmt.Errorf("eventstore: read snapshot: %w", inner)

	if got := CodeOf(wrapped); got != CodeNotFound {
		t.Fatalf("expected not_found through wrapping, got %q", got)
	}
	if !IsNotFound(wrapped) {
		t.Fatal("expected IsNotFound to see through fmt.Errorf wrapping")
	}
}

func TestCodeOfPlainErrorIsFatal(t *testing.T) {
	if got := CodeOf(errors.New("boom")); got != CodeFatal {
		t.Fatalf("expected plain errors to classify as fatal, got %q", got)
	}
	if got := CodeOf(nil); got != "" {
		t.Fatalf("expected empty code for nil error, got %q", got)
	}
}

func TestConcurrencyClassification(t *testing.T) {
	cases := []struct {
		code Code
		want bool
	}{
		{CodePrecondition, true},
		{CodeConflict, true},
		{CodeNotFound, false},
		{CodeThrottled, false},
		{CodeTransient, false},
	}
	for _, tc := range cases {
		err := New("eventstore/append", tc.code)
		if got := IsConcurrency(err); got != tc.want {
			t.Errorf("IsConcurrency(%s) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestRetryableClassification(t *testing.T) {
	if !IsRetryable(New("docstore/query", CodeThrottled)) {
		t.Fatal("throttled should be retryable")
	}
	if !IsRetryable(New("docstore/query", CodeTransient)) {
		t.Fatal("transient should be retryable")
	}
	if IsRetryable(New("docstore/query", CodeConflict)) {
		t.Fatal("conflict must not be retryable at store level")
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}
