package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapPreservesCodeThroughChain(t *testing.T) {
	cause := stdErrors.New("connection refused")
	err := fmt.Errorf("load schema: %w", Wrap(CodeStorageFailure, cause, "读取存储失败"))

	if CodeOf(err) != CodeStorageFailure {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable")
	}
	if !stdErrors.Is(err, New(CodeStorageFailure, "")) {
		t.Fatalf("expected errors.Is to match by code")
	}
	if !RetryableError(err) {
		t.Fatalf("storage failures should be retryable")
	}
}

func TestRegisterCustomCode(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	Register(code, Attributes{Message: "custom", Severity: SeverityWarning})

	err := New(code, "")
	if err.Message() != "custom" {
		t.Fatalf("expected default message, got %q", err.Message())
	}
	if err.Severity() != SeverityWarning {
		t.Fatalf("unexpected severity %s", err.Severity())
	}
	if AttributesOf("NOT_REGISTERED").Message != "unknown error" {
		t.Fatalf("unregistered codes should fall back to UNKNOWN")
	}
}

func TestHasCodeNil(t *testing.T) {
	if HasCode(nil, CodeUnknown) {
		t.Fatalf("nil error must not match any code")
	}
	if CodeOf(stdErrors.New("plain")) != CodeUnknown {
		t.Fatalf("plain errors map to UNKNOWN")
	}
}
