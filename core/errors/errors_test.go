package errors

import (
	stderrors "errors"
	"testing"
)

func TestWrapNilReturnsNil(t *testing.T) {
	if err := Wrap(nil, CategoryInternalFailure, "code", "hint", false); err != nil {
		t.Fatalf("expected nil for nil cause, got %v", err)
	}
}

func TestWrapCarriesClassification(t *testing.T) {
	cause := stderrors.New("bond exposure above ceiling")
	err := Wrap(cause, CategoryPolicyRejected, "exposure_exceeded", "reduce bonded fraction or unbond first", false)
	if err == nil {
		t.Fatalf("expected wrapped error")
	}
	if err.Error() != cause.Error() {
		t.Fatalf("wrapped error should surface cause message, got %q", err.Error())
	}
	if !stderrors.Is(err, cause) {
		t.Fatalf("wrapped error should unwrap to cause")
	}
	if CategoryOf(err) != CategoryPolicyRejected {
		t.Fatalf("unexpected category: %s", CategoryOf(err))
	}
	if CodeOf(err) != "exposure_exceeded" {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if HintOf(err) != "reduce bonded fraction or unbond first" {
		t.Fatalf("unexpected hint: %s", HintOf(err))
	}
	if RetryableOf(err) {
		t.Fatalf("expected non-retryable classification")
	}
}

func TestAccessorsOnPlainError(t *testing.T) {
	err := stderrors.New("plain")
	if CategoryOf(err) != "" || CodeOf(err) != "" || HintOf(err) != "" {
		t.Fatalf("plain errors carry no classification")
	}
	if RetryableOf(err) {
		t.Fatalf("plain errors are not retryable")
	}
}

func TestRetryableStepExecution(t *testing.T) {
	err := Wrap(stderrors.New("external call timed out"), CategoryStepExecution, "step_timeout", "step is retried automatically", true)
	if !RetryableOf(err) {
		t.Fatalf("step execution failures are retryable")
	}
	if CategoryOf(err) != CategoryStepExecution {
		t.Fatalf("unexpected category: %s", CategoryOf(err))
	}
}
