package errors

import (
	"fmt"
	"testing"
)

func TestExitCodes(t *testing.T) {
	tests := []struct {
		name string
		err  *ReconcilerError
		want int
	}{
		{"validation", Validation(CodeInvalidAmount, "bad amount"), ExitValidation},
		{"usage", Validation(CodeUsage, "missing flag"), ExitUsage},
		{"not found", NotFound(CodeInvoiceNotFound, "invoice", 42), ExitValidation},
		{"conflict", Conflict(CodeDuplicateLink, "link exists"), ExitValidation},
		{"transient", Transient(CodeDatabaseBusy, fmt.Errorf("busy"), "apply"), ExitInternal},
		{"internal", Internal(fmt.Errorf("boom"), "suggest"), ExitInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.GetExitCode(); got != tt.want {
				t.Errorf("GetExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestExitCodeFor(t *testing.T) {
	if got := ExitCodeFor(nil); got != ExitOK {
		t.Errorf("ExitCodeFor(nil) = %d, want %d", got, ExitOK)
	}
	if got := ExitCodeFor(fmt.Errorf("plain error")); got != ExitInternal {
		t.Errorf("ExitCodeFor(plain) = %d, want %d", got, ExitInternal)
	}
	if got := ExitCodeFor(Validation(CodeExceedsResidual, "too much")); got != ExitValidation {
		t.Errorf("ExitCodeFor(validation) = %d, want %d", got, ExitValidation)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("underlying")
	err := Wrap(cause, KindInternal, CodeDatabase, "query failed")

	if err.Unwrap() != cause {
		t.Error("expected Unwrap to return the original cause")
	}

	re, ok := AsReconcilerError(fmt.Errorf("outer: %w", err))
	if !ok {
		t.Fatal("expected AsReconcilerError to find the wrapped error")
	}
	if re.Code != CodeDatabase {
		t.Errorf("expected code %s, got %s", CodeDatabase, re.Code)
	}
}

func TestWrapNilReturnsNil(t *testing.T) {
	if Wrap(nil, KindInternal, CodeUnexpected, "nope") != nil {
		t.Error("Wrap(nil) should return nil")
	}
	if WrapIfNeeded(nil, KindInternal, CodeUnexpected, "nope") != nil {
		t.Error("WrapIfNeeded(nil) should return nil")
	}
}

func TestWrapIfNeededKeepsExisting(t *testing.T) {
	orig := Validation(CodeInvalidAmount, "bad")
	wrapped := WrapIfNeeded(orig, KindInternal, CodeUnexpected, "other")
	if wrapped != orig {
		t.Error("expected existing ReconcilerError to pass through unchanged")
	}
}

func TestIsKind(t *testing.T) {
	err := Conflict(CodeDuplicateHash, "duplicate invoice hash")
	if !IsKind(err, KindConflict) {
		t.Error("expected IsKind to match conflict")
	}
	if IsKind(err, KindValidation) {
		t.Error("did not expect IsKind to match validation")
	}
}

func TestContextInMessage(t *testing.T) {
	err := Validation(CodeExceedsResidual, "amount exceeds residual").
		WithContext("invoice_id", int64(7))

	if err.Context["invoice_id"] != int64(7) {
		t.Error("expected context to carry invoice_id")
	}
	msg := err.Error()
	if msg == "amount exceeds residual" {
		t.Error("expected context to appear in formatted message")
	}
}
