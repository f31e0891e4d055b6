package failure

import (
	"errors"
	"fmt"
	"testing"
)

func TestTransientReasonWithCustomContext(t *testing.T) {
	f := Transient(errors.New("connection refused"), "query orchestration status")

	if f.Kind != KindTransient {
		t.Errorf("expected kind %q, got %q", KindTransient, f.Kind)
	}
	want := "ERROR=query orchestration status DETAIL=connection refused"
	if f.Reason != want {
		t.Errorf("expected reason %q, got %q", want, f.Reason)
	}
	wantErr := "TRANSIENT FAILURE|ERROR=query orchestration status DETAIL=connection refused"
	if f.Error() != wantErr {
		t.Errorf("expected error %q, got %q", wantErr, f.Error())
	}
}

func TestPermanentReasonWithoutCustomContext(t *testing.T) {
	f := Permanent(errors.New("unknown action \"FREEZE\""))

	want := "PERMANENT FAILURE|ERROR=unknown action \"FREEZE\""
	if f.Error() != want {
		t.Errorf("expected error %q, got %q", want, f.Error())
	}
}

func TestEmptyCustomContextFallsBackToBareReason(t *testing.T) {
	f := Transient(errors.New("timeout"), "")
	if f.Reason != "ERROR=timeout" {
		t.Errorf("expected bare reason, got %q", f.Reason)
	}
}

func TestClassificationPredicates(t *testing.T) {
	transient := Transient(errors.New("boom"))
	permanent := Permanent(errors.New("boom"))

	if !IsTransient(transient) {
		t.Error("transient failure should be transient")
	}
	if IsPermanent(transient) {
		t.Error("transient failure should not be permanent")
	}
	if !IsPermanent(permanent) {
		t.Error("permanent failure should be permanent")
	}
	if IsTransient(permanent) {
		t.Error("permanent failure should not be transient")
	}
	if IsTransient(errors.New("unclassified")) {
		t.Error("unclassified error should not be transient")
	}
	if IsPermanent(nil) {
		t.Error("nil error should not be permanent")
	}
}

func TestClassificationSurvivesWrapping(t *testing.T) {
	f := Transient(errors.New("deadline exceeded"), "persist card status")
	wrapped := fmt.Errorf("activity invocation: %w", f)

	if !IsTransient(wrapped) {
		t.Error("wrapped transient failure should stay transient")
	}
	extracted := As(wrapped)
	if extracted == nil {
		t.Fatal("expected to extract classified failure from wrapped error")
	}
	if extracted.Reason != f.Reason {
		t.Errorf("expected reason %q, got %q", f.Reason, extracted.Reason)
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("root cause")
	f := Permanent(cause, "validate request")
	if !errors.Is(f, cause) {
		t.Error("failure should unwrap to its cause")
	}
}

func TestAsReturnsNilForUnclassified(t *testing.T) {
	if As(errors.New("plain")) != nil {
		t.Error("unclassified error should not extract a failure")
	}
	if As(nil) != nil {
		t.Error("nil error should not extract a failure")
	}
}

func TestReportPassesThrough(t *testing.T) {
	f := Transient(errors.New("boom"))
	if got := Report(f); got != f {
		t.Error("Report should return the same failure")
	}
	if got := Report(nil); got != nil {
		t.Error("Report(nil) should return nil")
	}
}
