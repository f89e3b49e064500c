package agenterr

import (
	"errors"
	"testing"
)

func TestNewUsesDefaultMessage(t *testing.T) {
	err := New(SpawnFail)
	if err.Error() != "failed to spawn supervisor" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
	if err.Kind != SpawnFail {
		t.Fatalf("unexpected kind: %v", err.Kind)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Wrap(cause, SupervisorLost)
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped error to unwrap to cause")
	}
	if err.Message != cause.Error() {
		t.Fatalf("expected message to default to cause text, got %q", err.Message)
	}
}

func TestWrapNilReturnsNil(t *testing.T) {
	if Wrap(nil, SystemError) != nil {
		t.Fatalf("expected Wrap(nil, ...) to return nil")
	}
}

func TestWrapReclassifiesExistingError(t *testing.T) {
	original := New(ConfigError)
	reclassified := Wrap(original, ProtocolError)
	if reclassified.Kind != ProtocolError {
		t.Fatalf("expected re-wrap to change kind, got %v", reclassified.Kind)
	}
	if reclassified != original {
		t.Fatalf("expected re-wrap of an *Error to reuse the same instance")
	}
}

func TestExitCodeMapping(t *testing.T) {
	cases := map[Kind]int{
		ExceedTimeLimit:  137,
		Cancelled:        143,
		PermissionDenied: 13,
		FileNotFound:     127,
		SpawnFail:        2,
	}
	for kind, want := range cases {
		if got := kind.ExitCode(); got != want {
			t.Errorf("%v.ExitCode() = %d, want %d", kind, got, want)
		}
	}
}

func TestGetKindDefaultsToSystemError(t *testing.T) {
	if GetKind(errors.New("plain error")) != SystemError {
		t.Fatalf("expected plain errors to classify as SystemError")
	}
	if GetKind(nil) != 0 {
		t.Fatalf("expected nil error to classify as zero value")
	}
}

func TestIs(t *testing.T) {
	err := New(FileNotFound)
	if !Is(err, FileNotFound) {
		t.Fatalf("expected Is to match same kind")
	}
	if Is(err, ConfigError) {
		t.Fatalf("expected Is to reject different kind")
	}
}

func TestWithDetailAndMessage(t *testing.T) {
	err := New(ContainerError).WithMessage("cgroup create failed").WithDetail("job_id", uint32(42))
	if err.Error() != "cgroup create failed" {
		t.Fatalf("unexpected message after WithMessage: %q", err.Error())
	}
	if err.Details["job_id"] != uint32(42) {
		t.Fatalf("expected detail to be recorded")
	}
}
