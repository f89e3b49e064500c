package lock

import (
	"path/filepath"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "craned.lock")

	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("unexpected error acquiring lock: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("unexpected error releasing lock: %v", err)
	}
}

func TestAcquireFailsWhenAlreadyHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "craned.lock")

	first, err := Acquire(path)
	if err != nil {
		t.Fatalf("unexpected error on first acquire: %v", err)
	}
	defer first.Release()

	if _, err := Acquire(path); err == nil {
		t.Fatalf("expected second acquire of the same lock file to fail")
	}
}

func TestAcquireSucceedsAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "craned.lock")

	first, err := Acquire(path)
	if err != nil {
		t.Fatalf("unexpected error on first acquire: %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("unexpected error releasing: %v", err)
	}

	second, err := Acquire(path)
	if err != nil {
		t.Fatalf("expected acquire to succeed after release, got %v", err)
	}
	defer second.Release()
}
