// ABOUTME: Tests for the directory lock
// ABOUTME: Covers contention, release and idempotent release

package store

import (
	"errors"
	"testing"
)

func TestLockDir_Contention(t *testing.T) {
	dir := t.TempDir()

	first, err := LockDir(dir)
	if err != nil {
		t.Fatalf("LockDir failed: %v", err)
	}

	_, err = LockDir(dir)
	if !errors.Is(err, ErrAlreadyOpen) {
		t.Fatalf("second LockDir = %v, want ErrAlreadyOpen", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	again, err := LockDir(dir)
	if err != nil {
		t.Fatalf("LockDir after release failed: %v", err)
	}
	defer again.Release()
}

func TestDirLock_ReleaseTwice(t *testing.T) {
	l, err := LockDir(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Release(); err != nil {
		t.Fatal(err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release = %v, want nil", err)
	}
}

func TestLockDir_MissingDirectory(t *testing.T) {
	if _, err := LockDir("/nonexistent/definitely/not/here"); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
