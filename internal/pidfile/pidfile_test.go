package pidfile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireThenDuplicateFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")

	lock, err := Acquire(path)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer lock.Release()

	if _, err := Acquire(path); err == nil {
		t.Error("expected second acquire to fail while this process is alive")
	}
}

func TestAcquireOverwritesStalePID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")

	// A PID that is very unlikely to be a live process.
	if err := os.WriteFile(path, []byte("999999"), 0o600); err != nil {
		t.Fatal(err)
	}

	lock, err := Acquire(path)
	if err != nil {
		t.Fatalf("expected stale PID to be overwritten, got: %v", err)
	}
	defer lock.Release()
}

func TestReleaseRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	lock, err := Acquire(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := lock.Release(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected pid file to be removed")
	}
}
