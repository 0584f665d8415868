// Package pidfile guards against duplicate daemon instances via a PID file,
// generalized from the single-daemon acquirePIDLock pattern into a reusable
// acquire/release pair.
package pidfile

import (
	"fmt"
	"os"
	"strconv"
	"syscall"
)

// Lock represents an acquired PID file. Release removes it.
type Lock struct {
	path string
}

// Acquire writes the current process's PID to path, refusing if an existing
// PID file names a process that is still alive. A PID file naming a dead
// process is treated as stale and overwritten.
func Acquire(path string) (*Lock, error) {
	if data, err := os.ReadFile(path); err == nil {
		if pid, err := strconv.Atoi(string(data)); err == nil {
			if process, err := os.FindProcess(pid); err == nil {
				if err := process.Signal(syscall.Signal(0)); err == nil {
					return nil, fmt.Errorf("another instance is running (PID %d)", pid)
				}
			}
		}
		_ = os.Remove(path)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	return &Lock{path: path}, nil
}

// Release removes the PID file.
func (l *Lock) Release() error {
	return os.Remove(l.path)
}
