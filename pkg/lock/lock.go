// Package lock implements advisory file locking: one lock per VPC state
// file for single-VPC operations, plus a global lock for teardown-all and
// multi-VPC operations such as peering. Locking uses
// golang.org/x/sys/unix.Flock directly, the same thin syscall wrapper
// dependency pulled in transitively through vishvananda/netlink.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// ErrBusy is returned when a lock cannot be acquired before the timeout
// elapses.
var ErrBusy = errors.New("busy")

// Lock is a held advisory file lock. Call Unlock to release it.
type Lock struct {
	file *os.File
}

// Acquire opens (creating if necessary) the file at path and takes an
// exclusive advisory lock on it, retrying until timeout elapses.
func Acquire(path string, timeout time.Duration) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating lock directory for %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", path, err)
	}

	deadline := time.Now().Add(timeout)
	backoff := 10 * time.Millisecond
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &Lock{file: f}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			f.Close()
			return nil, fmt.Errorf("locking %s: %w", path, err)
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, fmt.Errorf("acquiring lock %s: %w", path, ErrBusy)
		}
		time.Sleep(backoff)
		if backoff < 200*time.Millisecond {
			backoff *= 2
		}
	}
}

// Unlock releases the lock and closes the underlying file descriptor.
func (l *Lock) Unlock() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("unlocking: %w", err)
	}
	return closeErr
}

// VPCLockPath returns the advisory lock path for a single VPC's
// operations, co-located with its state file.
func VPCLockPath(stateDir, vpcName string) string {
	return stateDir + "/." + vpcName + ".lock"
}

// GlobalLockPath returns the advisory lock path used for teardown-all and
// other operations that touch multiple VPCs at once (e.g. peering).
func GlobalLockPath(stateDir string) string {
	return stateDir + "/.global.lock"
}
