//go:build linux || darwin

package sys

import (
	"errors"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// ErrLockHeld is returned when another process holds the lock past the timeout.
var ErrLockHeld = errors.New("lock held by another process")

// AcquireOSFileLock takes an advisory exclusive flock on lockPath, creating
// the file if needed. It retries until timeout elapses; a zero timeout tries once.
// The returned release func unlocks and closes the file. The file itself is
// left in place so a waiting process never locks a different inode.
func AcquireOSFileLock(lockPath string, timeout time.Duration) (func() error, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	fd := int(f.Fd())
	deadline := time.Now().Add(timeout)
	for {
		err = unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			rel := func() error {
				uerr := unix.Flock(fd, unix.LOCK_UN)
				cerr := f.Close()
				return errors.Join(uerr, cerr)
			}
			return rel, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			_ = f.Close()
			return nil, err
		}
		if !time.Now().Before(deadline) {
			_ = f.Close()
			return nil, ErrLockHeld
		}
		time.Sleep(25 * time.Millisecond)
	}
}
