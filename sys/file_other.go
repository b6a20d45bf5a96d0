//go:build !linux && !darwin

package sys

import (
	"errors"
	"os"
	"time"
)

var ErrNotSupported = errors.New("operation not supported on this platform")

// ErrLockHeld is returned when another process holds the lock past the timeout.
var ErrLockHeld = errors.New("lock held by another process")

type genericFile struct{}

func NewFile() File { return &genericFile{} }

func (gf *genericFile) Create(name string) (*os.File, error) { return os.Create(name) }
func (gf *genericFile) Open(name string) (*os.File, error)   { return os.Open(name) }
func (gf *genericFile) OpenFile(name string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(name, flag, perm)
}
func (gf *genericFile) CreateTemp(dir, pattern string) (*os.File, error) {
	return os.CreateTemp(dir, pattern)
}
func (gf *genericFile) Rename(oldpath, newpath string) error { return os.Rename(oldpath, newpath) }
func (gf *genericFile) Remove(name string) error {
	err := os.Remove(name)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func AcquireOSFileLock(lockPath string, timeout time.Duration) (func() error, error) {
	return nil, ErrNotSupported
}

func Mmap(f FileHandle, size int64) ([]byte, error) {
	return nil, ErrNotSupported
}

func Munmap(data []byte) error {
	return ErrNotSupported
}
