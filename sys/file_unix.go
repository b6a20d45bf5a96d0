//go:build linux || darwin

package sys

import (
	"os"
)

type unixFile struct{}

// NewFile returns the platform File implementation.
func NewFile() File {
	return &unixFile{}
}

func (uf *unixFile) Create(name string) (*os.File, error) {
	return os.Create(name)
}

func (uf *unixFile) Open(name string) (*os.File, error) {
	return os.Open(name)
}

func (uf *unixFile) OpenFile(name string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(name, flag, perm)
}

func (uf *unixFile) CreateTemp(dir, pattern string) (*os.File, error) {
	return os.CreateTemp(dir, pattern)
}

// Rename is atomic when both paths are on the same filesystem.
func (uf *unixFile) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

func (uf *unixFile) Remove(name string) error {
	err := os.Remove(name)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
