//go:build linux || darwin

package sys

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Mmap maps the first size bytes of f read-only and shared. A zero size
// returns a nil slice since mapping an empty range is not allowed.
func Mmap(f FileHandle, size int64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	if size < 0 || int64(int(size)) != size {
		return nil, fmt.Errorf("mmap %s: invalid size %d", f.Name(), size)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", f.Name(), err)
	}
	return data, nil
}

// Munmap releases a mapping returned by Mmap. A nil slice is a no-op.
func Munmap(data []byte) error {
	if data == nil {
		return nil
	}
	return unix.Munmap(data)
}
