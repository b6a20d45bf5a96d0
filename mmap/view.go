package mmap

import (
	"fmt"
	"iter"

	"github.com/INLOpen/nexusledger/core"
)

// View is a read-only window over fixed-size records in a mapped file.
// Records are decoded straight out of the mapping. A View stays valid until
// the Reader that produced it is closed.
type View[T any] struct {
	data       []byte
	recordSize int
	decode     func([]byte) T
}

// UserView is a View over users.bin.
type UserView = View[core.UserRecord]

// LogView is a View over history.bin.
type LogView = View[core.LogRecord]

func newView[T any](data []byte, recordSize int, decode func([]byte) T) View[T] {
	// A trailing partial record is not part of the view.
	n := len(data) / recordSize
	return View[T]{data: data[:n*recordSize], recordSize: recordSize, decode: decode}
}

func decodeUser(b []byte) core.UserRecord {
	u, _ := core.DecodeUserRecord(b)
	return u
}

func decodeLog(b []byte) core.LogRecord {
	r, _ := core.DecodeLogRecord(b)
	return r
}

// Len returns the number of complete records in the view.
func (v View[T]) Len() int {
	if v.recordSize == 0 {
		return 0
	}
	return len(v.data) / v.recordSize
}

// Bytes returns the raw bytes of record i without copying. It panics if i
// is out of range, like a slice index.
func (v View[T]) Bytes(i int) []byte {
	if i < 0 || i >= v.Len() {
		panic(fmt.Sprintf("mmap: record index %d out of range [0,%d)", i, v.Len()))
	}
	off := i * v.recordSize
	return v.data[off : off+v.recordSize : off+v.recordSize]
}

// At decodes record i. It panics if i is out of range.
func (v View[T]) At(i int) T {
	return v.decode(v.Bytes(i))
}

// Range returns the sub-view [from, to). Bounds are clamped to the view.
func (v View[T]) Range(from, to int) View[T] {
	n := v.Len()
	from = max(0, min(from, n))
	to = max(from, min(to, n))
	return View[T]{
		data:       v.data[from*v.recordSize : to*v.recordSize],
		recordSize: v.recordSize,
		decode:     v.decode,
	}
}

// All iterates the records in order with their index in this view.
func (v View[T]) All() iter.Seq2[int, T] {
	return func(yield func(int, T) bool) {
		for i := 0; i < v.Len(); i++ {
			if !yield(i, v.At(i)) {
				return
			}
		}
	}
}
