package sys

import (
	"io"
	"os"
	"sync/atomic"
)

// fileWrapper is a stable concrete type used to store the File interface
// inside an atomic.Value. atomic.Value requires that all stored values
// have the same concrete type.
type fileWrapper struct {
	f File
}

// defaultFile stores the current platform File implementation wrapped in a
// concrete fileWrapper.
var defaultFile atomic.Value // stores fileWrapper
var debugMode atomic.Bool

// File opens files for the ledger. Tests swap it with SetDefaultFile to
// observe or fail file operations.
type File interface {
	Create(name string) (*os.File, error)
	Open(name string) (*os.File, error)
	OpenFile(name string, flag int, perm os.FileMode) (*os.File, error)
	CreateTemp(dir, pattern string) (*os.File, error)
	Rename(oldpath, newpath string) error
	Remove(name string) error
}

// FileHandle is an open file as seen by the writer, reader and snapshot code.
type FileHandle interface {
	io.ReadWriteCloser
	io.ReaderAt
	io.WriterAt
	io.Seeker

	Stat() (os.FileInfo, error)
	// Sync flushes data and metadata (fsync).
	Sync() error
	// Datasync flushes data and only the metadata needed to read it back (fdatasync).
	Datasync() error
	Truncate(size int64) error
	Name() string
	Fd() uintptr
}

type CreateHandler func(name string) (FileHandle, error)
type OpenHandler func(name string) (FileHandle, error)
type OpenFileHandler func(name string, flag int, perm os.FileMode) (FileHandle, error)
type CreateTempHandler func(dir, pattern string) (FileHandle, error)
type RenameHandler func(oldpath, newpath string) error
type RemoveHandler func(name string) error

func init() {
	debugMode.Store(false)
	defaultFile.Store(fileWrapper{f: NewFile()})
}

// SetDefaultFile replaces the File implementation used by the package handlers.
func SetDefaultFile(file File) {
	defaultFile.Store(fileWrapper{f: file})
}

// SetDebugMode makes handles returned by the package handlers log their
// open and close calls.
func SetDebugMode(mode bool) {
	debugMode.Store(mode)
}

func current() (File, error) {
	p := defaultFile.Load()
	if p == nil {
		return nil, os.ErrInvalid
	}
	fw, ok := p.(fileWrapper)
	if !ok || fw.f == nil {
		return nil, os.ErrInvalid
	}
	return fw.f, nil
}

func wrap(f *os.File) FileHandle {
	if debugMode.Load() {
		return newDebugFile(f)
	}
	return &RealFile{f: f}
}

var Create CreateHandler = func(name string) (FileHandle, error) {
	return OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
}

var Open OpenHandler = func(name string) (FileHandle, error) {
	return OpenFile(name, os.O_RDONLY, 0)
}

var OpenFile OpenFileHandler = func(name string, flag int, perm os.FileMode) (FileHandle, error) {
	file, err := current()
	if err != nil {
		return nil, err
	}
	f, err := file.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return wrap(f), nil
}

var CreateTemp CreateTempHandler = func(dir, pattern string) (FileHandle, error) {
	file, err := current()
	if err != nil {
		return nil, err
	}
	f, err := file.CreateTemp(dir, pattern)
	if err != nil {
		return nil, err
	}
	return wrap(f), nil
}

var Rename RenameHandler = func(oldpath, newpath string) error {
	file, err := current()
	if err != nil {
		return err
	}
	return file.Rename(oldpath, newpath)
}

var Remove RemoveHandler = func(name string) error {
	file, err := current()
	if err != nil {
		return err
	}
	return file.Remove(name)
}

// SyncDir fsyncs a directory so a rename or create inside it is durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	serr := d.Sync()
	cerr := d.Close()
	if serr != nil {
		return serr
	}
	return cerr
}
