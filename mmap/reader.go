package mmap

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/INLOpen/nexusledger/core"
	"github.com/INLOpen/nexusledger/sys"
)

// mappedFile is one read-only file and its mappings. Superseded mappings are
// kept in retired so views handed out before a remap remain readable.
type mappedFile struct {
	file       sys.FileHandle
	path       string
	recordSize int
	data       []byte
	retired    [][]byte
}

func openMapped(dir, name string, recordSize int) (*mappedFile, error) {
	path := filepath.Join(dir, name)
	// O_CREATE lets a reader start on a fresh directory; it never writes.
	file, err := sys.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	mf := &mappedFile{file: file, path: path, recordSize: recordSize}
	if _, err := mf.remap(); err != nil {
		file.Close()
		return nil, err
	}
	return mf, nil
}

// size returns the current file size.
func (mf *mappedFile) size() (int64, error) {
	st, err := mf.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", mf.path, err)
	}
	return st.Size(), nil
}

// remap maps the file again if it grew by at least one whole record.
func (mf *mappedFile) remap() (bool, error) {
	size, err := mf.size()
	if err != nil {
		return false, err
	}
	whole := size - size%int64(mf.recordSize)
	if whole <= int64(len(mf.data)) {
		return false, nil
	}
	data, err := sys.Mmap(mf.file, whole)
	if err != nil {
		return false, err
	}
	if mf.data != nil {
		mf.retired = append(mf.retired, mf.data)
	}
	mf.data = data
	return true, nil
}

func (mf *mappedFile) close() error {
	var errs []error
	for _, d := range mf.retired {
		errs = append(errs, sys.Munmap(d))
	}
	errs = append(errs, sys.Munmap(mf.data), mf.file.Close())
	mf.retired, mf.data = nil, nil
	return errors.Join(errs...)
}

// Reader maps users.bin and history.bin read-only. A mapping does not grow
// on its own: appends become visible after Remap.
type Reader struct {
	mu     sync.RWMutex
	dir    string
	users  *mappedFile
	logs   *mappedFile
	closed bool
	logger *slog.Logger
}

// Open maps both files in dir. Missing files are created empty.
func Open(dir string, logger *slog.Logger) (*Reader, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	users, err := openMapped(dir, core.UsersFileName, core.UserRecordSize)
	if err != nil {
		return nil, err
	}
	logs, err := openMapped(dir, core.HistoryFileName, core.LogRecordSize)
	if err != nil {
		users.close()
		return nil, err
	}
	r := &Reader{dir: dir, users: users, logs: logs, logger: logger.With("component", "MmapReader")}
	r.logger.Debug("Mapped data files", "users_bytes", len(users.data), "log_bytes", len(logs.data))
	return r, nil
}

// Users returns a view of the registration records mapped so far.
func (r *Reader) Users() UserView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return newView(r.users.data, core.UserRecordSize, decodeUser)
}

// Logs returns a view of the log records mapped so far.
func (r *Reader) Logs() LogView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return newView(r.logs.data, core.LogRecordSize, decodeLog)
}

// LiveLogLength re-stats history.bin and returns its number of complete records,
// which may exceed Logs().Len() until the next Remap.
func (r *Reader) LiveLogLength() (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return 0, fmt.Errorf("reader: %w", core.ErrClosed)
	}
	size, err := r.logs.size()
	if err != nil {
		return 0, err
	}
	return uint64(size / core.LogRecordSize), nil
}

// LiveUserCount re-stats users.bin and returns its number of complete records.
func (r *Reader) LiveUserCount() (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return 0, fmt.Errorf("reader: %w", core.ErrClosed)
	}
	size, err := r.users.size()
	if err != nil {
		return 0, err
	}
	return uint64(size / core.UserRecordSize), nil
}

// Remap maps both files again if they grew. Views obtained earlier stay
// valid until Close.
func (r *Reader) Remap() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("reader: %w", core.ErrClosed)
	}
	grewUsers, err := r.users.remap()
	if err != nil {
		return err
	}
	grewLogs, err := r.logs.remap()
	if err != nil {
		return err
	}
	if grewUsers || grewLogs {
		r.logger.Debug("Remapped data files", "users_bytes", len(r.users.data), "log_bytes", len(r.logs.data))
	}
	return nil
}

// Close unmaps every mapping. Views must not be used afterwards.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return errors.Join(r.users.close(), r.logs.close())
}
