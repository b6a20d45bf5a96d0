package sys

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

var _ FileHandle = (*DebugFile)(nil)
var nextID atomic.Uint64

var openFiles sync.Map // id -> file name

// DebugFile is a RealFile that logs open, sync and close calls.
type DebugFile struct {
	RealFile
	id     uint64
	logger *slog.Logger
}

func newDebugFile(f *os.File) *DebugFile {
	id := nextID.Add(1)
	logger := slog.Default().With("component", "DebugFile", "id", id, "file_name", f.Name())
	logger.Debug("Opening file")
	openFiles.Store(id, f.Name())
	return &DebugFile{RealFile: RealFile{f: f}, id: id, logger: logger}
}

func (df *DebugFile) Sync() error {
	df.logger.Debug("fsync")
	return df.RealFile.Sync()
}

func (df *DebugFile) Datasync() error {
	df.logger.Debug("fdatasync")
	return df.RealFile.Datasync()
}

func (df *DebugFile) Close() error {
	df.logger.Debug("Closing file")
	openFiles.Delete(df.id)
	return df.RealFile.Close()
}

// OpenFiles returns the names of debug handles that have not been closed.
func OpenFiles() []string {
	var names []string
	openFiles.Range(func(_, value any) bool {
		names = append(names, value.(string))
		return true
	})
	return names
}
