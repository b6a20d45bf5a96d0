package wal

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/INLOpen/nexusledger/sys"
)

// recordFile is one append-only file of fixed-size records.
type recordFile struct {
	file       sys.FileHandle
	path       string
	recordSize int64
	size       int64
}

// openRecordFile opens path for appending. A trailing partial record left by
// a crash mid-write is cut off so the next append starts on a record boundary.
func openRecordFile(dir, name string, recordSize int, logger *slog.Logger) (*recordFile, error) {
	path := filepath.Join(dir, name)
	file, err := sys.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	rf := &recordFile{file: file, path: path, recordSize: int64(recordSize), size: stat.Size()}
	if tail := rf.size % rf.recordSize; tail != 0 {
		whole := rf.size - tail
		logger.Warn("Truncating torn trailing record", "path", path, "size", rf.size, "torn_bytes", tail, "new_size", whole)
		if err := file.Truncate(whole); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to truncate torn record in %s: %w", path, err)
		}
		if err := file.Sync(); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to sync %s after truncation: %w", path, err)
		}
		rf.size = whole
	}
	return rf, nil
}

// count returns the number of complete records.
func (rf *recordFile) count() uint64 {
	return uint64(rf.size / rf.recordSize)
}

// write appends one encoded record. On a failed or short write the file is
// cut back to its previous size so no partial record stays behind.
func (rf *recordFile) write(buf []byte) error {
	n, err := rf.file.Write(buf)
	if err == nil && n != len(buf) {
		err = fmt.Errorf("short write to %s: %d of %d bytes", rf.path, n, len(buf))
	}
	if err != nil {
		if n > 0 {
			if terr := rf.file.Truncate(rf.size); terr != nil {
				return fmt.Errorf("write to %s failed: %w (rollback failed: %v)", rf.path, err, terr)
			}
		}
		return fmt.Errorf("write to %s failed: %w", rf.path, err)
	}
	rf.size += int64(n)
	return nil
}

func (rf *recordFile) close() error {
	return rf.file.Close()
}
