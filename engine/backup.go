package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/INLOpen/nexusledger/backup"
	"github.com/INLOpen/nexusledger/core"
	"github.com/INLOpen/nexusledger/sys"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Backup writes a consistent archive of the running ledger to w. A fresh
// snapshot is taken first, then the durable prefixes of both append-only
// files are copied while snapshots are held off.
func (e *Engine) Backup(ctx context.Context, w io.Writer, ct core.CompressionType) (backup.Manifest, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.Backup")
	defer span.End()

	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return backup.Manifest{}, ErrEngineClosed
	}

	e.snapshotMu.Lock()
	defer e.snapshotMu.Unlock()

	cursor, err := e.snapshotLocked(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "snapshot failed")
		return backup.Manifest{}, fmt.Errorf("backup: %w", err)
	}
	users, logs := e.writer.Lengths()
	files := []backup.FileSpec{
		{Name: core.UsersFileName, Size: int64(users) * core.UserRecordSize},
		{Name: core.HistoryFileName, Size: int64(logs) * core.LogRecordSize},
		{Name: core.SnapshotFileName, Size: snapshotSize(e.opts.DataDir)},
	}
	manifest, err := backup.Write(w, e.opts.DataDir, files, ct, e.logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "archive failed")
		return backup.Manifest{}, err
	}
	e.metrics.BackupTotal.Add(1)
	e.metrics.BackupBytes.Add(manifest.TotalSize())
	span.SetAttributes(attribute.Int64("backup.snapshot_cursor", int64(cursor)), attribute.Int64("backup.bytes", manifest.TotalSize()))
	return manifest, nil
}

func snapshotSize(dir string) int64 {
	info, err := os.Stat(filepath.Join(dir, core.SnapshotFileName))
	if err != nil {
		return 0
	}
	return info.Size()
}

// BackupDir archives a data directory that no engine has open. The directory
// lock is held for the duration so a server cannot start mid-copy.
func BackupDir(dir string, w io.Writer, ct core.CompressionType, logger *slog.Logger) (_ backup.Manifest, err error) {
	release, err := sys.AcquireOSFileLock(filepath.Join(dir, core.LockFileName), 0)
	if err != nil {
		if errors.Is(err, sys.ErrLockHeld) {
			return backup.Manifest{}, fmt.Errorf("%w: %s", core.ErrWriterLocked, dir)
		}
		return backup.Manifest{}, err
	}
	defer func() { err = errors.Join(err, release()) }()

	files, err := backup.DirFiles(dir)
	if err != nil {
		return backup.Manifest{}, err
	}
	return backup.Write(w, dir, files, ct, logger)
}
