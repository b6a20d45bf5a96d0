package wal

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/INLOpen/nexusledger/core"
	"github.com/INLOpen/nexusledger/hooks"
	"github.com/INLOpen/nexusledger/sys"
	"github.com/caio/go-tdigest/v4"
)

// Writer is the only component that writes users.bin and history.bin.
// Every append is forced to stable storage before it returns.
type Writer struct {
	dir  string
	mu   sync.Mutex
	opts Options

	users   *recordFile
	history *recordFile
	release func() error
	closed  bool

	userBuf [core.UserRecordSize]byte
	logBuf  [core.LogRecordSize]byte

	fsyncLatency *tdigest.TDigest

	metricsBytesWritten   *expvar.Int
	metricsRecordsWritten *expvar.Int
	metricsAppendErrors   *expvar.Int

	logger      *slog.Logger
	hookManager hooks.HookManager

	testingOnlyInjectCloseError  error
	testingOnlyInjectAppendError error
}

var _ WriterInterface = (*Writer)(nil)

// Options holds configuration for the Writer.
type Options struct {
	Dir string
	// LockTimeout bounds how long Open waits for another writer to release
	// the data directory. Zero means a single attempt.
	LockTimeout    time.Duration
	BytesWritten   *expvar.Int
	RecordsWritten *expvar.Int
	AppendErrors   *expvar.Int
	Logger         *slog.Logger
	HookManager    hooks.HookManager
}

// Open creates or opens the append files in opts.Dir and takes the
// directory's exclusive writer lock.
func Open(opts Options) (*Writer, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "Writer_default")
	} else {
		opts.Logger = opts.Logger.With("component", "Writer")
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", opts.Dir, err)
	}

	release, err := sys.AcquireOSFileLock(filepath.Join(opts.Dir, core.LockFileName), opts.LockTimeout)
	if err != nil {
		if errors.Is(err, sys.ErrLockHeld) {
			return nil, fmt.Errorf("%w: %s", core.ErrWriterLocked, opts.Dir)
		}
		return nil, fmt.Errorf("failed to lock data directory %s: %w", opts.Dir, err)
	}

	td, err := tdigest.New()
	if err != nil {
		_ = release()
		return nil, fmt.Errorf("tdigest.New failed: %w", err)
	}

	w := &Writer{
		dir:                   opts.Dir,
		opts:                  opts,
		release:               release,
		fsyncLatency:          td,
		metricsBytesWritten:   opts.BytesWritten,
		metricsRecordsWritten: opts.RecordsWritten,
		metricsAppendErrors:   opts.AppendErrors,
		logger:                opts.Logger,
		hookManager:           opts.HookManager,
	}

	w.users, err = openRecordFile(opts.Dir, core.UsersFileName, core.UserRecordSize, w.logger)
	if err != nil {
		_ = release()
		return nil, err
	}
	w.history, err = openRecordFile(opts.Dir, core.HistoryFileName, core.LogRecordSize, w.logger)
	if err != nil {
		_ = w.users.close()
		_ = release()
		return nil, err
	}

	w.logger.Info("Writer opened", "dir", opts.Dir, "users", w.users.count(), "log_length", w.history.count())
	return w, nil
}

// SetTestingOnlyInjectCloseError sets an error that will be returned by the Close() method.
func (w *Writer) SetTestingOnlyInjectCloseError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.testingOnlyInjectCloseError = err
}

// SetTestingOnlyInjectAppendError makes every append fail with err until reset to nil.
func (w *Writer) SetTestingOnlyInjectAppendError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.testingOnlyInjectAppendError = err
}

// AppendUser writes rec at the end of users.bin, fsyncs it, and returns the
// record's position, which is the user id. If earlier registrations were lost
// and rec.UserID is past the end of the file, the gap is filled with
// placeholders first so rec lands at its own id.
func (w *Writer) AppendUser(rec core.UserRecord) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.checkWritable(); err != nil {
		return 0, err
	}
	if err := w.padUsersLocked(rec.UserID, rec.CreatedAt); err != nil {
		return 0, w.failed(err)
	}
	if err := rec.Encode(w.userBuf[:]); err != nil {
		return 0, w.failed(err)
	}
	if err := w.users.write(w.userBuf[:]); err != nil {
		return 0, w.failed(err)
	}
	// Registration is rare, so it pays for a full fsync including metadata.
	if err := w.timedSync(w.users.file.Sync); err != nil {
		return 0, w.failed(fmt.Errorf("fsync %s: %w", w.users.path, err))
	}

	id := w.users.count() - 1
	w.recordWrite(core.UserRecordSize)
	if w.hookManager != nil {
		w.hookManager.Trigger(context.Background(), hooks.NewPostUserAppendEvent(hooks.UserAppendPayload{
			UserID: id,
			Bytes:  core.UserRecordSize,
		}))
	}
	return id, nil
}

// PadUsers grows users.bin to n records with lost-registration placeholders
// and fsyncs it. It returns how many placeholders were written.
func (w *Writer) PadUsers(n, createdAt uint64) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.checkWritable(); err != nil {
		return 0, err
	}
	have := w.users.count()
	if n <= have {
		return 0, nil
	}
	if err := w.padUsersLocked(n, createdAt); err != nil {
		return 0, w.failed(err)
	}
	if err := w.timedSync(w.users.file.Sync); err != nil {
		return 0, w.failed(fmt.Errorf("fsync %s: %w", w.users.path, err))
	}
	return n - have, nil
}

// padUsersLocked writes placeholders until users.bin holds n records. The
// caller syncs.
func (w *Writer) padUsersLocked(n, createdAt uint64) error {
	for id := w.users.count(); id < n; id++ {
		lost := core.NewLostUserRecord(id, createdAt)
		if err := lost.Encode(w.userBuf[:]); err != nil {
			return err
		}
		if err := w.users.write(w.userBuf[:]); err != nil {
			return err
		}
		w.recordWrite(core.UserRecordSize)
		w.logger.Warn("Wrote placeholder for lost registration", "user_id", id)
	}
	return nil
}

// AppendLog writes rec at the end of history.bin, fdatasyncs it, and returns
// the record's sequence number.
func (w *Writer) AppendLog(rec core.LogRecord) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.checkWritable(); err != nil {
		return 0, err
	}
	if err := rec.Encode(w.logBuf[:]); err != nil {
		return 0, w.failed(err)
	}
	start := time.Now()
	if err := w.history.write(w.logBuf[:]); err != nil {
		return 0, w.failed(err)
	}
	if err := w.timedSync(w.history.file.Datasync); err != nil {
		return 0, w.failed(fmt.Errorf("fdatasync %s: %w", w.history.path, err))
	}

	seq := w.history.count() - 1
	w.recordWrite(core.LogRecordSize)
	if w.hookManager != nil {
		w.hookManager.Trigger(context.Background(), hooks.NewPostLogAppendEvent(hooks.LogAppendPayload{
			Sequence: seq,
			Record:   rec,
			Latency:  time.Since(start),
		}))
	}
	return seq, nil
}

// checkWritable must be called with the lock held.
func (w *Writer) checkWritable() error {
	if w.closed {
		return fmt.Errorf("writer: %w", core.ErrClosed)
	}
	if w.testingOnlyInjectAppendError != nil {
		return w.failed(w.testingOnlyInjectAppendError)
	}
	return nil
}

func (w *Writer) failed(err error) error {
	if w.metricsAppendErrors != nil {
		w.metricsAppendErrors.Add(1)
	}
	w.logger.Error("Append failed", "error", err)
	return err
}

func (w *Writer) recordWrite(n int) {
	if w.metricsBytesWritten != nil {
		w.metricsBytesWritten.Add(int64(n))
	}
	if w.metricsRecordsWritten != nil {
		w.metricsRecordsWritten.Add(1)
	}
}

func (w *Writer) timedSync(sync func() error) error {
	start := time.Now()
	err := sync()
	ms := float64(time.Since(start).Microseconds()) / 1000
	if terr := w.fsyncLatency.Add(ms); terr != nil {
		w.logger.Debug("tdigest Add failed", "error", terr)
	}
	return err
}

// FsyncLatency returns fsync latency quantiles in milliseconds.
func (w *Writer) FsyncLatency() map[string]float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsyncLatency.Count() == 0 {
		return map[string]float64{}
	}
	return map[string]float64{
		"p50": w.fsyncLatency.Quantile(0.5),
		"p90": w.fsyncLatency.Quantile(0.9),
		"p99": w.fsyncLatency.Quantile(0.99),
	}
}

// UserCount returns the number of complete records in users.bin.
func (w *Writer) UserCount() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.users.count()
}

// LogLength returns the number of complete records in history.bin.
func (w *Writer) LogLength() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.history.count()
}

// Lengths returns the record counts of users.bin and history.bin read
// together. Records are appended in queue order, so every log record inside
// the returned prefix names a user inside it.
func (w *Writer) Lengths() (users, logs uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.users.count(), w.history.count()
}

// Path returns the data directory of the writer.
func (w *Writer) Path() string {
	return w.dir
}

// Close closes both files and releases the directory lock.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.testingOnlyInjectCloseError != nil {
		return w.testingOnlyInjectCloseError
	}
	if w.closed {
		return nil
	}
	w.closed = true

	closeErr := errors.Join(w.users.close(), w.history.close(), w.release())
	if closeErr != nil {
		w.logger.Error("Error during writer close.", "error", closeErr)
	} else {
		w.logger.Info("Writer closed.")
	}
	return closeErr
}
