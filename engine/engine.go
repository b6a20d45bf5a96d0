package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/nexusledger/core"
	"github.com/INLOpen/nexusledger/hooks"
	"github.com/INLOpen/nexusledger/mmap"
	"github.com/INLOpen/nexusledger/queue"
	"github.com/INLOpen/nexusledger/snapshot"
	"github.com/INLOpen/nexusledger/wal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var ErrEngineClosed = fmt.Errorf("engine: %w", core.ErrClosed)

// Engine owns the ledger state and every component that persists it.
//
// Two tables are kept. portfolios is the live state that handlers read and
// mutate under mu; it may be ahead of disk. durable mirrors only what the
// writer has made durable and is what snapshots serialize, so a snapshot's
// cursor always matches the table stored with it.
type Engine struct {
	opts Options

	mu         sync.RWMutex
	index      map[string]uint64
	creds      []credential
	portfolios core.PortfolioTable
	closed     bool

	durableMu  sync.Mutex
	durable    core.PortfolioTable
	durableLen uint64

	writer    *wal.Writer
	reader    *mmap.Reader
	queue     *queue.Queue
	snapshots *snapshot.Manager

	// snapshotMu keeps snapshot.bin stable while a backup copies it.
	snapshotMu         sync.Mutex
	lastSnapshotCursor atomic.Uint64
	shutdownChan       chan struct{}
	wg                 sync.WaitGroup
	isClosing          atomic.Bool

	metrics     *EngineMetrics
	logger      *slog.Logger
	hookManager hooks.HookManager
	tracer      trace.Tracer
	clock       func() time.Time
}

// Open recovers the ledger in opts.DataDir and starts the persist queue and
// the snapshotter. Any recovery failure is returned and nothing keeps running.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	if opts.DataDir == "" {
		return nil, &core.ValidationError{Field: "data_dir", Message: "data directory must be specified"}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HookManager == nil {
		opts.HookManager = hooks.NewHookManager(opts.Logger)
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if opts.Metrics == nil {
		opts.Metrics = NewEngineMetrics(false, "")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.SnapshotInterval == 0 {
		opts.SnapshotInterval = DefaultSnapshotInterval
	}

	e := &Engine{
		opts:         opts,
		shutdownChan: make(chan struct{}),
		metrics:      opts.Metrics,
		logger:       opts.Logger.With("component", "Engine"),
		hookManager:  opts.HookManager,
		tracer:       opts.Tracer,
		clock:        opts.Clock,
	}

	if err := e.hookManager.Trigger(ctx, hooks.NewPreStartEngineEvent()); err != nil {
		return nil, fmt.Errorf("engine start cancelled by pre-hook: %w", err)
	}

	// The writer goes first: it creates missing files and cuts torn tails,
	// so the reader maps whole records only.
	writer, err := wal.Open(wal.Options{
		Dir:            opts.DataDir,
		LockTimeout:    opts.LockTimeout,
		BytesWritten:   e.metrics.WALBytesWrittenTotal,
		RecordsWritten: e.metrics.WALRecordsWrittenTotal,
		AppendErrors:   e.metrics.WALAppendErrorsTotal,
		Logger:         opts.Logger,
		HookManager:    e.hookManager,
	})
	if err != nil {
		return nil, err
	}
	e.writer = writer

	reader, err := mmap.Open(opts.DataDir, opts.Logger)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to map data files: %w", err)
	}
	e.reader = reader

	e.snapshots = snapshot.NewManager(snapshot.Options{
		Dir:         opts.DataDir,
		Logger:      opts.Logger,
		HookManager: e.hookManager,
		Tracer:      e.tracer,
		Saves:       e.metrics.SnapshotTotal,
		Failures:    e.metrics.SnapshotErrorsTotal,
		LastCursor:  e.metrics.SnapshotLastCursor,
	})

	if err := e.recover(ctx); err != nil {
		e.logger.Error("Recovery failed.", "error", err)
		return nil, errors.Join(err, reader.Close(), writer.Close())
	}

	e.queue = queue.New(opts.QueueCapacity, writer, opts.Logger,
		queue.WithMetrics(queue.Metrics{
			Enqueued:  e.metrics.QueueEnqueuedTotal,
			Dropped:   e.metrics.QueueDroppedTotal,
			Failed:    e.metrics.QueueFailedTotal,
			Persisted: e.metrics.QueuePersistedTotal,
		}),
		queue.WithPersistedHandler(e.onPersisted),
		queue.WithFailureHandler(e.onPersistFailed),
	)
	e.metrics.publishFuncs(e)

	if opts.SnapshotInterval > 0 {
		e.startSnapshotLoop(opts.SnapshotInterval)
	}

	e.logger.Info("Engine started.", "data_dir", opts.DataDir, "users", len(e.creds), "log_length", e.durableLen)
	e.hookManager.Trigger(context.Background(), hooks.NewPostStartEngineEvent())
	return e, nil
}

// recover rebuilds state from snapshot.bin, history.bin and users.bin. It
// runs once before the engine serves anything.
func (e *Engine) recover(ctx context.Context) (err error) {
	_, span := e.tracer.Start(ctx, "Engine.Recover")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	start := time.Now()

	table, cursor, err := e.snapshots.Load()
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}

	logs := e.reader.Logs()
	total := uint64(logs.Len())
	if cursor > total {
		return &core.CorruptionError{
			File:   e.snapshots.Path(),
			Offset: 0,
			Reason: fmt.Sprintf("snapshot cursor %d is beyond log length %d", cursor, total),
		}
	}

	stats := Replay(table, logs, cursor, total)
	if stats.Unknown > 0 {
		e.logger.Warn("Skipped log records with unknown action kind.", "count", stats.Unknown)
	}

	index, creds := rebuildIndex(e.reader.Users(), e.logger)
	// Log records can name an id whose registration never reached disk.
	// Reserving it keeps the next newcomer from inheriting that balance.
	if next := nextUserID(table); next > uint64(len(creds)) {
		padded, err := e.writer.PadUsers(next, uint64(e.clock().Unix()))
		if err != nil {
			return fmt.Errorf("failed to reserve lost user ids: %w", err)
		}
		e.logger.Warn("Reserved user ids referenced by the log but missing from users file.", "count", padded, "users", next)
		creds = append(creds, make([]credential, next-uint64(len(creds)))...)
	}
	for id := range creds {
		table.Get(uint64(id))
	}

	e.index = index
	e.creds = creds
	e.portfolios = table
	e.durable = table.Clone()
	e.durableLen = total
	e.lastSnapshotCursor.Store(cursor)

	elapsed := time.Since(start)
	e.metrics.RecoveryDurationSecs.Set(elapsed.Seconds())
	e.metrics.RecoveredLogRecords.Add(int64(total - cursor))
	span.SetAttributes(
		attribute.Int64("recovery.snapshot_cursor", int64(cursor)),
		attribute.Int64("recovery.log_length", int64(total)),
		attribute.Int("recovery.users", len(creds)),
	)
	e.logger.Info("Recovery complete.",
		"snapshot_cursor", cursor, "replayed", total-cursor, "log_length", total,
		"users", len(creds), "duration", elapsed)

	e.hookManager.Trigger(context.Background(), hooks.NewPostRecoveryEvent(hooks.RecoveryPayload{
		SnapshotCursor: cursor,
		Replayed:       total - cursor,
		LogLength:      total,
		Users:          len(creds),
		Duration:       elapsed,
	}))
	return nil
}

// onPersisted runs on the queue's consumer goroutine after a durable append.
func (e *Engine) onPersisted(it queue.Item, pos uint64) {
	e.durableMu.Lock()
	defer e.durableMu.Unlock()
	switch it.Kind {
	case queue.KindUser:
		if pos != it.User.UserID {
			e.logger.Error("User record landed at an unexpected position.", "user_id", it.User.UserID, "position", pos)
		}
		e.durable.Get(pos)
	case queue.KindLog:
		if it.Log.Action.Known() {
			e.durable.Get(it.Log.UserID).Apply(&it.Log)
		}
		e.durableLen = pos + 1
	}
}

func (e *Engine) onPersistFailed(it queue.Item, err error) {
	if it.Kind == queue.KindUser {
		// The id stays taken on disk. If this pad fails too, the next
		// registration or the next recovery fills the gap.
		e.logger.Error("Registration lost before reaching disk.", "user_id", it.User.UserID, "username", it.User.Name(), "error", err)
		if _, perr := e.writer.PadUsers(it.User.UserID+1, it.User.CreatedAt); perr != nil {
			e.logger.Warn("Could not reserve lost user id yet.", "user_id", it.User.UserID, "error", perr)
		}
		return
	}
	e.metrics.PersistDroppedTotal.Add(1)
	e.hookManager.Trigger(context.Background(), hooks.NewOnPersistDroppedEvent(hooks.PersistDroppedPayload{
		Record: it.Log,
		Err:    err,
	}))
}

// UserCount returns the number of registered users.
func (e *Engine) UserCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.creds)
}

// DurableLogLength returns the number of log records known to be on disk.
func (e *Engine) DurableLogLength() uint64 {
	e.durableMu.Lock()
	defer e.durableMu.Unlock()
	return e.durableLen
}

// QueueLength returns the number of records waiting for the writer.
func (e *Engine) QueueLength() int {
	return e.queue.Len()
}

// FsyncLatency returns the writer's fsync latency quantiles in milliseconds.
func (e *Engine) FsyncLatency() map[string]float64 {
	return e.writer.FsyncLatency()
}

// DataDir returns the directory the engine persists to.
func (e *Engine) DataDir() string {
	return e.opts.DataDir
}

// Close stops the snapshotter, drains the persist queue, and closes the
// writer and reader. Calling it again is a no-op.
func (e *Engine) Close() error {
	if err := e.hookManager.Trigger(context.Background(), hooks.NewPreCloseEngineEvent()); err != nil {
		return fmt.Errorf("engine close cancelled by pre-hook: %w", err)
	}
	if !e.isClosing.CompareAndSwap(false, true) {
		e.logger.Info("Close operation already in progress.")
		return nil
	}

	close(e.shutdownChan)
	e.wg.Wait()

	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.queue.Close()

	var closeErr error
	if e.opts.SnapshotOnClose {
		if _, err := e.SnapshotNow(context.Background()); err != nil {
			e.logger.Error("Final snapshot failed.", "error", err)
			closeErr = errors.Join(closeErr, err)
		}
	}
	closeErr = errors.Join(closeErr, e.writer.Close(), e.reader.Close())

	e.hookManager.Trigger(context.Background(), hooks.NewPostCloseEngineEvent())
	e.hookManager.Stop()

	if closeErr != nil {
		return fmt.Errorf("errors during close: %w", closeErr)
	}
	e.logger.Info("Shutdown complete.")
	return nil
}
