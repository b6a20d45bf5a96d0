package snapshot

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/INLOpen/nexusledger/core"
	"github.com/INLOpen/nexusledger/hooks"
	"github.com/INLOpen/nexusledger/sys"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/semaphore"
)

// Options configures a Manager.
type Options struct {
	Dir         string
	Logger      *slog.Logger
	HookManager hooks.HookManager
	Tracer      trace.Tracer

	Saves      *expvar.Int
	Failures   *expvar.Int
	LastCursor *expvar.Int
}

// Manager writes and reads snapshot.bin. A snapshot is the serialized
// portfolio table plus the number of log records it already reflects.
type Manager struct {
	dir  string
	path string
	// saving admits one Save at a time.
	saving *semaphore.Weighted

	logger      *slog.Logger
	hookManager hooks.HookManager
	tracer      trace.Tracer

	metricsSaves      *expvar.Int
	metricsFailures   *expvar.Int
	metricsLastCursor *expvar.Int
}

// NewManager creates a manager for opts.Dir.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	return &Manager{
		dir:               opts.Dir,
		path:              filepath.Join(opts.Dir, core.SnapshotFileName),
		saving:            semaphore.NewWeighted(1),
		logger:            logger.With("component", "SnapshotManager"),
		hookManager:       opts.HookManager,
		tracer:            tracer,
		metricsSaves:      opts.Saves,
		metricsFailures:   opts.Failures,
		metricsLastCursor: opts.LastCursor,
	}
}

// Path returns the canonical snapshot path.
func (m *Manager) Path() string {
	return m.path
}

// Save writes table and lastLogIndex to a temp file in the data directory,
// fsyncs it and renames it over snapshot.bin. Readers see either the old or
// the new snapshot, never a partial one. Users are written in ascending id
// order and stocks in ascending symbol order, so equal tables produce equal
// files. ctx only bounds the wait for a concurrent Save.
func (m *Manager) Save(ctx context.Context, table core.PortfolioTable, lastLogIndex uint64) (err error) {
	ctx, span := m.tracer.Start(ctx, "SnapshotManager.Save")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("snapshot.last_log_index", int64(lastLogIndex)),
		attribute.Int("snapshot.users", len(table)),
	)

	if err := m.saving.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for in-flight snapshot: %w", err)
	}
	defer m.saving.Release(1)

	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if m.metricsFailures != nil {
				m.metricsFailures.Add(1)
			}
		}
	}()

	if m.hookManager != nil {
		pre := hooks.SnapshotPayload{LastLogIndex: lastLogIndex, Users: len(table)}
		if hookErr := m.hookManager.Trigger(ctx, hooks.NewPreCreateSnapshotEvent(pre)); hookErr != nil {
			m.logger.Info("Snapshot cancelled by PreCreateSnapshot hook", "error", hookErr)
			return fmt.Errorf("operation cancelled by pre-hook: %w", hookErr)
		}
	}

	start := time.Now()
	if err := m.writeAtomically(table, lastLogIndex); err != nil {
		m.logger.Error("Snapshot failed", "last_log_index", lastLogIndex, "error", err)
		return err
	}

	// Directory fsync makes the rename itself durable. Some filesystems
	// reject it; the rename is still atomic without it.
	if err := sys.SyncDir(m.dir); err != nil {
		m.logger.Warn("Failed to sync data directory after snapshot rename", "dir", m.dir, "error", err)
	}

	elapsed := time.Since(start)
	if m.metricsSaves != nil {
		m.metricsSaves.Add(1)
	}
	if m.metricsLastCursor != nil {
		m.metricsLastCursor.Set(int64(lastLogIndex))
	}
	m.logger.Info("Snapshot written", "path", m.path, "last_log_index", lastLogIndex, "users", len(table), "duration", elapsed)

	if m.hookManager != nil {
		post := hooks.SnapshotPayload{Path: m.path, LastLogIndex: lastLogIndex, Users: len(table), Duration: elapsed}
		m.hookManager.Trigger(ctx, hooks.NewPostCreateSnapshotEvent(post))
	}
	return nil
}

func (m *Manager) writeAtomically(table core.PortfolioTable, lastLogIndex uint64) (err error) {
	// 1. Create a uniquely named temp file next to the canonical one so the
	// rename never crosses filesystems.
	file, err := sys.CreateTemp(m.dir, core.SnapshotTempPattern)
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot file: %w", err)
	}
	tempPath := file.Name()
	closed := false
	defer func() {
		if err != nil {
			if !closed {
				file.Close()
			}
			if rmErr := sys.Remove(tempPath); rmErr != nil {
				m.logger.Warn("Failed to remove temp snapshot file", "path", tempPath, "error", rmErr)
			}
		}
	}()

	// 2. Write cursor and portfolios.
	bw := bufio.NewWriterSize(file, 64*1024)
	if err := encode(bw, table, lastLogIndex); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush snapshot: %w", err)
	}

	// 3. Fsync before rename, otherwise a crash could publish an empty file.
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp snapshot file: %w", err)
	}

	// 4. Close before renaming.
	closed = true
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close temp snapshot file before rename: %w", err)
	}

	// 5. Atomically replace the canonical file.
	if err := sys.Rename(tempPath, m.path); err != nil {
		return fmt.Errorf("failed to rename temp snapshot file to final name: %w", err)
	}
	return nil
}

// encode writes the snapshot body to w.
func encode(w io.Writer, table core.PortfolioTable, lastLogIndex uint64) error {
	var cursor [core.SnapshotCursorSize]byte
	binary.LittleEndian.PutUint64(cursor[:], lastLogIndex)
	if _, err := w.Write(cursor[:]); err != nil {
		return err
	}

	var hbuf [core.SnapshotHeaderSize]byte
	var sbuf [core.SnapshotStockSize]byte
	for _, id := range table.SortedIDs() {
		p := table[id]
		symbols := p.SortedSymbols()
		h := core.SnapshotHeader{UserID: id, Cash: p.Cash, StockCount: uint32(len(symbols))}
		if err := h.Encode(hbuf[:]); err != nil {
			return err
		}
		if _, err := w.Write(hbuf[:]); err != nil {
			return err
		}
		for _, sym := range symbols {
			s := core.SnapshotStock{SymbolID: sym, Quantity: p.Stocks[sym]}
			if err := s.Encode(sbuf[:]); err != nil {
				return err
			}
			if _, err := w.Write(sbuf[:]); err != nil {
				return err
			}
		}
	}
	return nil
}

// Load reads snapshot.bin. A missing file yields an empty table and cursor 0.
// A file that ends inside the cursor, a header or a stock row is reported
// as ErrCorruptSnapshot. Temp files left by an interrupted Save are removed.
func (m *Manager) Load() (core.PortfolioTable, uint64, error) {
	m.removeStaleTemps()

	file, err := sys.Open(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			m.logger.Info("No snapshot found, starting from an empty table", "path", m.path)
			return core.PortfolioTable{}, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to open snapshot file: %w", err)
	}
	defer file.Close()

	table, cursor, err := decode(bufio.NewReaderSize(file, 64*1024))
	if err != nil {
		return nil, 0, err
	}
	if m.metricsLastCursor != nil {
		m.metricsLastCursor.Set(int64(cursor))
	}
	m.logger.Info("Snapshot loaded", "path", m.path, "last_log_index", cursor, "users", len(table))
	return table, cursor, nil
}

func decode(r io.Reader) (core.PortfolioTable, uint64, error) {
	var offset int64
	corrupt := func(what string, err error) error {
		return fmt.Errorf("%w: %w", core.ErrCorruptSnapshot, &core.CorruptionError{
			File:   core.SnapshotFileName,
			Offset: offset,
			Reason: fmt.Sprintf("%s: %v", what, err),
		})
	}

	var cursor [core.SnapshotCursorSize]byte
	if _, err := io.ReadFull(r, cursor[:]); err != nil {
		return nil, 0, corrupt("reading cursor", err)
	}
	offset += core.SnapshotCursorSize
	lastLogIndex := binary.LittleEndian.Uint64(cursor[:])

	table := core.PortfolioTable{}
	var hbuf [core.SnapshotHeaderSize]byte
	var sbuf [core.SnapshotStockSize]byte
	for {
		_, err := io.ReadFull(r, hbuf[:])
		if errors.Is(err, io.EOF) {
			// Clean end at a header boundary.
			return table, lastLogIndex, nil
		}
		if err != nil {
			return nil, 0, corrupt("reading portfolio header", err)
		}
		var h core.SnapshotHeader
		if err := h.UnmarshalBinary(hbuf[:]); err != nil {
			return nil, 0, corrupt("decoding portfolio header", err)
		}
		offset += core.SnapshotHeaderSize

		p := core.NewPortfolio()
		p.Cash = h.Cash
		for i := uint32(0); i < h.StockCount; i++ {
			if _, err := io.ReadFull(r, sbuf[:]); err != nil {
				if errors.Is(err, io.EOF) {
					err = io.ErrUnexpectedEOF
				}
				return nil, 0, corrupt(fmt.Sprintf("reading stock %d of user %d", i, h.UserID), err)
			}
			var s core.SnapshotStock
			if err := s.UnmarshalBinary(sbuf[:]); err != nil {
				return nil, 0, corrupt("decoding stock row", err)
			}
			p.Stocks[s.SymbolID] = s.Quantity
			offset += core.SnapshotStockSize
		}
		table[h.UserID] = p
	}
}

// removeStaleTemps deletes temp files of a Save that never reached its rename.
// It is skipped while a Save is running, since that Save owns its temp file.
func (m *Manager) removeStaleTemps() {
	if !m.saving.TryAcquire(1) {
		return
	}
	defer m.saving.Release(1)

	matches, err := filepath.Glob(filepath.Join(m.dir, core.SnapshotTempPattern))
	if err != nil {
		return
	}
	for _, path := range matches {
		if err := sys.Remove(path); err != nil {
			m.logger.Warn("Failed to remove stale temp snapshot", "path", path, "error", err)
			continue
		}
		m.logger.Info("Removed stale temp snapshot", "path", path)
	}
}
