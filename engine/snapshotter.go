package engine

import (
	"context"
	"time"
)

// startSnapshotLoop starts the background goroutine that periodically
// snapshots the durable state. Failures are logged and retried next tick.
func (e *Engine) startSnapshotLoop(interval time.Duration) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		e.logger.Info("Snapshot loop started.", "interval", interval)
		for {
			select {
			case <-ticker.C:
				if e.DurableLogLength() == e.lastSnapshotCursor.Load() {
					continue
				}
				if _, err := e.SnapshotNow(context.Background()); err != nil {
					e.logger.Error("Periodic snapshot failed, will retry.", "error", err)
				}
			case <-e.shutdownChan:
				e.logger.Info("Snapshot loop stopping.")
				return
			}
		}
	}()
}

// SnapshotNow writes the durable state to snapshot.bin and returns its cursor.
// Only the copy happens under a lock; serialization and fsync do not.
func (e *Engine) SnapshotNow(ctx context.Context) (uint64, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.SnapshotNow")
	defer span.End()
	e.snapshotMu.Lock()
	defer e.snapshotMu.Unlock()
	return e.snapshotLocked(ctx)
}

func (e *Engine) snapshotLocked(ctx context.Context) (uint64, error) {

	e.durableMu.Lock()
	table := e.durable.Clone()
	cursor := e.durableLen
	e.durableMu.Unlock()

	start := time.Now()
	if err := e.snapshots.Save(ctx, table, cursor); err != nil {
		return 0, err
	}
	observeLatency(e.metrics.SnapshotLatencyHist, time.Since(start))
	e.lastSnapshotCursor.Store(cursor)
	return cursor, nil
}
