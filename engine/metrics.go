package engine

import "expvar"

// EngineMetrics holds all expvar variables for an Engine instance.
type EngineMetrics struct {
	PublishedGlobally bool // Indicates if the metrics are published to the global expvar namespace.

	RegisterTotal        *expvar.Int
	DepositTotal         *expvar.Int
	WithdrawTotal        *expvar.Int
	TradeTotal           *expvar.Int
	BalanceTotal         *expvar.Int
	LoginTotal           *expvar.Int
	LoginFailuresTotal   *expvar.Int
	RejectedTotal        *expvar.Int
	PersistDroppedTotal  *expvar.Int
	ApplyLatencyHist     *expvar.Map
	SnapshotLatencyHist  *expvar.Map
	SnapshotErrorsTotal  *expvar.Int
	SnapshotTotal        *expvar.Int
	SnapshotLastCursor   *expvar.Int
	RecoveryDurationSecs *expvar.Float
	RecoveredLogRecords  *expvar.Int
	BackupTotal          *expvar.Int
	BackupBytes          *expvar.Int

	WALBytesWrittenTotal   *expvar.Int
	WALRecordsWrittenTotal *expvar.Int
	WALAppendErrorsTotal   *expvar.Int

	QueueEnqueuedTotal  *expvar.Int
	QueueDroppedTotal   *expvar.Int
	QueueFailedTotal    *expvar.Int
	QueuePersistedTotal *expvar.Int

	prefix string
}

// NewEngineMetrics creates and initializes a new EngineMetrics struct with expvar variables.
func NewEngineMetrics(publishGlobally bool, prefix string) *EngineMetrics {
	var newIntFunc func(string) *expvar.Int
	var newFloatFunc func(string) *expvar.Float
	var newMapFunc func(string) *expvar.Map

	if publishGlobally {
		newIntFunc = func(name string) *expvar.Int { return published(name, expvar.NewInt) }
		newFloatFunc = func(name string) *expvar.Float { return published(name, expvar.NewFloat) }
		newMapFunc = func(name string) *expvar.Map { return published(name, expvar.NewMap) }
	} else {
		newIntFunc = func(_ string) *expvar.Int { return new(expvar.Int) }
		newFloatFunc = func(_ string) *expvar.Float { return new(expvar.Float) }
		newMapFunc = func(_ string) *expvar.Map {
			m := new(expvar.Map)
			m.Init()
			return m
		}
	}

	em := &EngineMetrics{
		PublishedGlobally:    publishGlobally,
		prefix:               prefix,
		RegisterTotal:        newIntFunc(prefix + "register_total"),
		DepositTotal:         newIntFunc(prefix + "deposit_total"),
		WithdrawTotal:        newIntFunc(prefix + "withdraw_total"),
		TradeTotal:           newIntFunc(prefix + "trade_total"),
		BalanceTotal:         newIntFunc(prefix + "balance_total"),
		LoginTotal:           newIntFunc(prefix + "login_total"),
		LoginFailuresTotal:   newIntFunc(prefix + "login_failures_total"),
		RejectedTotal:        newIntFunc(prefix + "rejected_total"),
		PersistDroppedTotal:  newIntFunc(prefix + "persist_dropped_total"),
		ApplyLatencyHist:     newMapFunc(prefix + "apply_latency_seconds"),
		SnapshotLatencyHist:  newMapFunc(prefix + "snapshot_latency_seconds"),
		SnapshotErrorsTotal:  newIntFunc(prefix + "snapshot_errors_total"),
		SnapshotTotal:        newIntFunc(prefix + "snapshot_total"),
		SnapshotLastCursor:   newIntFunc(prefix + "snapshot_last_cursor"),
		RecoveryDurationSecs: newFloatFunc(prefix + "recovery_duration_seconds"),
		RecoveredLogRecords:  newIntFunc(prefix + "recovered_log_records_total"),
		BackupTotal:          newIntFunc(prefix + "backup_total"),
		BackupBytes:          newIntFunc(prefix + "backup_bytes_total"),

		WALBytesWrittenTotal:   newIntFunc(prefix + "wal_bytes_written_total"),
		WALRecordsWrittenTotal: newIntFunc(prefix + "wal_records_written_total"),
		WALAppendErrorsTotal:   newIntFunc(prefix + "wal_append_errors_total"),

		QueueEnqueuedTotal:  newIntFunc(prefix + "queue_enqueued_total"),
		QueueDroppedTotal:   newIntFunc(prefix + "queue_dropped_total"),
		QueueFailedTotal:    newIntFunc(prefix + "queue_failed_total"),
		QueuePersistedTotal: newIntFunc(prefix + "queue_persisted_total"),
	}

	initHistogram(em.ApplyLatencyHist)
	initHistogram(em.SnapshotLatencyHist)
	return em
}

// publishFuncs exposes live gauges backed by the engine. Only globally
// published metrics get them, since expvar.Func cannot be unpublished.
func (em *EngineMetrics) publishFuncs(e *Engine) {
	if !em.PublishedGlobally {
		return
	}
	publishFunc(em.prefix+"queue_length", func() interface{} { return e.queue.Len() })
	publishFunc(em.prefix+"users", func() interface{} { return e.UserCount() })
	publishFunc(em.prefix+"durable_log_length", func() interface{} { return e.DurableLogLength() })
	publishFunc(em.prefix+"wal_fsync_latency_ms", func() interface{} { return e.writer.FsyncLatency() })
}
