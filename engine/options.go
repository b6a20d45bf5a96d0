package engine

import (
	"log/slog"
	"time"

	"github.com/INLOpen/nexusledger/hooks"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultSnapshotInterval is how often the background snapshotter runs.
	DefaultSnapshotInterval = 30 * time.Second
)

// Options configures an Engine.
type Options struct {
	DataDir string
	// QueueCapacity bounds the persist queue. Zero uses queue.DefaultCapacity.
	QueueCapacity int
	// SnapshotInterval is the period of the background snapshotter. A negative
	// value disables it; zero uses DefaultSnapshotInterval.
	SnapshotInterval time.Duration
	// SnapshotOnClose writes a final snapshot after the queue has drained.
	SnapshotOnClose bool
	// LockTimeout bounds the wait for the data directory's writer lock.
	LockTimeout time.Duration

	Metrics     *EngineMetrics
	Logger      *slog.Logger
	HookManager hooks.HookManager
	Tracer      trace.Tracer

	// Clock returns the current time; it stamps created_at and timestamps.
	Clock func() time.Time
}
