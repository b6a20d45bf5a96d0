package queue

import (
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexusledger/core"
)

// DefaultCapacity is the number of records the queue holds before TrySubmit
// starts failing with ErrQueueFull.
const DefaultCapacity = 10_000

// Sink receives records on the consumer goroutine. *wal.Writer implements it.
type Sink interface {
	AppendUser(rec core.UserRecord) (uint64, error)
	AppendLog(rec core.LogRecord) (uint64, error)
}

// ItemKind tells the consumer which file an Item belongs to.
type ItemKind uint8

const (
	KindLog ItemKind = iota
	KindUser
)

// Item is one pending durable append.
type Item struct {
	Kind ItemKind
	User core.UserRecord
	Log  core.LogRecord
}

// LogItem wraps a log record.
func LogItem(rec core.LogRecord) Item { return Item{Kind: KindLog, Log: rec} }

// UserItem wraps a registration record.
func UserItem(rec core.UserRecord) Item { return Item{Kind: KindUser, User: rec} }

func (it Item) String() string {
	if it.Kind == KindUser {
		return "user(" + it.User.Name() + ")"
	}
	return it.Log.Action.String()
}

// Metrics are optional counters updated by the queue.
type Metrics struct {
	Enqueued  *expvar.Int
	Dropped   *expvar.Int
	Failed    *expvar.Int
	Persisted *expvar.Int
}

// Option configures a Queue.
type Option func(*Queue)

// WithPersistedHandler registers a callback run on the consumer goroutine
// after each durable append, with the position the sink returned.
func WithPersistedHandler(fn func(it Item, pos uint64)) Option {
	return func(q *Queue) { q.onPersisted = fn }
}

// WithMetrics attaches counters to the queue.
func WithMetrics(m Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithFailureHandler registers a callback run on the consumer goroutine when
// the sink rejects an item.
func WithFailureHandler(fn func(it Item, err error)) Option {
	return func(q *Queue) { q.onFailure = fn }
}

// Queue is a bounded multi-producer, single-consumer hand-off between request
// handlers and the disk writer. Producers never block; the consumer drains in
// FIFO order and is the only caller of the sink.
type Queue struct {
	items chan Item
	sink  Sink

	// mu orders TrySubmit against Close so nothing is sent on a closed channel.
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	once   sync.Once

	metrics     Metrics
	onFailure   func(it Item, err error)
	onPersisted func(it Item, pos uint64)
	logger      *slog.Logger
}

// New creates a queue and starts its consumer goroutine. A capacity of zero
// or less uses DefaultCapacity.
func New(capacity int, sink Sink, logger *slog.Logger, opts ...Option) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	q := &Queue{
		items:  make(chan Item, capacity),
		sink:   sink,
		done:   make(chan struct{}),
		logger: logger.With("component", "PersistQueue"),
	}
	for _, opt := range opts {
		opt(q)
	}
	go q.run()
	q.logger.Info("Persist queue started", "capacity", capacity)
	return q
}

// TrySubmit hands it to the consumer without blocking. It returns
// ErrQueueFull when the buffer is full and ErrQueueClosed after Close.
// A nil return means the item is queued, not that it is durable.
func (q *Queue) TrySubmit(it Item) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return core.ErrQueueClosed
	}
	select {
	case q.items <- it:
		add(q.metrics.Enqueued, 1)
		return nil
	default:
		add(q.metrics.Dropped, 1)
		q.logger.Warn("Persist queue full, record not queued", "item", it.String())
		return fmt.Errorf("%w (capacity %d)", core.ErrQueueFull, cap(q.items))
	}
}

// Len returns the number of records waiting for the consumer.
func (q *Queue) Len() int {
	return len(q.items)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.items)
}

// Close stops intake, lets the consumer drain everything already queued and
// waits for it to finish. It is safe to call more than once.
func (q *Queue) Close() {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.items)
		q.mu.Unlock()
	})
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for it := range q.items {
		pos, err := q.persist(it)
		if err != nil {
			// The item is lost; keep draining so later items still persist.
			add(q.metrics.Failed, 1)
			q.logger.Error("Failed to persist record", "item", it.String(), "error", err)
			if q.onFailure != nil {
				q.onFailure(it, err)
			}
			continue
		}
		add(q.metrics.Persisted, 1)
		if q.onPersisted != nil {
			q.onPersisted(it, pos)
		}
	}
	q.logger.Info("Persist queue drained")
}

func (q *Queue) persist(it Item) (uint64, error) {
	switch it.Kind {
	case KindUser:
		return q.sink.AppendUser(it.User)
	case KindLog:
		return q.sink.AppendLog(it.Log)
	default:
		return 0, fmt.Errorf("unknown queue item kind %d", it.Kind)
	}
}

func add(v *expvar.Int, n int64) {
	if v != nil {
		v.Add(n)
	}
}
