package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/INLOpen/nexusledger/core"
)

// EventType defines the type of a hook event.
type EventType string

const (
	// Mutation Lifecycle Events
	EventPreApply         EventType = "PreApply"
	EventPreRegisterUser  EventType = "PreRegisterUser"
	EventPostRegisterUser EventType = "PostRegisterUser"
	EventOnPersistDropped EventType = "OnPersistDropped"

	// Storage Events
	EventPostUserAppend EventType = "PostUserAppend"
	EventPostLogAppend  EventType = "PostLogAppend"

	// Snapshot & Recovery Events
	EventPreCreateSnapshot  EventType = "PreCreateSnapshot"
	EventPostCreateSnapshot EventType = "PostCreateSnapshot"
	EventPostRecovery       EventType = "PostRecovery"

	// Engine Lifecycle Events
	EventPreStartEngine  EventType = "PreStartEngine"
	EventPostStartEngine EventType = "PostStartEngine"
	EventPreCloseEngine  EventType = "PreCloseEngine"
	EventPostCloseEngine EventType = "PostCloseEngine"
)

// IsPre reports whether listeners of this event may veto the operation.
func (t EventType) IsPre() bool {
	return strings.HasPrefix(string(t), "Pre")
}

// HookManager dispatches engine events to registered listeners.
type HookManager interface {
	Register(eventType EventType, listener HookListener)
	// Trigger returns the first error of a Pre event listener.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for async listeners still running.
	Stop()
}

// HookEvent carries an event type and its payload struct.
type HookEvent interface {
	Type() EventType
	Payload() interface{}
}

// BaseEvent is the HookEvent returned by the New*Event constructors.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// HookListener receives events. An error from a Pre event (PreApply,
// PreRegisterUser, ...) cancels the operation; errors from other events are
// only logged.
type HookListener interface {
	OnEvent(ctx context.Context, event HookEvent) error
	// Priority orders listeners, lowest first.
	Priority() int
	// IsAsync moves the listener off the caller's goroutine for non-Pre events.
	IsAsync() bool
}

// ApplyPayload is sent before a log record is applied to in-memory state.
// The record has already been validated against the current balance.
type ApplyPayload struct {
	Username string
	Record   core.LogRecord
}

// NewPreApplyEvent creates a new event for before a mutation is applied.
func NewPreApplyEvent(payload ApplyPayload) HookEvent {
	return &BaseEvent{eventType: EventPreApply, payload: payload}
}

// RegisterUserPayload contains data for user registration events.
// UserID is only meaningful for PostRegisterUser.
type RegisterUserPayload struct {
	UserID   uint64
	Username string
	Email    string
}

func NewPreRegisterUserEvent(payload RegisterUserPayload) HookEvent {
	return &BaseEvent{eventType: EventPreRegisterUser, payload: payload}
}

func NewPostRegisterUserEvent(payload RegisterUserPayload) HookEvent {
	return &BaseEvent{eventType: EventPostRegisterUser, payload: payload}
}

// PersistDroppedPayload describes a record whose in-memory effect was applied
// but which was never handed to the disk writer.
type PersistDroppedPayload struct {
	Record core.LogRecord
	Err    error
}

func NewOnPersistDroppedEvent(payload PersistDroppedPayload) HookEvent {
	return &BaseEvent{eventType: EventOnPersistDropped, payload: payload}
}

// UserAppendPayload is sent after a UserRecord is durable in users.bin.
type UserAppendPayload struct {
	UserID uint64
	Bytes  int
}

func NewPostUserAppendEvent(payload UserAppendPayload) HookEvent {
	return &BaseEvent{eventType: EventPostUserAppend, payload: payload}
}

// LogAppendPayload is sent after a LogRecord is durable in history.bin.
type LogAppendPayload struct {
	Sequence uint64
	Record   core.LogRecord
	Latency  time.Duration
}

func NewPostLogAppendEvent(payload LogAppendPayload) HookEvent {
	return &BaseEvent{eventType: EventPostLogAppend, payload: payload}
}

// SnapshotPayload contains data for snapshot events. Path and Duration are
// only set for PostCreateSnapshot.
type SnapshotPayload struct {
	Path         string
	LastLogIndex uint64
	Users        int
	Duration     time.Duration
}

func NewPreCreateSnapshotEvent(payload SnapshotPayload) HookEvent {
	return &BaseEvent{eventType: EventPreCreateSnapshot, payload: payload}
}

func NewPostCreateSnapshotEvent(payload SnapshotPayload) HookEvent {
	return &BaseEvent{eventType: EventPostCreateSnapshot, payload: payload}
}

// RecoveryPayload summarizes a completed startup recovery.
type RecoveryPayload struct {
	SnapshotCursor uint64
	Replayed       uint64
	LogLength      uint64
	Users          int
	Duration       time.Duration
}

func NewPostRecoveryEvent(payload RecoveryPayload) HookEvent {
	return &BaseEvent{eventType: EventPostRecovery, payload: payload}
}

// EngineLifecyclePayload is an empty payload for engine lifecycle events.
type EngineLifecyclePayload struct{}

func NewPreStartEngineEvent() HookEvent {
	return &BaseEvent{eventType: EventPreStartEngine, payload: EngineLifecyclePayload{}}
}

func NewPostStartEngineEvent() HookEvent {
	return &BaseEvent{eventType: EventPostStartEngine, payload: EngineLifecyclePayload{}}
}

func NewPreCloseEngineEvent() HookEvent {
	return &BaseEvent{eventType: EventPreCloseEngine, payload: EngineLifecyclePayload{}}
}

func NewPostCloseEngineEvent() HookEvent {
	return &BaseEvent{eventType: EventPostCloseEngine, payload: EngineLifecyclePayload{}}
}

type registered struct {
	listener HookListener
	priority int
}

// DefaultHookManager keeps listeners per event type ordered by priority.
type DefaultHookManager struct {
	mu      sync.RWMutex
	byEvent map[EventType][]registered
	pending sync.WaitGroup
	logger  *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{byEvent: make(map[EventType][]registered), logger: logger}
}

// Register inserts listener after every listener of equal or lower priority.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	r := registered{listener: listener, priority: listener.Priority()}
	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.byEvent[eventType]
	at := slices.IndexFunc(current, func(x registered) bool { return x.priority > r.priority })
	if at < 0 {
		at = len(current)
	}
	// Copy so a Trigger iterating the old slice is unaffected.
	m.byEvent[eventType] = slices.Insert(slices.Clone(current), at, r)
}

// Trigger runs the listeners for event in priority order. Pre events run
// every listener inline and stop at the first error. Post events run async
// listeners on their own goroutine and only log errors.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	list := m.byEvent[event.Type()]
	m.mu.RUnlock()

	pre := event.Type().IsPre()
	for _, r := range list {
		if pre {
			if r.listener.IsAsync() {
				m.logger.Warn("Async listener on a Pre event runs synchronously.", "event", event.Type(), "priority", r.priority)
			}
			if err := r.listener.OnEvent(ctx, event); err != nil {
				return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), r.priority, err)
			}
			continue
		}
		if !r.listener.IsAsync() {
			m.logPostError(event, r, r.listener.OnEvent(ctx, event))
			continue
		}
		m.pending.Add(1)
		go func(r registered) {
			defer m.pending.Done()
			m.logPostError(event, r, r.listener.OnEvent(context.WithoutCancel(ctx), event))
		}(r)
	}
	return nil
}

func (m *DefaultHookManager) logPostError(event HookEvent, r registered, err error) {
	if err != nil {
		m.logger.Error("Post-hook listener failed", "event", event.Type(), "priority", r.priority, "async", r.listener.IsAsync(), "error", err)
	}
}

// Stop waits for running async listeners.
func (m *DefaultHookManager) Stop() {
	m.pending.Wait()
}
