package hooks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/INLOpen/nexusledger/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockListener is a mock implementation of HookListener for testing.
type mockListener struct {
	name      string
	priority  int
	isAsync   bool
	returnErr error
	workDelay time.Duration

	mu        *sync.Mutex
	callOrder *[]string
	// callSignal receives the listener name, for async tests.
	callSignal  chan string
	onEventFunc func(event HookEvent)
}

func (m *mockListener) OnEvent(ctx context.Context, event HookEvent) error {
	if m.workDelay > 0 {
		time.Sleep(m.workDelay)
	}
	if m.onEventFunc != nil {
		m.onEventFunc(event)
	}
	if m.callOrder != nil {
		if m.mu != nil {
			m.mu.Lock()
			defer m.mu.Unlock()
		}
		*m.callOrder = append(*m.callOrder, m.name)
	}
	if m.callSignal != nil {
		m.callSignal <- m.name
	}
	return m.returnErr
}

func (m *mockListener) Priority() int { return m.priority }
func (m *mockListener) IsAsync() bool { return m.isAsync }

func preApply() HookEvent {
	return NewPreApplyEvent(ApplyPayload{Username: "alice", Record: core.NewLogRecord(0, 1, core.ActionDeposit, 0, 0, 100)})
}

func postAppend() HookEvent {
	return NewPostLogAppendEvent(LogAppendPayload{Sequence: 3})
}

func TestNewHookManager(t *testing.T) {
	manager := NewHookManager(nil)
	require.NotNil(t, manager)
	dm, ok := manager.(*DefaultHookManager)
	require.True(t, ok)
	assert.NotNil(t, dm.byEvent)
	assert.NotNil(t, dm.logger)
}

func TestDefaultHookManager_Register(t *testing.T) {
	t.Run("PriorityOrder", func(t *testing.T) {
		manager := NewHookManager(nil).(*DefaultHookManager)
		manager.Register(EventPreApply, &mockListener{name: "p10", priority: 10})
		manager.Register(EventPreApply, &mockListener{name: "p1", priority: 1})
		manager.Register(EventPreApply, &mockListener{name: "p5", priority: 5})

		l := manager.byEvent[EventPreApply]
		require.Len(t, l, 3)
		assert.Equal(t, "p1", l[0].listener.(*mockListener).name)
		assert.Equal(t, "p5", l[1].listener.(*mockListener).name)
		assert.Equal(t, "p10", l[2].listener.(*mockListener).name)
	})

	t.Run("EqualPrioritiesKeepRegistrationOrder", func(t *testing.T) {
		manager := NewHookManager(nil).(*DefaultHookManager)
		manager.Register(EventPreApply, &mockListener{name: "first", priority: 1})
		manager.Register(EventPreApply, &mockListener{name: "second", priority: 1})

		l := manager.byEvent[EventPreApply]
		require.Len(t, l, 2)
		assert.Equal(t, "first", l[0].listener.(*mockListener).name)
		assert.Equal(t, "second", l[1].listener.(*mockListener).name)
	})
}

func TestDefaultHookManager_Trigger(t *testing.T) {
	t.Run("PreHookRunsInPriorityOrder", func(t *testing.T) {
		manager := NewHookManager(nil)
		var order []string
		manager.Register(EventPreApply, &mockListener{name: "c", priority: 10, callOrder: &order})
		manager.Register(EventPreApply, &mockListener{name: "a", priority: 1, callOrder: &order})
		manager.Register(EventPreApply, &mockListener{name: "b", priority: 5, callOrder: &order})

		require.NoError(t, manager.Trigger(context.Background(), preApply()))
		assert.Equal(t, []string{"a", "b", "c"}, order)
	})

	t.Run("PreHookErrorCancels", func(t *testing.T) {
		manager := NewHookManager(nil)
		var order []string
		rejected := errors.New("rejected")
		manager.Register(EventPreApply, &mockListener{name: "a", priority: 1, callOrder: &order})
		manager.Register(EventPreApply, &mockListener{name: "b", priority: 5, callOrder: &order, returnErr: rejected})
		manager.Register(EventPreApply, &mockListener{name: "c", priority: 10, callOrder: &order})

		err := manager.Trigger(context.Background(), preApply())
		require.ErrorIs(t, err, rejected)
		assert.Equal(t, []string{"a", "b"}, order)
	})

	t.Run("PreHookIgnoresAsyncFlag", func(t *testing.T) {
		manager := NewHookManager(nil)
		var order []string
		manager.Register(EventPreRegisterUser, &mockListener{name: "async", priority: 1, isAsync: true, callOrder: &order})

		require.NoError(t, manager.Trigger(context.Background(), NewPreRegisterUserEvent(RegisterUserPayload{Username: "bob"})))
		assert.Equal(t, []string{"async"}, order)
	})

	t.Run("PostHookSyncAndAsync", func(t *testing.T) {
		manager := NewHookManager(nil)
		signal := make(chan string, 1)
		var order []string
		manager.Register(EventPostLogAppend, &mockListener{name: "async", priority: 10, isAsync: true, callSignal: signal})
		manager.Register(EventPostLogAppend, &mockListener{name: "sync", priority: 1, callOrder: &order})

		require.NoError(t, manager.Trigger(context.Background(), postAppend()))
		assert.Equal(t, []string{"sync"}, order)

		select {
		case name := <-signal:
			assert.Equal(t, "async", name)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for async listener")
		}
		manager.Stop()
	})

	t.Run("PostHookErrorsAreSwallowed", func(t *testing.T) {
		manager := NewHookManager(nil)
		var order []string
		manager.Register(EventPostLogAppend, &mockListener{name: "err", priority: 1, callOrder: &order, returnErr: errors.New("boom")})
		manager.Register(EventPostLogAppend, &mockListener{name: "ok", priority: 5, callOrder: &order})

		require.NoError(t, manager.Trigger(context.Background(), postAppend()))
		assert.Equal(t, []string{"err", "ok"}, order)
	})

	t.Run("NoListeners", func(t *testing.T) {
		manager := NewHookManager(nil)
		assert.NoError(t, manager.Trigger(context.Background(), NewPostStartEngineEvent()))
	})

	t.Run("PayloadIsDelivered", func(t *testing.T) {
		manager := NewHookManager(nil)
		var got SnapshotPayload
		manager.Register(EventPostCreateSnapshot, &mockListener{priority: 1, onEventFunc: func(e HookEvent) {
			got = e.Payload().(SnapshotPayload)
		}})
		require.NoError(t, manager.Trigger(context.Background(), NewPostCreateSnapshotEvent(SnapshotPayload{LastLogIndex: 7, Users: 2})))
		assert.Equal(t, uint64(7), got.LastLogIndex)
		assert.Equal(t, 2, got.Users)
	})
}

func TestDefaultHookManager_Stop(t *testing.T) {
	manager := NewHookManager(nil)
	var completed atomic.Bool
	manager.Register(EventPostRecovery, &mockListener{
		priority:  1,
		isAsync:   true,
		workDelay: 50 * time.Millisecond,
		onEventFunc: func(HookEvent) {
			completed.Store(true)
		},
	})

	require.NoError(t, manager.Trigger(context.Background(), NewPostRecoveryEvent(RecoveryPayload{})))
	manager.Stop()
	assert.True(t, completed.Load(), "Stop should wait for async listeners")
}

func BenchmarkTrigger_PreHook_10_Listeners(b *testing.B) {
	manager := NewHookManager(nil)
	for i := 0; i < 10; i++ {
		manager.Register(EventPreApply, &mockListener{name: "l", priority: i})
	}
	event := preApply()
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = manager.Trigger(ctx, event)
	}
}

func TestEventType_IsPre(t *testing.T) {
	assert.True(t, EventPreApply.IsPre())
	assert.True(t, EventPreCreateSnapshot.IsPre())
	assert.False(t, EventPostLogAppend.IsPre())
	assert.False(t, EventOnPersistDropped.IsPre())
}
