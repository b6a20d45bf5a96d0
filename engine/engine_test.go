package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/INLOpen/nexusledger/core"
	"github.com/INLOpen/nexusledger/hooks"
	"github.com/INLOpen/nexusledger/mmap"
	"github.com/INLOpen/nexusledger/snapshot"
	"github.com/INLOpen/nexusledger/sys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestEngine(t *testing.T, dir string, mutate ...func(*Options)) *Engine {
	t.Helper()
	opts := Options{
		DataDir:          dir,
		SnapshotInterval: -1,
		Logger:           testLogger(),
		HookManager:      hooks.NewHookManager(testLogger()),
		Clock:            func() time.Time { return time.Unix(1_700_000_000, 0) },
	}
	for _, m := range mutate {
		m(&opts)
	}
	e, err := Open(context.Background(), opts)
	require.NoError(t, err)
	return e
}

// readHistory maps history.bin of a closed data directory.
func readHistory(t *testing.T, dir string) []core.LogRecord {
	t.Helper()
	r, err := mmap.Open(dir, testLogger())
	require.NoError(t, err)
	defer r.Close()
	var out []core.LogRecord
	for _, rec := range r.Logs().All() {
		out = append(out, rec)
	}
	return out
}

func waitDurable(t *testing.T, e *Engine, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool { return e.DurableLogLength() == n }, 5*time.Second, 5*time.Millisecond)
}

func TestEngine_RegisterDepositTradeSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	e := openTestEngine(t, dir)

	id, err := e.RegisterUser(ctx, "alice", "alice@example.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), id)

	p, err := e.Deposit(ctx, "alice", 50000)
	require.NoError(t, err)
	assert.Equal(t, int64(50000), p.Cash)

	p, err = e.Trade(ctx, "alice", 7, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(49000), p.Cash)
	assert.Equal(t, int64(10), p.Stocks[7])

	require.NoError(t, e.Close())

	history := readHistory(t, dir)
	require.Len(t, history, 2)
	assert.Equal(t, core.ActionDeposit, history[0].Action)
	assert.Equal(t, int64(50000), history[0].AmountMoney)
	assert.Equal(t, core.ActionTrade, history[1].Action)
	assert.Equal(t, uint32(7), history[1].SymbolID)
	assert.Equal(t, int64(10), history[1].Quantity)
	assert.Equal(t, int64(1000), history[1].AmountMoney)
	assert.Equal(t, core.LogMagic, history[1].Magic)
	assert.Equal(t, uint64(1_700_000_000), history[1].Timestamp)

	// No snapshot exists, so this is a full replay.
	_, err = os.Stat(filepath.Join(dir, core.SnapshotFileName))
	require.True(t, os.IsNotExist(err))

	e = openTestEngine(t, dir)
	defer e.Close()
	got, err := e.Balance("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(49000), got.Cash)
	assert.Equal(t, int64(10), got.Stocks[7])

	uid, ok := e.LookupUserID("alice")
	require.True(t, ok)
	assert.Equal(t, uint64(0), uid)
	_, err = e.Login("alice", "pw")
	assert.NoError(t, err)
}

func TestEngine_SnapshotPlusTailEqualsFullReplay(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	e := openTestEngine(t, dir)

	_, err := e.RegisterUser(ctx, "alice", "", "pw")
	require.NoError(t, err)
	_, err = e.Deposit(ctx, "alice", 50000)
	require.NoError(t, err)
	waitDurable(t, e, 1)

	cursor, err := e.SnapshotNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cursor)

	_, err = e.Withdraw(ctx, "alice", 1000)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	table, loadedCursor, err := snapshot.NewManager(snapshot.Options{Dir: dir, Logger: testLogger()}).Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), loadedCursor)
	assert.Equal(t, int64(50000), table[0].Cash)
	assert.Len(t, readHistory(t, dir), 2)

	e = openTestEngine(t, dir)
	got, err := e.Balance("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(49000), got.Cash)
	require.NoError(t, e.Close())

	// Same answer from cursor zero.
	require.NoError(t, os.Remove(filepath.Join(dir, core.SnapshotFileName)))
	e = openTestEngine(t, dir)
	defer e.Close()
	got, err = e.Balance("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(49000), got.Cash)
}

func TestEngine_BusinessOutcomes(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, t.TempDir())
	defer e.Close()

	_, err := e.RegisterUser(ctx, "bob", "bob@example.com", "secret")
	require.NoError(t, err)
	_, err = e.Deposit(ctx, "bob", 500)
	require.NoError(t, err)

	testCases := []struct {
		name string
		op   func() error
		want error
	}{
		{"username taken", func() error { _, err := e.RegisterUser(ctx, "bob", "", "x"); return err }, core.ErrUsernameTaken},
		{"unknown user deposit", func() error { _, err := e.Deposit(ctx, "nobody", 1); return err }, core.ErrUserNotFound},
		{"unknown user balance", func() error { _, err := e.Balance("nobody"); return err }, core.ErrUserNotFound},
		{"overdraw", func() error { _, err := e.Withdraw(ctx, "bob", 501); return err }, core.ErrInsufficientFunds},
		{"buy too much", func() error { _, err := e.Trade(ctx, "bob", 1, 6); return err }, core.ErrInsufficientFunds},
		{"sell unheld", func() error { _, err := e.Trade(ctx, "bob", 1, -1); return err }, core.ErrInsufficientStock},
		{"bad password", func() error { _, err := e.Login("bob", "wrong"); return err }, core.ErrInvalidCredentials},
		{"unknown login", func() error { _, err := e.Login("nobody", "x"); return err }, core.ErrUserNotFound},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, tc.op(), tc.want)
		})
	}

	t.Run("validation", func(t *testing.T) {
		_, err := e.Deposit(ctx, "bob", 0)
		assert.True(t, core.IsValidationError(err))
		_, err = e.Trade(ctx, "bob", 1, 0)
		assert.True(t, core.IsValidationError(err))
		_, err = e.RegisterUser(ctx, "", "", "pw")
		assert.True(t, core.IsValidationError(err))
		_, err = e.RegisterUser(ctx, "this-username-is-longer-than-32-bytes", "", "pw")
		assert.True(t, core.IsValidationError(err))
	})

	// Rejected operations leave the balance alone.
	p, err := e.Balance("bob")
	require.NoError(t, err)
	assert.Equal(t, int64(500), p.Cash)

	// Buy then sell back.
	_, err = e.Trade(ctx, "bob", 3, 5)
	require.NoError(t, err)
	p, err = e.Trade(ctx, "bob", 3, -2)
	require.NoError(t, err)
	assert.Equal(t, int64(500-500+200), p.Cash)
	assert.Equal(t, int64(3), p.Stocks[3])
}

// orderListener records accepted deposits in write-lock order.
type orderListener struct {
	mu      sync.Mutex
	amounts []int64
}

func (l *orderListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	p := event.Payload().(hooks.ApplyPayload)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.amounts = append(l.amounts, p.Record.AmountMoney)
	return nil
}
func (l *orderListener) Priority() int { return 0 }
func (l *orderListener) IsAsync() bool { return false }

func TestEngine_ConcurrentMutationsKeepAcceptanceOrderOnDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	hm := hooks.NewHookManager(testLogger())
	order := &orderListener{}
	hm.Register(hooks.EventPreApply, order)
	e := openTestEngine(t, dir, func(o *Options) { o.HookManager = hm })

	_, err := e.RegisterUser(ctx, "carol", "", "pw")
	require.NoError(t, err)

	const workers, perWorker = 8, 50
	var wg sync.WaitGroup
	var want int64
	for w := 0; w < workers; w++ {
		for i := 0; i < perWorker; i++ {
			want += int64(w*1000 + i + 1)
		}
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := e.Deposit(ctx, "carol", int64(w*1000+i+1))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	p, err := e.Balance("carol")
	require.NoError(t, err)
	assert.Equal(t, want, p.Cash)
	require.NoError(t, e.Close())

	history := readHistory(t, dir)
	require.Len(t, history, workers*perWorker)
	onDisk := make([]int64, len(history))
	for i, rec := range history {
		onDisk[i] = rec.AmountMoney
	}
	assert.Equal(t, order.amounts, onDisk)
}

// blockingAppendListener stalls the writer goroutine inside PostLogAppend.
type blockingAppendListener struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (l *blockingAppendListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	l.once.Do(func() {
		close(l.entered)
		<-l.release
	})
	return nil
}
func (l *blockingAppendListener) Priority() int { return 0 }
func (l *blockingAppendListener) IsAsync() bool { return false }

func TestEngine_QueueFullKeepsMemoryButNotDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	hm := hooks.NewHookManager(testLogger())
	block := &blockingAppendListener{entered: make(chan struct{}), release: make(chan struct{})}
	hm.Register(hooks.EventPostLogAppend, block)
	e := openTestEngine(t, dir, func(o *Options) {
		o.HookManager = hm
		o.QueueCapacity = 1
	})

	_, err := e.RegisterUser(ctx, "dave", "", "pw")
	require.NoError(t, err)
	_, err = e.Deposit(ctx, "dave", 100)
	require.NoError(t, err)
	<-block.entered // writer is now stuck after the first append

	_, err = e.Deposit(ctx, "dave", 10)
	require.NoError(t, err) // fills the single slot

	p, err := e.Deposit(ctx, "dave", 1)
	require.ErrorIs(t, err, core.ErrQueueFull)
	assert.Equal(t, int64(111), p.Cash, "effect is applied in memory")
	assert.Equal(t, int64(1), e.metrics.PersistDroppedTotal.Value())

	close(block.release)
	require.NoError(t, e.Close())

	e = openTestEngine(t, dir)
	defer e.Close()
	p, err = e.Balance("dave")
	require.NoError(t, err)
	assert.Equal(t, int64(110), p.Cash, "dropped record is not recovered")
}

func TestEngine_SecondWriterIsLockedOut(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	defer e.Close()

	_, err := Open(context.Background(), Options{DataDir: dir, SnapshotInterval: -1, Logger: testLogger()})
	assert.ErrorIs(t, err, core.ErrWriterLocked)
}

func TestEngine_SnapshotCursorBeyondLogIsCorruption(t *testing.T) {
	dir := t.TempDir()
	m := snapshot.NewManager(snapshot.Options{Dir: dir, Logger: testLogger()})
	require.NoError(t, m.Save(context.Background(), core.PortfolioTable{}, 5))

	_, err := Open(context.Background(), Options{DataDir: dir, SnapshotInterval: -1, Logger: testLogger()})
	require.Error(t, err)
	assert.True(t, core.IsCorruptionError(err))

	// The failed open released the directory lock.
	release, err := sys.AcquireOSFileLock(filepath.Join(dir, core.LockFileName), 0)
	require.NoError(t, err)
	require.NoError(t, release())
}

func TestEngine_ClosedEngineRejectsMutations(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	_, err := e.RegisterUser(context.Background(), "erin", "", "pw")
	require.NoError(t, err)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err = e.Deposit(context.Background(), "erin", 1)
	assert.ErrorIs(t, err, core.ErrClosed)
}

func TestEngine_SnapshotOnClose(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir, func(o *Options) { o.SnapshotOnClose = true })
	ctx := context.Background()
	_, err := e.RegisterUser(ctx, "frank", "", "pw")
	require.NoError(t, err)
	_, err = e.Deposit(ctx, "frank", 42)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	table, cursor, err := snapshot.NewManager(snapshot.Options{Dir: dir, Logger: testLogger()}).Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cursor)
	assert.Equal(t, int64(42), table[0].Cash)
}

func TestEngine_PeriodicSnapshot(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir, func(o *Options) { o.SnapshotInterval = 10 * time.Millisecond })
	defer e.Close()
	ctx := context.Background()
	_, err := e.RegisterUser(ctx, "gina", "", "pw")
	require.NoError(t, err)
	_, err = e.Deposit(ctx, "gina", 7)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return e.metrics.SnapshotTotal.Value() > 0 && e.lastSnapshotCursor.Load() == 1 },
		5*time.Second, 10*time.Millisecond)
}

func TestEngine_RequestIDIsStamped(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	_, err := e.RegisterUser(context.Background(), "hal", "", "pw")
	require.NoError(t, err)
	id := [core.RequestIDSize]byte{1, 2, 3, 4}
	_, err = e.Deposit(WithRequestID(context.Background(), id), "hal", 5)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	history := readHistory(t, dir)
	require.Len(t, history, 1)
	assert.Equal(t, id, history[0].RequestID)
}

func TestEngine_PreApplyHookCanReject(t *testing.T) {
	hm := hooks.NewHookManager(testLogger())
	hm.Register(hooks.EventPreApply, rejectAll{})
	e := openTestEngine(t, t.TempDir(), func(o *Options) { o.HookManager = hm })
	defer e.Close()

	_, err := e.RegisterUser(context.Background(), "ivy", "", "pw")
	require.NoError(t, err)
	_, err = e.Deposit(context.Background(), "ivy", 5)
	require.ErrorIs(t, err, errRejected)
	p, err := e.Balance("ivy")
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.Cash)
}

var errRejected = errors.New("rejected")

type rejectAll struct{}

func (rejectAll) OnEvent(ctx context.Context, event hooks.HookEvent) error { return errRejected }
func (rejectAll) Priority() int                                            { return 0 }
func (rejectAll) IsAsync() bool                                            { return false }

func TestEngine_VerifyAndVerifyDir(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	e := openTestEngine(t, dir)

	for _, name := range []string{"alice", "bob"} {
		_, err := e.RegisterUser(ctx, name, "", "pw")
		require.NoError(t, err)
	}
	_, err := e.Deposit(ctx, "alice", 1000)
	require.NoError(t, err)
	_, err = e.Trade(ctx, "alice", 2, 3)
	require.NoError(t, err)
	waitDurable(t, e, 2)
	_, err = e.SnapshotNow(ctx)
	require.NoError(t, err)
	_, err = e.Deposit(ctx, "bob", 5)
	require.NoError(t, err)
	waitDurable(t, e, 3)

	report, err := e.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK(), "issues: %v", report.Issues)
	assert.Equal(t, uint64(3), report.LogRecords)
	assert.Equal(t, uint64(2), report.ActiveUsers)

	_, err = VerifyDir(dir, testLogger())
	assert.ErrorIs(t, err, core.ErrWriterLocked)

	require.NoError(t, e.Close())

	report, err = VerifyDir(dir, testLogger())
	require.NoError(t, err)
	assert.True(t, report.OK(), "issues: %v", report.Issues)
	assert.Equal(t, uint64(2), report.SnapshotCursor)
	assert.Equal(t, uint64(2), report.Users)
}

func waitUsersOnDisk(t *testing.T, e *Engine, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool { return e.writer.UserCount() == n }, 5*time.Second, 5*time.Millisecond)
}

func TestEngine_LostRegistrationKeepsLaterIDs(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	e := openTestEngine(t, dir)

	_, err := e.RegisterUser(ctx, "alice", "", "pw")
	require.NoError(t, err)
	waitUsersOnDisk(t, e, 1)

	e.writer.SetTestingOnlyInjectAppendError(errors.New("disk on fire"))
	bobID, err := e.RegisterUser(ctx, "bob", "", "pw")
	require.NoError(t, err, "registration is accepted before the append fails")
	assert.Equal(t, uint64(1), bobID)
	require.Eventually(t, func() bool { return e.metrics.QueueFailedTotal.Value() == 1 }, 5*time.Second, 5*time.Millisecond)
	e.writer.SetTestingOnlyInjectAppendError(nil)

	carolID, err := e.RegisterUser(ctx, "carol", "", "pw")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), carolID)
	_, err = e.Deposit(ctx, "carol", 500)
	require.NoError(t, err)
	waitDurable(t, e, 1)
	require.NoError(t, e.Close())

	e = openTestEngine(t, dir)
	defer e.Close()
	id, ok := e.LookupUserID("carol")
	require.True(t, ok)
	assert.Equal(t, uint64(2), id)
	carol, err := e.Balance("carol")
	require.NoError(t, err)
	assert.Equal(t, int64(500), carol.Cash)

	_, err = e.Balance("bob")
	assert.ErrorIs(t, err, core.ErrUserNotFound)

	danID, err := e.RegisterUser(ctx, "dan", "", "pw")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), danID)
	dan, err := e.Balance("dan")
	require.NoError(t, err)
	assert.Zero(t, dan.Cash)

	waitUsersOnDisk(t, e, 4)
	report, err := e.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK(), "issues: %v", report.Issues)
	assert.Equal(t, uint64(1), report.LostUsers)
}

func TestEngine_RecoveryReservesIDsOnlyTheLogKnows(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	e := openTestEngine(t, dir)

	_, err := e.RegisterUser(ctx, "alice", "", "pw")
	require.NoError(t, err)
	waitUsersOnDisk(t, e, 1)

	// Both the user append and the follow-up placeholder fail.
	e.writer.SetTestingOnlyInjectAppendError(errors.New("disk on fire"))
	_, err = e.RegisterUser(ctx, "bob", "", "pw")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.metrics.WALAppendErrorsTotal.Value() == 2 }, 5*time.Second, 5*time.Millisecond)
	e.writer.SetTestingOnlyInjectAppendError(nil)

	_, err = e.Deposit(ctx, "bob", 300)
	require.NoError(t, err)
	waitDurable(t, e, 1)
	assert.Equal(t, uint64(1), e.writer.UserCount())
	require.NoError(t, e.Close())

	e = openTestEngine(t, dir)
	_, err = e.Balance("bob")
	assert.ErrorIs(t, err, core.ErrUserNotFound)
	danID, err := e.RegisterUser(ctx, "dan", "", "pw")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), danID, "id 1 still holds the orphaned deposit")
	dan, err := e.Balance("dan")
	require.NoError(t, err)
	assert.Zero(t, dan.Cash)
	require.NoError(t, e.Close())

	report, err := VerifyDir(dir, testLogger())
	require.NoError(t, err)
	assert.True(t, report.OK(), "issues: %v", report.Issues)
	assert.Equal(t, uint64(3), report.Users)
	assert.Equal(t, uint64(1), report.LostUsers)
}

// balanceOnDrop reads the engine from inside OnPersistDropped.
type balanceOnDrop struct {
	e   *Engine
	got chan int64
}

func (l *balanceOnDrop) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	p, err := l.e.Balance("dave")
	if err != nil {
		return err
	}
	l.got <- p.Cash
	return nil
}
func (l *balanceOnDrop) Priority() int { return 0 }
func (l *balanceOnDrop) IsAsync() bool { return false }

func TestEngine_PersistDroppedListenerCanReadEngine(t *testing.T) {
	ctx := context.Background()
	hm := hooks.NewHookManager(testLogger())
	block := &blockingAppendListener{entered: make(chan struct{}), release: make(chan struct{})}
	hm.Register(hooks.EventPostLogAppend, block)
	onDrop := &balanceOnDrop{got: make(chan int64, 1)}
	hm.Register(hooks.EventOnPersistDropped, onDrop)
	e := openTestEngine(t, t.TempDir(), func(o *Options) {
		o.HookManager = hm
		o.QueueCapacity = 1
	})
	onDrop.e = e

	_, err := e.RegisterUser(ctx, "dave", "", "pw")
	require.NoError(t, err)
	_, err = e.Deposit(ctx, "dave", 100)
	require.NoError(t, err)
	<-block.entered
	_, err = e.Deposit(ctx, "dave", 10)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := e.Deposit(ctx, "dave", 1)
		done <- err
	}()
	select {
	case err := <-done:
		require.ErrorIs(t, err, core.ErrQueueFull)
	case <-time.After(5 * time.Second):
		t.Fatal("deposit did not return while a listener read the engine")
	}
	assert.Equal(t, int64(111), <-onDrop.got)

	close(block.release)
	require.NoError(t, e.Close())
}
