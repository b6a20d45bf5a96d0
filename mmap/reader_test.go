package mmap

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/INLOpen/nexusledger/core"
	"github.com/INLOpen/nexusledger/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openReader(t *testing.T, dir string) *Reader {
	t.Helper()
	r, err := Open(dir, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func writeLogs(t *testing.T, dir string, recs ...core.LogRecord) {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(dir, core.HistoryFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	defer f.Close()
	for _, rec := range recs {
		b, err := rec.MarshalBinary()
		require.NoError(t, err)
		_, err = f.Write(b)
		require.NoError(t, err)
	}
}

func TestOpen_EmptyDirectory(t *testing.T) {
	r := openReader(t, t.TempDir())
	assert.Equal(t, 0, r.Users().Len())
	assert.Equal(t, 0, r.Logs().Len())

	n, err := r.LiveLogLength()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)

	count := 0
	for range r.Logs().All() {
		count++
	}
	assert.Zero(t, count)
}

func TestReader_ReadsWriterOutput(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.Open(wal.Options{Dir: dir, Logger: discardLogger()})
	require.NoError(t, err)
	defer w.Close()

	_, err = w.AppendUser(core.NewUserRecord(0, "alice", "a@x.io", [core.HashSize]byte{}, [core.SaltSize]byte{}, 1))
	require.NoError(t, err)
	_, err = w.AppendUser(core.NewUserRecord(1, "bob", "b@x.io", [core.HashSize]byte{}, [core.SaltSize]byte{}, 2))
	require.NoError(t, err)
	for i := int64(1); i <= 3; i++ {
		_, err = w.AppendLog(core.NewLogRecord(0, uint64(i), core.ActionDeposit, 0, 0, i*100))
		require.NoError(t, err)
	}

	r := openReader(t, dir)
	users := r.Users()
	require.Equal(t, 2, users.Len())
	assert.Equal(t, "alice", users.At(0).Name())
	assert.Equal(t, "bob", users.At(1).Name())

	logs := r.Logs()
	require.Equal(t, 3, logs.Len())
	var amounts []int64
	for i, rec := range logs.All() {
		assert.Equal(t, uint64(i+1), rec.Timestamp)
		amounts = append(amounts, rec.AmountMoney)
	}
	assert.Equal(t, []int64{100, 200, 300}, amounts)

	tail := logs.Range(1, 10)
	require.Equal(t, 2, tail.Len())
	assert.Equal(t, int64(200), tail.At(0).AmountMoney)
	assert.Equal(t, 0, logs.Range(5, 2).Len())
	assert.Len(t, logs.Bytes(0), core.LogRecordSize)
	assert.Panics(t, func() { logs.At(3) })
}

func TestReader_PartialTrailingRecordIsHidden(t *testing.T) {
	dir := t.TempDir()
	writeLogs(t, dir, core.NewLogRecord(0, 1, core.ActionDeposit, 0, 0, 5))
	f, err := os.OpenFile(filepath.Join(dir, core.HistoryFileName), os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write(make([]byte, 20))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	r := openReader(t, dir)
	assert.Equal(t, 1, r.Logs().Len())
	n, err := r.LiveLogLength()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestReader_RemapKeepsOldViews(t *testing.T) {
	dir := t.TempDir()
	writeLogs(t, dir, core.NewLogRecord(0, 1, core.ActionDeposit, 0, 0, 1))

	r := openReader(t, dir)
	before := r.Logs()
	require.Equal(t, 1, before.Len())

	writeLogs(t, dir, core.NewLogRecord(0, 2, core.ActionDeposit, 0, 0, 2), core.NewLogRecord(0, 3, core.ActionWithdraw, 0, 0, 1))

	// The existing mapping does not observe the appends; the live length does.
	assert.Equal(t, 1, r.Logs().Len())
	live, err := r.LiveLogLength()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), live)

	require.NoError(t, r.Remap())
	after := r.Logs()
	require.Equal(t, 3, after.Len())
	assert.Equal(t, core.ActionWithdraw, after.At(2).Action)

	// Views taken before the remap are still readable.
	assert.Equal(t, int64(1), before.At(0).AmountMoney)
}

func TestReader_Closed(t *testing.T) {
	r, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	_, err = r.LiveLogLength()
	assert.ErrorIs(t, err, core.ErrClosed)
	assert.ErrorIs(t, r.Remap(), core.ErrClosed)
}
