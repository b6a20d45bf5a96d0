//go:build linux || darwin

package sys

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireOSFileLock_Exclusive(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "LOCK")

	rel1, err := AcquireOSFileLock(lockPath, 0)
	require.NoError(t, err)

	// flock locks belong to the open file description, so a second open in
	// the same process conflicts too.
	_, err = AcquireOSFileLock(lockPath, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, rel1())

	rel2, err := AcquireOSFileLock(lockPath, 200*time.Millisecond)
	require.NoError(t, err)
	assert.NoError(t, rel2())
	assert.FileExists(t, lockPath)
}
