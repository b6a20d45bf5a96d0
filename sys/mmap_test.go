//go:build linux || darwin

package sys

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMmap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.bin")
	require.NoError(t, os.WriteFile(path, []byte("mapped bytes"), 0644))

	f, err := Open(path)
	require.NoError(t, err)
	defer f.Close()

	data, err := Mmap(f, 12)
	require.NoError(t, err)
	assert.Equal(t, "mapped bytes", string(data))
	require.NoError(t, Munmap(data))

	t.Run("ZeroSize", func(t *testing.T) {
		data, err := Mmap(f, 0)
		require.NoError(t, err)
		assert.Nil(t, data)
		assert.NoError(t, Munmap(nil))
	})
}
