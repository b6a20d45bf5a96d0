package compressors

import (
	"bytes"
	"io"
	"testing"

	"github.com/INLOpen/nexusledger/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressors_RoundTrip(t *testing.T) {
	payloads := []struct {
		name string
		data []byte
	}{
		{"simple string", []byte("hello world, this is a test of the compressor")},
		{"repetitive data", bytes.Repeat([]byte("a"), 1<<20)},
		{"empty data", []byte{}},
		{"random-looking data", []byte("82f7b5a3e1d9c0f4b8a6d2c1e0f3a9b8d7c6e5f4a3b2c1d0e9f8a7b6c5d4e3f2")},
	}

	for _, ct := range []core.CompressionType{core.CompressionNone, core.CompressionSnappy, core.CompressionLZ4, core.CompressionZSTD} {
		t.Run(ct.String(), func(t *testing.T) {
			c, err := ForType(ct)
			require.NoError(t, err)
			assert.Equal(t, ct, c.Type())

			for _, p := range payloads {
				t.Run(p.name, func(t *testing.T) {
					var buf bytes.Buffer
					w, err := c.NewWriter(&buf)
					require.NoError(t, err)
					_, err = w.Write(p.data)
					require.NoError(t, err)
					require.NoError(t, w.Close())

					r, err := c.NewReader(&buf)
					require.NoError(t, err)
					got, err := io.ReadAll(r)
					require.NoError(t, err)
					require.NoError(t, r.Close())
					assert.Equal(t, len(p.data), len(got))
					assert.True(t, bytes.Equal(p.data, got))
				})
			}
		})
	}
}

func TestZstdCompressor_ReusesPooledCoders(t *testing.T) {
	c := NewZstdCompressor()
	for i := 0; i < 3; i++ {
		var buf bytes.Buffer
		w, err := c.NewWriter(&buf)
		require.NoError(t, err)
		_, err = w.Write([]byte("ledger"))
		require.NoError(t, err)
		require.NoError(t, w.Close())

		r, err := c.NewReader(&buf)
		require.NoError(t, err)
		got, err := io.ReadAll(r)
		require.NoError(t, err)
		require.NoError(t, r.Close())
		assert.Equal(t, "ledger", string(got))
	}
}

func TestForType_Unknown(t *testing.T) {
	_, err := ForType(core.CompressionType(42))
	assert.Error(t, err)
}
