package compressors

import (
	"io"

	"github.com/INLOpen/nexusledger/core"
	"github.com/golang/snappy"
)

// SnappyCompressor implements core.Compressor using the snappy framing format.
type SnappyCompressor struct{}

var _ core.Compressor = (*SnappyCompressor)(nil)

func NewSnappyCompressor() *SnappyCompressor {
	return &SnappyCompressor{}
}

// NewWriter returns a buffered framing writer. Close flushes it; the
// underlying writer is left open.
func (c *SnappyCompressor) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return snappy.NewBufferedWriter(w), nil
}

func (c *SnappyCompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(snappy.NewReader(r)), nil
}

func (c *SnappyCompressor) Type() core.CompressionType {
	return core.CompressionSnappy
}
