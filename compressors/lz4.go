package compressors

import (
	"io"

	"github.com/INLOpen/nexusledger/core"
	lz4 "github.com/pierrec/lz4/v4"
)

// LZ4Compressor implements core.Compressor using the LZ4 frame format.
type LZ4Compressor struct{}

var _ core.Compressor = (*LZ4Compressor)(nil)

func NewLz4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

// NewWriter returns a frame writer. Close writes the end mark but does not
// close w.
func (c *LZ4Compressor) NewWriter(w io.Writer) (io.WriteCloser, error) {
	zw := lz4.NewWriter(w)
	if err := zw.Apply(lz4.ChecksumOption(true)); err != nil {
		return nil, err
	}
	return zw, nil
}

func (c *LZ4Compressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}
