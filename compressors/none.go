package compressors

import (
	"io"

	"github.com/INLOpen/nexusledger/core"
)

// NoCompressionCompressor implements core.Compressor without performing compression.
type NoCompressionCompressor struct{}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

var _ core.Compressor = (*NoCompressionCompressor)(nil)

func (c *NoCompressionCompressor) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{Writer: w}, nil
}

func (c *NoCompressionCompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

func (c *NoCompressionCompressor) Type() core.CompressionType {
	return core.CompressionNone
}
