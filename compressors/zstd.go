package compressors

import (
	"fmt"
	"io"
	"sync"

	"github.com/INLOpen/nexusledger/core"
	"github.com/klauspost/compress/zstd"
)

// ZstdCompressor implements core.Compressor with pooled zstd encoders and decoders.
type ZstdCompressor struct {
	encoderPool sync.Pool
	decoderPool sync.Pool
}

type zstdWriteCloser struct {
	*zstd.Encoder
	pool *sync.Pool
}

// Close flushes the frame and returns the encoder to the pool.
func (zwc *zstdWriteCloser) Close() error {
	err := zwc.Encoder.Close()
	zwc.Encoder.Reset(nil)
	zwc.pool.Put(zwc.Encoder)
	return err
}

type zstdReadCloser struct {
	*zstd.Decoder
	pool *sync.Pool
}

func (zrc *zstdReadCloser) Close() error {
	// Do not call zrc.Decoder.Close() as it invalidates the decoder for reuse.
	_ = zrc.Decoder.Reset(nil)
	zrc.pool.Put(zrc.Decoder)
	return nil
}

var _ core.Compressor = (*ZstdCompressor)(nil)
var _ io.ReadCloser = (*zstdReadCloser)(nil)

func NewZstdCompressor() *ZstdCompressor {
	return &ZstdCompressor{
		encoderPool: sync.Pool{
			New: func() interface{} {
				enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
				if err != nil {
					return nil
				}
				return enc
			},
		},
		decoderPool: sync.Pool{
			New: func() interface{} {
				dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(512*1024*1024))
				if err != nil {
					return nil
				}
				return dec
			},
		},
	}
}

func (c *ZstdCompressor) NewWriter(w io.Writer) (io.WriteCloser, error) {
	enc, ok := c.encoderPool.Get().(*zstd.Encoder)
	if !ok || enc == nil {
		return nil, fmt.Errorf("zstd: failed to create encoder")
	}
	enc.Reset(w)
	return &zstdWriteCloser{Encoder: enc, pool: &c.encoderPool}, nil
}

func (c *ZstdCompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	dec, ok := c.decoderPool.Get().(*zstd.Decoder)
	if !ok || dec == nil {
		return nil, fmt.Errorf("zstd: failed to create decoder")
	}
	if err := dec.Reset(r); err != nil {
		c.decoderPool.Put(dec)
		return nil, fmt.Errorf("zstd decoder reset error: %w", err)
	}
	return &zstdReadCloser{Decoder: dec, pool: &c.decoderPool}, nil
}

func (c *ZstdCompressor) Type() core.CompressionType {
	return core.CompressionZSTD
}
