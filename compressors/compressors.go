package compressors

import (
	"fmt"

	"github.com/INLOpen/nexusledger/core"
)

var zstdShared = NewZstdCompressor()

// ForType returns the compressor registered for ct.
func ForType(ct core.CompressionType) (core.Compressor, error) {
	switch ct {
	case core.CompressionNone:
		return &NoCompressionCompressor{}, nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return NewLz4Compressor(), nil
	case core.CompressionZSTD:
		return zstdShared, nil
	default:
		return nil, fmt.Errorf("unsupported compression type %d", ct)
	}
}
