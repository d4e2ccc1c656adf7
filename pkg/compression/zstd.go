package compression

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

// ZstdCompressor compresses small blobs such as index manifests
type ZstdCompressor struct {
	level zstd.EncoderLevel

	// Pools for encoder/decoder reuse
	encoderPool sync.Pool
	decoderPool sync.Pool
}

// NewZstdCompressor creates a new Zstd compressor. Level follows zstd.EncoderLevel;
// zero selects the default.
func NewZstdCompressor(level int) (*ZstdCompressor, error) {
	encoderLevel := zstd.EncoderLevel(level)
	if level <= 0 {
		encoderLevel = zstd.SpeedDefault
	}

	// Fail early on bad options instead of inside the pool
	enc, err := newEncoder(encoderLevel)
	if err != nil {
		return nil, err
	}

	comp := &ZstdCompressor{level: encoderLevel}
	comp.encoderPool.Put(enc)

	comp.encoderPool.New = func() interface{} {
		enc, _ := newEncoder(encoderLevel)
		return enc
	}
	comp.decoderPool.New = func() interface{} {
		dec, _ := zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(64<<20), // 64MB max memory
		)
		return dec
	}

	return comp, nil
}

func newEncoder(level zstd.EncoderLevel) (*zstd.Encoder, error) {
	return zstd.NewWriter(nil,
		zstd.WithEncoderLevel(level),
		zstd.WithEncoderConcurrency(1),
		zstd.WithZeroFrames(true),
	)
}

func (z *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	encoder := z.encoderPool.Get().(*zstd.Encoder)
	defer z.encoderPool.Put(encoder)

	return encoder.EncodeAll(data, nil), nil
}

func (z *ZstdCompressor) Decompress(data []byte) ([]byte, error) {
	decoder := z.decoderPool.Get().(*zstd.Decoder)
	defer z.decoderPool.Put(decoder)

	return decoder.DecodeAll(data, nil)
}

func (z *ZstdCompressor) Name() string {
	return "zstd"
}
