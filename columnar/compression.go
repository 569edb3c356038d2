package columnar

import (
	"bytes"
	"io"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionType identifies the block compressor of generic pages. The
// value is persisted in the store index.
type CompressionType uint8

const (
	CompressionNone   CompressionType = 0
	CompressionGzip   CompressionType = 1
	CompressionSnappy CompressionType = 2
	CompressionZstd   CompressionType = 3
	CompressionLZ4    CompressionType = 4
	CompressionBrotli CompressionType = 5
)

var compressionNames = map[CompressionType]string{
	CompressionNone:   "none",
	CompressionGzip:   "gzip",
	CompressionSnappy: "snappy",
	CompressionZstd:   "zstd",
	CompressionLZ4:    "lz4",
	CompressionBrotli: "brotli",
}

func (c CompressionType) String() string {
	if name, ok := compressionNames[c]; ok {
		return name
	}
	return "unknown"
}

// ParseCompressionType maps a configuration name to a compression type
func ParseCompressionType(name string) (CompressionType, error) {
	for t, n := range compressionNames {
		if strings.EqualFold(n, name) {
			return t, nil
		}
	}
	return 0, errors.Newf("unsupported compression type: %q", name)
}

// CompressionLevel is a hint for compressors that support levels
type CompressionLevel int

const (
	CompressionLevelFastest CompressionLevel = 1
	CompressionLevelDefault CompressionLevel = 0
	CompressionLevelBetter  CompressionLevel = 3
	CompressionLevelBest    CompressionLevel = 9
)

// Compressor transforms whole pages. Both methods append to dst[:0] and may
// reuse its capacity; src is never retained. Implementations are safe for
// concurrent use.
type Compressor interface {
	Compress(dst, src []byte) ([]byte, error)
	Decompress(dst, src []byte) ([]byte, error)
	Type() CompressionType
}

// NoopCompressor stores pages as they are
type NoopCompressor struct{}

func (NoopCompressor) Compress(dst, src []byte) ([]byte, error) {
	return append(dst[:0], src...), nil
}

func (NoopCompressor) Decompress(dst, src []byte) ([]byte, error) {
	return append(dst[:0], src...), nil
}

func (NoopCompressor) Type() CompressionType {
	return CompressionNone
}

// SnappyCompressor uses the snappy block format
type SnappyCompressor struct{}

func (SnappyCompressor) Compress(dst, src []byte) ([]byte, error) {
	// snappy only reuses dst when its length is large enough
	return snappy.Encode(dst[:cap(dst)], src), nil
}

func (SnappyCompressor) Decompress(dst, src []byte) ([]byte, error) {
	return snappy.Decode(dst[:cap(dst)], src)
}

func (SnappyCompressor) Type() CompressionType {
	return CompressionSnappy
}

// ZstdCompressor shares one encoder and one decoder between all pages
type ZstdCompressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func NewZstdCompressor(level CompressionLevel) (*ZstdCompressor, error) {
	speed := zstd.SpeedDefault
	switch level {
	case CompressionLevelFastest:
		speed = zstd.SpeedFastest
	case CompressionLevelBetter:
		speed = zstd.SpeedBetterCompression
	case CompressionLevelBest:
		speed = zstd.SpeedBestCompression
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(speed), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create zstd encoder")
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		encoder.Close()
		return nil, errors.Wrap(err, "failed to create zstd decoder")
	}
	return &ZstdCompressor{encoder: encoder, decoder: decoder}, nil
}

func (z *ZstdCompressor) Compress(dst, src []byte) ([]byte, error) {
	return z.encoder.EncodeAll(src, dst[:0]), nil
}

func (z *ZstdCompressor) Decompress(dst, src []byte) ([]byte, error) {
	return z.decoder.DecodeAll(src, dst[:0])
}

func (z *ZstdCompressor) Type() CompressionType {
	return CompressionZstd
}

// Close releases the encoder and decoder goroutines
func (z *ZstdCompressor) Close() {
	z.encoder.Close()
	z.decoder.Close()
}

// streamCompressor adapts a framed stream format to whole pages. Writers
// and readers are pooled and reset for every page.
type streamCompressor struct {
	kind    CompressionType
	writers sync.Pool
	readers sync.Pool
	newW    func(io.Writer) (resetWriter, error)
	newR    func(io.Reader) (resetReader, error)
}

type resetWriter interface {
	io.WriteCloser
	Reset(io.Writer)
}

type resetReader interface {
	io.Reader
	Reset(io.Reader) error
}

func (c *streamCompressor) Compress(dst, src []byte) ([]byte, error) {
	buf := bytes.NewBuffer(dst[:0])
	var w resetWriter
	if pooled, ok := c.writers.Get().(resetWriter); ok {
		w = pooled
		w.Reset(buf)
	} else {
		var err error
		if w, err = c.newW(buf); err != nil {
			return nil, err
		}
	}
	if _, err := w.Write(src); err != nil {
		return nil, errors.Wrapf(err, "%s compress", c.kind)
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrapf(err, "%s compress", c.kind)
	}
	c.writers.Put(w)
	return buf.Bytes(), nil
}

func (c *streamCompressor) Decompress(dst, src []byte) ([]byte, error) {
	in := bytes.NewReader(src)
	var r resetReader
	if pooled, ok := c.readers.Get().(resetReader); ok {
		r = pooled
		if err := r.Reset(in); err != nil {
			return nil, errors.Wrapf(err, "%s decompress", c.kind)
		}
	} else {
		var err error
		if r, err = c.newR(in); err != nil {
			return nil, errors.Wrapf(err, "%s decompress", c.kind)
		}
	}
	buf := bytes.NewBuffer(dst[:0])
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, errors.Wrapf(err, "%s decompress", c.kind)
	}
	c.readers.Put(r)
	return buf.Bytes(), nil
}

func (c *streamCompressor) Type() CompressionType {
	return c.kind
}

func NewGzipCompressor(level CompressionLevel) Compressor {
	gzipLevel := gzip.DefaultCompression
	switch level {
	case CompressionLevelFastest:
		gzipLevel = gzip.BestSpeed
	case CompressionLevelBest:
		gzipLevel = gzip.BestCompression
	}
	return &streamCompressor{
		kind: CompressionGzip,
		newW: func(w io.Writer) (resetWriter, error) {
			return gzip.NewWriterLevel(w, gzipLevel)
		},
		newR: func(r io.Reader) (resetReader, error) {
			return gzip.NewReader(r)
		},
	}
}

// lz4Reader gives lz4.Reader the error-returning Reset of resetReader
type lz4Reader struct{ *lz4.Reader }

func (r lz4Reader) Reset(in io.Reader) error {
	r.Reader.Reset(in)
	return nil
}

func NewLZ4Compressor(level CompressionLevel) Compressor {
	lz4Level := lz4.Level5
	switch level {
	case CompressionLevelFastest:
		lz4Level = lz4.Fast
	case CompressionLevelBest:
		lz4Level = lz4.Level9
	}
	return &streamCompressor{
		kind: CompressionLZ4,
		newW: func(w io.Writer) (resetWriter, error) {
			zw := lz4.NewWriter(w)
			if err := zw.Apply(lz4.CompressionLevelOption(lz4Level)); err != nil {
				return nil, err
			}
			return zw, nil
		},
		newR: func(r io.Reader) (resetReader, error) {
			return lz4Reader{lz4.NewReader(r)}, nil
		},
	}
}

func NewBrotliCompressor(level CompressionLevel) Compressor {
	quality := brotli.DefaultCompression
	switch level {
	case CompressionLevelFastest:
		quality = brotli.BestSpeed
	case CompressionLevelBetter:
		quality = 9
	case CompressionLevelBest:
		quality = brotli.BestCompression
	}
	return &streamCompressor{
		kind: CompressionBrotli,
		newW: func(w io.Writer) (resetWriter, error) {
			return brotli.NewWriterLevel(w, quality), nil
		},
		newR: func(r io.Reader) (resetReader, error) {
			return brotli.NewReader(r), nil
		},
	}
}

// CreateCompressor returns the page compressor of a type
func CreateCompressor(compressionType CompressionType, level CompressionLevel) (Compressor, error) {
	switch compressionType {
	case CompressionNone:
		return NoopCompressor{}, nil
	case CompressionSnappy:
		return SnappyCompressor{}, nil
	case CompressionZstd:
		return NewZstdCompressor(level)
	case CompressionGzip:
		return NewGzipCompressor(level), nil
	case CompressionLZ4:
		return NewLZ4Compressor(level), nil
	case CompressionBrotli:
		return NewBrotliCompressor(level), nil
	default:
		return nil, errors.Newf("unsupported compression type: %d", compressionType)
	}
}
