// Package device implements the storage backends buckets read and write
// through: local and in-memory filesystems, S3, GCS and read-only HTTP.
package device

import (
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Errors
var (
	ErrBackendIO = errors.New("backend I/O failure")
	ErrReadOnly  = errors.New("device is read-only")
)

// Device is a storage backend. Paths use forward slashes and are relative
// to the device root.
type Device interface {
	// Open returns a reader decoding the whole stream with codec
	Open(path string, codec Codec) (io.ReadCloser, error)
	// Create returns a writer encoding the whole stream with codec
	Create(path string, codec Codec, append bool) (io.WriteCloser, error)
	// Delete removes path; a missing path is not an error
	Delete(path string) error
	Rename(src, dst string) error
	InputStream(path string) (io.ReadCloser, error)
	OutputStream(path string, append bool) (io.WriteCloser, error)
}

// Codec is a whole-stream compression applied by Open and Create
type Codec uint8

const (
	CodecNone Codec = iota
	CodecSnappy
	CodecGzip
	CodecZstd
	CodecLZ4
)

var codecNames = map[Codec]string{
	CodecNone:   "none",
	CodecSnappy: "snappy",
	CodecGzip:   "gzip",
	CodecZstd:   "zstd",
	CodecLZ4:    "lz4",
}

func (c Codec) String() string {
	if name, ok := codecNames[c]; ok {
		return name
	}
	return "unknown"
}

// ParseCodec maps a configuration name to a codec
func ParseCodec(name string) (Codec, error) {
	for c, n := range codecNames {
		if strings.EqualFold(n, name) {
			return c, nil
		}
	}
	return 0, errors.Newf("unsupported stream codec: %q", name)
}

// IOError returns an error that matches ErrBackendIO under both the
// standard and the cockroachdb errors.Is. cause stays attached as a
// secondary error and its text is part of the message.
func IOError(cause error, format string, args ...any) error {
	err := errors.Wrapf(ErrBackendIO, format+": %v", append(args, cause)...)
	return errors.WithSecondaryError(err, cause)
}

func backendError(err error, op, path string) error {
	return IOError(err, "failed to %s %q", op, path)
}

// WrapReader decodes r with codec. Closing the result closes r.
func WrapReader(r io.ReadCloser, codec Codec) (io.ReadCloser, error) {
	switch codec {
	case CodecNone:
		return r, nil
	case CodecSnappy:
		return &codecReader{Reader: snappy.NewReader(r), src: r}, nil
	case CodecGzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			r.Close()
			return nil, err
		}
		return &codecReader{Reader: gz, src: r, close: gz.Close}, nil
	case CodecZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			r.Close()
			return nil, err
		}
		return &codecReader{Reader: dec, src: r, close: func() error { dec.Close(); return nil }}, nil
	case CodecLZ4:
		return &codecReader{Reader: lz4.NewReader(r), src: r}, nil
	default:
		r.Close()
		return nil, errors.Newf("unsupported stream codec: %d", codec)
	}
}

// WrapWriter encodes into w with codec. Closing the result flushes the
// encoder and closes w.
func WrapWriter(w io.WriteCloser, codec Codec) (io.WriteCloser, error) {
	switch codec {
	case CodecNone:
		return w, nil
	case CodecSnappy:
		return &codecWriter{WriteCloser: snappy.NewBufferedWriter(w), dst: w}, nil
	case CodecGzip:
		return &codecWriter{WriteCloser: gzip.NewWriter(w), dst: w}, nil
	case CodecZstd:
		enc, err := zstd.NewWriter(w)
		if err != nil {
			w.Close()
			return nil, err
		}
		return &codecWriter{WriteCloser: enc, dst: w}, nil
	case CodecLZ4:
		return &codecWriter{WriteCloser: lz4.NewWriter(w), dst: w}, nil
	default:
		w.Close()
		return nil, errors.Newf("unsupported stream codec: %d", codec)
	}
}

type codecReader struct {
	io.Reader
	src   io.Closer
	close func() error
}

func (c *codecReader) Close() error {
	var err error
	if c.close != nil {
		err = c.close()
	}
	return errors.CombineErrors(err, c.src.Close())
}

type codecWriter struct {
	io.WriteCloser
	dst io.Closer
}

func (c *codecWriter) Close() error {
	err := c.WriteCloser.Close()
	return errors.CombineErrors(err, c.dst.Close())
}

func open(d Device, path string, codec Codec) (io.ReadCloser, error) {
	r, err := d.InputStream(path)
	if err != nil {
		return nil, err
	}
	return WrapReader(r, codec)
}

func create(d Device, path string, codec Codec, append bool) (io.WriteCloser, error) {
	w, err := d.OutputStream(path, append)
	if err != nil {
		return nil, err
	}
	return WrapWriter(w, codec)
}
