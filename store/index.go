package store

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"kstore/columnar"
	"kstore/device"
)

const (
	indexMagic   uint32 = 0x4B535449 // "KSTI"
	indexVersion uint16 = 1
	indexName           = "index"
)

// IndexPath returns the device path of the store index
func (s *Store) IndexPath() string {
	return s.directory + indexName
}

// Save writes the committed state of every bucket to the store index. The
// index is written under a temporary name and renamed into place.
func (s *Store) Save(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.IndexPath() + ".tmp"
	out, err := s.device.Create(tmp, device.CodecNone, false)
	if err != nil {
		return errors.Wrap(err, "failed to create index")
	}
	w := bufio.NewWriter(out)
	if err := s.writeIndex(w); err != nil {
		_ = out.Close()
		return errors.Wrap(err, "failed to write index")
	}
	if err := w.Flush(); err != nil {
		_ = out.Close()
		return device.IOError(err, "failed to write index")
	}
	if err := out.Close(); err != nil {
		return errors.Wrap(err, "failed to close index")
	}
	if err := s.device.Rename(tmp, s.IndexPath()); err != nil {
		return errors.Wrap(err, "failed to install index")
	}
	s.log.Info("index saved", zap.Int("buckets", len(s.buckets)))
	return nil
}

func (s *Store) writeIndex(w io.Writer) error {
	header := []any{indexMagic, indexVersion, uint8(s.pageCompression), uint32(s.nextID), uint32(len(s.buckets))}
	for _, v := range header {
		if err := binary.Write(w, columnar.ByteOrder, v); err != nil {
			return err
		}
	}
	for _, b := range s.buckets {
		if err := binary.Write(w, columnar.ByteOrder, uint8(b.Kind())); err != nil {
			return err
		}
		if err := b.encodeIndex(w); err != nil {
			return errors.Wrapf(err, "bucket %s", b.Path())
		}
	}
	return nil
}

// Load replaces the buckets of the store with those of the saved index
func (s *Store) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	in, err := s.device.Open(s.IndexPath(), device.CodecNone)
	if err != nil {
		return errors.Wrap(err, "failed to open index")
	}
	defer in.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	buckets, nextID, err := s.readIndex(bufio.NewReader(in))
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", s.IndexPath())
	}
	s.buckets = buckets
	s.nextID = nextID
	s.log.Info("index loaded", zap.Int("buckets", len(buckets)), zap.Stringer("page_compression", s.pageCompression))
	return nil
}

func (s *Store) readIndex(r columnar.IndexReader) ([]Bucket, int, error) {
	var (
		magic       uint32
		version     uint16
		compression uint8
		nextID      uint32
		count       uint32
	)
	if err := binary.Read(r, columnar.ByteOrder, &magic); err != nil {
		return nil, 0, err
	}
	if magic != indexMagic {
		return nil, 0, errors.Wrapf(ErrInvalidIndex, "bad magic %#x", magic)
	}
	if err := binary.Read(r, columnar.ByteOrder, &version); err != nil {
		return nil, 0, err
	}
	if version != indexVersion {
		return nil, 0, errors.Wrapf(ErrInvalidIndex, "unsupported version %d", version)
	}
	for _, v := range []any{&compression, &nextID, &count} {
		if err := binary.Read(r, columnar.ByteOrder, v); err != nil {
			return nil, 0, err
		}
	}
	// pages were encoded with the compressor in effect when they were written
	if ct := columnar.CompressionType(compression); ct != s.pageCompression {
		if err := s.setPageCompression(ct); err != nil {
			return nil, 0, errors.Wrapf(ErrInvalidIndex, "page compression %d: %v", compression, err)
		}
	}

	buckets := make([]Bucket, 0, count)
	for i := uint32(0); i < count; i++ {
		kind, err := r.ReadByte()
		if err != nil {
			return nil, 0, err
		}
		b, err := s.newBucket(Kind(kind), "")
		if err != nil {
			return nil, 0, err
		}
		if err := b.decodeIndex(r); err != nil {
			return nil, 0, errors.Wrapf(err, "bucket %d", i)
		}
		buckets = append(buckets, b)
	}
	return buckets, int(nextID), nil
}
