// Package store implements buckets: append-only, column-encoded data units
// with add/commit/rollback/compact lifecycle, deletion bitmaps and scans.
package store

import (
	"context"
	"encoding/binary"
	"io"
	"strconv"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"kstore/columnar"
)

// Errors
var (
	ErrUninitializedBucket = errors.New("bucket has no directory or path")
	ErrCompactionSwap      = errors.New("compaction failed while replacing generations")
	ErrUnknownBucketKind   = errors.New("unknown bucket kind")
	ErrInvalidIndex        = errors.New("invalid index")
	ErrOpenSession         = errors.New("bucket has an open append session")
)

// swapError keeps ErrCompactionSwap as the wrapped error so that both the
// standard and the cockroachdb errors.Is match it
func swapError(cause error, msg string) error {
	return errors.WithSecondaryError(errors.Wrapf(ErrCompactionSwap, "%s: %v", msg, cause), cause)
}

// Kind identifies a bucket implementation in the store index
type Kind uint8

const (
	KindPage   Kind = 1
	KindStream Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindPage:
		return "page"
	case KindStream:
		return "stream"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// ParseKind returns the kind named by s
func ParseKind(s string) (Kind, error) {
	switch s {
	case "page":
		return KindPage, nil
	case "stream":
		return KindStream, nil
	default:
		return 0, errors.Wrapf(ErrUnknownBucketKind, "%q", s)
	}
}

// ScanFunc receives one row of a scan. Returning false stops the scan.
type ScanFunc func(rowID uint32, line columnar.Line) bool

// Bucket is a contiguous append-only data unit. A bucket has a single
// writer; readers only observe committed state.
type Bucket interface {
	Kind() Kind
	Path() string
	MinRowKey() []byte
	SetMinRowKey(key []byte)
	RowCount() uint64
	RowCountCommitted() uint64
	ByteSize() uint64
	ByteSizeCommitted() uint64

	// Add appends one row. values holds one value per store column.
	Add(rowID uint32, values ...any) error
	// DeleteByRowNumber marks a committed row by its physical position
	DeleteByRowNumber(n uint64)
	// DeleteByRowID marks every row carrying id
	DeleteByRowID(id uint32)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Compact(ctx context.Context) error
	// ReadLines decodes the requested columns of every committed row that
	// passes filter (nil passes all) and is not deleted into line, then
	// calls fn.
	ReadLines(ctx context.Context, line columnar.Line, cols []int, filter *roaring.Bitmap, fn ScanFunc) error
	// Drop deletes every file of the bucket
	Drop(ctx context.Context) error

	encodeIndex(w io.Writer) error
	decodeIndex(r columnar.IndexReader) error
}

// bucketBase holds the state shared by both bucket kinds
type bucketBase struct {
	store *Store
	path  string
	log   *zap.Logger

	minRowKey         []byte
	rowCount          uint64
	rowCountCommitted uint64
	byteSize          uint64
	byteSizeCommitted uint64

	deleteThreshold uint64
	deletedByNumber *columnar.BitSet
	deletedByID     *columnar.BitSet
}

func newBucketBase(s *Store, path string) bucketBase {
	return bucketBase{
		store: s,
		path:  path,
		log:   s.log.With(zap.String("bucket", path)),
	}
}

func (b *bucketBase) Path() string {
	return b.path
}

func (b *bucketBase) MinRowKey() []byte {
	return b.minRowKey
}

func (b *bucketBase) SetMinRowKey(key []byte) {
	b.minRowKey = append([]byte(nil), key...)
}

func (b *bucketBase) RowCount() uint64 {
	return b.rowCount
}

func (b *bucketBase) RowCountCommitted() uint64 {
	return b.rowCountCommitted
}

func (b *bucketBase) ByteSize() uint64 {
	return b.byteSize
}

func (b *bucketBase) ByteSizeCommitted() uint64 {
	return b.byteSizeCommitted
}

func (b *bucketBase) check() error {
	if b.store == nil || b.path == "" {
		return ErrUninitializedBucket
	}
	return nil
}

// file returns the device path of a bucket file, e.g. dir/bucket0/col3_add2
func (b *bucketBase) file(name, tag string) string {
	return b.store.directory + b.path + "/" + name + tag
}

func (b *bucketBase) idFile(tag string) string {
	return b.file("id", tag)
}

func (b *bucketBase) colFile(col int, tag string) string {
	return b.file("col"+strconv.Itoa(col), tag)
}

func (b *bucketBase) allFile(tag string) string {
	return b.file("colALL", tag)
}

func (b *bucketBase) DeleteByRowNumber(n uint64) {
	if n >= b.rowCountCommitted {
		b.log.Debug("ignoring delete of uncommitted row",
			zap.Uint64("row_number", n),
			zap.Uint64("committed", b.rowCountCommitted))
		return
	}
	if b.deletedByNumber == nil {
		b.deletedByNumber = columnar.NewBitSet()
	}
	b.deletedByNumber.Add(n)
	b.deleteThreshold = b.rowCountCommitted
}

func (b *bucketBase) DeleteByRowID(id uint32) {
	if b.deletedByID == nil {
		b.deletedByID = columnar.NewBitSet()
	}
	b.deletedByID.Add(uint64(id))
	b.deleteThreshold = b.rowCountCommitted
}

func (b *bucketBase) hasDeletions() bool {
	return (b.deletedByNumber != nil && !b.deletedByNumber.IsEmpty()) ||
		(b.deletedByID != nil && !b.deletedByID.IsEmpty())
}

func (b *bucketBase) isDeleted(rowNum uint64, id uint32) bool {
	if rowNum >= b.deleteThreshold {
		return false
	}
	return b.deletedByNumber.Contains(rowNum) || b.deletedByID.Contains(uint64(id))
}

func (b *bucketBase) clearDeletions() {
	b.deletedByNumber = nil
	b.deletedByID = nil
	b.deleteThreshold = 0
}

// checkColumns validates a scan request and returns the columns in
// ascending order without duplicates
func (b *bucketBase) checkColumns(line columnar.Line, cols []int) ([]int, error) {
	n := b.store.NumColumns()
	if len(line) < n {
		return nil, errors.Newf("line holds %d values, store has %d columns", len(line), n)
	}
	seen := make([]bool, n)
	for _, c := range cols {
		if c < 0 || c >= n {
			return nil, errors.Newf("column %d out of range [0,%d)", c, n)
		}
		seen[c] = true
	}
	sorted := make([]int, 0, len(cols))
	for c, ok := range seen {
		if ok {
			sorted = append(sorted, c)
		}
	}
	return sorted, nil
}

func (b *bucketBase) encodeHeader(w io.Writer) error {
	if err := columnar.WriteCString(w, b.path); err != nil {
		return err
	}
	if err := binary.Write(w, columnar.ByteOrder, uint32(len(b.minRowKey))); err != nil {
		return err
	}
	if _, err := w.Write(b.minRowKey); err != nil {
		return err
	}
	if err := binary.Write(w, columnar.ByteOrder, b.byteSizeCommitted); err != nil {
		return err
	}
	return binary.Write(w, columnar.ByteOrder, b.rowCountCommitted)
}

func (b *bucketBase) decodeHeader(r columnar.IndexReader) error {
	path, err := columnar.ReadCString(r)
	if err != nil {
		return errors.Wrap(err, "failed to read bucket path")
	}
	var n uint32
	if err := binary.Read(r, columnar.ByteOrder, &n); err != nil {
		return errors.Wrap(err, "failed to read min row key length")
	}
	key := make([]byte, n)
	if _, err := io.ReadFull(r, key); err != nil {
		return errors.Wrap(err, "failed to read min row key")
	}
	if err := binary.Read(r, columnar.ByteOrder, &b.byteSizeCommitted); err != nil {
		return errors.Wrap(err, "failed to read byte size")
	}
	if err := binary.Read(r, columnar.ByteOrder, &b.rowCountCommitted); err != nil {
		return errors.Wrap(err, "failed to read row count")
	}
	b.path = path
	b.minRowKey = key
	b.log = b.store.log.With(zap.String("bucket", path))
	b.rowCount = b.rowCountCommitted
	b.byteSize = b.byteSizeCommitted
	return nil
}

// deleteFiles removes paths best-effort and returns the combined error
func (b *bucketBase) deleteFiles(paths []string) error {
	var result error
	for _, p := range paths {
		if err := b.store.device.Delete(p); err != nil {
			result = errors.CombineErrors(result, err)
		}
	}
	return result
}
