package store

import (
	"context"
	"encoding/binary"
	"io"
	"strconv"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"kstore/columnar"
	"kstore/metrics"
)

const compactTag = "_compact"

// PageBucket stores every column as a sequence of encoded pages. Each
// append session writes a generation of files described by its RowFile.
type PageBucket struct {
	bucketBase

	formats              []columnar.CodecKind
	generations          []*columnar.RowFile
	generationsCommitted int
	session              *pageSession
}

var _ Bucket = (*PageBucket)(nil)

func newPageBucket(s *Store, path string) *PageBucket {
	b := &PageBucket{bucketBase: newBucketBase(s, path)}
	b.formats = make([]columnar.CodecKind, s.NumColumns())
	for i, col := range s.columns {
		b.formats[i] = col.CodecKind()
	}
	return b
}

func (b *PageBucket) Kind() Kind {
	return KindPage
}

// Generations returns the committed generations
func (b *PageBucket) Generations() []*columnar.RowFile {
	return append([]*columnar.RowFile(nil), b.generations[:b.generationsCommitted]...)
}

// nextTag names the generation of a new session. The first generation of
// an empty bucket is written in place.
func (b *PageBucket) nextTag() string {
	if len(b.generations) == 0 {
		return ""
	}
	return "_add" + strconv.Itoa(len(b.generations))
}

func (b *PageBucket) Add(rowID uint32, values ...any) error {
	if err := b.check(); err != nil {
		return err
	}
	if len(values) != b.store.NumColumns() {
		return errors.Newf("row has %d values, store has %d columns", len(values), b.store.NumColumns())
	}
	if b.session == nil {
		tag := b.nextTag()
		sess, err := b.openSession(context.Background(), tag, b.rowCountCommitted)
		if err != nil {
			return err
		}
		b.session = sess
		b.generations = append(b.generations, sess.ledger)
		b.log.Debug("generation opened", zap.String("tag", tag), zap.Uint64("start_row", b.rowCountCommitted))
	}
	if err := b.session.append(rowID, values); err != nil {
		return err
	}
	b.rowCount++
	metrics.RowsAdded.Inc()
	if b.session.pageRows == b.store.PageSize() {
		n, err := b.session.flushPage()
		b.byteSize += n
		if err != nil {
			return errors.Wrapf(err, "failed to flush page of generation %q", b.session.ledger.Tag)
		}
	}
	return nil
}

func (b *PageBucket) Commit(ctx context.Context) (err error) {
	if err := b.check(); err != nil {
		return err
	}
	defer func() { metrics.ObserveOp("commit", err) }()

	if sess := b.session; sess != nil {
		n, err := sess.flushPage()
		b.byteSize += n
		if err != nil {
			return errors.Wrapf(err, "failed to flush generation %q", sess.ledger.Tag)
		}
		if err := sess.close(ctx, b.store); err != nil {
			return errors.Wrapf(err, "failed to close generation %q", sess.ledger.Tag)
		}
		sess.ledger.Seal()
		b.session = nil
		if sess.ledger.Pages() == 0 {
			// every Add of the session was rejected
			b.generations = b.generations[:b.generationsCommitted]
			if err := b.deleteFiles(sess.files); err != nil {
				b.log.Warn("failed to delete empty generation", zap.String("tag", sess.ledger.Tag), zap.Error(err))
			}
		} else {
			b.generationsCommitted = len(b.generations)
			b.log.Info("generation committed",
				zap.String("tag", sess.ledger.Tag),
				zap.Uint64("rows", sess.ledger.RowCount()),
				zap.Int("pages", sess.ledger.Pages()),
				zap.Uint64("bytes", sess.ledger.ByteSize()))
		}
	}
	b.rowCountCommitted = b.rowCount
	b.byteSizeCommitted = b.byteSize

	if b.hasDeletions() {
		return b.Compact(ctx)
	}
	return nil
}

// Rollback abandons the open session and any pending deletions. Failing to
// remove the abandoned files is logged, not returned.
func (b *PageBucket) Rollback(ctx context.Context) error {
	if err := b.check(); err != nil {
		return err
	}
	if sess := b.session; sess != nil {
		if err := sess.close(ctx, b.store); err != nil {
			b.log.Warn("failed to close abandoned generation", zap.String("tag", sess.ledger.Tag), zap.Error(err))
		}
		if err := b.deleteFiles(sess.files); err != nil {
			b.log.Warn("failed to delete abandoned generation", zap.String("tag", sess.ledger.Tag), zap.Error(err))
		}
		b.session = nil
	}
	b.generations = b.generations[:b.generationsCommitted]
	b.rowCount = b.rowCountCommitted
	b.byteSize = b.byteSizeCommitted
	b.clearDeletions()
	metrics.ObserveOp("rollback", nil)
	b.log.Info("rolled back", zap.Uint64("rows", b.rowCountCommitted))
	return nil
}

// Compact rewrites the committed generations without deleted rows into a
// single generation. It does nothing when no deletion is pending.
func (b *PageBucket) Compact(ctx context.Context) (err error) {
	if err := b.check(); err != nil {
		return err
	}
	if !b.hasDeletions() {
		return nil
	}
	if b.session != nil {
		return errors.Wrap(ErrOpenSession, "commit or roll back before compacting")
	}
	defer func() { metrics.ObserveOp("compact", err) }()

	old := b.generations[:b.generationsCommitted]
	sess, err := b.openSession(ctx, compactTag, 0)
	if err != nil {
		return err
	}

	n := b.store.NumColumns()
	all := make([]int, n)
	for i := range all {
		all[i] = i
	}
	var kept uint64
	var writeErr error
	pageSize := b.store.PageSize()
	scanErr := b.scan(ctx, old, columnar.NewLine(n), all, nil, func(id uint32, line columnar.Line) bool {
		if writeErr = sess.append(id, line); writeErr != nil {
			return false
		}
		kept++
		if sess.pageRows == pageSize {
			_, writeErr = sess.flushPage()
		}
		return writeErr == nil
	})
	if scanErr == nil {
		scanErr = writeErr
	}
	if scanErr == nil {
		_, scanErr = sess.flushPage()
	}
	if err := errors.CombineErrors(scanErr, sess.close(ctx, b.store)); err != nil {
		if delErr := b.deleteFiles(sess.files); delErr != nil {
			b.log.Warn("failed to delete compaction output", zap.Error(delErr))
		}
		return errors.Wrap(err, "compaction failed")
	}
	sess.ledger.Seal()

	if err := b.swap(old, sess, kept); err != nil {
		b.log.Error("compaction swap failed, bucket files are inconsistent", zap.Error(err))
		return swapError(err, "compaction swap failed")
	}

	dropped := b.rowCountCommitted - kept
	if kept == 0 {
		b.generations = nil
	} else {
		sess.ledger.Tag = ""
		b.generations = []*columnar.RowFile{sess.ledger}
	}
	b.generationsCommitted = len(b.generations)
	b.rowCount, b.rowCountCommitted = kept, kept
	b.byteSize = sess.ledger.ByteSize()
	b.byteSizeCommitted = b.byteSize
	b.clearDeletions()
	metrics.RowsDropped.Add(float64(dropped))
	b.log.Info("compacted",
		zap.Int("generations", len(old)),
		zap.Uint64("rows", kept),
		zap.Uint64("dropped", dropped))
	return nil
}

// swap replaces the files of old with the compaction output
func (b *PageBucket) swap(old []*columnar.RowFile, sess *pageSession, kept uint64) error {
	for _, g := range old {
		for _, f := range b.generationFiles(g.Tag) {
			if err := b.store.device.Delete(f); err != nil {
				return err
			}
		}
	}
	for _, f := range sess.files {
		if kept == 0 {
			if err := b.store.device.Delete(f); err != nil {
				return err
			}
			continue
		}
		if err := b.store.device.Rename(f, strings.TrimSuffix(f, compactTag)); err != nil {
			return err
		}
	}
	return nil
}

func (b *PageBucket) ReadLines(ctx context.Context, line columnar.Line, cols []int, filter *roaring.Bitmap, fn ScanFunc) error {
	if err := b.check(); err != nil {
		return err
	}
	sorted, err := b.checkColumns(line, cols)
	if err != nil {
		return err
	}
	return b.scan(ctx, b.generations[:b.generationsCommitted], line, sorted, filter, fn)
}

func (b *PageBucket) scan(ctx context.Context, gens []*columnar.RowFile, line columnar.Line, cols []int, filter *roaring.Bitmap, fn ScanFunc) error {
	for _, g := range gens {
		stop, err := b.scanGeneration(ctx, g, line, cols, filter, fn)
		if err != nil {
			return errors.Wrapf(err, "failed to read generation %q of %s", g.Tag, b.path)
		}
		if stop {
			return nil
		}
	}
	return nil
}

func (b *PageBucket) Drop(ctx context.Context) (err error) {
	if err := b.check(); err != nil {
		return err
	}
	defer func() { metrics.ObserveOp("drop", err) }()

	if sess := b.session; sess != nil {
		if err := sess.close(ctx, b.store); err != nil {
			b.log.Warn("failed to close open generation", zap.Error(err))
		}
		b.session = nil
	}
	var files []string
	for _, g := range b.generations {
		files = append(files, b.generationFiles(g.Tag)...)
	}
	if err := b.deleteFiles(files); err != nil {
		return errors.Wrapf(err, "failed to drop %s", b.path)
	}
	if err := b.store.device.Delete(b.store.directory + b.path); err != nil {
		return errors.Wrapf(err, "failed to remove %s", b.path)
	}
	b.generations = nil
	b.generationsCommitted = 0
	b.rowCount, b.rowCountCommitted = 0, 0
	b.byteSize, b.byteSizeCommitted = 0, 0
	b.clearDeletions()
	b.log.Info("dropped")
	return nil
}

func (b *PageBucket) encodeIndex(w io.Writer) error {
	if err := b.encodeHeader(w); err != nil {
		return err
	}
	if err := binary.Write(w, columnar.ByteOrder, uint32(len(b.formats))); err != nil {
		return err
	}
	formats := make([]byte, len(b.formats))
	for i, f := range b.formats {
		formats[i] = byte(f)
	}
	if _, err := w.Write(formats); err != nil {
		return err
	}
	if err := binary.Write(w, columnar.ByteOrder, uint32(b.generationsCommitted)); err != nil {
		return err
	}
	for _, g := range b.generations[:b.generationsCommitted] {
		if err := g.Encode(w); err != nil {
			return errors.Wrapf(err, "failed to write generation %q", g.Tag)
		}
	}
	return nil
}

func (b *PageBucket) decodeIndex(r columnar.IndexReader) error {
	if err := b.decodeHeader(r); err != nil {
		return err
	}
	var n uint32
	if err := binary.Read(r, columnar.ByteOrder, &n); err != nil {
		return errors.Wrap(err, "failed to read column formats")
	}
	if int(n) != len(b.formats) {
		return errors.Wrapf(ErrInvalidIndex, "%s has %d column formats, store has %d columns", b.path, n, len(b.formats))
	}
	formats := make([]byte, n)
	if _, err := io.ReadFull(r, formats); err != nil {
		return errors.Wrap(err, "failed to read column formats")
	}
	for i, f := range formats {
		if columnar.CodecKind(f) != b.formats[i] {
			return errors.Wrapf(ErrInvalidIndex, "%s column %d stored as %s, schema expects %s",
				b.path, i, columnar.CodecKind(f), b.formats[i])
		}
	}

	var count uint32
	if err := binary.Read(r, columnar.ByteOrder, &count); err != nil {
		return errors.Wrap(err, "failed to read generation count")
	}
	var rows uint64
	b.generations = make([]*columnar.RowFile, 0, count)
	for i := uint32(0); i < count; i++ {
		g, err := columnar.DecodeRowFile(r, len(b.formats))
		if err != nil {
			return errors.Wrapf(err, "%s generation %d", b.path, i)
		}
		rows += g.RowCount()
		b.generations = append(b.generations, g)
	}
	if rows != b.rowCountCommitted {
		return errors.Wrapf(ErrInvalidIndex, "%s generations hold %d rows, header says %d", b.path, rows, b.rowCountCommitted)
	}
	b.generationsCommitted = len(b.generations)
	return nil
}
