package store

import (
	"bufio"
	"context"
	"io"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"kstore/columnar"
	"kstore/device"
	"kstore/iopool"
	"kstore/metrics"
)

const (
	addTag   = "_add"
	mergeTag = "_merge"
)

// StreamBucket stores every column as one continuous value stream
// compressed with the store's stream codec. Appends to a bucket with
// committed rows go to _add files that commit merges into the main files.
type StreamBucket struct {
	bucketBase
	session *streamSession
}

var _ Bucket = (*StreamBucket)(nil)

func newStreamBucket(s *Store, path string) *StreamBucket {
	return &StreamBucket{bucketBase: newBucketBase(s, path)}
}

func (b *StreamBucket) Kind() Kind {
	return KindStream
}

// streamFiles lists the files of tag: row ids, then every stored column
func (b *StreamBucket) streamFiles(tag string) []string {
	files := []string{b.idFile(tag)}
	for _, c := range b.store.storedColumns() {
		files = append(files, b.colFile(c, tag))
	}
	return files
}

type bufferedWriter struct {
	*bufio.Writer
	c io.Closer
}

func (w *bufferedWriter) Close() error {
	err := w.Flush()
	return errors.CombineErrors(err, w.c.Close())
}

// streamSession writes one set of stream files. writers are indexed like
// streamFiles.
type streamSession struct {
	tag     string
	files   []string
	writers []io.WriteCloser
	scratch [][]byte
}

func (b *StreamBucket) openSession(ctx context.Context, tag string) (*streamSession, error) {
	s := b.store
	sess := &streamSession{tag: tag, files: b.streamFiles(tag)}
	sess.writers = make([]io.WriteCloser, len(sess.files))
	sess.scratch = make([][]byte, len(sess.files))
	err := iopool.OpenAll(ctx, s.Pool(), len(sess.files), func(i int) error {
		w, err := s.device.Create(sess.files[i], s.streamCodec, false)
		if err != nil {
			return err
		}
		sess.writers[i] = &bufferedWriter{Writer: bufio.NewWriter(w), c: w}
		return nil
	})
	if err != nil {
		_ = sess.close(ctx, s)
		if delErr := b.deleteFiles(sess.files); delErr != nil {
			b.log.Warn("failed to clean up partially opened stream files", zap.String("tag", tag), zap.Error(delErr))
		}
		return nil, errors.Wrapf(err, "failed to open stream files %q", tag)
	}
	return sess, nil
}

// write encodes the whole row before writing any of it, so a rejected
// value leaves the streams aligned
func (sess *streamSession) write(s *Store, rowID uint32, values []any) (uint64, error) {
	if sess.writers[0] == nil {
		return 0, errors.Newf("stream files %q are closed, roll back first", sess.tag)
	}
	var err error
	sess.scratch[0], err = columnar.AppendValue(sess.scratch[0][:0], columnar.RowIDColumnDef, int64(rowID))
	if err != nil {
		return 0, err
	}
	for j, c := range s.storedColumns() {
		if sess.scratch[j+1], err = columnar.AppendValue(sess.scratch[j+1][:0], s.columns[c], values[c]); err != nil {
			return 0, err
		}
	}
	var written uint64
	for i, w := range sess.writers {
		if _, err := w.Write(sess.scratch[i]); err != nil {
			return written, device.IOError(err, "failed to write %s", sess.files[i])
		}
		written += uint64(len(sess.scratch[i]))
	}
	return written, nil
}

// close closes the writers once; later calls do nothing
func (sess *streamSession) close(ctx context.Context, s *Store) error {
	closers := make([]io.Closer, 0, len(sess.writers))
	for i, w := range sess.writers {
		if w != nil {
			closers = append(closers, w)
			sess.writers[i] = nil
		}
	}
	return iopool.CloseAll(ctx, s.Pool(), closers)
}

// streamReaders decodes the row ids and the requested columns of a tag.
// cols is parallel to the requested columns; void columns have no reader.
type streamReaders struct {
	id      *columnar.ValueReader
	cols    []*columnar.ValueReader
	closers []io.Closer
}

func (b *StreamBucket) openReaders(ctx context.Context, tag string, cols []int) (*streamReaders, error) {
	s := b.store
	paths := []string{b.idFile(tag)}
	var stored []int
	for j, c := range cols {
		if s.columns[c].CodecKind() != columnar.CodecVoid {
			stored = append(stored, j)
			paths = append(paths, b.colFile(c, tag))
		}
	}
	streams := make([]io.ReadCloser, len(paths))
	err := iopool.OpenAll(ctx, s.Pool(), len(paths), func(i int) error {
		r, err := s.device.Open(paths[i], s.streamCodec)
		if err != nil {
			return err
		}
		streams[i] = r
		return nil
	})
	r := &streamReaders{cols: make([]*columnar.ValueReader, len(cols))}
	for _, in := range streams {
		if in != nil {
			r.closers = append(r.closers, in)
		}
	}
	if err != nil {
		_ = r.close(ctx, s)
		return nil, err
	}
	r.id = columnar.NewValueReader(bufio.NewReader(streams[0]), columnar.RowIDColumnDef)
	for k, j := range stored {
		r.cols[j] = columnar.NewValueReader(bufio.NewReader(streams[k+1]), s.columns[cols[j]])
	}
	return r, nil
}

func (r *streamReaders) close(ctx context.Context, s *Store) error {
	return iopool.CloseAll(ctx, s.Pool(), r.closers)
}

// next reads the id of the next row; ok is false at the end of the streams
func (r *streamReaders) next() (id uint32, ok bool, err error) {
	v, err := r.id.Next()
	if errors.Is(err, io.EOF) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint32(v.(int64)), true, nil
}

// value reads the next value of requested column j
func (r *streamReaders) value(s *Store, cols []int, j int) (any, error) {
	if r.cols[j] == nil {
		return columnar.VoidValue(s.columns[cols[j]].Type), nil
	}
	v, err := r.cols[j].Next()
	if errors.Is(err, io.EOF) {
		return nil, errors.Wrapf(columnar.ErrCorruptPage, "column %d ends before the row ids", cols[j])
	}
	return v, err
}

func (b *StreamBucket) Add(rowID uint32, values ...any) error {
	if err := b.check(); err != nil {
		return err
	}
	if len(values) != b.store.NumColumns() {
		return errors.Newf("row has %d values, store has %d columns", len(values), b.store.NumColumns())
	}
	if b.session == nil {
		tag := ""
		if b.rowCountCommitted > 0 {
			tag = addTag
		}
		sess, err := b.openSession(context.Background(), tag)
		if err != nil {
			return err
		}
		b.session = sess
		b.log.Debug("stream session opened", zap.String("tag", tag))
	}
	n, err := b.session.write(b.store, rowID, values)
	b.byteSize += n
	if err != nil {
		return err
	}
	b.rowCount++
	metrics.RowsAdded.Inc()
	return nil
}

func (b *StreamBucket) Commit(ctx context.Context) (err error) {
	if err := b.check(); err != nil {
		return err
	}
	defer func() { metrics.ObserveOp("commit", err) }()

	sess := b.session
	if sess != nil {
		if err := sess.close(ctx, b.store); err != nil {
			return errors.Wrapf(err, "failed to close stream files %q", sess.tag)
		}
		b.session = nil
	}
	if sess == nil || sess.tag == "" {
		b.rowCountCommitted = b.rowCount
		b.byteSizeCommitted = b.byteSize
		if b.hasDeletions() {
			return b.Compact(ctx)
		}
		return nil
	}

	// rows of the _add files are numbered after the committed ones, so the
	// deletions only ever filter main rows
	if err := b.rewrite(ctx, []string{"", addTag}); err != nil {
		if !errors.Is(err, ErrCompactionSwap) {
			// keep the closed session so that Rollback removes the _add files
			b.session = sess
		}
		return err
	}
	b.log.Info("stream files merged", zap.Uint64("rows", b.rowCountCommitted))
	return nil
}

// Rollback abandons the open session and any pending deletions. Failing to
// remove the abandoned files is logged, not returned.
func (b *StreamBucket) Rollback(ctx context.Context) error {
	if err := b.check(); err != nil {
		return err
	}
	if sess := b.session; sess != nil {
		if err := sess.close(ctx, b.store); err != nil {
			b.log.Warn("failed to close abandoned stream files", zap.String("tag", sess.tag), zap.Error(err))
		}
		if err := b.deleteFiles(sess.files); err != nil {
			b.log.Warn("failed to delete abandoned stream files", zap.String("tag", sess.tag), zap.Error(err))
		}
		b.session = nil
	}
	b.rowCount = b.rowCountCommitted
	b.byteSize = b.byteSizeCommitted
	b.clearDeletions()
	metrics.ObserveOp("rollback", nil)
	b.log.Info("rolled back", zap.Uint64("rows", b.rowCountCommitted))
	return nil
}

// Compact rewrites the main files without deleted rows. It does nothing
// when no deletion is pending.
func (b *StreamBucket) Compact(ctx context.Context) (err error) {
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
	if b.rowCountCommitted == 0 {
		b.clearDeletions()
		return nil
	}
	return b.rewrite(ctx, []string{""})
}

// rewrite copies the rows of tags that are not deleted into _merge files,
// then replaces the main files with them and deletes the other tags
func (b *StreamBucket) rewrite(ctx context.Context, tags []string) error {
	s := b.store
	out, err := b.openSession(ctx, mergeTag)
	if err != nil {
		return err
	}
	all := make([]int, s.NumColumns())
	for i := range all {
		all[i] = i
	}
	values := make([]any, len(all))

	var rowNum, kept, written uint64
	copyTag := func(tag string) (err error) {
		in, err := b.openReaders(ctx, tag, all)
		if err != nil {
			return err
		}
		defer func() {
			err = errors.CombineErrors(err, in.close(ctx, s))
		}()
		for {
			id, ok, err := in.next()
			if err != nil || !ok {
				return err
			}
			for j := range all {
				if values[j], err = in.value(s, all, j); err != nil {
					return err
				}
			}
			deleted := b.isDeleted(rowNum, id)
			rowNum++
			if deleted {
				continue
			}
			n, err := out.write(s, id, values)
			written += n
			if err != nil {
				return err
			}
			kept++
		}
	}

	var copyErr error
	for _, tag := range tags {
		if copyErr = copyTag(tag); copyErr != nil {
			break
		}
	}
	if err := errors.CombineErrors(copyErr, out.close(ctx, s)); err != nil {
		if delErr := b.deleteFiles(out.files); delErr != nil {
			b.log.Warn("failed to delete merge output", zap.Error(delErr))
		}
		return errors.Wrap(err, "failed to rewrite stream files")
	}

	if err := b.swap(tags); err != nil {
		b.log.Error("stream swap failed, bucket files are inconsistent", zap.Error(err))
		return swapError(err, "stream swap failed")
	}

	dropped := rowNum - kept
	b.rowCount, b.rowCountCommitted = kept, kept
	b.byteSize, b.byteSizeCommitted = written, written
	b.clearDeletions()
	metrics.RowsDropped.Add(float64(dropped))
	b.log.Info("stream files rewritten", zap.Uint64("rows", kept), zap.Uint64("dropped", dropped))
	return nil
}

func (b *StreamBucket) swap(tags []string) error {
	for _, tag := range tags {
		for _, f := range b.streamFiles(tag) {
			if err := b.store.device.Delete(f); err != nil {
				return err
			}
		}
	}
	main := b.streamFiles("")
	for i, f := range b.streamFiles(mergeTag) {
		if err := b.store.device.Rename(f, main[i]); err != nil {
			return err
		}
	}
	return nil
}

func (b *StreamBucket) ReadLines(ctx context.Context, line columnar.Line, cols []int, filter *roaring.Bitmap, fn ScanFunc) (err error) {
	if err := b.check(); err != nil {
		return err
	}
	sorted, err := b.checkColumns(line, cols)
	if err != nil {
		return err
	}
	if b.rowCountCommitted == 0 {
		return nil
	}
	in, err := b.openReaders(ctx, "", sorted)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", b.path)
	}
	defer func() {
		if closeErr := in.close(ctx, b.store); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	// an in-place session appends to the main files; stop at the committed rows
	for rowNum := uint64(0); rowNum < b.rowCountCommitted; rowNum++ {
		id, ok, err := in.next()
		if err != nil {
			return err
		}
		if !ok {
			return errors.Wrapf(columnar.ErrCorruptPage, "%s ends at row %d of %d", b.path, rowNum, b.rowCountCommitted)
		}
		skip := (filter != nil && !filter.Contains(id)) || b.isDeleted(rowNum, id)
		for j, c := range sorted {
			v, err := in.value(b.store, sorted, j)
			if err != nil {
				return err
			}
			if !skip {
				line[c] = v
			}
		}
		if skip {
			continue
		}
		metrics.RowsScanned.Inc()
		if !fn(id, line) {
			return nil
		}
	}
	return nil
}

func (b *StreamBucket) Drop(ctx context.Context) (err error) {
	if err := b.check(); err != nil {
		return err
	}
	defer func() { metrics.ObserveOp("drop", err) }()

	if sess := b.session; sess != nil {
		if err := sess.close(ctx, b.store); err != nil {
			b.log.Warn("failed to close open stream files", zap.Error(err))
		}
		b.session = nil
	}
	var files []string
	for _, tag := range []string{"", addTag, mergeTag} {
		files = append(files, b.streamFiles(tag)...)
	}
	if err := b.deleteFiles(files); err != nil {
		return errors.Wrapf(err, "failed to drop %s", b.path)
	}
	if err := b.store.device.Delete(b.store.directory + b.path); err != nil {
		return errors.Wrapf(err, "failed to remove %s", b.path)
	}
	b.rowCount, b.rowCountCommitted = 0, 0
	b.byteSize, b.byteSizeCommitted = 0, 0
	b.clearDeletions()
	b.log.Info("dropped")
	return nil
}

func (b *StreamBucket) encodeIndex(w io.Writer) error {
	return b.encodeHeader(w)
}

func (b *StreamBucket) decodeIndex(r columnar.IndexReader) error {
	return b.decodeHeader(r)
}
