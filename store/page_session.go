package store

import (
	"context"
	"io"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"kstore/columnar"
	"kstore/device"
	"kstore/iopool"
	"kstore/metrics"
)

// pageSession is an open generation being appended to. Encoders and writers
// are indexed like the ledger: 0 is the row id, i+1 is data column i.
// Writers of void columns are nil.
type pageSession struct {
	ledger   *columnar.RowFile
	encoders []*columnar.PageEncoder
	writers  []columnar.PageWriter
	files    []string
	pooled   bool
	pageRows int
}

// generationFiles lists the files of a generation, row ids first
func (b *PageBucket) generationFiles(tag string) []string {
	files := []string{b.idFile(tag)}
	stored := b.store.storedColumns()
	if b.store.OneFilePerColumn() {
		for _, c := range stored {
			files = append(files, b.colFile(c, tag))
		}
	} else if len(stored) > 0 {
		files = append(files, b.allFile(tag))
	}
	return files
}

func (b *PageBucket) openSession(ctx context.Context, tag string, startRowCount uint64) (*pageSession, error) {
	s := b.store
	n := s.NumColumns()
	sess := &pageSession{
		ledger:   columnar.NewRowFile(tag, n, startRowCount),
		encoders: make([]*columnar.PageEncoder, n+1),
		writers:  make([]columnar.PageWriter, n+1),
		files:    b.generationFiles(tag),
		pooled:   s.OneFilePerColumn(),
	}
	sess.encoders[columnar.RowIDColumn] = columnar.NewPageEncoder(columnar.RowIDColumnDef, nil)
	for i, col := range s.columns {
		sess.encoders[i+1] = columnar.NewPageEncoder(col, s.compressor)
	}

	streams := make([]io.WriteCloser, len(sess.files))
	create := func(i int) error {
		w, err := s.device.Create(sess.files[i], device.CodecNone, false)
		if err != nil {
			return err
		}
		streams[i] = w
		return nil
	}
	var pool *iopool.Pool
	if sess.pooled {
		pool = s.Pool()
	}
	if err := iopool.OpenAll(ctx, pool, len(sess.files), create); err != nil {
		for _, w := range streams {
			if w != nil {
				_ = w.Close()
			}
		}
		if delErr := b.deleteFiles(sess.files); delErr != nil {
			b.log.Warn("failed to clean up partially opened generation", zap.String("tag", tag), zap.Error(delErr))
		}
		return nil, errors.Wrapf(err, "failed to open generation %q", tag)
	}

	sess.writers[columnar.RowIDColumn] = columnar.NewStreamPageWriter(streams[0])
	stored := s.storedColumns()
	if sess.pooled {
		for j, c := range stored {
			sess.writers[c+1] = columnar.NewStreamPageWriter(streams[j+1])
		}
	} else if len(stored) > 0 {
		shared := columnar.NewSharedPageWriters(streams[1], len(stored))
		for j, c := range stored {
			sess.writers[c+1] = shared[j]
		}
	}
	return sess, nil
}

// append buffers one row. Values are checked first so that a rejected row
// leaves every encoder at the same row.
func (sess *pageSession) append(rowID uint32, values []any) error {
	for i, v := range values {
		if err := sess.encoders[i+1].Check(v); err != nil {
			return err
		}
	}
	if err := sess.encoders[columnar.RowIDColumn].Append(int64(rowID)); err != nil {
		return err
	}
	for i, v := range values {
		if err := sess.encoders[i+1].Append(v); err != nil {
			return err
		}
	}
	sess.pageRows++
	return nil
}

// flushPage encodes and writes the buffered page of every column in
// ascending ledger order and returns the bytes written
func (sess *pageSession) flushPage() (uint64, error) {
	if sess.pageRows == 0 {
		return 0, nil
	}
	var written uint64
	page := sess.ledger.Pages()
	for i, enc := range sess.encoders {
		data, err := enc.Flush()
		if err != nil {
			return written, err
		}
		kind := enc.Kind()
		if kind == columnar.CodecVoid {
			continue
		}
		if err := sess.writers[i].WritePage(data); err != nil {
			return written, device.IOError(err, "failed to write page %d of ledger column %d", page, i)
		}
		sess.ledger.AppendPageLength(i, len(data))
		written += uint64(len(data))
		metrics.PagesFlushed.WithLabelValues(kind.String()).Inc()
		metrics.PageBytes.WithLabelValues(kind.String()).Add(float64(len(data)))
	}
	sess.ledger.AppendRowCount(sess.pageRows)
	sess.pageRows = 0
	return written, nil
}

// close closes every writer, through the pool when each column has its
// own file. Shared-file writers are closed in order.
func (sess *pageSession) close(ctx context.Context, s *Store) error {
	closers := make([]io.Closer, 0, len(sess.writers))
	for _, w := range sess.writers {
		if w != nil {
			closers = append(closers, w)
		}
	}
	var pool *iopool.Pool
	if sess.pooled {
		pool = s.Pool()
	}
	return iopool.CloseAll(ctx, pool, closers)
}
