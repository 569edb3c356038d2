package store

import (
	"context"
	"io"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cockroachdb/errors"

	"kstore/columnar"
	"kstore/device"
	"kstore/iopool"
	"kstore/metrics"
)

// generationReaders holds the open page readers of one generation scan.
// cols is parallel to the requested columns; void columns have no reader.
type generationReaders struct {
	id     columnar.PageReader
	cols   []columnar.PageReader
	pooled bool
}

func (r *generationReaders) close(ctx context.Context, s *Store) error {
	closers := make([]io.Closer, 0, len(r.cols)+1)
	if r.id != nil {
		closers = append(closers, r.id)
	}
	for _, c := range r.cols {
		if c != nil {
			closers = append(closers, c)
		}
	}
	var pool *iopool.Pool
	if r.pooled {
		pool = s.Pool()
	}
	return iopool.CloseAll(ctx, pool, closers)
}

// openReaders opens the row ids and the requested columns of g. Per-column
// files are opened through the pool; the shared file is opened once and
// handed out through a multiplexer.
func (b *PageBucket) openReaders(ctx context.Context, g *columnar.RowFile, cols []int) (*generationReaders, error) {
	s := b.store
	r := &generationReaders{
		cols:   make([]columnar.PageReader, len(cols)),
		pooled: s.OneFilePerColumn(),
	}
	var stored []int
	for j, c := range cols {
		if b.formats[c] != columnar.CodecVoid {
			stored = append(stored, j)
		}
	}

	in, err := s.device.Open(b.idFile(g.Tag), device.CodecNone)
	if err != nil {
		return nil, err
	}
	r.id = columnar.NewStreamPageReader(in, g.Position(columnar.RowIDColumn))
	if len(stored) == 0 {
		return r, nil
	}

	if r.pooled {
		err = iopool.OpenAll(ctx, s.Pool(), len(stored), func(k int) error {
			j := stored[k]
			in, err := s.device.Open(b.colFile(cols[j], g.Tag), device.CodecNone)
			if err != nil {
				return err
			}
			r.cols[j] = columnar.NewStreamPageReader(in, g.Position(cols[j]+1))
			return nil
		})
	} else {
		err = b.openMultiplexed(g, cols, stored, r)
	}
	if err != nil {
		if closeErr := r.close(ctx, s); closeErr != nil {
			err = errors.CombineErrors(err, closeErr)
		}
		return nil, err
	}
	return r, nil
}

func (b *PageBucket) openMultiplexed(g *columnar.RowFile, cols, stored []int, r *generationReaders) error {
	in, err := b.store.device.Open(b.allFile(g.Tag), device.CodecNone)
	if err != nil {
		return err
	}
	mux := columnar.NewMultiplexer(in, g)
	for _, j := range stored {
		col, err := mux.Column(cols[j])
		if err != nil {
			_ = in.Close()
			return err
		}
		r.cols[j] = col
	}
	return nil
}

// scanGeneration replays the pages of g. Rows rejected by the filter or
// deleted are skipped in every decoder so the columns stay aligned. It
// reports whether fn asked to stop.
func (b *PageBucket) scanGeneration(ctx context.Context, g *columnar.RowFile, line columnar.Line, cols []int, filter *roaring.Bitmap, fn ScanFunc) (stop bool, err error) {
	readers, err := b.openReaders(ctx, g, cols)
	if err != nil {
		return false, err
	}
	defer func() {
		if closeErr := readers.close(ctx, b.store); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	idDec := columnar.NewPageDecoder(columnar.RowIDColumnDef, nil)
	decs := make([]*columnar.PageDecoder, len(cols))
	for j, c := range cols {
		decs[j] = columnar.NewPageDecoder(b.store.Column(c), b.store.compressor)
	}

	rowNum := g.StartRowCount
	counts := g.RowCounts()
	for page := 0; page < g.Pages(); page++ {
		rows := counts.Get(page)
		start := time.Now()
		data, err := readers.id.ReadPage(page)
		if err != nil {
			return false, errors.Wrap(err, "row ids")
		}
		if err := idDec.Load(data, rows); err != nil {
			return false, errors.Wrapf(err, "row ids page %d", page)
		}
		for j, dec := range decs {
			var data []byte
			if readers.cols[j] != nil {
				if data, err = readers.cols[j].ReadPage(page); err != nil {
					return false, errors.Wrapf(err, "column %d", cols[j])
				}
			}
			if err := dec.Load(data, rows); err != nil {
				return false, errors.Wrapf(err, "column %d page %d", cols[j], page)
			}
		}
		metrics.Since(metrics.PageReadLatency, start)

		for i := 0; i < rows; i++ {
			v, err := idDec.Next()
			if err != nil {
				return false, err
			}
			id := uint32(v.(int64))
			skip := (filter != nil && !filter.Contains(id)) || b.isDeleted(rowNum, id)
			rowNum++
			for j, dec := range decs {
				if skip {
					err = dec.Skip()
				} else {
					line[cols[j]], err = dec.Next()
				}
				if err != nil {
					return false, err
				}
			}
			if skip {
				continue
			}
			metrics.RowsScanned.Inc()
			if !fn(id, line) {
				return true, nil
			}
		}
	}
	return false, nil
}
