// Package export writes bucket contents to other formats.
package export

import (
	"context"
	"io"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/parquet-go/parquet-go"
	"go.uber.org/zap"

	"kstore/columnar"
	"kstore/logger"
	"kstore/store"
)

const batchSize = 1024

// Schema builds the parquet schema of cols. Integer and float nulls are
// stored in-band, so only strings, timestamps and dates are optional.
func Schema(s *store.Store, cols []int) (*parquet.Schema, error) {
	group := make(parquet.Group)
	for _, c := range cols {
		if c < 0 || c >= s.NumColumns() {
			return nil, errors.Newf("column %d out of range [0,%d)", c, s.NumColumns())
		}
		col := s.Column(c)
		if _, dup := group[col.Name]; dup {
			return nil, errors.Newf("duplicate column name %q", col.Name)
		}
		node, err := nodeOf(col)
		if err != nil {
			return nil, err
		}
		group[col.Name] = node
	}
	return parquet.NewSchema(s.Name(), group), nil
}

func nodeOf(col columnar.Column) (parquet.Node, error) {
	switch col.Type {
	case columnar.Int8, columnar.Int16, columnar.Int32:
		return parquet.Leaf(parquet.Int32Type), nil
	case columnar.Int64:
		return parquet.Leaf(parquet.Int64Type), nil
	case columnar.Float32:
		return parquet.Leaf(parquet.FloatType), nil
	case columnar.Float64:
		return parquet.Leaf(parquet.DoubleType), nil
	case columnar.VarString:
		return parquet.Optional(parquet.String()), nil
	case columnar.Timestamp:
		return parquet.Optional(parquet.Timestamp(parquet.Nanosecond)), nil
	case columnar.Date:
		return parquet.Optional(parquet.Date()), nil
	default:
		return nil, errors.Wrapf(columnar.ErrInvalidColumnType, "column %q", col.Name)
	}
}

// leaf places one store column in a parquet row
type leaf struct {
	col      int
	index    int
	optional bool
	date     bool
}

// Parquet scans the committed rows of b and writes cols as a parquet file
// to w. It returns the number of rows written.
func Parquet(ctx context.Context, w io.Writer, s *store.Store, b store.Bucket, cols []int) (int64, error) {
	schema, err := Schema(s, cols)
	if err != nil {
		return 0, err
	}
	leaves := make([]leaf, len(cols))
	for i, c := range cols {
		lc, ok := schema.Lookup(s.Column(c).Name)
		if !ok {
			return 0, errors.Newf("column %q missing from schema", s.Column(c).Name)
		}
		leaves[i] = leaf{
			col:      c,
			index:    lc.ColumnIndex,
			optional: lc.MaxDefinitionLevel > 0,
			date:     s.Column(c).Type == columnar.Date,
		}
	}

	writer := parquet.NewWriter(w, schema)
	batch := make([]parquet.Row, 0, batchSize)
	var (
		written  int64
		writeErr error
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := writer.WriteRows(batch); err != nil {
			return errors.Wrap(err, "failed to write parquet rows")
		}
		written += int64(len(batch))
		batch = batch[:0]
		return nil
	}

	line := columnar.NewLine(s.NumColumns())
	err = b.ReadLines(ctx, line, cols, nil, func(_ uint32, line columnar.Line) bool {
		row := make(parquet.Row, len(leaves))
		for _, l := range leaves {
			row[l.index] = value(line[l.col], l)
		}
		batch = append(batch, row)
		if len(batch) == batchSize {
			writeErr = flush()
		}
		return writeErr == nil
	})
	if err == nil {
		err = writeErr
	}
	if err == nil {
		err = flush()
	}
	if closeErr := writer.Close(); err == nil && closeErr != nil {
		err = errors.Wrap(closeErr, "failed to finish parquet file")
	}
	if err != nil {
		return written, err
	}
	logger.Named("export").Info("parquet export finished",
		zap.String("bucket", b.Path()),
		zap.Int("columns", len(cols)),
		zap.Int64("rows", written))
	return written, nil
}

func value(v any, l leaf) parquet.Value {
	var pv parquet.Value
	switch x := v.(type) {
	case nil:
		return parquet.NullValue().Level(0, 0, l.index)
	case int8:
		pv = parquet.ValueOf(int32(x))
	case int16:
		pv = parquet.ValueOf(int32(x))
	case time.Time:
		if l.date {
			// days since the epoch
			pv = parquet.ValueOf(int32(x.UTC().Unix() / 86400))
		} else {
			pv = parquet.ValueOf(x.UnixNano())
		}
	default:
		pv = parquet.ValueOf(v)
	}
	def := 0
	if l.optional {
		def = 1
	}
	return pv.Level(0, def, l.index)
}
