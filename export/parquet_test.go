package export

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"kstore/columnar"
	"kstore/config"
	"kstore/device"
	"kstore/store"
)

func testStore(t *testing.T, cols []columnar.Column) *store.Store {
	t.Helper()
	cfg := config.BucketConfig{
		PageSize:          2,
		OneFilePerColumn:  true,
		PageCompression:   "snappy",
		StreamCompression: "none",
		Kind:              "page",
	}
	s, err := store.New("cities", cols, "data", device.NewMemory(), cfg, store.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func readRows(t *testing.T, data []byte) []parquet.Row {
	t.Helper()
	r := parquet.NewReader(bytes.NewReader(data))
	defer r.Close()
	var rows []parquet.Row
	buf := make([]parquet.Row, 16)
	for {
		n, err := r.ReadRows(buf)
		for _, row := range buf[:n] {
			rows = append(rows, row.Clone())
		}
		if errors.Is(err, io.EOF) {
			return rows
		}
		require.NoError(t, err)
		if n == 0 {
			return rows
		}
	}
}

func TestParquet(t *testing.T) {
	ctx := context.Background()
	cols := []columnar.Column{
		columnar.NewColumn("name", columnar.VarString),
		columnar.NewColumn("population", columnar.Int64),
		columnar.NewColumn("rank", columnar.Int16),
		columnar.NewColumn("area", columnar.Float64),
		columnar.NewColumn("founded", columnar.Date),
	}
	s := testStore(t, cols)
	b, err := s.NewBucket()
	require.NoError(t, err)

	founded := time.Date(1850, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, b.Add(0, "Lyon", int64(522000), int16(3), 47.87, founded))
	require.NoError(t, b.Add(1, nil, int64(1000), int16(9), 1.5, nil))
	require.NoError(t, b.Add(2, "Nice", int64(342000), int16(5), 71.92, "1860-06-14"))
	require.NoError(t, b.Commit(ctx))
	b.DeleteByRowID(2)
	require.NoError(t, b.Commit(ctx))

	t.Run("all columns", func(t *testing.T) {
		var out bytes.Buffer
		n, err := Parquet(ctx, &out, s, b, []int{0, 1, 2, 3, 4})
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		f, err := parquet.OpenFile(bytes.NewReader(out.Bytes()), int64(out.Len()))
		require.NoError(t, err)
		assert.Equal(t, int64(2), f.NumRows())

		schema := f.Schema()
		name, ok := schema.Lookup("name")
		require.True(t, ok)
		pop, ok := schema.Lookup("population")
		require.True(t, ok)
		rank, ok := schema.Lookup("rank")
		require.True(t, ok)
		area, ok := schema.Lookup("area")
		require.True(t, ok)
		date, ok := schema.Lookup("founded")
		require.True(t, ok)

		rows := readRows(t, out.Bytes())
		require.Len(t, rows, 2)
		assert.Equal(t, "Lyon", string(rows[0][name.ColumnIndex].ByteArray()))
		assert.Equal(t, int64(522000), rows[0][pop.ColumnIndex].Int64())
		assert.Equal(t, int32(3), rows[0][rank.ColumnIndex].Int32())
		assert.InDelta(t, 47.87, rows[0][area.ColumnIndex].Double(), 1e-9)
		assert.Equal(t, int32(founded.Unix()/86400), rows[0][date.ColumnIndex].Int32())

		assert.True(t, rows[1][name.ColumnIndex].IsNull())
		assert.True(t, rows[1][date.ColumnIndex].IsNull())
		assert.Equal(t, int64(1000), rows[1][pop.ColumnIndex].Int64())
	})

	t.Run("column subset", func(t *testing.T) {
		var out bytes.Buffer
		n, err := Parquet(ctx, &out, s, b, []int{1})
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
		f, err := parquet.OpenFile(bytes.NewReader(out.Bytes()), int64(out.Len()))
		require.NoError(t, err)
		assert.Len(t, f.Schema().Fields(), 1)
		_, ok := f.Schema().Lookup("name")
		assert.False(t, ok)
	})

	t.Run("bad columns", func(t *testing.T) {
		var out bytes.Buffer
		_, err := Parquet(ctx, &out, s, b, []int{7})
		assert.Error(t, err)
		_, err = Parquet(ctx, &out, s, b, []int{1, 1})
		assert.Error(t, err)
	})
}

func TestParquetBatches(t *testing.T) {
	ctx := context.Background()
	s := testStore(t, []columnar.Column{columnar.NewColumn("n", columnar.Int32)})
	b, err := s.NewBucket()
	require.NoError(t, err)
	const total = batchSize*2 + 17
	for i := 0; i < total; i++ {
		require.NoError(t, b.Add(uint32(i), int32(i)))
	}
	require.NoError(t, b.Commit(ctx))

	var out bytes.Buffer
	n, err := Parquet(ctx, &out, s, b, []int{0})
	require.NoError(t, err)
	assert.Equal(t, int64(total), n)

	rows := readRows(t, out.Bytes())
	require.Len(t, rows, total)
	for i, row := range rows {
		require.Equal(t, int32(i), row[0].Int32())
	}
}
