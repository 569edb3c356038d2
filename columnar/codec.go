package columnar

import (
	"github.com/cockroachdb/errors"
)

// CodecKind tags the page encoding of a column. The value is the
// column-format byte persisted in bucket index records.
type CodecKind uint8

const (
	CodecCompressed CodecKind = 1
	CodecDelta      CodecKind = 2
	CodecVoid       CodecKind = 3
)

func (k CodecKind) String() string {
	switch k {
	case CodecCompressed:
		return "compressed"
	case CodecDelta:
		return "delta"
	case CodecVoid:
		return "void"
	default:
		return "unknown"
	}
}

const deltaHeaderSize = 9

// RowIDColumnDef is the definition the row-id column is encoded with
var RowIDColumnDef = Column{Name: "_rowid", Type: Int64, FixedSize: 8, Codec: CodecDelta}

// PageEncoder buffers the values of one page of a column and encodes them
// on Flush. Buffers are kept across pages.
type PageEncoder struct {
	col  Column
	kind CodecKind
	comp Compressor
	rows int

	// delta
	ints  []int64
	nulls []bool

	// compressed
	buf []byte
	out []byte
}

// NewPageEncoder creates the encoder of col; comp is used by the compressed codec
func NewPageEncoder(col Column, comp Compressor) *PageEncoder {
	if comp == nil {
		comp = NoopCompressor{}
	}
	return &PageEncoder{col: col, kind: col.CodecKind(), comp: comp}
}

// Kind returns the codec variant
func (e *PageEncoder) Kind() CodecKind {
	return e.kind
}

// Rows returns the number of buffered rows
func (e *PageEncoder) Rows() int {
	return e.rows
}

// Check reports whether Append would accept v, without buffering it
func (e *PageEncoder) Check(v any) error {
	switch e.kind {
	case CodecVoid:
		return nil
	case CodecDelta:
		var err error
		switch {
		case e.col.Type.IsInteger():
			_, _, err = intValue(e.col, v)
		case e.col.Type.IsFloat():
			_, err = floatBits(e.col, v)
		default:
			err = errors.Wrapf(ErrDataTypeMismatch, "delta codec cannot store %s column %q", e.col.Type, e.col.Name)
		}
		return err
	default:
		return CheckValue(e.col, v)
	}
}

// Append buffers one value
func (e *PageEncoder) Append(v any) error {
	switch e.kind {
	case CodecVoid:
	case CodecDelta:
		var (
			n    int64
			null bool
			err  error
		)
		switch {
		case e.col.Type.IsInteger():
			n, null, err = intValue(e.col, v)
		case e.col.Type.IsFloat():
			n, err = floatBits(e.col, v)
		default:
			err = errors.Wrapf(ErrDataTypeMismatch, "delta codec cannot store %s column %q", e.col.Type, e.col.Name)
		}
		if err != nil {
			return err
		}
		e.ints = append(e.ints, n)
		e.nulls = append(e.nulls, null)
	default:
		buf, err := AppendValue(e.buf, e.col, v)
		if err != nil {
			return err
		}
		e.buf = buf
	}
	e.rows++
	return nil
}

// Flush encodes the buffered page and resets the encoder. The returned
// slice is valid until the next Flush. Void columns return nil.
func (e *PageEncoder) Flush() ([]byte, error) {
	defer e.Reset()
	switch e.kind {
	case CodecVoid:
		return nil, nil
	case CodecDelta:
		e.out = encodeDelta(e.out[:0], e.ints, e.nulls)
		return e.out, nil
	default:
		out, err := e.comp.Compress(e.out, e.buf)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to compress page of column %q", e.col.Name)
		}
		e.out = out
		return out, nil
	}
}

// Reset drops the buffered page
func (e *PageEncoder) Reset() {
	e.rows = 0
	e.ints = e.ints[:0]
	e.nulls = e.nulls[:0]
	e.buf = e.buf[:0]
}

// DeltaWidth returns the smallest byte width w such that max-min stays below
// the all-ones pattern of w bytes.
func DeltaWidth(min, max int64) int {
	diff := uint64(max) - uint64(min)
	for w := 1; w < 8; w++ {
		if diff < (uint64(1)<<(8*w))-1 {
			return w
		}
	}
	return 8
}

func allOnes(w int) uint64 {
	if w == 8 {
		return ^uint64(0)
	}
	return (uint64(1) << (8 * w)) - 1
}

func encodeDelta(dst []byte, values []int64, nulls []bool) []byte {
	var min, max int64
	seen := false
	for i, v := range values {
		if nulls[i] {
			continue
		}
		if !seen {
			min, max = v, v
			seen = true
			continue
		}
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	w := 1
	if seen {
		w = DeltaWidth(min, max)
	}

	dst = append(dst, byte(w))
	dst = ByteOrder.AppendUint64(dst, uint64(min))
	sentinel := allOnes(w)
	var scratch [8]byte
	for i, v := range values {
		d := sentinel
		if !nulls[i] {
			d = uint64(v) - uint64(min)
		}
		ByteOrder.PutUint64(scratch[:], d)
		dst = append(dst, scratch[8-w:]...)
	}
	return dst
}

// PageDecoder serves the values of one page at a time, in row order
type PageDecoder struct {
	col  Column
	kind CodecKind
	comp Compressor

	raw   []byte
	plain []byte
	data  []byte
	off   int
	rows int
	row  int

	width int
	min   int64
}

// NewPageDecoder creates the decoder of col; comp must match the encoder's
func NewPageDecoder(col Column, comp Compressor) *PageDecoder {
	if comp == nil {
		comp = NoopCompressor{}
	}
	return &PageDecoder{col: col, kind: col.CodecKind(), comp: comp}
}

// Kind returns the codec variant
func (d *PageDecoder) Kind() CodecKind {
	return d.kind
}

// Load makes page the current page holding rows values. The page is copied,
// so the caller may reuse its buffer.
func (d *PageDecoder) Load(page []byte, rows int) error {
	d.raw = append(d.raw[:0], page...)
	page = d.raw
	d.rows = rows
	d.row = 0
	d.off = 0
	switch d.kind {
	case CodecVoid:
		return nil
	case CodecDelta:
		if len(page) < deltaHeaderSize {
			return errors.Wrapf(ErrCorruptPage, "column %q: delta page of %d bytes", d.col.Name, len(page))
		}
		d.width = int(page[0])
		if d.width < 1 || d.width > 8 {
			return errors.Wrapf(ErrCorruptPage, "column %q: delta width %d", d.col.Name, d.width)
		}
		if want := deltaHeaderSize + rows*d.width; len(page) != want {
			return errors.Wrapf(ErrCorruptPage, "column %q: delta page of %d bytes, expected %d", d.col.Name, len(page), want)
		}
		d.min = int64(ByteOrder.Uint64(page[1:deltaHeaderSize]))
		d.data = page
		d.off = deltaHeaderSize
		return nil
	default:
		data, err := d.comp.Decompress(d.plain, page)
		if err != nil {
			return corruptf(err, "column %q", d.col.Name)
		}
		d.plain = data
		d.data = data
		return nil
	}
}

// Next decodes the next value of the page
func (d *PageDecoder) Next() (any, error) {
	if d.row >= d.rows {
		return nil, errors.Wrapf(ErrCorruptPage, "column %q: read past row %d of page", d.col.Name, d.rows)
	}
	d.row++
	switch d.kind {
	case CodecVoid:
		return VoidValue(d.col.Type), nil
	case CodecDelta:
		var scratch [8]byte
		copy(scratch[8-d.width:], d.data[d.off:d.off+d.width])
		d.off += d.width
		u := ByteOrder.Uint64(scratch[:])
		if d.col.Type.IsFloat() {
			return bitsFloat(d.col.Type, int64(uint64(d.min)+u)), nil
		}
		if u == allOnes(d.width) {
			return NullValue(d.col.Type), nil
		}
		return typedInt(d.col.Type, int64(uint64(d.min)+u)), nil
	default:
		v, n, err := decodeValue(d.col, d.data[d.off:])
		if err != nil {
			return nil, err
		}
		d.off += n
		return v, nil
	}
}

// Skip advances past the next value without materializing it
func (d *PageDecoder) Skip() error {
	switch d.kind {
	case CodecVoid:
		if d.row >= d.rows {
			return errors.Wrapf(ErrCorruptPage, "column %q: skip past row %d of page", d.col.Name, d.rows)
		}
		d.row++
		return nil
	case CodecDelta:
		if d.row >= d.rows {
			return errors.Wrapf(ErrCorruptPage, "column %q: skip past row %d of page", d.col.Name, d.rows)
		}
		d.row++
		d.off += d.width
		return nil
	default:
		_, err := d.Next()
		return err
	}
}
