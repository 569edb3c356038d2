package columnar

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
)

// PageLengths is a growable int32 array recording one value per page.
// Capacity doubles on growth; Compact trims it to the logical size.
type PageLengths struct {
	values []int32
	size   int
}

// NewPageLengths creates an array with the given initial capacity
func NewPageLengths(capacity int) *PageLengths {
	if capacity < 1 {
		capacity = 1
	}
	return &PageLengths{values: make([]int32, capacity)}
}

// Append adds a value at the end
func (p *PageLengths) Append(v int32) {
	if p.size == len(p.values) {
		grown := make([]int32, max(2*len(p.values), 1))
		copy(grown, p.values)
		p.values = grown
	}
	p.values[p.size] = v
	p.size++
}

// Get returns the value for page i, or 0 when no value was recorded
func (p *PageLengths) Get(i int) int {
	if p == nil || i < 0 || i >= p.size {
		return 0
	}
	return int(p.values[i])
}

// Len returns the number of recorded values
func (p *PageLengths) Len() int {
	if p == nil {
		return 0
	}
	return p.size
}

// Cap returns the allocated capacity
func (p *PageLengths) Cap() int {
	return len(p.values)
}

// Compact trims the backing array to the logical size
func (p *PageLengths) Compact() {
	if len(p.values) == p.size {
		return
	}
	trimmed := make([]int32, p.size)
	copy(trimmed, p.values[:p.size])
	p.values = trimmed
}

// Sum returns the total of all recorded values
func (p *PageLengths) Sum() uint64 {
	var total uint64
	for i := 0; i < p.Len(); i++ {
		total += uint64(p.values[i])
	}
	return total
}

func (p *PageLengths) encode(w io.Writer) error {
	if err := binary.Write(w, ByteOrder, uint32(p.size)); err != nil {
		return err
	}
	return binary.Write(w, ByteOrder, p.values[:p.size])
}

func decodePageLengths(r io.Reader) (*PageLengths, error) {
	var n uint32
	if err := binary.Read(r, ByteOrder, &n); err != nil {
		return nil, err
	}
	values := make([]int32, n)
	if err := binary.Read(r, ByteOrder, values); err != nil {
		return nil, err
	}
	return &PageLengths{values: values, size: int(n)}, nil
}

// RowFile is the page ledger of one append generation. Position index 0 is
// the row-id column; data column i lives at index i+1.
type RowFile struct {
	Tag           string
	StartRowCount uint64

	rowCounts *PageLengths
	positions []*PageLengths
}

// NewRowFile creates the ledger of a generation over numColumns data columns
func NewRowFile(tag string, numColumns int, startRowCount uint64) *RowFile {
	rf := &RowFile{
		Tag:           tag,
		StartRowCount: startRowCount,
		rowCounts:     NewPageLengths(16),
		positions:     make([]*PageLengths, numColumns+1),
	}
	for i := range rf.positions {
		rf.positions[i] = NewPageLengths(16)
	}
	return rf
}

// NumColumns returns the number of data columns tracked
func (rf *RowFile) NumColumns() int {
	return len(rf.positions) - 1
}

// Position returns the page lengths of a ledger column
func (rf *RowFile) Position(col int) *PageLengths {
	return rf.positions[col]
}

// RowCounts returns the per-page row counts
func (rf *RowFile) RowCounts() *PageLengths {
	return rf.rowCounts
}

// AppendPageLength records the byte length of the next page of a ledger column
func (rf *RowFile) AppendPageLength(col int, n int) {
	rf.positions[col].Append(int32(n))
}

// AppendRowCount records the row count of the next page
func (rf *RowFile) AppendRowCount(n int) {
	rf.rowCounts.Append(int32(n))
}

// Pages returns the number of complete pages
func (rf *RowFile) Pages() int {
	return rf.rowCounts.Len()
}

// RowCount returns the number of rows in the generation
func (rf *RowFile) RowCount() uint64 {
	return rf.rowCounts.Sum()
}

// ByteSize returns the number of page bytes in the generation
func (rf *RowFile) ByteSize() uint64 {
	var total uint64
	for _, p := range rf.positions {
		total += p.Sum()
	}
	return total
}

// Seal trims every array to its logical size
func (rf *RowFile) Seal() {
	rf.rowCounts.Compact()
	for _, p := range rf.positions {
		p.Compact()
	}
}

// Encode writes the ledger in index-record layout
func (rf *RowFile) Encode(w io.Writer) error {
	rf.Seal()
	if err := WriteCString(w, rf.Tag); err != nil {
		return err
	}
	if err := rf.rowCounts.encode(w); err != nil {
		return err
	}
	for _, p := range rf.positions {
		if err := p.encode(w); err != nil {
			return err
		}
	}
	return binary.Write(w, ByteOrder, rf.StartRowCount)
}

// DecodeRowFile reads a ledger written by Encode
func DecodeRowFile(r IndexReader, numColumns int) (*RowFile, error) {
	tag, err := ReadCString(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read generation tag")
	}
	rf := &RowFile{Tag: tag, positions: make([]*PageLengths, numColumns+1)}
	if rf.rowCounts, err = decodePageLengths(r); err != nil {
		return nil, errors.Wrapf(err, "failed to read row counts of generation %q", tag)
	}
	for i := range rf.positions {
		if rf.positions[i], err = decodePageLengths(r); err != nil {
			return nil, errors.Wrapf(err, "failed to read page lengths of column %d", i)
		}
	}
	if err := binary.Read(r, ByteOrder, &rf.StartRowCount); err != nil {
		return nil, errors.Wrap(err, "failed to read start row count")
	}
	return rf, nil
}

// IndexReader is what index records are decoded from
type IndexReader interface {
	io.Reader
	io.ByteReader
}

// WriteCString writes s followed by a NUL byte
func WriteCString(w io.Writer, s string) error {
	buf := make([]byte, len(s)+1)
	copy(buf, s)
	_, err := w.Write(buf)
	return err
}

// ReadCString reads a NUL-terminated string
func ReadCString(r io.ByteReader) (string, error) {
	var buf []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == 0 {
			return string(buf), nil
		}
		buf = append(buf, b)
	}
}
