package columnar

import (
	"io"

	"github.com/cockroachdb/errors"
)

// PageWriter appends encoded pages of one column to storage
type PageWriter interface {
	WritePage(page []byte) error
	Close() error
}

// PageReader returns the encoded pages of one column in increasing page order
type PageReader interface {
	ReadPage(page int) ([]byte, error)
	Close() error
}

// StreamPageWriter writes the pages of a column to its own stream
type StreamPageWriter struct {
	w       io.WriteCloser
	written int64
}

// NewStreamPageWriter creates a writer owning w
func NewStreamPageWriter(w io.WriteCloser) *StreamPageWriter {
	return &StreamPageWriter{w: w}
}

func (s *StreamPageWriter) WritePage(page []byte) error {
	n, err := s.w.Write(page)
	s.written += int64(n)
	return err
}

// Written returns the number of bytes written so far
func (s *StreamPageWriter) Written() int64 {
	return s.written
}

func (s *StreamPageWriter) Close() error {
	return s.w.Close()
}

// SharedPageWriter is one column's handle on a stream shared by several
// columns. Pages land in the order they are written, so callers flush the
// columns of a page in ascending order. The stream closes with the last handle.
type SharedPageWriter struct {
	shared *sharedStream
	closed bool
}

type sharedStream struct {
	w    io.WriteCloser
	refs int
}

// NewSharedPageWriters returns n handles over w
func NewSharedPageWriters(w io.WriteCloser, n int) []*SharedPageWriter {
	shared := &sharedStream{w: w, refs: n}
	out := make([]*SharedPageWriter, n)
	for i := range out {
		out[i] = &SharedPageWriter{shared: shared}
	}
	return out
}

func (s *SharedPageWriter) WritePage(page []byte) error {
	_, err := s.shared.w.Write(page)
	return err
}

func (s *SharedPageWriter) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.shared.refs--
	if s.shared.refs == 0 {
		return s.shared.w.Close()
	}
	return nil
}

// StreamPageReader reads the pages of a column from its own stream using the
// ledger's page lengths
type StreamPageReader struct {
	r       io.ReadCloser
	lengths *PageLengths
	next    int
	buf     []byte
}

// NewStreamPageReader creates a reader owning r
func NewStreamPageReader(r io.ReadCloser, lengths *PageLengths) *StreamPageReader {
	return &StreamPageReader{r: r, lengths: lengths}
}

// ReadPage returns page; the slice is reused by the next call
func (s *StreamPageReader) ReadPage(page int) ([]byte, error) {
	if page != s.next {
		return nil, errors.Wrapf(ErrOutOfOrderAccess, "page %d requested, next is %d", page, s.next)
	}
	s.next++
	s.buf = growBuffer(s.buf, s.lengths.Get(page))
	if _, err := io.ReadFull(s.r, s.buf); err != nil {
		return nil, corruptf(err, "failed to read page %d", page)
	}
	return s.buf, nil
}

func (s *StreamPageReader) Close() error {
	return s.r.Close()
}

// Multiplexer reads selected columns out of a stream holding the pages of
// every data column in row-major order: all columns of page k, in ascending
// column order, precede page k+1. Access must follow the same order.
type Multiplexer struct {
	r      io.ReadCloser
	ledger *RowFile
	page   int
	col    int
	opened []bool
	refs   int
	buf    []byte
}

// NewMultiplexer creates a multiplexer owning r
func NewMultiplexer(r io.ReadCloser, ledger *RowFile) *Multiplexer {
	return &Multiplexer{
		r:      r,
		ledger: ledger,
		opened: make([]bool, ledger.NumColumns()),
	}
}

// Column returns the reader of data column col. Each column can be taken once.
func (m *Multiplexer) Column(col int) (*MuxPageReader, error) {
	if col < 0 || col >= len(m.opened) {
		return nil, errors.Newf("column %d out of range [0,%d)", col, len(m.opened))
	}
	if m.opened[col] {
		return nil, errors.Wrapf(ErrColumnOpened, "column %d", col)
	}
	m.opened[col] = true
	m.refs++
	return &MuxPageReader{mux: m, col: col}, nil
}

func (m *Multiplexer) length(page, col int) int {
	return m.ledger.Position(col + 1).Get(page)
}

func (m *Multiplexer) advance() {
	m.col++
	if m.col == len(m.opened) {
		m.col = 0
		m.page++
	}
}

func (m *Multiplexer) readPage(page, col int) ([]byte, error) {
	if page < m.page || (page == m.page && col < m.col) {
		return nil, errors.Wrapf(ErrOutOfOrderAccess,
			"page %d column %d requested, stream is at page %d column %d", page, col, m.page, m.col)
	}
	skip := 0
	for m.page < page || m.col < col {
		skip += m.length(m.page, m.col)
		m.advance()
	}
	if err := m.skip(int64(skip)); err != nil {
		return nil, errors.Wrapf(err, "failed to skip to page %d column %d", page, col)
	}

	m.buf = growBuffer(m.buf, m.length(page, col))
	if _, err := io.ReadFull(m.r, m.buf); err != nil {
		return nil, corruptf(err, "failed to read page %d column %d", page, col)
	}
	m.advance()
	return m.buf, nil
}

func (m *Multiplexer) skip(n int64) error {
	if n == 0 {
		return nil
	}
	if seeker, ok := m.r.(io.Seeker); ok {
		_, err := seeker.Seek(n, io.SeekCurrent)
		return err
	}
	_, err := io.CopyN(io.Discard, m.r, n)
	return err
}

func (m *Multiplexer) release() error {
	m.refs--
	if m.refs == 0 {
		return m.r.Close()
	}
	return nil
}

// MuxPageReader is one column's view of a Multiplexer
type MuxPageReader struct {
	mux    *Multiplexer
	col    int
	closed bool
}

// ReadPage returns page of the column; the slice is reused by the next read
// on any column of the multiplexer
func (r *MuxPageReader) ReadPage(page int) ([]byte, error) {
	return r.mux.readPage(page, r.col)
}

func (r *MuxPageReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.mux.release()
}

func growBuffer(buf []byte, n int) []byte {
	if cap(buf) < n {
		return make([]byte, n)
	}
	return buf[:n]
}
