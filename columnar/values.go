package columnar

import (
	"io"
	"math"
	"time"

	"github.com/cockroachdb/errors"
)

// intRange returns the representable range of an integer type. The lower
// bound doubles as the null value.
func intRange(t ColumnType) (int64, int64) {
	switch t {
	case Int8:
		return math.MinInt8, math.MaxInt8
	case Int16:
		return math.MinInt16, math.MaxInt16
	case Int32:
		return math.MinInt32, math.MaxInt32
	default:
		return math.MinInt64, math.MaxInt64
	}
}

// intValue converts v for an integer column and reports whether it is null
func intValue(col Column, v any) (int64, bool, error) {
	var n int64
	switch x := v.(type) {
	case nil:
		return 0, true, nil
	case int8:
		n = int64(x)
	case int16:
		n = int64(x)
	case int32:
		n = int64(x)
	case int64:
		n = x
	case int:
		n = int64(x)
	case uint8:
		n = int64(x)
	case uint16:
		n = int64(x)
	case uint32:
		n = int64(x)
	default:
		return 0, false, errors.Wrapf(ErrDataTypeMismatch, "column %q (%s) cannot store %T", col.Name, col.Type, v)
	}
	lo, hi := intRange(col.Type)
	if n < lo || n > hi {
		return 0, false, errors.Wrapf(ErrDataTypeMismatch, "value %d out of range for column %q (%s)", n, col.Name, col.Type)
	}
	return n, n == lo, nil
}

func typedInt(t ColumnType, n int64) any {
	switch t {
	case Int8:
		return int8(n)
	case Int16:
		return int16(n)
	case Int32:
		return int32(n)
	default:
		return n
	}
}

func floatValue(col Column, v any) (float64, error) {
	switch x := v.(type) {
	case nil:
		return math.NaN(), nil
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	default:
		return 0, errors.Wrapf(ErrDataTypeMismatch, "column %q (%s) cannot store %T", col.Name, col.Type, v)
	}
}

// floatBits reinterprets a float value as the integer the delta codec stores
func floatBits(col Column, v any) (int64, error) {
	f, err := floatValue(col, v)
	if err != nil {
		return 0, err
	}
	if col.Type == Float32 {
		return int64(math.Float32bits(float32(f))), nil
	}
	return int64(math.Float64bits(f)), nil
}

func bitsFloat(t ColumnType, n int64) any {
	if t == Float32 {
		return math.Float32frombits(uint32(n))
	}
	return math.Float64frombits(uint64(n))
}

// textValue returns the stored text of a string, timestamp or date value
func textValue(col Column, v any) (string, bool, error) {
	switch x := v.(type) {
	case nil:
		return "", true, nil
	case string:
		switch col.Type {
		case Timestamp:
			t, err := time.Parse(TimestampLayout, x)
			if err != nil {
				return "", false, errors.Wrapf(ErrDataTypeMismatch, "column %q: %v", col.Name, err)
			}
			return t.UTC().Format(TimestampLayout), false, nil
		case Date:
			if _, err := time.Parse(DateLayout, x); err != nil {
				return "", false, errors.Wrapf(ErrDataTypeMismatch, "column %q: %v", col.Name, err)
			}
		}
		return x, false, nil
	case []byte:
		if col.Type != VarString {
			break
		}
		return string(x), false, nil
	case time.Time:
		switch col.Type {
		case Timestamp:
			return x.UTC().Format(TimestampLayout), false, nil
		case Date:
			return x.Format(DateLayout), false, nil
		}
	}
	return "", false, errors.Wrapf(ErrDataTypeMismatch, "column %q (%s) cannot store %T", col.Name, col.Type, v)
}

func parseText(col Column, s string) (any, error) {
	switch col.Type {
	case Timestamp:
		t, err := time.Parse(TimestampLayout, s)
		if err != nil {
			return nil, corruptf(err, "column %q", col.Name)
		}
		return t, nil
	case Date:
		t, err := time.Parse(DateLayout, s)
		if err != nil {
			return nil, corruptf(err, "column %q", col.Name)
		}
		return t, nil
	default:
		return s, nil
	}
}

// CheckValue reports whether AppendValue would accept v for col
func CheckValue(col Column, v any) error {
	switch {
	case col.Type.IsInteger():
		_, _, err := intValue(col, v)
		return err
	case col.Type.IsFloat():
		_, err := floatValue(col, v)
		return err
	case col.Type == VarString || col.Type == Timestamp || col.Type == Date:
		s, _, err := textValue(col, v)
		if err != nil {
			return err
		}
		if len(s) > maxStringLen {
			return errors.Wrapf(ErrValueTooLarge, "column %q: %d bytes", col.Name, len(s))
		}
		return nil
	default:
		return errors.Wrapf(ErrInvalidColumnType, "column %q", col.Name)
	}
}

// AppendValue serializes v with the natural width of the column type, or as
// [u16 length][bytes] for variable-length types.
func AppendValue(dst []byte, col Column, v any) ([]byte, error) {
	switch {
	case col.Type.IsInteger():
		n, null, err := intValue(col, v)
		if err != nil {
			return dst, err
		}
		if null {
			n, _ = intRange(col.Type)
		}
		switch col.Type {
		case Int8:
			return append(dst, byte(n)), nil
		case Int16:
			return ByteOrder.AppendUint16(dst, uint16(n)), nil
		case Int32:
			return ByteOrder.AppendUint32(dst, uint32(n)), nil
		default:
			return ByteOrder.AppendUint64(dst, uint64(n)), nil
		}
	case col.Type == Float32:
		f, err := floatValue(col, v)
		if err != nil {
			return dst, err
		}
		return ByteOrder.AppendUint32(dst, math.Float32bits(float32(f))), nil
	case col.Type == Float64:
		f, err := floatValue(col, v)
		if err != nil {
			return dst, err
		}
		return ByteOrder.AppendUint64(dst, math.Float64bits(f)), nil
	case col.Type == VarString || col.Type == Timestamp || col.Type == Date:
		s, null, err := textValue(col, v)
		if err != nil {
			return dst, err
		}
		if null {
			return ByteOrder.AppendUint16(dst, nullStringLen), nil
		}
		if len(s) > maxStringLen {
			return dst, errors.Wrapf(ErrValueTooLarge, "column %q: %d bytes", col.Name, len(s))
		}
		dst = ByteOrder.AppendUint16(dst, uint16(len(s)))
		return append(dst, s...), nil
	default:
		return dst, errors.Wrapf(ErrInvalidColumnType, "column %q", col.Name)
	}
}

// decodeValue decodes one value serialized by AppendValue from the head of
// b and returns the number of bytes consumed.
func decodeValue(col Column, b []byte) (any, int, error) {
	if size := GetColumnTypeSize(col.Type); size > 0 {
		if len(b) < size {
			return nil, 0, errors.Wrapf(ErrCorruptPage, "column %q: need %d bytes, have %d", col.Name, size, len(b))
		}
		switch col.Type {
		case Int8:
			return int8(b[0]), 1, nil
		case Int16:
			return int16(ByteOrder.Uint16(b)), 2, nil
		case Int32:
			return int32(ByteOrder.Uint32(b)), 4, nil
		case Int64:
			return int64(ByteOrder.Uint64(b)), 8, nil
		case Float32:
			return math.Float32frombits(ByteOrder.Uint32(b)), 4, nil
		default:
			return math.Float64frombits(ByteOrder.Uint64(b)), 8, nil
		}
	}
	if len(b) < 2 {
		return nil, 0, errors.Wrapf(ErrCorruptPage, "column %q: truncated length", col.Name)
	}
	n := int(ByteOrder.Uint16(b))
	if n == nullStringLen {
		return nil, 2, nil
	}
	if len(b) < 2+n {
		return nil, 0, errors.Wrapf(ErrCorruptPage, "column %q: need %d bytes, have %d", col.Name, n, len(b)-2)
	}
	v, err := parseText(col, string(b[2:2+n]))
	return v, 2 + n, err
}

// ValueReader decodes AppendValue-encoded values from a stream
type ValueReader struct {
	r       io.Reader
	col     Column
	scratch []byte
}

// NewValueReader creates a reader of col values over r
func NewValueReader(r io.Reader, col Column) *ValueReader {
	return &ValueReader{r: r, col: col, scratch: make([]byte, 16)}
}

// Next returns the next value. io.EOF is returned only at a value boundary.
func (vr *ValueReader) Next() (any, error) {
	size := GetColumnTypeSize(vr.col.Type)
	head := size
	if head == 0 {
		head = 2
	}
	if _, err := io.ReadFull(vr.r, vr.scratch[:head]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, corruptf(err, "column %q", vr.col.Name)
		}
		return nil, err
	}
	if size == 0 {
		n := int(ByteOrder.Uint16(vr.scratch))
		if n != nullStringLen {
			if cap(vr.scratch) < 2+n {
				grown := make([]byte, 2+n)
				copy(grown, vr.scratch[:2])
				vr.scratch = grown
			}
			if _, err := io.ReadFull(vr.r, vr.scratch[2:2+n]); err != nil {
				return nil, corruptf(err, "column %q", vr.col.Name)
			}
			head = 2 + n
		}
	}
	v, _, err := decodeValue(vr.col, vr.scratch[:head])
	return v, err
}
