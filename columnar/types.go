package columnar

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/cockroachdb/errors"
)

// Errors
var (
	ErrCorruptPage       = errors.New("corrupt page")
	ErrDataTypeMismatch  = errors.New("data type mismatch")
	ErrValueTooLarge     = errors.New("value too large")
	ErrOutOfOrderAccess  = errors.New("out of order column access")
	ErrColumnOpened      = errors.New("column already opened")
	ErrInvalidColumnType = errors.New("invalid column type")
)

// corruptf returns an error that matches ErrCorruptPage under both the
// standard and the cockroachdb errors.Is. cause stays attached as a
// secondary error.
func corruptf(cause error, format string, args ...any) error {
	err := errors.Wrapf(ErrCorruptPage, format+": %v", append(args, cause)...)
	return errors.WithSecondaryError(err, cause)
}

// ByteOrder is the byte order of every multi-byte integer on disk
var ByteOrder = binary.BigEndian

const (
	// RowIDColumn is the ledger index of the row-id column
	RowIDColumn = 0

	// maxStringLen is the longest string the compressed codec accepts;
	// 0xFFFF marks a null string.
	maxStringLen  = 0xFFFE
	nullStringLen = 0xFFFF

	TimestampLayout = time.RFC3339Nano
	DateLayout      = "2006-01-02"
)

// ColumnType represents the logical type of a column
type ColumnType uint8

const (
	Int8 ColumnType = iota + 1
	Int16
	Int32
	Int64
	Float32
	Float64
	VarString
	// Timestamp keeps the instant only. Values read back are in UTC, so
	// compare them with time.Time.Equal.
	Timestamp
	// Date keeps the calendar day of the value in its own location and
	// reads back as midnight UTC of that day.
	Date
)

var columnTypeNames = map[ColumnType]string{
	Int8:      "int8",
	Int16:     "int16",
	Int32:     "int32",
	Int64:     "int64",
	Float32:   "float32",
	Float64:   "float64",
	VarString: "string",
	Timestamp: "timestamp",
	Date:      "date",
}

func (t ColumnType) String() string {
	if name, ok := columnTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("ColumnType(%d)", uint8(t))
}

// ParseColumnType returns the type for a name as printed by String
func ParseColumnType(name string) (ColumnType, error) {
	for t, n := range columnTypeNames {
		if n == name {
			return t, nil
		}
	}
	return 0, errors.Wrapf(ErrInvalidColumnType, "%q", name)
}

// IsInteger reports whether values of the type are integers
func (t ColumnType) IsInteger() bool {
	return t >= Int8 && t <= Int64
}

// IsFloat reports whether values of the type are floating point
func (t ColumnType) IsFloat() bool {
	return t == Float32 || t == Float64
}

// GetColumnTypeSize returns the natural width in bytes of a type, 0 for variable length
func GetColumnTypeSize(t ColumnType) int {
	switch t {
	case Int8:
		return 1
	case Int16:
		return 2
	case Int32, Float32:
		return 4
	case Int64, Float64:
		return 8
	default:
		return 0
	}
}

// Column describes one column of a store. It is immutable once the store exists.
type Column struct {
	Name      string
	Type      ColumnType
	FixedSize int
	Computed  bool
	// Codec forces a page codec; zero selects one from the type.
	Codec CodecKind
}

// NewColumn returns a column with the fixed size taken from its type
func NewColumn(name string, t ColumnType) Column {
	return Column{Name: name, Type: t, FixedSize: GetColumnTypeSize(t)}
}

// NewComputedColumn returns a column that is never stored
func NewComputedColumn(name string, t ColumnType) Column {
	c := NewColumn(name, t)
	c.Computed = true
	return c
}

// CodecKind returns the page codec used for the column
func (c Column) CodecKind() CodecKind {
	switch {
	case c.Computed:
		return CodecVoid
	case c.Codec != 0:
		return c.Codec
	case c.Type.IsInteger() && c.FixedSize > 0:
		return CodecDelta
	default:
		return CodecCompressed
	}
}

// NullValue returns the value a null is stored and read back as
func NullValue(t ColumnType) any {
	switch t {
	case Int8:
		return int8(math.MinInt8)
	case Int16:
		return int16(math.MinInt16)
	case Int32:
		return int32(math.MinInt32)
	case Int64:
		return int64(math.MinInt64)
	case Float32:
		return float32(math.NaN())
	case Float64:
		return math.NaN()
	default:
		return nil
	}
}

// VoidValue is what a computed column reads back as
func VoidValue(t ColumnType) any {
	switch t {
	case Int8:
		return int8(math.MaxInt8)
	case Int16:
		return int16(math.MaxInt16)
	case Int32:
		return int32(math.MaxInt32)
	case Int64:
		return int64(math.MaxInt64)
	case Float32:
		return float32(math.NaN())
	case Float64:
		return math.NaN()
	default:
		return nil
	}
}

// Line holds the values of one row indexed by column id
type Line []any

// NewLine returns a line sized for n columns
func NewLine(n int) Line {
	return make(Line, n)
}

// Values returns the values of cols in the given order
func (l Line) Values(cols []int) []any {
	out := make([]any, len(cols))
	for i, c := range cols {
		out[i] = l[c]
	}
	return out
}
