package columnar

import (
	"github.com/RoaringBitmap/roaring/v2"
)

// BitSet is a sparse set of 64-bit indices. Each value is split into a high
// 32-bit key selecting a roaring bitmap that holds the low 32 bits.
type BitSet struct {
	parts map[uint32]*roaring.Bitmap
}

// NewBitSet creates an empty set
func NewBitSet() *BitSet {
	return &BitSet{parts: make(map[uint32]*roaring.Bitmap)}
}

// Add inserts v
func (b *BitSet) Add(v uint64) {
	hi := uint32(v >> 32)
	bm, ok := b.parts[hi]
	if !ok {
		bm = roaring.New()
		b.parts[hi] = bm
	}
	bm.Add(uint32(v))
}

// Contains reports whether v was added. A nil set contains nothing.
func (b *BitSet) Contains(v uint64) bool {
	if b == nil {
		return false
	}
	bm, ok := b.parts[uint32(v>>32)]
	if !ok {
		return false
	}
	return bm.Contains(uint32(v))
}

// Cardinality returns the number of values in the set
func (b *BitSet) Cardinality() uint64 {
	if b == nil {
		return 0
	}
	var n uint64
	for _, bm := range b.parts {
		n += bm.GetCardinality()
	}
	return n
}

// IsEmpty reports whether nothing was added
func (b *BitSet) IsEmpty() bool {
	return b.Cardinality() == 0
}
