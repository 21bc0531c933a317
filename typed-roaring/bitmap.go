package typedRoaring

import (
	"github.com/RoaringBitmap/roaring"
)

// Types that can key a roaring bitmap without truncation surprises.
type BitConstraint interface {
	~int | ~int32 | ~uint32
}

// A roaring bitmap whose element type is fixed, so callers don't scatter uint32 conversions at
// every site.
type Bitmap[T BitConstraint] struct {
	roaring.Bitmap
}

func (me *Bitmap[T]) Contains(x T) bool {
	return me.Bitmap.Contains(uint32(x))
}

func (me *Bitmap[T]) Add(x T) {
	me.Bitmap.Add(uint32(x))
}

func (me *Bitmap[T]) Remove(x T) {
	me.Bitmap.Remove(uint32(x))
}

func (me *Bitmap[T]) CheckedAdd(x T) bool {
	return me.Bitmap.CheckedAdd(uint32(x))
}

func (me *Bitmap[T]) CheckedRemove(x T) bool {
	return me.Bitmap.CheckedRemove(uint32(x))
}

func (me *Bitmap[T]) Rank(x T) uint64 {
	return me.Bitmap.Rank(uint32(x))
}

func (me Bitmap[T]) Iterate(f func(x T) bool) {
	me.Bitmap.Iterate(func(x uint32) bool {
		return f(T(x))
	})
}

func (me *Bitmap[T]) Clone() Bitmap[T] {
	return Bitmap[T]{*me.Bitmap.Clone()}
}

// Returns the number of bits set in [start, end). Needs the rank of the item before the first,
// and the rank of the last item. An off-by-one minefield.
func RangeCardinality[T BitConstraint](bm interface{ Rank(T) uint64 }, start, end T) (card uint64) {
	if end <= start {
		return
	}
	card = bm.Rank(end - 1)
	if start != 0 {
		card -= bm.Rank(start - 1)
	}
	return
}
