package sparsefile

// ExtentIter walks a sorted, non-overlapping extent list in order.
// sidecar.Build uses it to find the hole covering or following a
// position.
type ExtentIter struct {
	extents []Extent
	idx     int
}

// NewExtentIter wraps a sorted extent slice. Callers own sorting;
// extents from Extents() are already produced in ascending order.
func NewExtentIter(extents []Extent) *ExtentIter {
	return &ExtentIter{extents: extents}
}

// Next returns the extent that contains pos or, failing that, the
// first one after it, advancing the internal cursor past extents that
// end at or before pos; ok=false when the iterator is exhausted.
func (it *ExtentIter) Next(pos int64) (ext Extent, ok bool) {
	for it.idx < len(it.extents) {
		e := it.extents[it.idx]
		if e.Offset+e.Size <= pos {
			it.idx++
			continue
		}
		return e, true
	}
	return Extent{}, false
}

// Reset rewinds the cursor to the start of the extent list.
func (it *ExtentIter) Reset() { it.idx = 0 }
