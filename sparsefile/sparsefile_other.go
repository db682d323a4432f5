//go:build !linux

package sparsefile

// PunchHole falls back to zero-filling on platforms without
// FALLOC_FL_PUNCH_HOLE; logical content is still correct, only
// physical space reclamation is unavailable.
func (o *osFile) PunchHole(offset, size int64) error {
	const bufSize = 64 * 1024
	buf := make([]byte, bufSize)
	remaining := size
	at := offset
	for remaining > 0 {
		n := int64(bufSize)
		if remaining < n {
			n = remaining
		}
		if _, err := o.f.WriteAt(buf[:n], at); err != nil {
			return err
		}
		at += n
		remaining -= n
	}
	return nil
}

// Extents reports no known holes on platforms without SEEK_HOLE; the
// whole file is treated as one data extent by callers that skip
// zero-length extent lists.
func (o *osFile) Extents() ([]Extent, error) {
	return nil, nil
}
