//go:build linux

package sparsefile

import (
	"io"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// PunchHole deallocates the physical blocks backing [offset,
// offset+size) while keeping the logical file size unchanged (spec
// §4.6: "issues a native hole-punch or overwrites with zeros").
func (o *osFile) PunchHole(offset, size int64) error {
	fd := int(o.f.Fd())
	err := unix.Fallocate(fd, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, offset, size)
	if err != nil {
		// Not every filesystem supports punching holes (e.g. some
		// overlay/network mounts); fall back to writing zeros so
		// ChunkPatcher's contract (logical bytes are zero) still
		// holds even though physical usage won't shrink.
		return o.zeroFill(offset, size)
	}
	return nil
}

func (o *osFile) zeroFill(offset, size int64) error {
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
			return errors.Wrap(err, "zero_fill")
		}
		at += n
		remaining -= n
	}
	return nil
}

// Extents walks the file with SEEK_DATA/SEEK_HOLE, returning the
// sparse (logically-zero) regions as a sorted extent list, the shape
// the chunk-hash sidecar builder folds into the strong hash (spec
// §4.8) and ChunkPatcher replays on restore (spec §4.6).
func (o *osFile) Extents() ([]Extent, error) {
	fd := int(o.f.Fd())

	size, err := o.f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, errors.Wrap(err, "seek_end")
	}
	if size == 0 {
		return nil, nil
	}

	var extents []Extent
	pos := int64(0)
	for pos < size {
		dataStart, err := unix.Seek(fd, pos, unix.SEEK_DATA)
		if err != nil {
			if isENXIO(err) {
				// No more data: the remainder of the file is one hole.
				extents = append(extents, Extent{Offset: pos, Size: size - pos})
				break
			}
			return nil, errors.Wrap(err, "seek_data")
		}
		if dataStart > pos {
			extents = append(extents, Extent{Offset: pos, Size: dataStart - pos})
		}

		holeStart, err := unix.Seek(fd, dataStart, unix.SEEK_HOLE)
		if err != nil {
			if isENXIO(err) {
				break
			}
			return nil, errors.Wrap(err, "seek_hole")
		}
		pos = holeStart
	}

	return extents, nil
}

func isENXIO(err error) bool {
	errno, ok := err.(unix.Errno)
	return ok && errno == unix.ENXIO
}
