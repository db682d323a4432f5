// Package patch implements ChunkPatcher (spec component F, §4.6):
// applying a decoded chunk-patch stream to a destination file, with a
// sparse-extent post-pass that punches holes (or zero-fills) the
// ranges the source file declared empty.
//
// Grounded on original_source/urbackupserver/server_hash.cpp's
// patchFile/next_chunk_patcher_bytes (the require_unchanged /
// has_reflink toggle and cow_filesize accounting) and its post-pass
// punchHoleOrZero loop over an ExtentIterator.
package patch

import (
	"io"

	"github.com/pkg/errors"

	"github.com/urbackup-go/blockalign/sparsefile"
)

// OpKind distinguishes the two kinds of byte range a patch stream can
// declare (spec §4.6: "UPDATE_CHUNK/WHOLE_BLOCK" both just mean "write
// these bytes here" from the patcher's point of view).
type OpKind int

const (
	OpUpdateChunk OpKind = iota
	OpWholeBlock
)

// Op is one decoded patch-stream operation: Data replaces dest's
// bytes at [Pos, Pos+len(Data)).
type Op struct {
	Kind OpKind
	Pos  int64
	Data []byte
}

// NextFunc yields the patch stream's operations in ascending Pos
// order; ok=false with a nil error signals a clean end of stream.
type NextFunc func() (Op, bool, error)

// Result reports what Apply did, including cow_filesize (spec §4.6:
// "Emits cow_filesize += bytes_written so the caller can report
// physical usage separately from logical size").
type Result struct {
	CowFilesize int64
}

// Apply applies a patch stream to dest. Bytes in the gaps between
// declared ops are either left untouched (requireUnchanged==true, the
// dest is a reflink/hardlink of source and already holds those bytes)
// or copied over from source (requireUnchanged==false, dest started
// as an independent empty/truncated file). Apply does not know the
// file's size: bytes after the last op are not copied, so a stream
// whose trailing gap matters ends with an empty op at the end position.
func Apply(dest sparsefile.File, source io.ReaderAt, next NextFunc, requireUnchanged bool) (Result, error) {
	var res Result
	var cursor int64

	for {
		op, ok, err := next()
		if err != nil {
			return res, errors.Wrap(err, "read patch stream")
		}
		if !ok {
			break
		}
		cursor, err = ApplyOne(dest, source, cursor, op, requireUnchanged, &res)
		if err != nil {
			return res, err
		}
	}

	return res, nil
}

// ApplyOne applies a single op at the given cursor position and
// returns the cursor's new value, accumulating bytes written into
// res.CowFilesize. Factored out of Apply so a caller already driving
// its own request/reply loop (transfer.Client) can apply replies as
// they arrive without routing them through a NextFunc channel.
func ApplyOne(dest sparsefile.File, source io.ReaderAt, cursor int64, op Op, requireUnchanged bool, res *Result) (int64, error) {
	if op.Pos > cursor {
		if !requireUnchanged {
			if err := copyRange(dest, source, cursor, op.Pos-cursor); err != nil {
				return cursor, err
			}
		}
		cursor = op.Pos
	} else if op.Pos < cursor {
		return cursor, errors.Errorf("patch stream out of order: op at %d after cursor %d", op.Pos, cursor)
	}

	if len(op.Data) > 0 {
		if _, err := dest.WriteAt(op.Data, op.Pos); err != nil {
			return cursor, errors.Wrapf(err, "write %d bytes at %d", len(op.Data), op.Pos)
		}
		res.CowFilesize += int64(len(op.Data))
	}
	return op.Pos + int64(len(op.Data)), nil
}

const copyBufSize = 64 * 1024

func copyRange(dest sparsefile.File, source io.ReaderAt, start, size int64) error {
	buf := make([]byte, copyBufSize)
	for remaining := size; remaining > 0; {
		n := int64(len(buf))
		if n > remaining {
			n = remaining
		}
		if _, err := source.ReadAt(buf[:n], start); err != nil && err != io.EOF {
			return errors.Wrapf(err, "read %d bytes at %d from patch source", n, start)
		}
		if _, err := dest.WriteAt(buf[:n], start); err != nil {
			return errors.Wrapf(err, "copy %d bytes to %d", n, start)
		}
		start += n
		remaining -= n
	}
	return nil
}

// PunchExtents is ChunkPatcher's sparse-extent post-pass (spec §4.6):
// for each declared hole, punch it (or zero-fill it, transparently,
// via sparsefile.File.PunchHole) and grow dest if the hole extends
// past its current size.
func PunchExtents(dest sparsefile.File, extents []sparsefile.Extent, currentSize int64) error {
	size := currentSize
	grown := false

	for _, ext := range extents {
		if err := dest.PunchHole(ext.Offset, ext.Size); err != nil {
			return errors.Wrapf(err, "punch hole at %d size %d", ext.Offset, ext.Size)
		}
		if end := ext.Offset + ext.Size; end > size {
			size = end
			grown = true
		}
	}

	if grown {
		if err := dest.Resize(size); err != nil {
			return errors.Wrapf(err, "resize to %d for sparse extents", size)
		}
	}
	return nil
}
