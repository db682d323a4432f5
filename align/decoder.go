package align

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/urbackup-go/blockalign"
)

// Decoder implements AlignDecoder (spec §4.4): it reads the tail
// block-map first (seeking back from EOF), then walks blocks
// sequentially, using the block-map to reconstruct each block's
// logical position in the original stream and draining an
// out-of-order buffer as runs become contiguous.
type Decoder struct {
	r io.ReadSeeker
}

// NewDecoder wraps a seekable container reader.
func NewDecoder(r io.ReadSeeker) *Decoder {
	return &Decoder{r: r}
}

// DecodeAll writes the reconstructed original stream to w.
func (d *Decoder) DecodeAll(w io.Writer) error {
	size, err := d.r.Seek(0, io.SeekEnd)
	if err != nil {
		return errors.Wrap(err, "seek end")
	}
	if size < int64(len(Magic))+4+8 {
		return errors.Wrap(blockalign.ErrCorrupt, "container too small")
	}

	var lenBuf [8]byte
	if _, err := d.r.Seek(size-8, io.SeekStart); err != nil {
		return errors.Wrap(err, "seek blockmap length")
	}
	if _, err := io.ReadFull(d.r, lenBuf[:]); err != nil {
		return errors.Wrap(err, "read blockmap length")
	}
	bmsize := int64(binary.LittleEndian.Uint64(lenBuf[:]))
	if bmsize < 0 {
		return errors.Wrap(blockalign.ErrCorrupt, "negative blockmap size")
	}

	blockmapStart := size - 8 - bmsize*4
	if blockmapStart < int64(len(Magic))+4 {
		return errors.Wrap(blockalign.ErrCorrupt, "blockmap size overflows container")
	}

	if _, err := d.r.Seek(blockmapStart, io.SeekStart); err != nil {
		return errors.Wrap(err, "seek blockmap")
	}
	blockmap := make([]int32, bmsize)
	entryBuf := make([]byte, 4)
	for i := range blockmap {
		if _, err := io.ReadFull(d.r, entryBuf); err != nil {
			return errors.Wrap(err, "read blockmap entry")
		}
		blockmap[i] = int32(binary.LittleEndian.Uint32(entryBuf))
	}

	if _, err := d.r.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "seek start")
	}
	var header [len(Magic) + 4]byte
	if _, err := io.ReadFull(d.r, header[:]); err != nil {
		return errors.Wrap(err, "read header")
	}
	if string(header[:len(Magic)]) != Magic {
		return errors.Wrap(blockalign.ErrCorrupt, "bad magic")
	}
	avg := int64(binary.LittleEndian.Uint32(header[len(Magic):]))

	pending := make(map[int64][]byte)
	var expect int64

	drain := func() error {
		for {
			key := expect
			data, ok := pending[key]
			if !ok {
				return nil
			}
			delete(pending, key)
			if _, err := w.Write(data); err != nil {
				return errors.Wrap(err, "write output")
			}
			expect += int64(len(data))
		}
	}

	lenHdr := make([]byte, lenHeaderSize)
	for i := int64(0); i < bmsize; i++ {
		if _, err := io.ReadFull(d.r, lenHdr); err != nil {
			return errors.Wrap(err, "read block length")
		}
		plen := int(binary.LittleEndian.Uint16(lenHdr))

		payload := make([]byte, plen)
		if plen > 0 {
			if _, err := io.ReadFull(d.r, payload); err != nil {
				return errors.Wrap(err, "read block payload")
			}
		}

		posOffset := blockmap[i]
		if posOffset == PaddingMarker {
			continue // padding: no logical bytes
		}

		logicalPos := i*avg + int64(posOffset)
		pending[logicalPos] = payload
		if err := drain(); err != nil {
			return err
		}
	}

	if len(pending) != 0 {
		return errors.Wrapf(blockalign.ErrCorrupt, "%d blocks never became contiguous", len(pending))
	}
	return nil
}
