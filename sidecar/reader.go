package sidecar

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/urbackup-go/blockalign"
)

// Record is one checkpoint's hashes, as laid out on disk.
type Record struct {
	BigHash   [BigHashSize]byte
	SmallHash [SubChunksPerCheckpoint]uint32
}

// Read parses a sidecar written by Build out of a seekable reader,
// returning the per-checkpoint records in order and the trailing
// metadata.
func Read(r io.ReadSeeker) ([]Record, Metadata, error) {
	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, Metadata{}, errors.Wrap(err, "seek end")
	}
	if size < 8 {
		return nil, Metadata{}, errors.Wrap(blockalign.ErrCorrupt, "sidecar too small")
	}

	var lenBuf [8]byte
	if _, err := r.Seek(size-8, io.SeekStart); err != nil {
		return nil, Metadata{}, errors.Wrap(err, "seek metadata length")
	}
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, Metadata{}, errors.Wrap(err, "read metadata length")
	}
	metaLen := int64(binary.LittleEndian.Uint64(lenBuf[:]))
	metaStart := size - 8 - metaLen
	if metaLen < 0 || metaStart < 0 {
		return nil, Metadata{}, errors.Wrap(blockalign.ErrCorrupt, "metadata length overflows sidecar")
	}

	if _, err := r.Seek(metaStart, io.SeekStart); err != nil {
		return nil, Metadata{}, errors.Wrap(err, "seek metadata")
	}
	blob := make([]byte, metaLen)
	if _, err := io.ReadFull(r, blob); err != nil {
		return nil, Metadata{}, errors.Wrap(err, "read metadata blob")
	}
	meta, err := parseMetadata(blob)
	if err != nil {
		return nil, Metadata{}, err
	}

	if metaStart%RecordSize != 0 {
		return nil, Metadata{}, errors.Wrap(blockalign.ErrCorrupt, "record region not a multiple of RecordSize")
	}
	numRecords := int(metaStart / RecordSize)

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, Metadata{}, errors.Wrap(err, "seek start")
	}
	records := make([]Record, numRecords)
	recBuf := make([]byte, RecordSize)
	for i := 0; i < numRecords; i++ {
		if _, err := io.ReadFull(r, recBuf); err != nil {
			return nil, Metadata{}, errors.Wrapf(err, "read record %d", i)
		}
		var rec Record
		copy(rec.BigHash[:], recBuf[:BigHashSize])
		for k := 0; k < SubChunksPerCheckpoint; k++ {
			off := BigHashSize + k*SmallHashSize
			rec.SmallHash[k] = binary.LittleEndian.Uint32(recBuf[off : off+SmallHashSize])
		}
		records[i] = rec
	}

	return records, meta, nil
}

func parseMetadata(blob []byte) (Metadata, error) {
	const headSize = 8 + 4 + 4 + 8*3 + 2
	if len(blob) < headSize+2 {
		return Metadata{}, errors.Wrap(blockalign.ErrCorrupt, "metadata blob too small")
	}
	var m Metadata
	m.Rsize = int64(binary.LittleEndian.Uint64(blob[0:8]))
	m.UID = binary.LittleEndian.Uint32(blob[8:12])
	m.GID = binary.LittleEndian.Uint32(blob[12:16])
	m.Mtime = int64(binary.LittleEndian.Uint64(blob[16:24]))
	m.Atime = int64(binary.LittleEndian.Uint64(blob[24:32]))
	m.Ctime = int64(binary.LittleEndian.Uint64(blob[32:40]))
	pathLen := int(binary.LittleEndian.Uint16(blob[40:42]))

	rest := blob[headSize:]
	if len(rest) < pathLen+2 {
		return Metadata{}, errors.Wrap(blockalign.ErrCorrupt, "metadata path/hash length overflows blob")
	}
	m.OriginalPath = string(rest[:pathLen])
	rest = rest[pathLen:]

	hashLen := int(binary.LittleEndian.Uint16(rest[len(rest)-2:]))
	hashBytes := rest[:len(rest)-2]
	if len(hashBytes) != hashLen {
		return Metadata{}, errors.Wrap(blockalign.ErrCorrupt, "strong hash length mismatch")
	}
	m.StrongHash = append([]byte(nil), hashBytes...)

	return m, nil
}
