package store

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// encodeEntry/decodeEntry serialize a FileEntry as a flat record:
// strong hash, then six fixed-width fields, then the two variable
// length path strings. No versioning: the store is rebuilt from the
// backup tree, not migrated in place.
func encodeEntry(e FileEntry) []byte {
	buf := make([]byte, 0, 64+8*6+4+len(e.FullPath)+4+len(e.SidecarPath))
	buf = append(buf, e.StrongHash[:]...)
	buf = appendInt64(buf, e.Size)
	buf = appendInt64(buf, e.ClientID)
	buf = appendInt64(buf, e.Rsize)
	buf = appendInt64(buf, e.PrevEntry)
	buf = appendInt64(buf, e.NextEntry)
	buf = appendInt64(buf, boolToInt64(e.PointedTo))
	buf = appendString(buf, e.FullPath)
	buf = appendString(buf, e.SidecarPath)
	return buf
}

func decodeEntry(id []byte) (FileEntry, error) {
	var e FileEntry
	if len(id) < 64+8*6 {
		return e, errors.New("truncated file entry record")
	}
	copy(e.StrongHash[:], id[:64])
	off := 64
	var vals [6]int64
	for i := range vals {
		vals[i] = int64(binary.BigEndian.Uint64(id[off : off+8]))
		off += 8
	}
	e.Size, e.ClientID, e.Rsize, e.PrevEntry, e.NextEntry = vals[0], vals[1], vals[2], vals[3], vals[4]
	e.PointedTo = vals[5] != 0

	fullPath, off2, err := readString(id, off)
	if err != nil {
		return e, err
	}
	sidecarPath, _, err := readString(id, off2)
	if err != nil {
		return e, err
	}
	e.FullPath = fullPath
	e.SidecarPath = sidecarPath
	return e, nil
}

func appendInt64(buf []byte, v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return append(buf, b[:]...)
}

func appendString(buf []byte, s string) []byte {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(s)))
	buf = append(buf, l[:]...)
	return append(buf, s...)
}

func readString(b []byte, off int) (string, int, error) {
	if off+4 > len(b) {
		return "", 0, errors.New("truncated string length in file entry record")
	}
	n := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if off+n > len(b) {
		return "", 0, errors.New("truncated string data in file entry record")
	}
	return string(b[off : off+n]), off + n, nil
}

func boolToInt64(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
