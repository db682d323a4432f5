// Package sidecar implements build_chunk_hashs (spec component E,
// §4.8): for a stored file it produces a companion "chunk hash file"
// holding, per 512 KiB checkpoint, a big hash plus 128 adler32 small
// hashes (one per 4 KiB sub-chunk), and a trailing metadata blob.
//
// Grounded on spec §4.8's loop shape and the record layout confirmed
// by original_source/fileservplugin/CClientThread.cpp's consumer side
// ("data->getLeft()==big_hash_size+small_hash_size*(checkpoint/small)"),
// since no build_chunk_hashs.cpp body was retrieved with the pack; the
// declaration lives in urbackupserver/server_prepare_hash.h. The tail
// "metadata blob terminated by its own length" mirrors the same
// length-prefixed-tail idiom the align container uses for its
// block-map (spec §6).
package sidecar

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/urbackup-go/blockalign/rollhash"
	"github.com/urbackup-go/blockalign/sparsefile"
)

// Checkpoint and sub-chunk sizes (spec §4.8, §6).
const (
	CheckpointSize         = 512 * 1024
	SubChunkSize           = 4 * 1024
	SubChunksPerCheckpoint = CheckpointSize / SubChunkSize
	BigHashSize            = 16
	SmallHashSize          = 4
	RecordSize             = BigHashSize + SubChunksPerCheckpoint*SmallHashSize
)

// Metadata is the sidecar tail (spec §6: "rsize, user/group,
// timestamps, original path, and the strong-hash of the file").
type Metadata struct {
	Rsize        int64
	UID, GID     uint32
	Mtime, Atime, Ctime int64
	OriginalPath string
	StrongHash   []byte
}

// Source is the minimal view of a stored file build_chunk_hashs needs:
// random-access bytes. The logical size and the sparse-extent map are
// passed to Build as separate arguments.
type Source interface {
	io.ReaderAt
}

// Build writes the sidecar for a file of size bytes, read via r and
// with holes described by extents (spec §4.8: "For a file of size S
// and an optional extent iterator"), to w. meta.StrongHash is filled
// in with the computed digest before the metadata blob is serialized.
func Build(w io.Writer, r Source, size int64, extents []sparsefile.Extent, algo rollhash.StrongHashAlgo, meta Metadata) error {
	strong, err := rollhash.NewStrongHash(algo)
	if err != nil {
		return err
	}
	shape, err := rollhash.NewStrongHash(algo)
	if err != nil {
		return err
	}
	extIter := sparsefile.NewExtentIter(extents)

	for pos := int64(0); pos < size; pos += CheckpointSize {
		segEnd := pos + CheckpointSize
		if segEnd > size {
			segEnd = size
		}

		big := rollhash.NewBigHash()
		var small [SubChunksPerCheckpoint]uint32

		for k := 0; k < SubChunksPerCheckpoint; k++ {
			subStart := pos + int64(k)*SubChunkSize
			if subStart >= segEnd {
				small[k] = rollhash.SmallHash(nil)
				continue
			}
			subEnd := subStart + SubChunkSize
			if subEnd > segEnd {
				subEnd = segEnd
			}

			data, err := collectData(r, extIter, subStart, subEnd, strong, shape)
			if err != nil {
				return errors.Wrap(err, "read sub-chunk")
			}
			small[k] = rollhash.SmallHash(data)
			big.Update(data)
		}

		bigDigest := big.Finalize()
		if _, err := w.Write(bigDigest[:]); err != nil {
			return errors.Wrap(err, "write big hash")
		}
		var smallBuf [SubChunksPerCheckpoint * SmallHashSize]byte
		for k, h := range small {
			binary.LittleEndian.PutUint32(smallBuf[k*SmallHashSize:], h)
		}
		if _, err := w.Write(smallBuf[:]); err != nil {
			return errors.Wrap(err, "write small hashes")
		}
	}

	shapeDigest := shape.Finalize()
	strong.Update(shapeDigest)
	meta.StrongHash = strong.Finalize()
	meta.Rsize = size

	return writeMetadata(w, meta)
}

// collectData reads the actual data bytes in [start,end), skipping any
// holes described by extents, feeding hole tuples into shape and the
// read data into strong as it goes (spec §4.8: "skip bytes but feed
// (offset, size) tuples into the strong hasher"). The returned slice
// holds only the bytes actually read, which may be shorter than
// end-start when the range is (partially) a hole.
func collectData(r Source, extIter *sparsefile.ExtentIter, start, end int64, strong, shape *rollhash.StrongHash) ([]byte, error) {
	var out []byte
	pos := start
	for pos < end {
		ext, ok := extIter.Next(pos)
		if !ok || ext.Offset >= end {
			n := end - pos
			buf := make([]byte, n)
			if _, err := r.ReadAt(buf, pos); err != nil && err != io.EOF {
				return nil, err
			}
			out = append(out, buf...)
			strong.Update(buf)
			pos = end
			break
		}

		if ext.Offset > pos {
			n := ext.Offset - pos
			buf := make([]byte, n)
			if _, err := r.ReadAt(buf, pos); err != nil && err != io.EOF {
				return nil, err
			}
			out = append(out, buf...)
			strong.Update(buf)
			pos += n
		}

		holeEnd := ext.Offset + ext.Size
		if holeEnd > end {
			holeEnd = end
		}
		if holeEnd > pos {
			shape.UpdateShape(pos, holeEnd-pos)
			pos = holeEnd
		}
	}
	return out, nil
}

func writeMetadata(w io.Writer, m Metadata) error {
	var head [8 + 4 + 4 + 8*3 + 2]byte
	binary.LittleEndian.PutUint64(head[0:8], uint64(m.Rsize))
	binary.LittleEndian.PutUint32(head[8:12], m.UID)
	binary.LittleEndian.PutUint32(head[12:16], m.GID)
	binary.LittleEndian.PutUint64(head[16:24], uint64(m.Mtime))
	binary.LittleEndian.PutUint64(head[24:32], uint64(m.Atime))
	binary.LittleEndian.PutUint64(head[32:40], uint64(m.Ctime))
	pathBytes := []byte(m.OriginalPath)
	binary.LittleEndian.PutUint16(head[40:42], uint16(len(pathBytes)))

	var tail [2]byte
	binary.LittleEndian.PutUint16(tail[:], uint16(len(m.StrongHash)))

	blob := make([]byte, 0, len(head)+len(pathBytes)+len(m.StrongHash)+len(tail))
	blob = append(blob, head[:]...)
	blob = append(blob, pathBytes...)
	blob = append(blob, m.StrongHash...)
	blob = append(blob, tail[:]...)

	if _, err := w.Write(blob); err != nil {
		return errors.Wrap(err, "write metadata blob")
	}

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(blob)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return errors.Wrap(err, "write metadata length")
	}
	return nil
}
