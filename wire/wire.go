// Package wire defines the chunk-transfer frame tags and message
// structs of spec §6, and their binary encoding: a one-byte tag
// followed by a tag-specific fixed body, matching the teacher's
// single-byte-ID framing style.
//
// Grounded on original_source/fileservplugin/ChunkSendThread.cpp and
// CClientThread.cpp's ID_* constants and CWData/CRData-style
// fixed-field writes, reimplemented with encoding/binary and
// github.com/pkg/errors instead of hand-rolled serializer classes.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Tag is a one-byte frame identifier (spec §6 "Wire protocol IDs").
type Tag byte

// Request tags, sent client/server -> peer to start or drive a transfer.
const (
	TagGetFileBlockdiff        Tag = 8
	TagBlockRequest            Tag = 9
	TagFlush                   Tag = 13
	TagInformMetadataStreamEnd Tag = 11
	TagScriptFinish            Tag = 14
	TagFreeServerFile          Tag = 18
)

// Reply tags.
const (
	TagFilesize Tag = 1
	// TagFilesizeAndExtents has no fixed numeric value in packet_ids.h
	// (it's used but never assigned a constant there); 19 is the next
	// unused byte in the reply namespace.
	TagFilesizeAndExtents Tag = 19
	TagWholeBlock         Tag = 13
	TagUpdateChunk        Tag = 14
	TagNoChange           Tag = 15
	TagBlockHash          Tag = 16
	TagBlockError         Tag = 18
	TagCouldntOpen        Tag = 0
	TagBaseDirLost        Tag = 2
	TagPong               Tag = 0
	TagFileHashAndMetadata Tag = 17
)

// BlockError subcodes (spec §6).
const (
	ErrSeekingFailed byte = 0
	ErrReadingFailed byte = 1
)

// BlockRequest asks the server for one checkpoint's diff (spec §4.5
// input tuple): start_pos, whether to force a whole-block transfer,
// and the client's locally-computed hashes for that range.
type BlockRequest struct {
	StartPos        int64
	WantTransferAll bool
	BigHash         [16]byte
	SmallHashes     []uint32 // up to 128 adler32 values
}

// WholeBlock frames an unconditional block payload.
type WholeBlock struct {
	Start int64
	Size  int64
}

// UpdateChunk frames one changed sub-chunk's payload.
type UpdateChunk struct {
	Pos  int64
	Size int64
}

// NoChange signals a checkpoint whose big hash and every small hash
// matched, so the client should just advance.
type NoChange struct {
	Start int64
}

// BlockHash terminates a checkpoint's reply sequence with the
// authoritative digest for verification.
type BlockHash struct {
	Start int64
	MD5   [16]byte
}

// BlockError reports a read failure on the source side of a checkpoint.
type BlockError struct {
	Code1 byte
	Code2 byte
}

// WriteBlockRequest encodes req to w.
func WriteBlockRequest(w io.Writer, req BlockRequest) error {
	buf := make([]byte, 1+8+1+16+2)
	buf[0] = byte(TagBlockRequest)
	binary.LittleEndian.PutUint64(buf[1:9], uint64(req.StartPos))
	if req.WantTransferAll {
		buf[9] = 1
	}
	copy(buf[10:26], req.BigHash[:])
	binary.LittleEndian.PutUint16(buf[26:28], uint16(len(req.SmallHashes)))
	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, "write block request header")
	}
	small := make([]byte, len(req.SmallHashes)*4)
	for i, h := range req.SmallHashes {
		binary.LittleEndian.PutUint32(small[i*4:], h)
	}
	if len(small) > 0 {
		if _, err := w.Write(small); err != nil {
			return errors.Wrap(err, "write block request small hashes")
		}
	}
	return nil
}

// ReadBlockRequest decodes a BlockRequest whose tag byte has already
// been consumed by the caller's dispatch loop.
func ReadBlockRequest(r io.Reader) (BlockRequest, error) {
	var req BlockRequest
	head := make([]byte, 8+1+16+2)
	if _, err := io.ReadFull(r, head); err != nil {
		return req, errors.Wrap(err, "read block request header")
	}
	req.StartPos = int64(binary.LittleEndian.Uint64(head[0:8]))
	req.WantTransferAll = head[8] != 0
	copy(req.BigHash[:], head[9:25])
	n := binary.LittleEndian.Uint16(head[25:27])
	if n > 0 {
		small := make([]byte, int(n)*4)
		if _, err := io.ReadFull(r, small); err != nil {
			return req, errors.Wrap(err, "read block request small hashes")
		}
		req.SmallHashes = make([]uint32, n)
		for i := range req.SmallHashes {
			req.SmallHashes[i] = binary.LittleEndian.Uint32(small[i*4:])
		}
	}
	return req, nil
}

// WriteTag writes a bare one-byte tag, used for NO_CHANGE/FLUSH/PONG
// style frames that carry a small fixed body handled by their own
// Write* function, or none at all.
func WriteTag(w io.Writer, t Tag) error {
	_, err := w.Write([]byte{byte(t)})
	return errors.Wrap(err, "write tag")
}

// ReadTag reads the next one-byte frame tag.
func ReadTag(r io.Reader) (Tag, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, errors.Wrap(err, "read tag")
	}
	return Tag(b[0]), nil
}

func writeInt64Pair(w io.Writer, tag Tag, a, b int64) error {
	buf := make([]byte, 1+16)
	buf[0] = byte(tag)
	binary.LittleEndian.PutUint64(buf[1:9], uint64(a))
	binary.LittleEndian.PutUint64(buf[9:17], uint64(b))
	_, err := w.Write(buf)
	return errors.Wrap(err, "write frame")
}

func readInt64Pair(r io.Reader) (int64, int64, error) {
	buf := make([]byte, 16)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, 0, errors.Wrap(err, "read frame body")
	}
	return int64(binary.LittleEndian.Uint64(buf[0:8])), int64(binary.LittleEndian.Uint64(buf[8:16])), nil
}

// WriteWholeBlock writes the WHOLE_BLOCK{start,size} header; the
// payload itself follows as a separate io.Copy by the caller.
func WriteWholeBlock(w io.Writer, m WholeBlock) error {
	return writeInt64Pair(w, TagWholeBlock, m.Start, m.Size)
}

// ReadWholeBlock reads a WHOLE_BLOCK header (tag already consumed).
func ReadWholeBlock(r io.Reader) (WholeBlock, error) {
	start, size, err := readInt64Pair(r)
	return WholeBlock{Start: start, Size: size}, err
}

// WriteUpdateChunk writes the UPDATE_CHUNK{pos,size} header.
func WriteUpdateChunk(w io.Writer, m UpdateChunk) error {
	return writeInt64Pair(w, TagUpdateChunk, m.Pos, m.Size)
}

// ReadUpdateChunk reads an UPDATE_CHUNK header (tag already consumed).
func ReadUpdateChunk(r io.Reader) (UpdateChunk, error) {
	pos, size, err := readInt64Pair(r)
	return UpdateChunk{Pos: pos, Size: size}, err
}

// WriteNoChange writes NO_CHANGE{start}.
func WriteNoChange(w io.Writer, m NoChange) error {
	buf := make([]byte, 1+8)
	buf[0] = byte(TagNoChange)
	binary.LittleEndian.PutUint64(buf[1:9], uint64(m.Start))
	_, err := w.Write(buf)
	return errors.Wrap(err, "write no_change")
}

// ReadNoChange reads a NO_CHANGE body (tag already consumed).
func ReadNoChange(r io.Reader) (NoChange, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return NoChange{}, errors.Wrap(err, "read no_change body")
	}
	return NoChange{Start: int64(binary.LittleEndian.Uint64(buf[:]))}, nil
}

// WriteBlockHash writes BLOCK_HASH{start,md5}.
func WriteBlockHash(w io.Writer, m BlockHash) error {
	buf := make([]byte, 1+8+16)
	buf[0] = byte(TagBlockHash)
	binary.LittleEndian.PutUint64(buf[1:9], uint64(m.Start))
	copy(buf[9:25], m.MD5[:])
	_, err := w.Write(buf)
	return errors.Wrap(err, "write block_hash")
}

// ReadBlockHash reads a BLOCK_HASH body (tag already consumed).
func ReadBlockHash(r io.Reader) (BlockHash, error) {
	buf := make([]byte, 8+16)
	if _, err := io.ReadFull(r, buf); err != nil {
		return BlockHash{}, errors.Wrap(err, "read block_hash body")
	}
	var m BlockHash
	m.Start = int64(binary.LittleEndian.Uint64(buf[0:8]))
	copy(m.MD5[:], buf[8:24])
	return m, nil
}

// WriteBlockError writes BLOCK_ERROR{code1,code2}.
func WriteBlockError(w io.Writer, m BlockError) error {
	_, err := w.Write([]byte{byte(TagBlockError), m.Code1, m.Code2})
	return errors.Wrap(err, "write block_error")
}

// ReadBlockError reads a BLOCK_ERROR body (tag already consumed).
func ReadBlockError(r io.Reader) (BlockError, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return BlockError{}, errors.Wrap(err, "read block_error body")
	}
	return BlockError{Code1: buf[0], Code2: buf[1]}, nil
}
