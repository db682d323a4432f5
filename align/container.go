// Package align implements the block-alignment codec (spec component
// D): AlignEncoder and AlignDecoder produce and consume the
// self-describing AlignContainer format of spec §6, built from
// chunker (A) and rollhash (B) cut points and consulting an
// aligndb.Db (C) so that chunks unchanged between two runs land at the
// same physical container offset.
//
// Grounded on original_source/blockalign/main.cpp's encode/decode loop
// (SOutputBuffer, next_blockhash, write_item, HashDb lookups),
// reimplemented with explicit buffer types instead of raw
// new/delete-carried SSendData (spec §9 design note on tagged-union
// ownership).
package align

import (
	"encoding/binary"
	"math"

	"github.com/urbackup-go/blockalign"
)

// Magic identifies an AlignContainer file (spec §6).
const Magic = "BLOCKALIGN#1"

// Bounds matching spec §3: MIN=64, MAX=1024.
const (
	MinChunk = 64
	MaxChunk = 1024
)

// lenHeaderSize is the 2-byte little-endian payload-length header
// every AlignedBlock carries.
const lenHeaderSize = 2

// Avg is (MIN+MAX)/2 + 2, the block-map's coordinate-space divisor
// (spec §3: "the 32-bit AVG = (MIN+MAX)/2 + 2 value").
func Avg() int64 {
	return int64((MinChunk+MaxChunk)/2 + lenHeaderSize)
}

// PaddingMarker is the block-map sentinel for a zero-payload padding
// block (spec §3: "such blocks carry pos_offset = INT_MAX").
const PaddingMarker int32 = math.MaxInt32

// DoubleCheckLimit and MaxBacklog mirror spec §4.4's constants.
const (
	DoubleCheckLimit = 100 * 1024
	MaxBacklog       = 10 * 1024 * 1024
)

func writeHeader(buf []byte, avg uint32) []byte {
	buf = append(buf, Magic...)
	var avgB [4]byte
	binary.LittleEndian.PutUint32(avgB[:], avg)
	return append(buf, avgB[:]...)
}

func blockHeader(payloadLen int) [lenHeaderSize]byte {
	var b [lenHeaderSize]byte
	binary.LittleEndian.PutUint16(b[:], uint16(payloadLen))
	return b
}

// ErrBadMagic is returned by the decoder when the header doesn't start
// with Magic.
var ErrBadMagic = blockalign.ErrCorrupt
