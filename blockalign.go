// Package blockalign holds the types shared by every package in the
// module: the Chunk value all chunkers/encoders/stores agree on, and
// the sentinel errors the component design (spec §7) names by kind.
package blockalign

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/pkg/errors"
)

// Chunk describes a contiguous byte range produced by content-defined
// chunking, identified by a rolling checksum and (once computed) a
// strong hash. Size is bounded by the caller's Params (fixed-size
// checkpoints for the dedup-transfer regime, MIN..MAX for the
// block-aligner regime).
type Chunk struct {
	Offset int64
	Size   int
	CRC32  uint32
	Hash   []byte // strong hash, nil until computed
}

// HexHash returns the strong hash in hex form.
func (c Chunk) HexHash() string {
	return hex.EncodeToString(c.Hash)
}

// Equal reports whether two chunks are byte-identical per the data
// model's invariant: equal (strong_hash, len) implies equal content.
func (c Chunk) Equal(other Chunk) bool {
	return c.Size == other.Size && bytes.Equal(c.Hash, other.Hash)
}

func (c Chunk) String() string {
	return fmt.Sprintf("Chunk{offset=%d size=%d crc=%08x hash=%s}", c.Offset, c.Size, c.CRC32, c.HexHash())
}

// Sentinel errors for the failure kinds spec.md §7 enumerates by name.
// Callers branch on these with errors.Is/errors.As instead of string
// matching, so components can wrap them with errors.Wrap for context
// without losing the classification.
var (
	// ErrCorrupt marks a hash mismatch, bad header, or sidecar/content
	// divergence. Never auto-repaired; surfaced to the caller.
	ErrCorrupt = errors.New("corruption detected")

	// ErrTooManyLinks is success-equivalent for a link attempt: it
	// forces the hash store onto the copy path for the next candidate
	// rather than failing the whole add_file call.
	ErrTooManyLinks = errors.New("too many hard links")

	// ErrCandidateDead marks a link candidate whose backing file is
	// gone; the caller deletes that FileEntry and moves to the next
	// candidate.
	ErrCandidateDead = errors.New("candidate file missing")

	// ErrOutOfSpace marks ENOSPC-class conditions; the caller invokes
	// its free-space callback and retries once.
	ErrOutOfSpace = errors.New("insufficient free space")

	// ErrProtocolViolation marks an unknown wire tag or a size that
	// overflows the frame's declared bounds; the connection is
	// terminated.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrBlockError wraps a BLOCK_ERROR reply's subcode.
	ErrBlockError = errors.New("block transfer error")
)
