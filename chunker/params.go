// Package chunker implements content-defined chunking with the
// randomized cut-point test of spec §4.1: a CRC32C rolling checksum
// compared each byte against a probability that rises from 1/(MAX-MIN)
// to 1 by byte MAX-1, spreading cuts evenly over [MIN, MAX) around a
// mean chunk size of about (MIN+MAX)/2.
//
// Grounded on the teacher's fastcdc/params.go (Params struct shape,
// NewParams constructor) adapted from gear-table FastCDC to the
// rolling-CRC32C cut test the spec names explicitly.
package chunker

// Params bounds the chunk size distribution.
type Params struct {
	Min int
	Avg int
	Max int
}

// DefaultParams returns the block-aligner's MIN=64, MAX=1024 bounds
// (spec §3). Avg here is the plain midpoint (MIN+MAX)/2 and is purely
// informational: NextBoundary only consults Min and Max. The
// container's block-map coordinate divisor is a distinct, larger value
// (MIN+MAX)/2+2, accounting for the 2-byte length header; see
// align.Avg().
func DefaultParams() Params {
	return Params{Min: 64, Avg: (64 + 1024) / 2, Max: 1024}
}

// CheckpointParams returns the dedup-transfer regime's fixed 512 KiB
// checkpoint size expressed as degenerate Min==Avg==Max bounds, so the
// same Chunker type can serve both regimes (spec §3: "both regimes
// coexist; which is in use is a property of the call site").
func CheckpointParams(size int) Params {
	return Params{Min: size, Avg: size, Max: size}
}
