package chunker

import "hash/crc32"

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Chunker implements the randomized cut-point test of spec §4.1.
// It is stateless across calls other than the Params it was built
// with; callers drive it buffer-by-buffer the way chunk.Reader does.
type Chunker struct {
	p Params
}

// New creates a Chunker for the given Params.
func New(p Params) *Chunker {
	return &Chunker{p: p}
}

// Params returns the bounds this Chunker was constructed with.
func (c *Chunker) Params() Params { return c.p }

// NextBoundary finds the next chunk boundary within buf, which is
// assumed to start exactly at the current stream offset. It returns
// the cut length (1..len(buf)) and the CRC32C of the bytes up to the
// cut, matching spec §3's "crc32: 32-bit rolling checksum over the
// chunk bytes."
//
// Below MIN the whole buffer is emitted as one (short, final) chunk.
// From MIN onward a second, independently-seeded CRC32C ("r") is
// extended one byte at a time and compared against a cut probability
// that starts at 1/(MAX-MIN) and is updated p ← p/(1-p) after every
// byte that doesn't cut. That update gives p = 1/(MAX-i) at byte i, so
// the cut lands roughly uniformly in [MIN, MAX); at byte MAX-1 p
// reaches 1 and the test always passes. The explicit MAX check below
// bounds the chunk should float rounding keep p just under 1.
func (c *Chunker) NextBoundary(buf []byte) (cutLen int, crc uint32) {
	min, max := c.p.Min, c.p.Max

	if len(buf) < min {
		return len(buf), crc32.Checksum(buf, castagnoli)
	}

	h := crc32.Checksum(buf[:min], castagnoli)
	r := crc32.Update(37, castagnoli, buf[:min])
	prop := 1.0 / float64(max-min)

	for i := min; i < len(buf); i++ {
		r = crc32.Update(r, castagnoli, buf[i:i+1])

		if float64(r)/float64(^uint32(0)) <= prop {
			h = crc32.Update(h, castagnoli, buf[min:i])
			return i, h
		}

		prop = prop / (1 - prop)

		if i+1 >= max {
			h = crc32.Update(h, castagnoli, buf[min:i+1])
			return i + 1, h
		}
	}

	h = crc32.Update(h, castagnoli, buf[min:])
	return len(buf), h
}
