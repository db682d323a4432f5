package align

import (
	"bufio"
	"io"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/urbackup-go/blockalign/aligndb"
	"github.com/urbackup-go/blockalign/chunker"
)

// item is one content-defined chunk read from the input, carrying its
// logical offset in the stream being encoded (spec's "input_pos").
type item struct {
	origOffset int64
	crc        uint32
	data       []byte
}

// Encoder implements AlignEncoder (spec §4.4). Create with NewEncoder,
// then call EncodeAll, which streams the input and calls Finish itself.
type Encoder struct {
	out    io.Writer
	db     *aligndb.Db
	dbOut  *aligndb.Writer
	chnk   *chunker.Chunker
	avg    int64
	params chunker.Params

	outputPos int64
	nblock    int64
	nrecords  int64 // hash-db records written so far (real blocks only)
	blockmap  []int32

	pending  map[int64]item // offset -> item waiting to land exactly there
	anywhere []item
	backlog  int

	log *logrus.Entry
}

// NewEncoder builds an Encoder writing the container to out. db is the
// previous run's hash table (possibly has_error==true); dbOut receives
// this run's table for the next run's Open (spec §4.4 "Finalization:
// ...atomically rename name.new -> name").
func NewEncoder(out io.Writer, db *aligndb.Db, dbOut *aligndb.Writer) *Encoder {
	params := chunker.DefaultParams()
	return &Encoder{
		out:     out,
		db:      db,
		dbOut:   dbOut,
		chnk:    chunker.New(params),
		avg:     Avg(),
		params:  params,
		pending: make(map[int64]item),
		log:     logrus.WithField("component", "align.Encoder"),
	}
}

// EncodeAll writes the container header, streams all of r into the
// container, and then calls Finish to write the tail.
func (e *Encoder) EncodeAll(r io.Reader) error {
	if _, err := e.out.Write([]byte(Magic)); err != nil {
		return errors.Wrap(err, "write magic")
	}
	if err := writeAvg(e.out, uint32(e.avg)); err != nil {
		return err
	}
	e.outputPos = 0

	buf := make([]byte, e.params.Max)
	leftover := 0
	var streamOffset int64

	br := bufio.NewReaderSize(r, 1<<20)

	for {
		n, rerr := br.Read(buf[leftover:])
		total := leftover + n

		if rerr != nil && rerr != io.EOF {
			return errors.Wrap(rerr, "read input")
		}

		atEOF := rerr == io.EOF

		if total == 0 {
			if atEOF {
				break
			}
			continue
		}

		if !atEOF && total < len(buf) {
			// Buffer not full yet and more data may be coming; keep
			// reading so the chunker sees a full lookahead window.
			leftover = total
			continue
		}

		cut := total
		if total >= e.params.Min {
			cut, _ = e.chnk.NextBoundary(buf[:total])
		}

		chunkData := append([]byte(nil), buf[:cut]...)
		it := item{origOffset: streamOffset, crc: rollingCRC(chunkData), data: chunkData}
		streamOffset += int64(cut)

		if err := e.processChunk(it); err != nil {
			return err
		}

		copy(buf, buf[cut:total])
		leftover = total - cut

		if atEOF && leftover == 0 {
			break
		}
		if atEOF && leftover > 0 {
			// Final partial chunk.
			final := append([]byte(nil), buf[:leftover]...)
			fit := item{origOffset: streamOffset, crc: rollingCRC(final), data: final}
			streamOffset += int64(leftover)
			if err := e.processChunk(fit); err != nil {
				return err
			}
			break
		}
	}

	return e.Finish()
}

// processChunk runs the per-chunk algorithm of spec §4.4 steps 2-5.
func (e *Encoder) processChunk(it item) error {
	// Step 2: drain any pending entry that matured to the current
	// write position, re-verifying distant entries.
	if off, ok := e.nextPendingOffset(); ok && off-e.outputPos > DoubleCheckLimit {
		if _, recOff, found := e.db.FindAll(e.pending[off].crc); !found || recOff != off {
			pending := e.pending[off]
			delete(e.pending, off)
			e.anywhere = append(e.anywhere, pending)
			e.log.WithField("offset", off).Debug("downgraded stale pending entry to anywhere buffer")
		}
	}

	// Step 3: place the new chunk. The lookup is FindAll, which returns
	// the db's first record with this CRC wherever it lies; the windowed,
	// position-bounded Find is not used here.
	if _, recOff, found := e.db.FindAll(it.crc); found {
		switch {
		case recOff == e.outputPos:
			if err := e.commit(it); err != nil {
				return err
			}
		case recOff > e.outputPos:
			if _, taken := e.pending[recOff]; taken {
				e.anywhere = append(e.anywhere, it)
			} else {
				e.pending[recOff] = it
			}
			e.backlog += len(it.data)
		default:
			e.anywhere = append(e.anywhere, it)
			e.backlog += len(it.data)
		}
	} else {
		e.anywhere = append(e.anywhere, it)
		e.backlog += len(it.data)
	}

	// Drain anything that is now exactly at outputPos (e.g. a commit
	// above may make the *next* pending reachable without new data).
	for {
		off, ok := e.nextPendingOffset()
		if !ok || off != e.outputPos {
			break
		}
		pending := e.pending[off]
		delete(e.pending, off)
		e.backlog -= len(pending.data)
		if err := e.commit(pending); err != nil {
			return err
		}
	}

	// Step 4: opportunistically fill the gap before the next pending
	// offset using the anywhere buffer's best fit.
	if err := e.fillGap(); err != nil {
		return err
	}

	// Step 5: force a flush if backlog exceeds the cap.
	if e.backlog > MaxBacklog {
		if err := e.forceFlush(); err != nil {
			return err
		}
	}

	return nil
}

func (e *Encoder) nextPendingOffset() (int64, bool) {
	if len(e.pending) == 0 {
		return 0, false
	}
	offsets := make([]int64, 0, len(e.pending))
	for o := range e.pending {
		offsets = append(offsets, o)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	return offsets[0], true
}

// fillGap implements best_fit(space, pad=2): the largest anywhere-
// buffer chunk that either exactly closes the gap (accounting for its
// own 2-byte header) or leaves room for at least one more header is
// written; any leftover is closed with zero-payload padding, split
// into several pad blocks when it exceeds one block's payload limit
// (spec §4.4 step 4, §3 "zero-payload run").
func (e *Encoder) fillGap() error {
	nextOff, ok := e.nextPendingOffset()
	if !ok {
		return nil
	}
	for {
		space := nextOff - e.outputPos
		if space <= 0 {
			return nil
		}

		bestIdx := -1
		bestSize := -1
		exact := -1
		for i, cand := range e.anywhere {
			sz := len(cand.data)
			if int64(sz+lenHeaderSize) == space {
				exact = i
				break
			}
			if int64(sz+2*lenHeaderSize) <= space && sz > bestSize {
				bestSize = sz
				bestIdx = i
			}
		}

		var chosen int
		switch {
		case exact >= 0:
			chosen = exact
		case bestIdx >= 0:
			chosen = bestIdx
		default:
			// Nothing fits productively; pad the remainder with
			// zero-payload blocks, unless it's too small to frame.
			if space < lenHeaderSize {
				return nil
			}
			return e.writePad(space)
		}

		it := e.anywhere[chosen]
		e.anywhere = append(e.anywhere[:chosen], e.anywhere[chosen+1:]...)
		e.backlog -= len(it.data)
		if err := e.commit(it); err != nil {
			return err
		}
	}
}

// forceFlush commits the earliest pending item, padding up to its
// offset if necessary, to keep total buffered bytes bounded (spec
// §4.4 step 5).
func (e *Encoder) forceFlush() error {
	off, ok := e.nextPendingOffset()
	if !ok {
		// Nothing pending: drop the oldest anywhere item to bound
		// memory even though it has no placement preference.
		if len(e.anywhere) == 0 {
			return nil
		}
		it := e.anywhere[0]
		e.anywhere = e.anywhere[1:]
		e.backlog -= len(it.data)
		return e.commit(it)
	}

	gap := off - e.outputPos
	if gap == 1 {
		// Unreachable with header-only blocks (2-byte minimum frame);
		// give up on exact placement and demote to anywhere.
		pending := e.pending[off]
		delete(e.pending, off)
		e.anywhere = append(e.anywhere, pending)
		return nil
	}
	if gap > 0 {
		if err := e.writePad(gap); err != nil {
			return err
		}
	}
	pending := e.pending[off]
	delete(e.pending, off)
	e.backlog -= len(pending.data)
	return e.commit(pending)
}

func (e *Encoder) writePad(space int64) error {
	if space < lenHeaderSize {
		return errors.Errorf("padding space too small: %d", space)
	}
	for space > 0 {
		block := space
		if block > lenHeaderSize+0xFFFF {
			block = lenHeaderSize + 0xFFFF
			if space-block < lenHeaderSize {
				// Leave enough for the next block's header.
				block -= lenHeaderSize
			}
		}
		payloadLen := block - lenHeaderSize
		hdr := blockHeader(int(payloadLen))
		if _, err := e.out.Write(hdr[:]); err != nil {
			return errors.Wrap(err, "write pad header")
		}
		if payloadLen > 0 {
			if _, err := e.out.Write(make([]byte, payloadLen)); err != nil {
				return errors.Wrap(err, "write pad payload")
			}
		}
		e.outputPos += block
		e.blockmap = append(e.blockmap, PaddingMarker)
		e.nblock++
		space -= block
	}
	return nil
}

// commit writes one real (non-padding) block and records its block-
// map entry and hash-db record for the next run.
func (e *Encoder) commit(it item) error {
	hdr := blockHeader(len(it.data))
	if _, err := e.out.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "write block header")
	}
	if len(it.data) > 0 {
		if _, err := e.out.Write(it.data); err != nil {
			return errors.Wrap(err, "write block payload")
		}
	}

	avgPos := e.nblock * e.avg

	// The block-map records this block's position in the *original*
	// stream (input_pos), which is what the decoder needs to put bytes
	// back in the right place.
	posOffsetInput := it.origOffset - avgPos
	if posOffsetInput < minInt32 || posOffsetInput > maxInt32Value {
		// Falls outside the int32 range the format allows; clamp so
		// decode still terminates rather than silently wrapping
		// (defensive, should not occur for any realistic file size
		// given Avg()'s magnitude).
		posOffsetInput = 0
	}
	e.blockmap = append(e.blockmap, int32(posOffsetInput))

	// The hash db records this block's position in the *container*
	// (output_pos) instead, since its job is predicting where a
	// matching chunk will physically land on the next run.
	if e.dbOut != nil {
		// The db reconstructs positions from the record index, which
		// counts real blocks only, so pads are left out of the base.
		posOffsetOutput := e.outputPos - e.nrecords*e.avg
		if posOffsetOutput < minInt32 || posOffsetOutput > maxInt32Value {
			posOffsetOutput = 0
		}
		if err := e.dbOut.Append(it.crc, int32(posOffsetOutput)); err != nil {
			return errors.Wrap(err, "append hash db record")
		}
		e.nrecords++
	}

	e.outputPos += lenHeaderSize + int64(len(it.data))
	e.nblock++
	return nil
}

const (
	minInt32      = -2147483648
	maxInt32Value = 2147483647
)

// Finish flushes all buffered items, pads to a 4-byte boundary, writes
// the block-map and its length, and installs the new hash db.
func (e *Encoder) Finish() error {
	// Flush pending-by-offset entries in ascending order, padding as
	// needed to reach each one.
	for len(e.pending) > 0 {
		if err := e.forceFlush(); err != nil {
			return err
		}
	}
	// Flush whatever never found a home.
	for len(e.anywhere) > 0 {
		it := e.anywhere[0]
		e.anywhere = e.anywhere[1:]
		if err := e.commit(it); err != nil {
			return err
		}
	}

	if rem := e.outputPos % 4; rem != 0 {
		pad := 4 - rem
		if pad < lenHeaderSize {
			pad += 4
		}
		if err := e.writePad(pad); err != nil {
			return err
		}
	}

	if err := e.writeBlockmap(); err != nil {
		return err
	}

	if e.dbOut != nil {
		if err := e.dbOut.Finish(); err != nil {
			return errors.Wrap(err, "install new hash db")
		}
	}
	return nil
}

func (e *Encoder) writeBlockmap() error {
	buf := make([]byte, 4)
	for _, v := range e.blockmap {
		putLE32(buf, uint32(v))
		if _, err := e.out.Write(buf); err != nil {
			return errors.Wrap(err, "write blockmap entry")
		}
	}
	var lenBuf [8]byte
	putLE64(lenBuf[:], int64(len(e.blockmap)))
	if _, err := e.out.Write(lenBuf[:]); err != nil {
		return errors.Wrap(err, "write blockmap length")
	}
	return nil
}
