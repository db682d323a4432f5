// Package aligndb implements the AlignHashDb (spec component C):
// a persistent, append-only table of (crc32, signed_offset) records
// produced by the previous run of the block-aligner, memory-mapped
// read-only and consulted by the encoder to decide where an unchanged
// chunk should land (spec §4.3, §4.4).
//
// Grounded on original_source/blockalign/main.cpp's HashDb class
// (CreateFileMapping/MapViewOfFile on Windows; the Go port uses
// golang.org/x/sys/unix.Mmap the way desync and tenzoki/agen reach for
// x/sys for raw syscalls instead of a CGO mmap wrapper).
package aligndb

import (
	"encoding/binary"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const recordSize = 8 // int32 crc32 + int32 signed_offset

// Window bounds the forward-scan in Find, matching spec §4.3's
// WINDOW(=10000·2) record window.
const Window = 10000 * 2

// Record is one (crc32, signed_offset) pair; record i corresponds to
// logical block i of the previous encoded output.
type Record struct {
	CRC32        uint32
	SignedOffset int32
}

// Db is a read-only, memory-mapped AlignHashDb. The zero value is not
// usable; construct with Open.
type Db struct {
	path     string
	data     []byte
	numRecs  int
	hasError bool
	nextIdx  int
	avg      int64

	// buckets accelerates FindAll's "unbounded scan" by pre-indexing
	// every record's CRC32 into a shard keyed by xxhash of the CRC
	// bytes, so FindAll is an O(matches) map lookup instead of an
	// O(n) linear scan over potentially millions of records.
	buckets map[uint64][]int
}

// Open maps fn read-only. A missing or unreadable file is not a fatal
// error: per spec §4.3/§4.10, the Db enters has_error=true and every
// subsequent lookup returns (0, 0, false), degrading the encoder
// to "no prior knowledge" rather than failing the whole run.
func Open(fn string, avg int64) *Db {
	db := &Db{path: fn, avg: avg}

	f, err := os.Open(fn)
	if err != nil {
		logrus.WithError(err).WithField("path", fn).Debug("aligndb: no prior hash db, starting fresh")
		db.hasError = true
		return db
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		db.hasError = true
		return db
	}
	size := fi.Size()
	if size == 0 {
		db.numRecs = 0
		db.buckets = map[uint64][]int{}
		return db
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		logrus.WithError(err).WithField("path", fn).Warn("aligndb: mmap failed, degrading to no prior knowledge")
		db.hasError = true
		return db
	}

	db.data = data
	db.numRecs = len(data) / recordSize
	db.buildIndex()
	return db
}

func (db *Db) buildIndex() {
	db.buckets = make(map[uint64][]int, db.numRecs)
	for i := 0; i < db.numRecs; i++ {
		crc := db.recordCRC(i)
		key := bucketKey(crc)
		db.buckets[key] = append(db.buckets[key], i)
	}
}

func bucketKey(crc uint32) uint64 {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], crc)
	return xxhash.Sum64(b[:])
}

func (db *Db) recordCRC(i int) uint32 {
	off := i * recordSize
	return binary.LittleEndian.Uint32(db.data[off : off+4])
}

func (db *Db) recordOffset(i int) int32 {
	off := i * recordSize
	return int32(binary.LittleEndian.Uint32(db.data[off+4 : off+8]))
}

// HasError reports whether the db degraded to no-prior-knowledge mode.
func (db *Db) HasError() bool { return db.hasError }

// physicalOffset reconstructs a record's original output position:
// i * AVG + signed_offset (spec §4.3).
func (db *Db) physicalOffset(i int) int64 {
	return int64(i)*db.avg + int64(db.recordOffset(i))
}

// Find scans forward from the cursor set by SetNextIdx, up to Window
// records, and returns the first record whose CRC matches and whose
// reconstructed offset is >= minOffset (spec §4.3). align.Encoder
// does not call it; its lookups all go through FindAll.
func (db *Db) Find(crc uint32, minOffset int64) (idx int, offset int64, ok bool) {
	if db.hasError {
		return 0, 0, false
	}
	limit := db.nextIdx + Window
	if limit > db.numRecs {
		limit = db.numRecs
	}
	for i := db.nextIdx; i < limit; i++ {
		if db.recordCRC(i) != crc {
			continue
		}
		off := db.physicalOffset(i)
		if off >= minOffset {
			return i, off, true
		}
	}
	return 0, 0, false
}

// FindAll performs an unbounded scan for crc and returns the first
// record with that CRC; align.Encoder uses it for every lookup
// (spec §4.3).
func (db *Db) FindAll(crc uint32) (idx int, offset int64, ok bool) {
	if db.hasError {
		return 0, 0, false
	}
	candidates := db.buckets[bucketKey(crc)]
	for _, i := range candidates {
		if db.recordCRC(i) == crc {
			return i, db.physicalOffset(i), true
		}
	}
	return 0, 0, false
}

// SetNextIdx advances the forward-scan cursor after a successful
// match, so subsequent Find calls don't re-scan consumed records.
func (db *Db) SetNextIdx(idx int) { db.nextIdx = idx }

// NumRecords returns the number of (crc32, offset) records mapped.
func (db *Db) NumRecords() int { return db.numRecs }

// Close unmaps the backing file. Safe to call on a db opened with a
// missing/unreadable backing file (no-op).
func (db *Db) Close() error {
	if db.data == nil {
		return nil
	}
	err := unix.Munmap(db.data)
	db.data = nil
	return err
}
