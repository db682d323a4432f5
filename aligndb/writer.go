package aligndb

import (
	"bufio"
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
)

// Writer appends (crc32, signed_offset) records for the run currently
// being encoded, so the next run's Open sees this run's layout. The
// encoder calls Append once per committed block, in block order.
type Writer struct {
	path    string
	tmpPath string
	f       *os.File
	bw      *bufio.Writer
}

// NewWriter opens name+".new" for the encoder to append to; Finish
// renames it over name, matching spec §4.4's "atomically rename
// name.new -> name for the updated hash db."
func NewWriter(name string) (*Writer, error) {
	tmp := name + ".new"
	f, err := os.Create(tmp)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", tmp)
	}
	return &Writer{path: name, tmpPath: tmp, f: f, bw: bufio.NewWriter(f)}, nil
}

// Append writes one record for block index len(records) so far.
func (w *Writer) Append(crc uint32, signedOffset int32) error {
	var buf [recordSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], crc)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(signedOffset))
	_, err := w.bw.Write(buf[:])
	return err
}

// Finish flushes, syncs, and atomically renames the temp file into
// place, then closes it.
func (w *Writer) Finish() error {
	if err := w.bw.Flush(); err != nil {
		return errors.Wrap(err, "flush")
	}
	if err := w.f.Sync(); err != nil {
		return errors.Wrap(err, "sync")
	}
	if err := w.f.Close(); err != nil {
		return errors.Wrap(err, "close")
	}
	if err := os.Rename(w.tmpPath, w.path); err != nil {
		return errors.Wrap(err, "rename")
	}
	return nil
}

// Abort discards the in-progress temp file without installing it.
func (w *Writer) Abort() error {
	w.f.Close()
	return os.Remove(w.tmpPath)
}
