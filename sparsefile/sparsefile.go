// Package sparsefile abstracts the platform-specific sparse-file APIs
// the design notes (spec §9) call out for replacement: Linux
// SEEK_HOLE/SEEK_DATA for extent discovery and FALLOC_FL_PUNCH_HOLE
// for reclaiming space, behind one File interface so ChunkPatcher and
// the sidecar builder never branch on OS.
//
// Grounded on original_source/fileservplugin/CClientThread.cpp's
// SEEK_DATA/SEEK_HOLE fallback defines and ChunkSendThread.cpp's
// sparse-extent enumeration (hashed into the strong hash via
// SSparseExtent), reimplemented with golang.org/x/sys/unix the way
// desync and tenzoki/agen use x/sys for raw syscalls.
package sparsefile

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// Extent describes one logically-zero, possibly-physically-absent
// region, per spec §3's glossary entry "Sparse extent".
type Extent struct {
	Offset int64
	Size   int64
}

// File is the abstraction spec §9 asks for: SparseFile{read_at,
// write_at, resize, punch_hole, iter_extents}.
type File interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Resize(size int64) error
	PunchHole(offset, size int64) error
	Extents() ([]Extent, error)
	Close() error
}

// Open opens path for sparse-aware read/write access, creating it if
// create is true.
func Open(path string, create bool) (File, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	return &osFile{f: f}, nil
}

type osFile struct {
	f *os.File
}

func (o *osFile) ReadAt(p []byte, off int64) (int, error) {
	n, err := o.f.ReadAt(p, off)
	if err == io.EOF {
		return n, err
	}
	if err != nil {
		return n, errors.Wrap(err, "read_at")
	}
	return n, nil
}

func (o *osFile) WriteAt(p []byte, off int64) (int, error) {
	n, err := o.f.WriteAt(p, off)
	if err != nil {
		return n, errors.Wrap(err, "write_at")
	}
	return n, nil
}

func (o *osFile) Resize(size int64) error {
	if err := o.f.Truncate(size); err != nil {
		return errors.Wrap(err, "resize")
	}
	return nil
}

func (o *osFile) Close() error { return o.f.Close() }
