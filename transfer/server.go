// Package transfer implements ChunkTransferClient (spec component G)
// and ChunkTransferServer (component H), the §4.5/§4.6 block-diff
// protocol built on the wire package's frames: per 512 KiB checkpoint,
// the server compares its source bytes against the client's locally
// computed hashes and streams back only what changed.
//
// Grounded on original_source/fileservplugin/ChunkSendThread.cpp's
// per-checkpoint compare-and-send loop (big-hash short-circuit,
// per-sub-chunk adler32 diff, ID_BLOCK_HASH/ID_NO_CHANGE at block
// end) and CClientThread.cpp's MAX_QUEUED_CHUNKS-style pipelining
// (spec §5), reimplemented with golang.org/x/sync/errgroup in place
// of the teacher's condition-variable queue.
package transfer

import (
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/urbackup-go/blockalign/rollhash"
	"github.com/urbackup-go/blockalign/sidecar"
	"github.com/urbackup-go/blockalign/wire"
)

// Server answers BlockRequests against one source file.
type Server struct {
	source     io.ReaderAt
	sourceSize int64
	log        *logrus.Entry
}

// NewServer wraps a readable source of the given logical size.
func NewServer(source io.ReaderAt, sourceSize int64) *Server {
	return &Server{source: source, sourceSize: sourceSize, log: logrus.WithField("component", "transfer.Server")}
}

// ServeBlock answers one BlockRequest by writing the appropriate reply
// frames (and any payload) to w (spec §4.5).
func (s *Server) ServeBlock(w io.Writer, req wire.BlockRequest) error {
	start := req.StartPos
	if start < 0 || start > s.sourceSize {
		return wire.WriteBlockError(w, wire.BlockError{Code1: wire.ErrSeekingFailed})
	}

	toRead := sidecar.CheckpointSize
	if remaining := s.sourceSize - start; int64(toRead) > remaining {
		toRead = int(remaining)
	}

	buf := make([]byte, toRead)
	n, err := s.source.ReadAt(buf, start)
	if err != nil && err != io.EOF {
		s.log.WithError(err).WithField("start", start).Warn("read source failed")
		return wire.WriteBlockError(w, wire.BlockError{Code1: wire.ErrReadingFailed})
	}
	buf = buf[:n]

	if req.WantTransferAll {
		return s.sendWhole(w, start, buf)
	}

	bigDigest := bigHashOf(buf)
	if bigDigest != req.BigHash {
		if err := wire.WriteUpdateChunk(w, wire.UpdateChunk{Pos: start, Size: int64(len(buf))}); err != nil {
			return err
		}
		if _, err := w.Write(buf); err != nil {
			return errors.Wrap(err, "write block payload")
		}
		return wire.WriteBlockHash(w, wire.BlockHash{Start: start, MD5: bigDigest})
	}

	changed := false
	for k := 0; k*sidecar.SubChunkSize < len(buf); k++ {
		subStart := k * sidecar.SubChunkSize
		subEnd := subStart + sidecar.SubChunkSize
		if subEnd > len(buf) {
			subEnd = len(buf)
		}
		sub := buf[subStart:subEnd]
		sh := rollhash.SmallHash(sub)
		if k >= len(req.SmallHashes) || sh != req.SmallHashes[k] {
			if err := wire.WriteUpdateChunk(w, wire.UpdateChunk{Pos: start + int64(subStart), Size: int64(len(sub))}); err != nil {
				return err
			}
			if _, err := w.Write(sub); err != nil {
				return errors.Wrap(err, "write sub-chunk payload")
			}
			changed = true
		}
	}

	if changed {
		return wire.WriteBlockHash(w, wire.BlockHash{Start: start, MD5: bigDigest})
	}
	return wire.WriteNoChange(w, wire.NoChange{Start: start})
}

func (s *Server) sendWhole(w io.Writer, start int64, buf []byte) error {
	if err := wire.WriteWholeBlock(w, wire.WholeBlock{Start: start, Size: int64(len(buf))}); err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, "write whole block payload")
	}
	return wire.WriteBlockHash(w, wire.BlockHash{Start: start, MD5: bigHashOf(buf)})
}

func bigHashOf(data []byte) [16]byte {
	h := rollhash.NewBigHash()
	h.Update(data)
	return h.Finalize()
}

// Serve answers BlockRequests read from r until EOF or a FLUSH tag,
// one per checkpoint, writing replies to w; any other tag is returned
// as an error. It's the single-
// connection loop a ChunkTransferServer listener drives per incoming
// file transfer.
func (s *Server) Serve(r io.Reader, w io.Writer) error {
	for {
		tag, err := wire.ReadTag(r)
		if err != nil {
			if errors.Cause(err) == io.EOF {
				return nil
			}
			return err
		}
		switch tag {
		case wire.TagBlockRequest:
			req, err := wire.ReadBlockRequest(r)
			if err != nil {
				return err
			}
			if err := s.ServeBlock(w, req); err != nil {
				return err
			}
		case wire.TagFlush:
			return nil
		default:
			return errors.Errorf("unexpected request tag %d", tag)
		}
	}
}
