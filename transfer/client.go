package transfer

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/urbackup-go/blockalign/patch"
	"github.com/urbackup-go/blockalign/sidecar"
	"github.com/urbackup-go/blockalign/sparsefile"
	"github.com/urbackup-go/blockalign/wire"
)

// MaxQueuedChunks bounds how many BlockRequests the writer may have
// outstanding before the reader must catch up (spec §5:
// "MAX_QUEUED_CHUNKS=20").
const MaxQueuedChunks = 20

// Client drives one file's block-diff transfer against a peer
// Server over a shared duplex stream (rw): it requests each
// checkpoint using the old file's locally known hashes, and applies
// replies to dest via patch.ApplyOne as they arrive.
type Client struct {
	rw               io.ReadWriter
	dest             sparsefile.File
	oldSource        io.ReaderAt
	requireUnchanged bool
}

// NewClient builds a Client. oldSource supplies bytes for ranges the
// server reports unchanged when requireUnchanged is false (dest is an
// independent copy, not a reflink of the old file).
func NewClient(rw io.ReadWriter, dest sparsefile.File, oldSource io.ReaderAt, requireUnchanged bool) *Client {
	return &Client{rw: rw, dest: dest, oldSource: oldSource, requireUnchanged: requireUnchanged}
}

// Transfer requests every checkpoint of a file whose new logical size
// is newSize, using oldRecords (the prior sidecar's per-checkpoint
// hashes, possibly shorter than the new file) to avoid re-sending
// unchanged data. It returns once every checkpoint's reply has been
// applied or an error (including ctx cancellation) occurs.
func (c *Client) Transfer(ctx context.Context, newSize int64, oldRecords []sidecar.Record) (patch.Result, error) {
	numCheckpoints := int((newSize + sidecar.CheckpointSize - 1) / sidecar.CheckpointSize)

	sem := make(chan struct{}, MaxQueuedChunks)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for i := 0; i < numCheckpoints; i++ {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			if err := wire.WriteBlockRequest(c.rw, c.buildRequest(i, newSize, oldRecords)); err != nil {
				return err
			}
		}
		return wire.WriteTag(c.rw, wire.TagFlush)
	})

	var res patch.Result
	g.Go(func() error {
		var cursor int64
		for i := 0; i < numCheckpoints; i++ {
			next, err := c.readReply(ctx, cursor, newSize, &res)
			<-sem
			if err != nil {
				return err
			}
			cursor = next
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return res, err
	}
	return res, nil
}

func (c *Client) buildRequest(checkpoint int, newSize int64, oldRecords []sidecar.Record) wire.BlockRequest {
	start := int64(checkpoint) * sidecar.CheckpointSize
	req := wire.BlockRequest{StartPos: start}
	if checkpoint < len(oldRecords) {
		rec := oldRecords[checkpoint]
		req.BigHash = rec.BigHash
		req.SmallHashes = append([]uint32(nil), rec.SmallHash[:]...)
	} else {
		// No local reference for this checkpoint (file grew): force a
		// full transfer rather than compare against nothing.
		req.WantTransferAll = true
	}
	return req
}

// readReply consumes one checkpoint's full reply sequence (zero or
// more UPDATE_CHUNK/WHOLE_BLOCK frames terminated by BLOCK_HASH,
// NO_CHANGE, or BLOCK_ERROR), applying data frames to dest in order,
// and returns the patcher cursor after this checkpoint.
func (c *Client) readReply(ctx context.Context, cursor int64, newSize int64, res *patch.Result) (int64, error) {
	for {
		if err := ctx.Err(); err != nil {
			return cursor, err
		}
		tag, err := wire.ReadTag(c.rw)
		if err != nil {
			return cursor, err
		}
		switch tag {
		case wire.TagWholeBlock:
			wb, err := wire.ReadWholeBlock(c.rw)
			if err != nil {
				return cursor, err
			}
			buf := make([]byte, wb.Size)
			if _, err := io.ReadFull(c.rw, buf); err != nil {
				return cursor, errors.Wrap(err, "read whole block payload")
			}
			cursor, err = patch.ApplyOne(c.dest, c.oldSource, cursor, patch.Op{Kind: patch.OpWholeBlock, Pos: wb.Start, Data: buf}, c.requireUnchanged, res)
			if err != nil {
				return cursor, err
			}
		case wire.TagUpdateChunk:
			uc, err := wire.ReadUpdateChunk(c.rw)
			if err != nil {
				return cursor, err
			}
			buf := make([]byte, uc.Size)
			if _, err := io.ReadFull(c.rw, buf); err != nil {
				return cursor, errors.Wrap(err, "read update chunk payload")
			}
			cursor, err = patch.ApplyOne(c.dest, c.oldSource, cursor, patch.Op{Kind: patch.OpUpdateChunk, Pos: uc.Pos, Data: buf}, c.requireUnchanged, res)
			if err != nil {
				return cursor, err
			}
		case wire.TagBlockHash:
			bh, err := wire.ReadBlockHash(c.rw)
			if err != nil {
				return cursor, err
			}
			end := checkpointEnd(bh.Start, newSize)
			cursor, err = patch.ApplyOne(c.dest, c.oldSource, cursor, patch.Op{Pos: end}, c.requireUnchanged, res)
			if err != nil {
				return cursor, err
			}
			return cursor, c.verifyBlockHash(bh, end-bh.Start)
		case wire.TagNoChange:
			nc, err := wire.ReadNoChange(c.rw)
			if err != nil {
				return cursor, err
			}
			// Nothing was written; fill the whole checkpoint's gap
			// (copying from the old file unless requireUnchanged) so
			// the next checkpoint's gap copy starts in the right
			// place.
			end := checkpointEnd(nc.Start, newSize)
			return patch.ApplyOne(c.dest, c.oldSource, cursor, patch.Op{Pos: end}, c.requireUnchanged, res)
		case wire.TagBlockError:
			be, err := wire.ReadBlockError(c.rw)
			if err != nil {
				return cursor, err
			}
			return cursor, errors.Errorf("server reported block error: seek_failed=%v read_failed=%v",
				be.Code1 == wire.ErrSeekingFailed, be.Code2 == wire.ErrReadingFailed)
		default:
			return cursor, errors.Errorf("unexpected reply tag %d", tag)
		}
	}
}

// verifyBlockHash re-reads the checkpoint just written to dest and
// confirms it matches the server's authoritative digest (spec §4.6:
// "On BLOCK_HASH: verify received-block hash; on mismatch mark block
// for retry"). Retry policy is left to the caller; this reports the
// mismatch as an error.
func (c *Client) verifyBlockHash(bh wire.BlockHash, length int64) error {
	buf := make([]byte, length)
	n, err := c.dest.ReadAt(buf, bh.Start)
	if err != nil && err != io.EOF {
		return errors.Wrap(err, "re-read checkpoint for verification")
	}
	got := bigHashOf(buf[:n])
	if got != bh.MD5 {
		return errors.Errorf("block hash mismatch at offset %d", bh.Start)
	}
	return nil
}

// checkpointEnd clamps one checkpoint's end to the file's logical
// size, since the final checkpoint is usually shorter than
// sidecar.CheckpointSize.
func checkpointEnd(start, newSize int64) int64 {
	end := start + sidecar.CheckpointSize
	if end > newSize {
		end = newSize
	}
	return end
}
