package wire

import (
	"bytes"
	"testing"
)

func TestBlockRequest_RoundTrip(t *testing.T) {
	req := BlockRequest{
		StartPos:        524288,
		WantTransferAll: true,
		BigHash:         [16]byte{1, 2, 3},
		SmallHashes:     []uint32{10, 20, 30},
	}

	var buf bytes.Buffer
	if err := WriteBlockRequest(&buf, req); err != nil {
		t.Fatal(err)
	}

	tag, err := ReadTag(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if tag != TagBlockRequest {
		t.Fatalf("tag = %d, want %d", tag, TagBlockRequest)
	}

	got, err := ReadBlockRequest(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.StartPos != req.StartPos || got.WantTransferAll != req.WantTransferAll {
		t.Fatalf("got %+v, want %+v", got, req)
	}
	if got.BigHash != req.BigHash {
		t.Fatal("big hash mismatch")
	}
	if len(got.SmallHashes) != len(req.SmallHashes) {
		t.Fatalf("small hash count = %d, want %d", len(got.SmallHashes), len(req.SmallHashes))
	}
	for i := range req.SmallHashes {
		if got.SmallHashes[i] != req.SmallHashes[i] {
			t.Fatalf("small hash %d = %d, want %d", i, got.SmallHashes[i], req.SmallHashes[i])
		}
	}
}

func TestReplyFrames_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteWholeBlock(&buf, WholeBlock{Start: 10, Size: 20}); err != nil {
		t.Fatal(err)
	}
	if err := WriteUpdateChunk(&buf, UpdateChunk{Pos: 30, Size: 40}); err != nil {
		t.Fatal(err)
	}
	if err := WriteNoChange(&buf, NoChange{Start: 50}); err != nil {
		t.Fatal(err)
	}
	if err := WriteBlockHash(&buf, BlockHash{Start: 60, MD5: [16]byte{9}}); err != nil {
		t.Fatal(err)
	}
	if err := WriteBlockError(&buf, BlockError{Code1: ErrSeekingFailed, Code2: ErrReadingFailed}); err != nil {
		t.Fatal(err)
	}

	tag, _ := ReadTag(&buf)
	if tag != TagWholeBlock {
		t.Fatalf("tag 1 = %d", tag)
	}
	wb, err := ReadWholeBlock(&buf)
	if err != nil || wb.Start != 10 || wb.Size != 20 {
		t.Fatalf("whole block = %+v, err %v", wb, err)
	}

	tag, _ = ReadTag(&buf)
	if tag != TagUpdateChunk {
		t.Fatalf("tag 2 = %d", tag)
	}
	uc, err := ReadUpdateChunk(&buf)
	if err != nil || uc.Pos != 30 || uc.Size != 40 {
		t.Fatalf("update chunk = %+v, err %v", uc, err)
	}

	tag, _ = ReadTag(&buf)
	if tag != TagNoChange {
		t.Fatalf("tag 3 = %d", tag)
	}
	nc, err := ReadNoChange(&buf)
	if err != nil || nc.Start != 50 {
		t.Fatalf("no change = %+v, err %v", nc, err)
	}

	tag, _ = ReadTag(&buf)
	if tag != TagBlockHash {
		t.Fatalf("tag 4 = %d", tag)
	}
	bh, err := ReadBlockHash(&buf)
	if err != nil || bh.Start != 60 || bh.MD5[0] != 9 {
		t.Fatalf("block hash = %+v, err %v", bh, err)
	}

	tag, _ = ReadTag(&buf)
	if tag != TagBlockError {
		t.Fatalf("tag 5 = %d", tag)
	}
	be, err := ReadBlockError(&buf)
	if err != nil || be.Code1 != ErrSeekingFailed || be.Code2 != ErrReadingFailed {
		t.Fatalf("block error = %+v, err %v", be, err)
	}
}
