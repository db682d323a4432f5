package sidecar

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/urbackup-go/blockalign/rollhash"
	"github.com/urbackup-go/blockalign/sparsefile"
)

type byteSource []byte

func (b byteSource) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, b[off:])
	return n, nil
}

func TestBuildAndRead_RoundTripsMetadata(t *testing.T) {
	data := make([]byte, CheckpointSize+SubChunkSize*3+17)
	rand.New(rand.NewSource(1)).Read(data)

	meta := Metadata{
		UID: 1000, GID: 1000,
		Mtime: 1700000000, Atime: 1700000001, Ctime: 1700000002,
		OriginalPath: "/home/user/docs/report.pdf",
	}

	var out bytes.Buffer
	if err := Build(&out, byteSource(data), int64(len(data)), nil, rollhash.DefAlgo, meta); err != nil {
		t.Fatalf("build: %v", err)
	}

	records, gotMeta, err := Read(bytes.NewReader(out.Bytes()))
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	wantRecords := (len(data) + CheckpointSize - 1) / CheckpointSize
	if len(records) != wantRecords {
		t.Fatalf("got %d records, want %d", len(records), wantRecords)
	}
	if gotMeta.Rsize != int64(len(data)) {
		t.Fatalf("rsize = %d, want %d", gotMeta.Rsize, len(data))
	}
	if gotMeta.OriginalPath != meta.OriginalPath {
		t.Fatalf("original path = %q, want %q", gotMeta.OriginalPath, meta.OriginalPath)
	}
	if gotMeta.UID != meta.UID || gotMeta.GID != meta.GID {
		t.Fatalf("uid/gid mismatch: got %d/%d", gotMeta.UID, gotMeta.GID)
	}
	if len(gotMeta.StrongHash) == 0 {
		t.Fatal("expected non-empty strong hash")
	}
}

func TestBuild_DeterministicForIdenticalLayout(t *testing.T) {
	data := make([]byte, CheckpointSize*2+100)
	rand.New(rand.NewSource(2)).Read(data)

	var a, b bytes.Buffer
	if err := Build(&a, byteSource(data), int64(len(data)), nil, rollhash.DefAlgo, Metadata{}); err != nil {
		t.Fatal(err)
	}
	if err := Build(&b, byteSource(data), int64(len(data)), nil, rollhash.DefAlgo, Metadata{}); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Fatal("identical byte+extent layout produced different sidecars")
	}
}

func TestBuild_SparseExtentsChangeStrongHash(t *testing.T) {
	data := make([]byte, CheckpointSize)
	rand.New(rand.NewSource(3)).Read(data)
	// Zero out a region so the dense and sparse encodings carry the
	// same bytes but different declared shape.
	for i := 1000; i < 2000; i++ {
		data[i] = 0
	}

	var dense, sparse bytes.Buffer
	if err := Build(&dense, byteSource(data), int64(len(data)), nil, rollhash.DefAlgo, Metadata{}); err != nil {
		t.Fatal(err)
	}
	holes := []sparsefile.Extent{{Offset: 1000, Size: 1000}}
	if err := Build(&sparse, byteSource(data), int64(len(data)), holes, rollhash.DefAlgo, Metadata{}); err != nil {
		t.Fatal(err)
	}

	_, denseMeta, err := Read(bytes.NewReader(dense.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	_, sparseMeta, err := Read(bytes.NewReader(sparse.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(denseMeta.StrongHash, sparseMeta.StrongHash) {
		t.Fatal("expected declaring a hole to change the strong hash (shape-sensitive)")
	}
}

func TestBuild_EmptyFile(t *testing.T) {
	var out bytes.Buffer
	if err := Build(&out, byteSource(nil), 0, nil, rollhash.DefAlgo, Metadata{}); err != nil {
		t.Fatalf("build empty file: %v", err)
	}
	records, meta, err := Read(bytes.NewReader(out.Bytes()))
	if err != nil {
		t.Fatalf("read empty file sidecar: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected 0 records for empty file, got %d", len(records))
	}
	if meta.Rsize != 0 {
		t.Fatalf("rsize = %d, want 0", meta.Rsize)
	}
}
