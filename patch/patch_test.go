package patch

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/urbackup-go/blockalign/sparsefile"
)

type readerAt []byte

func (r readerAt) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, r[off:])
	return n, nil
}

func opsSlice(ops []Op) NextFunc {
	i := 0
	return func() (Op, bool, error) {
		if i >= len(ops) {
			return Op{}, false, nil
		}
		op := ops[i]
		i++
		return op, true, nil
	}
}

func TestApply_CopiesUnchangedGapsWhenNotRequireUnchanged(t *testing.T) {
	source := readerAt(bytes.Repeat([]byte{0xAA}, 100))
	dir := t.TempDir()
	dest, err := sparsefile.Open(filepath.Join(dir, "dest"), true)
	if err != nil {
		t.Fatal(err)
	}
	defer dest.Close()
	if err := dest.Resize(100); err != nil {
		t.Fatal(err)
	}

	// The stream ends with an empty op at the file end, the way
	// transfer.Client ends a checkpoint, so the trailing gap is copied.
	ops := []Op{
		{Kind: OpUpdateChunk, Pos: 50, Data: []byte{1, 2, 3, 4}},
		{Kind: OpUpdateChunk, Pos: 100},
	}
	res, err := Apply(dest, source, opsSlice(ops), false)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.CowFilesize != 4 {
		t.Fatalf("cow filesize = %d, want 4", res.CowFilesize)
	}

	got := make([]byte, 100)
	if _, err := dest.ReadAt(got, 0); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		if got[i] != 0xAA {
			t.Fatalf("byte %d = %x, want 0xAA (should have been copied from source)", i, got[i])
		}
	}
	if !bytes.Equal(got[50:54], []byte{1, 2, 3, 4}) {
		t.Fatalf("updated range = %v, want [1 2 3 4]", got[50:54])
	}
	for i := 54; i < 100; i++ {
		if got[i] != 0xAA {
			t.Fatalf("byte %d = %x, want 0xAA", i, got[i])
		}
	}
}

func TestApply_RequireUnchangedSkipsGapCopy(t *testing.T) {
	source := readerAt(bytes.Repeat([]byte{0xBB}, 100))
	dir := t.TempDir()
	dest, err := sparsefile.Open(filepath.Join(dir, "dest"), true)
	if err != nil {
		t.Fatal(err)
	}
	defer dest.Close()
	if err := dest.Resize(100); err != nil {
		t.Fatal(err)
	}
	// Dest starts all zero; since requireUnchanged means "don't touch
	// gaps", bytes outside the declared op must remain zero, not be
	// copied from source.
	ops := []Op{
		{Kind: OpUpdateChunk, Pos: 50, Data: []byte{9, 9}},
	}
	if _, err := Apply(dest, source, opsSlice(ops), true); err != nil {
		t.Fatalf("apply: %v", err)
	}

	got := make([]byte, 100)
	if _, err := dest.ReadAt(got, 0); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		if got[i] != 0 {
			t.Fatalf("byte %d = %x, want untouched 0 with requireUnchanged", i, got[i])
		}
	}
	if !bytes.Equal(got[50:52], []byte{9, 9}) {
		t.Fatalf("updated range = %v", got[50:52])
	}
}

func TestApply_OutOfOrderOpsRejected(t *testing.T) {
	source := readerAt(make([]byte, 100))
	dir := t.TempDir()
	dest, err := sparsefile.Open(filepath.Join(dir, "dest"), true)
	if err != nil {
		t.Fatal(err)
	}
	defer dest.Close()

	ops := []Op{
		{Kind: OpUpdateChunk, Pos: 50, Data: []byte{1}},
		{Kind: OpUpdateChunk, Pos: 10, Data: []byte{2}},
	}
	if _, err := Apply(dest, source, opsSlice(ops), false); err == nil {
		t.Fatal("expected error for out-of-order patch stream")
	}
}

func TestPunchExtents_GrowsFile(t *testing.T) {
	dir := t.TempDir()
	dest, err := sparsefile.Open(filepath.Join(dir, "dest"), true)
	if err != nil {
		t.Fatal(err)
	}
	defer dest.Close()
	if err := dest.Resize(100); err != nil {
		t.Fatal(err)
	}

	extents := []sparsefile.Extent{
		{Offset: 50, Size: 20},
		{Offset: 150, Size: 50},
	}
	if err := PunchExtents(dest, extents, 100); err != nil {
		t.Fatalf("punch extents: %v", err)
	}

	got := make([]byte, 200)
	if _, err := dest.ReadAt(got, 0); err != nil {
		t.Fatal(err)
	}
	for i := 50; i < 70; i++ {
		if got[i] != 0 {
			t.Fatalf("byte %d = %x, want 0 after punch", i, got[i])
		}
	}
	for i := 150; i < 200; i++ {
		if got[i] != 0 {
			t.Fatalf("byte %d = %x, want 0 in grown region", i, got[i])
		}
	}
}
