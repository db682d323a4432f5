package aligndb

import (
	"path/filepath"
	"testing"
)

func TestWriteThenFindAll(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hashdb")

	w, err := NewWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Append(0xdeadbeef, 3); err != nil {
		t.Fatal(err)
	}
	if err := w.Append(0x12345678, -7); err != nil {
		t.Fatal(err)
	}
	if err := w.Finish(); err != nil {
		t.Fatal(err)
	}

	db := Open(path, 592)
	defer db.Close()

	if db.HasError() {
		t.Fatal("expected db to open successfully")
	}
	if db.NumRecords() != 2 {
		t.Fatalf("expected 2 records, got %d", db.NumRecords())
	}

	idx, offset, ok := db.FindAll(0x12345678)
	if !ok {
		t.Fatal("expected to find second record")
	}
	if idx != 1 {
		t.Fatalf("expected idx 1, got %d", idx)
	}
	wantOffset := int64(1)*592 + int64(-7)
	if offset != wantOffset {
		t.Fatalf("offset = %d, want %d", offset, wantOffset)
	}

	if _, _, ok := db.FindAll(0xffffffff); ok {
		t.Fatal("expected no match for unknown crc")
	}
}

func TestOpen_MissingFile_DegradesGracefully(t *testing.T) {
	db := Open(filepath.Join(t.TempDir(), "does-not-exist"), 592)
	defer db.Close()

	if !db.HasError() {
		t.Fatal("expected has_error=true for missing file")
	}
	if _, _, ok := db.FindAll(1); ok {
		t.Fatal("expected FindAll to return false when has_error")
	}
	if _, _, ok := db.Find(1, 0); ok {
		t.Fatal("expected Find to return false when has_error")
	}
}

func TestFind_RespectsMinOffsetAndCursor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hashdb")

	w, err := NewWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := w.Append(42, 0); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Finish(); err != nil {
		t.Fatal(err)
	}

	db := Open(path, 100)
	defer db.Close()

	idx, offset, ok := db.Find(42, 250)
	if !ok {
		t.Fatal("expected a match at or after offset 250")
	}
	if offset < 250 {
		t.Fatalf("offset %d below requested min 250", offset)
	}
	if idx != 3 {
		t.Fatalf("expected first match at idx 3 (offset 200 < 250 excluded), got %d", idx)
	}

	db.SetNextIdx(idx + 1)
	idx2, _, ok := db.Find(42, 0)
	if !ok || idx2 <= idx {
		t.Fatalf("expected cursor to advance past idx %d, got idx2=%d ok=%v", idx, idx2, ok)
	}
}
