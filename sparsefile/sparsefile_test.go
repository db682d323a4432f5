package sparsefile

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestOpenWriteReadAt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")

	f, err := Open(path, true)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	data := []byte("hello sparse world")
	if _, err := f.WriteAt(data, 0); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, len(data))
	if _, err := f.ReadAt(buf, 0); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, data) {
		t.Fatalf("got %q want %q", buf, data)
	}
}

func TestExtentIter_SkipsCoveredRanges(t *testing.T) {
	it := NewExtentIter([]Extent{
		{Offset: 0, Size: 10},
		{Offset: 100, Size: 10},
	})

	e, ok := it.Next(5)
	if !ok || e.Offset != 0 {
		t.Fatalf("expected first extent at pos 5, got %+v ok=%v", e, ok)
	}

	e, ok = it.Next(50)
	if !ok || e.Offset != 100 {
		t.Fatalf("expected second extent at pos 50, got %+v ok=%v", e, ok)
	}

	_, ok = it.Next(200)
	if ok {
		t.Fatal("expected iterator exhausted past last extent")
	}
}
