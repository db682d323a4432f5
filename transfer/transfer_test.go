package transfer

import (
	"bytes"
	"context"
	"math/rand"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/urbackup-go/blockalign/rollhash"
	"github.com/urbackup-go/blockalign/sidecar"
	"github.com/urbackup-go/blockalign/sparsefile"
)

type byteSource []byte

func (b byteSource) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b)) {
		return 0, nil
	}
	n := copy(p, b[off:])
	return n, nil
}

func recordsFor(t *testing.T, data []byte) []sidecar.Record {
	t.Helper()
	var buf bytes.Buffer
	if err := sidecar.Build(&buf, byteSource(data), int64(len(data)), nil, rollhash.DefAlgo, sidecar.Metadata{}); err != nil {
		t.Fatalf("build sidecar: %v", err)
	}
	records, _, err := sidecar.Read(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("read sidecar: %v", err)
	}
	return records
}

func runTransfer(t *testing.T, oldData, newData []byte) []byte {
	t.Helper()

	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	srv := NewServer(byteSource(newData), int64(len(newData)))
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Serve(serverConn, serverConn)
	}()

	dir := t.TempDir()
	dest, err := sparsefile.Open(filepath.Join(dir, "dest"), true)
	if err != nil {
		t.Fatal(err)
	}
	defer dest.Close()
	if err := dest.Resize(int64(len(oldData))); err != nil {
		t.Fatal(err)
	}
	if len(oldData) > 0 {
		if _, err := dest.WriteAt(oldData, 0); err != nil {
			t.Fatal(err)
		}
	}

	oldRecords := recordsFor(t, oldData)

	client := NewClient(clientConn, dest, byteSource(oldData), false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := client.Transfer(ctx, int64(len(newData)), oldRecords); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	clientConn.Close()
	select {
	case err := <-serverDone:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not finish")
	}

	got := make([]byte, len(newData))
	if len(newData) > 0 {
		if _, err := dest.ReadAt(got, 0); err != nil {
			t.Fatal(err)
		}
	}
	return got
}

func TestTransfer_IdenticalFilesNoOpUpdateChunks(t *testing.T) {
	data := make([]byte, sidecar.CheckpointSize*2+1000)
	rand.New(rand.NewSource(1)).Read(data)

	got := runTransfer(t, data, data)
	if !bytes.Equal(got, data) {
		t.Fatal("transfer of identical files did not reproduce the data")
	}
}

func TestTransfer_SmallEdit(t *testing.T) {
	data := make([]byte, sidecar.CheckpointSize*3)
	rand.New(rand.NewSource(2)).Read(data)

	newData := append([]byte(nil), data...)
	// Flip a handful of bytes well inside the second checkpoint.
	editStart := sidecar.CheckpointSize + 100
	for i := editStart; i < editStart+10; i++ {
		newData[i] ^= 0xFF
	}

	got := runTransfer(t, data, newData)
	if !bytes.Equal(got, newData) {
		t.Fatal("transfer with a small edit did not reproduce the new data")
	}
}

func TestTransfer_GrownFile(t *testing.T) {
	oldData := make([]byte, sidecar.CheckpointSize)
	rand.New(rand.NewSource(3)).Read(oldData)

	newData := append([]byte(nil), oldData...)
	extra := make([]byte, sidecar.CheckpointSize+500)
	rand.New(rand.NewSource(4)).Read(extra)
	newData = append(newData, extra...)

	got := runTransfer(t, oldData, newData)
	if !bytes.Equal(got, newData) {
		t.Fatal("transfer of a grown file did not reproduce the new data")
	}
}

func TestTransfer_EmptyFiles(t *testing.T) {
	got := runTransfer(t, nil, nil)
	if len(got) != 0 {
		t.Fatalf("expected empty result, got %d bytes", len(got))
	}
}
