package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestIndex(t *testing.T) *EntryIndex {
	t.Helper()
	opts := badger.DefaultOptions(t.TempDir()).WithLogger(nil)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	idx, err := Open(db)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func hashFor(b byte) [64]byte {
	var h [64]byte
	h[0] = b
	return h
}

func TestAddEntry_NewHeadThenLinked(t *testing.T) {
	idx := openTestIndex(t)
	key := Key{StrongHash: hashFor(1), Size: 100}

	id1, err := idx.NextID()
	require.NoError(t, err)
	head, err := idx.AddEntry(key, FileEntry{ID: id1, StrongHash: key.StrongHash, Size: 100, ClientID: 1, FullPath: "/a"}, 0, nil)
	require.NoError(t, err)
	assert.True(t, head.PointedTo)
	assert.Zero(t, head.PrevEntry)
	assert.Zero(t, head.NextEntry)

	ptr, ok, err := idx.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, head.ID, ptr)

	id2, err := idx.NextID()
	require.NoError(t, err)
	linked, err := idx.AddEntry(key, FileEntry{ID: id2, StrongHash: key.StrongHash, Size: 100, ClientID: 2, FullPath: "/b"}, head.ID, nil)
	require.NoError(t, err)
	assert.False(t, linked.PointedTo, "newly linked (non-head) entry should not be pointed_to")
	assert.Equal(t, head.ID, linked.PrevEntry)

	gotHead, _, err := idx.GetEntry(head.ID)
	require.NoError(t, err)
	assert.Equal(t, linked.ID, gotHead.NextEntry)
}

func TestDeleteEntry_RepointsPointedToOnHeadRemoval(t *testing.T) {
	idx := openTestIndex(t)
	key := Key{StrongHash: hashFor(2), Size: 50}

	id1, err := idx.NextID()
	require.NoError(t, err)
	head, err := idx.AddEntry(key, FileEntry{ID: id1, StrongHash: key.StrongHash, Size: 50, FullPath: "/a"}, 0, nil)
	require.NoError(t, err)
	id2, err := idx.NextID()
	require.NoError(t, err)
	tail, err := idx.AddEntry(key, FileEntry{ID: id2, StrongHash: key.StrongHash, Size: 50, FullPath: "/b"}, head.ID, nil)
	require.NoError(t, err)

	require.NoError(t, idx.DeleteEntry(head.ID, nil))

	ptr, ok, err := idx.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, tail.ID, ptr)

	gotTail, _, err := idx.GetEntry(tail.ID)
	require.NoError(t, err)
	assert.True(t, gotTail.PointedTo)
	assert.Zero(t, gotTail.PrevEntry)
}

func TestDeleteEntry_LastEntryRemovesPointer(t *testing.T) {
	idx := openTestIndex(t)
	key := Key{StrongHash: hashFor(3), Size: 10}

	id1, err := idx.NextID()
	require.NoError(t, err)
	head, err := idx.AddEntry(key, FileEntry{ID: id1, StrongHash: key.StrongHash, Size: 10, FullPath: "/a"}, 0, nil)
	require.NoError(t, err)
	require.NoError(t, idx.DeleteEntry(head.ID, nil))

	_, ok, err := idx.Get(key)
	require.NoError(t, err)
	assert.False(t, ok, "pointer should be gone after deleting the only entry")
}

func TestFindNear_PrefersOwnClient(t *testing.T) {
	idx := openTestIndex(t)
	key := Key{StrongHash: hashFor(4), Size: 10}

	id1, err := idx.NextID()
	require.NoError(t, err)
	head, err := idx.AddEntry(key, FileEntry{ID: id1, StrongHash: key.StrongHash, Size: 10, ClientID: 1, FullPath: "/a"}, 0, nil)
	require.NoError(t, err)
	id2, err := idx.NextID()
	require.NoError(t, err)
	other, err := idx.AddEntry(key, FileEntry{ID: id2, StrongHash: key.StrongHash, Size: 10, ClientID: 2, FullPath: "/b"}, head.ID, nil)
	require.NoError(t, err)

	candidates, err := idx.FindNear(key, 2)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, other.ID, candidates[0].ID, "FindNear for client 2 should rank its own entry first")
}

func TestHashStore_AddFile_SmallFileAlwaysCopies(t *testing.T) {
	idx := openTestIndex(t)
	env := &StoreEnv{Index: idx, Log: logrus.NewEntry(logrus.New())}
	hs := NewHashStore(env, 0)

	dir := t.TempDir()
	tmp := filepath.Join(dir, "tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("hi"), 0o644))

	entry, err := hs.AddFile(AddFileRequest{
		TempPath: tmp,
		DestPath: filepath.Join(dir, "dest"),
		Size:     2,
	})
	require.NoError(t, err)
	assert.Zero(t, entry.PrevEntry)
	assert.Zero(t, entry.NextEntry)
	_, err = os.Stat(filepath.Join(dir, "dest"))
	assert.NoError(t, err)
}

func TestHashStore_AddFile_LinksSecondCopy(t *testing.T) {
	idx := openTestIndex(t)
	env := &StoreEnv{Index: idx, Log: logrus.NewEntry(logrus.New())}
	hs := NewHashStore(env, 8)

	dir := t.TempDir()
	data := make([]byte, 8192)
	for i := range data {
		data[i] = byte(i)
	}

	tmp1 := filepath.Join(dir, "tmp1")
	require.NoError(t, os.WriteFile(tmp1, data, 0o644))
	hash := hashFor(9)
	first, err := hs.AddFile(AddFileRequest{
		TempPath:        tmp1,
		DestPath:        filepath.Join(dir, "file1"),
		DestSidecarPath: filepath.Join(dir, "file1.sidecar"),
		StrongHash:      hash,
		Size:            int64(len(data)),
	})
	require.NoError(t, err)
	assert.True(t, first.PointedTo)

	tmp2 := filepath.Join(dir, "tmp2")
	require.NoError(t, os.WriteFile(tmp2, data, 0o644))
	second, err := hs.AddFile(AddFileRequest{
		TempPath:        tmp2,
		DestPath:        filepath.Join(dir, "file2"),
		DestSidecarPath: filepath.Join(dir, "file2.sidecar"),
		StrongHash:      hash,
		Size:            int64(len(data)),
		ClientID:        7,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.PrevEntry)

	info1, err := os.Stat(filepath.Join(dir, "file1"))
	require.NoError(t, err)
	info2, err := os.Stat(filepath.Join(dir, "file2"))
	require.NoError(t, err)
	assert.True(t, os.SameFile(info1, info2), "expected file1 and file2 to be hard-linked to the same inode")
}
