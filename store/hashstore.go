package store

import (
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/urbackup-go/blockalign"
	"github.com/urbackup-go/blockalign/patch"
	"github.com/urbackup-go/blockalign/sidecar"
	"github.com/urbackup-go/blockalign/sparsefile"
)

// LinkFileMin is the smallest file size the store will bother
// deduplicating (spec §4.7 step 1: "If size < LINK_MIN: always copy").
// Below it, the hard-link bookkeeping costs more than just writing the
// bytes twice.
const LinkFileMin = 4096

// StoreEnv is the HashStore's explicit context object (spec §9: "the
// HashStore takes a StoreEnv{db, index, logger, cleanup_cb,
// backup_folders}"), replacing the teacher's thread-local globals and
// file-static mutexes.
type StoreEnv struct {
	Index *EntryIndex
	Log   *logrus.Entry

	// CleanupCB is invoked with the number of additional bytes needed
	// when free space looks insufficient before a copy; it should free
	// at least that much or return an error (spec §4.10: "Out-of-space:
	// block, call cleanup callback, retry; fail only if cleanup cannot
	// free enough").
	CleanupCB func(neededBytes int64) error

	// BackupFolders lists every historical backup-folder prefix a
	// candidate's FullPath might have moved from, oldest first, used by
	// correctPath when a candidate's recorded path no longer exists.
	BackupFolders []string

	// FreeSpace reports bytes free at path, or -1 if unknown.
	FreeSpace func(path string) int64
}

// HashStore is HashStore::add_file (spec component I): the
// deduplicating file sink every backed-up file passes through.
type HashStore struct {
	env         *StoreEnv
	linkFileMin int64
}

// NewHashStore builds a HashStore against env, using linkFileMin (or
// LinkFileMin if zero) as the small-file cutoff.
func NewHashStore(env *StoreEnv, linkFileMin int64) *HashStore {
	if linkFileMin == 0 {
		linkFileMin = LinkFileMin
	}
	return &HashStore{env: env, linkFileMin: linkFileMin}
}

// AddFileRequest bundles add_file's inputs (spec §4.7).
type AddFileRequest struct {
	TempPath        string
	DestPath        string
	DestSidecarPath string
	StrongHash      [64]byte
	Size            int64
	ClientID        int64
	Metadata        sidecar.Metadata
	Extents         []sparsefile.Extent

	// PatchSource, when non-nil, is an already-patched reflink/hardlink
	// of the prior version of this file; when set the copy path uses
	// patch.Apply against it instead of a plain byte copy.
	PatchSource io.ReaderAt
	PatchOps    patch.NextFunc
}

// AddFile runs the add_file decision tree: prefer linking an existing
// on-disk file with the same content over writing a new one.
func (hs *HashStore) AddFile(req AddFileRequest) (FileEntry, error) {
	if req.Size < hs.linkFileMin {
		if err := hs.copyNew(req); err != nil {
			return FileEntry{}, err
		}
		return FileEntry{
			StrongHash: req.StrongHash, Size: req.Size, ClientID: req.ClientID,
			FullPath: req.DestPath, SidecarPath: req.DestSidecarPath, Rsize: req.Size,
		}, nil
	}

	key := Key{StrongHash: req.StrongHash, Size: req.Size}
	unlock := hs.env.Index.Lock(key)
	defer unlock()

	candidates, err := hs.env.Index.FindNear(key, req.ClientID)
	if err != nil {
		return FileEntry{}, err
	}

	retried := false
	for i := 0; i < len(candidates); i++ {
		cand := candidates[i]
		linked, retry, rsize, err := hs.tryLink(req, cand)
		if err != nil {
			if errors.Is(err, blockalign.ErrTooManyLinks) {
				break
			}
			return FileEntry{}, err
		}
		if retry {
			// correctPath relocated the candidate; re-resolve and retry
			// this same slot once more.
			if !retried {
				reloaded, found, err := hs.env.Index.GetEntry(cand.ID)
				if err != nil {
					return FileEntry{}, err
				}
				if found {
					candidates[i] = reloaded
					retried = true
					i--
					continue
				}
			}
			retried = false
			continue
		}
		retried = false
		if linked {
			newID, err := hs.env.Index.NextID()
			if err != nil {
				return FileEntry{}, err
			}
			newEntry := FileEntry{
				ID: newID, StrongHash: req.StrongHash, Size: req.Size, ClientID: req.ClientID,
				FullPath: req.DestPath, SidecarPath: req.DestSidecarPath,
				// rsize is physical bytes written for this entry (spec
				// §3: "rsize... 0 iff hard-linked"); tryLink reports 0
				// for a real hard link and req.Size when it fell back
				// to copying the candidate's bytes.
				Rsize: rsize,
			}
			return hs.env.Index.AddEntry(key, newEntry, cand.ID, nil)
		}
	}

	if err := hs.ensureFreeSpace(req); err != nil {
		return FileEntry{}, err
	}
	if err := hs.copyNew(req); err != nil {
		return FileEntry{}, err
	}
	if err := hs.buildSidecar(req); err != nil {
		return FileEntry{}, err
	}

	newID, err := hs.env.Index.NextID()
	if err != nil {
		return FileEntry{}, err
	}
	newEntry := FileEntry{
		ID: newID, StrongHash: req.StrongHash, Size: req.Size, ClientID: req.ClientID,
		FullPath: req.DestPath, SidecarPath: req.DestSidecarPath,
		// A fresh copy physically wrote req.Size bytes (spec §3's
		// rsize), unlike a hard-linked entry.
		Rsize: req.Size,
	}
	return hs.env.Index.AddEntry(key, newEntry, 0, nil)
}

// tryLink attempts one candidate (spec §4.7 step 3). linked reports
// that dest now has the candidate's content, either via a real
// hard-link (rsize 0) or, failing that, a byte-for-byte copy from the
// candidate (rsize req.Size); retry reports that the candidate's path
// was relocated and the same candidate should be retried once more.
func (hs *HashStore) tryLink(req AddFileRequest, cand FileEntry) (linked, retry bool, rsize int64, err error) {
	err = os.Link(cand.FullPath, req.DestPath)
	if err == nil {
		if copyErr := copyFile(cand.SidecarPath, req.DestSidecarPath); copyErr != nil {
			hs.env.Log.WithError(copyErr).WithField("candidate", cand.FullPath).Warn("failed copying sidecar for linked file")
			return false, false, 0, copyErr
		}
		return true, false, 0, nil
	}

	linkErr, ok := err.(*os.LinkError)
	if !ok {
		return false, false, 0, errors.Wrap(err, "hardlink candidate")
	}

	if errors.Is(linkErr.Err, syscall.EMLINK) {
		hs.env.Log.WithField("candidate", cand.FullPath).Debug("hardlink limit reached, falling back to copy")
		return false, false, 0, blockalign.ErrTooManyLinks
	}

	if os.IsNotExist(linkErr.Err) {
		if fixed, ok := hs.correctPath(cand); ok {
			hs.env.Log.WithFields(logrus.Fields{"old": cand.FullPath, "new": fixed}).Debug("using new backup folder for candidate")
			cand.FullPath = fixed
			if err := hs.env.Index.PutEntry(cand, nil); err != nil {
				return false, false, 0, err
			}
			return false, true, 0, nil
		}
		hs.env.Log.WithField("candidate", cand.FullPath).Debug("hardlink candidate missing, dropping entry")
		if err := hs.env.Index.DeleteEntry(cand.ID, nil); err != nil {
			return false, false, 0, err
		}
		return false, false, 0, nil
	}

	// Unknown error: fall back to copying the bytes from the candidate
	// so dedup's effect (not re-fetching from the network) is preserved
	// even though the inode itself couldn't be shared.
	hs.env.Log.WithError(linkErr.Err).WithField("candidate", cand.FullPath).Debug("hardlink failed, copying from candidate instead")
	if err := copyFile(cand.FullPath, req.DestPath); err != nil {
		return false, false, 0, err
	}
	if cand.SidecarPath != "" {
		if err := copyFile(cand.SidecarPath, req.DestSidecarPath); err != nil {
			return false, false, 0, err
		}
	}
	return true, false, req.Size, nil
}

// correctPath retries a candidate's path under each known historical
// backup-folder prefix (spec §4.7 step 3, "Source missing"): if
// FullPath lives under one known prefix but the file has since moved
// to a different one, the same relative suffix usually still exists
// there.
func (hs *HashStore) correctPath(cand FileEntry) (string, bool) {
	for _, oldFolder := range hs.env.BackupFolders {
		rel, err := filepath.Rel(oldFolder, cand.FullPath)
		if err != nil || rel == "." || len(rel) >= 2 && rel[:2] == ".." {
			continue
		}
		for _, newFolder := range hs.env.BackupFolders {
			if newFolder == oldFolder {
				continue
			}
			candidate := filepath.Join(newFolder, rel)
			if _, err := os.Stat(candidate); err == nil {
				return candidate, true
			}
		}
	}
	return "", false
}

func (hs *HashStore) ensureFreeSpace(req AddFileRequest) error {
	if hs.env.FreeSpace == nil || hs.env.CleanupCB == nil {
		return nil
	}
	dir := filepath.Dir(req.DestPath)
	if free := hs.env.FreeSpace(dir); free >= 0 && free < req.Size {
		if err := hs.env.CleanupCB(req.Size - free); err != nil {
			return errors.Wrapf(blockalign.ErrOutOfSpace, "cleanup callback failed: %v", err)
		}
	}
	return nil
}

// copyNew writes the new file's bytes under a uuid-suffixed temp name
// in the destination directory, then renames it into place, so a
// crash or error mid-copy never leaves a partial file at DestPath for
// FindNear to later offer up as a hard-link candidate.
func (hs *HashStore) copyNew(req AddFileRequest) error {
	tempPath := req.DestPath + ".tmp-" + uuid.New().String()

	dest, err := sparsefile.Open(tempPath, true)
	if err != nil {
		return errors.Wrap(err, "open destination for copy")
	}
	defer os.Remove(tempPath)
	closed := false
	defer func() {
		if !closed {
			dest.Close()
		}
	}()

	if req.PatchOps != nil {
		if _, err := patch.Apply(dest, req.PatchSource, req.PatchOps, false); err != nil {
			return errors.Wrap(err, "patch new file")
		}
	} else {
		src, err := os.Open(req.TempPath)
		if err != nil {
			return errors.Wrap(err, "open source for copy")
		}
		defer src.Close()
		if err := dest.Resize(req.Size); err != nil {
			return errors.Wrap(err, "resize destination for copy")
		}
		buf := make([]byte, 64*1024)
		var pos int64
		for {
			n, rerr := src.Read(buf)
			if n > 0 {
				if _, werr := dest.WriteAt(buf[:n], pos); werr != nil {
					return errors.Wrap(werr, "write copied bytes")
				}
				pos += int64(n)
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				return errors.Wrap(rerr, "read source for copy")
			}
		}
	}

	if len(req.Extents) > 0 {
		if err := patch.PunchExtents(dest, req.Extents, req.Size); err != nil {
			return err
		}
	}
	if err := dest.Close(); err != nil {
		return errors.Wrap(err, "close copied file")
	}
	closed = true
	return errors.Wrap(os.Rename(tempPath, req.DestPath), "rename copied file into place")
}

func (hs *HashStore) buildSidecar(req AddFileRequest) error {
	f, err := os.Open(req.DestPath)
	if err != nil {
		return errors.Wrap(err, "open destination for sidecar build")
	}
	defer f.Close()

	out, err := os.Create(req.DestSidecarPath)
	if err != nil {
		return errors.Wrap(err, "create sidecar file")
	}
	defer out.Close()

	meta := req.Metadata
	meta.StrongHash = append([]byte(nil), req.StrongHash[:]...)
	return sidecar.Build(out, f, req.Size, req.Extents, "", meta)
}

func copyFile(srcPath, dstPath string) error {
	if srcPath == "" {
		return nil
	}
	src, err := os.Open(srcPath)
	if err != nil {
		return errors.Wrapf(err, "open %s", srcPath)
	}
	defer src.Close()
	dst, err := os.Create(dstPath)
	if err != nil {
		return errors.Wrapf(err, "create %s", dstPath)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return errors.Wrapf(err, "copy %s to %s", srcPath, dstPath)
	}
	return nil
}
