package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/toolgate-dev/toolgate/internal/errx"
)

// DirStore is a content-addressed blob store: a blob lives at
// <root>/<ref[:2]>/<ref> where ref is the SHA-256 hex of its content, so
// identical prior states share one blob.
type DirStore struct {
	root string
}

func NewDirStore(root string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, errx.Wrap(ErrBlobStore, err)
	}
	return &DirStore{root: root}, nil
}

func (s *DirStore) blobPath(ref string) string {
	return filepath.Join(s.root, ref[:2], ref)
}

// Put stores data under its content hash and returns the ref. Storing an
// already-present blob is a no-op.
func (s *DirStore) Put(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	ref := hex.EncodeToString(sum[:])

	path := s.blobPath(ref)
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", errx.Wrap(ErrBlobStore, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return "", errx.Wrap(ErrBlobStore, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", errx.Wrap(ErrBlobStore, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", errx.Wrap(ErrBlobStore, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", errx.Wrap(ErrBlobStore, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return "", errx.Wrap(ErrBlobStore, err)
	}
	return ref, nil
}

// Get returns a blob's content, re-verifying the hash so a damaged store
// is reported rather than restored.
func (s *DirStore) Get(ref string) ([]byte, error) {
	if len(ref) < 2 {
		return nil, errx.With(ErrContentMissing, ": bad ref %q", ref)
	}
	data, err := os.ReadFile(s.blobPath(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errx.With(ErrContentMissing, ": %s", ref)
		}
		return nil, errx.Wrap(ErrBlobStore, err)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != ref {
		return nil, errx.With(ErrContentMissing, ": blob %s fails its hash", ref)
	}
	return data, nil
}

// Delete removes a blob. A missing blob is not an error.
func (s *DirStore) Delete(ref string) error {
	if len(ref) < 2 {
		return nil
	}
	if err := os.Remove(s.blobPath(ref)); err != nil && !os.IsNotExist(err) {
		return errx.Wrap(ErrBlobStore, err)
	}
	return nil
}
