// Package snapshot makes file mutations reversible: the prior content of a
// path is captured into a content-addressed blob store before each
// overwrite, indexed in SQLite, and restored LIFO on undo.
package snapshot

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/toolgate-dev/toolgate/internal/errx"
	"github.com/toolgate-dev/toolgate/pkg/storedb"
)

// DefaultRetain bounds how many snapshots are kept per path.
const DefaultRetain = 5

var migrations = []storedb.Migration{
	{
		Version: 1,
		Name:    "create_snapshots",
		SQL: `
CREATE TABLE IF NOT EXISTS snapshots (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  path TEXT NOT NULL,
  captured_at TEXT NOT NULL,
  content_ref TEXT NOT NULL,
  mode INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS snapshots_path ON snapshots(path, seq)`,
	},
}

type Snapshot struct {
	ID         string      `json:"id"`
	Path       string      `json:"path"`
	CapturedAt time.Time   `json:"captured_at"`
	ContentRef string      `json:"content_ref"`
	Mode       os.FileMode `json:"mode"`
}

// Handle is an uncommitted capture: the prior content is in the blob store
// but not yet in the index. Commit after the mutation succeeds, Discard if
// it does not.
type Handle struct {
	snap Snapshot
}

type Manager struct {
	db     *sql.DB
	blobs  *DirStore
	retain int
	mu     sync.Mutex
}

type Options struct {
	DBPath  string
	BlobDir string
	Retain  int
}

func Open(opts Options) (*Manager, error) {
	if opts.Retain <= 0 {
		opts.Retain = DefaultRetain
	}
	blobs, err := NewDirStore(opts.BlobDir)
	if err != nil {
		return nil, err
	}
	db, err := storedb.Open(storedb.OpenOptions{
		Path:       opts.DBPath,
		Module:     "snapshot",
		Migrations: migrations,
	})
	if err != nil {
		return nil, err
	}
	return &Manager{db: db, blobs: blobs, retain: opts.Retain}, nil
}

func (m *Manager) Close() error {
	return m.db.Close()
}

// BeforeMutate captures the state a mutation of path would overwrite. A nil
// handle means the path does not exist yet and there is nothing to restore.
func (m *Manager) BeforeMutate(path string) (*Handle, error) {
	path = filepath.Clean(path)
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errx.Wrap(ErrCapture, err)
	}
	if info.IsDir() {
		return nil, errx.With(ErrCapture, ": %s is a directory", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errx.Wrap(ErrCapture, err)
	}
	ref, err := m.blobs.Put(data)
	if err != nil {
		return nil, err
	}
	return &Handle{snap: Snapshot{
		ID:         uuid.NewString(),
		Path:       path,
		CapturedAt: time.Now().UTC(),
		ContentRef: ref,
		Mode:       info.Mode(),
	}}, nil
}

// Commit records a capture in the index and trims the path's stack to the
// retention bound.
func (m *Manager) Commit(h *Handle) error {
	if h == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	err := storedb.WithWriteRetry(func() error {
		_, err := m.db.Exec(
			`INSERT INTO snapshots(id, path, captured_at, content_ref, mode) VALUES (?, ?, ?, ?, ?)`,
			h.snap.ID,
			h.snap.Path,
			h.snap.CapturedAt.Format(time.RFC3339Nano),
			h.snap.ContentRef,
			uint32(h.snap.Mode),
		)
		return err
	})
	if err != nil {
		return errx.Wrap(ErrIndex, err)
	}
	return m.trimNoLock(h.snap.Path)
}

// Discard drops a capture whose mutation never completed. The blob is
// removed unless a committed snapshot still references it.
func (m *Manager) Discard(h *Handle) error {
	if h == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gcBlobNoLock(h.snap.ContentRef)
}

// Undo restores the most recent snapshot for path bit-for-bit and pops it
// from the stack.
func (m *Manager) Undo(path string) error {
	path = filepath.Clean(path)
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		seq  int64
		ref  string
		mode uint32
	)
	err := m.db.QueryRow(
		`SELECT seq, content_ref, mode FROM snapshots WHERE path = ? ORDER BY seq DESC LIMIT 1`,
		path,
	).Scan(&seq, &ref, &mode)
	if err == sql.ErrNoRows {
		return errx.With(ErrNoSnapshot, ": %s", path)
	}
	if err != nil {
		return errx.Wrap(ErrIndex, err)
	}

	data, err := m.blobs.Get(ref)
	if err != nil {
		return err
	}
	if err := restoreFile(path, data, os.FileMode(mode)); err != nil {
		return err
	}

	if err := storedb.WithWriteRetry(func() error {
		_, err := m.db.Exec(`DELETE FROM snapshots WHERE seq = ?`, seq)
		return err
	}); err != nil {
		return errx.Wrap(ErrIndex, err)
	}
	return m.gcBlobNoLock(ref)
}

// List returns retained snapshots newest first, for one path or for every
// path when path is empty.
func (m *Manager) List(path string) ([]Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	query := `SELECT id, path, captured_at, content_ref, mode FROM snapshots ORDER BY seq DESC`
	args := []any{}
	if path != "" {
		query = `SELECT id, path, captured_at, content_ref, mode FROM snapshots WHERE path = ? ORDER BY seq DESC`
		args = append(args, filepath.Clean(path))
	}

	rows, err := m.db.Query(query, args...)
	if err != nil {
		return nil, errx.Wrap(ErrIndex, err)
	}
	defer rows.Close()

	var snaps []Snapshot
	for rows.Next() {
		var (
			snap       Snapshot
			capturedAt string
			mode       uint32
		)
		if err := rows.Scan(&snap.ID, &snap.Path, &capturedAt, &snap.ContentRef, &mode); err != nil {
			return nil, errx.Wrap(ErrIndex, err)
		}
		snap.CapturedAt, err = time.Parse(time.RFC3339Nano, capturedAt)
		if err != nil {
			return nil, errx.Wrap(ErrIndex, err)
		}
		snap.Mode = os.FileMode(mode)
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, errx.Wrap(ErrIndex, err)
	}
	return snaps, nil
}

// trimNoLock evicts rows beyond the most-recent-retain for path and
// garbage-collects blobs no retained row references.
func (m *Manager) trimNoLock(path string) error {
	rows, err := m.db.Query(
		`SELECT content_ref FROM snapshots WHERE path = ? ORDER BY seq DESC LIMIT -1 OFFSET ?`,
		path, m.retain,
	)
	if err != nil {
		return errx.Wrap(ErrIndex, err)
	}
	var evicted []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			rows.Close()
			return errx.Wrap(ErrIndex, err)
		}
		evicted = append(evicted, ref)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return errx.Wrap(ErrIndex, err)
	}
	rows.Close()
	if len(evicted) == 0 {
		return nil
	}

	if err := storedb.WithWriteRetry(func() error {
		_, err := m.db.Exec(
			`DELETE FROM snapshots WHERE path = ? AND seq NOT IN
			   (SELECT seq FROM snapshots WHERE path = ? ORDER BY seq DESC LIMIT ?)`,
			path, path, m.retain,
		)
		return err
	}); err != nil {
		return errx.Wrap(ErrIndex, err)
	}

	for _, ref := range evicted {
		if err := m.gcBlobNoLock(ref); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) gcBlobNoLock(ref string) error {
	var n int
	if err := m.db.QueryRow(`SELECT COUNT(*) FROM snapshots WHERE content_ref = ?`, ref).Scan(&n); err != nil {
		return errx.Wrap(ErrIndex, err)
	}
	if n > 0 {
		return nil
	}
	return m.blobs.Delete(ref)
}

// restoreFile writes content back via temp-then-rename in the target
// directory so a failed restore never leaves a half-written file.
func restoreFile(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".undo-*")
	if err != nil {
		return errx.Wrap(ErrRestore, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return errx.Wrap(ErrRestore, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return errx.Wrap(ErrRestore, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errx.Wrap(ErrRestore, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return errx.Wrap(ErrRestore, err)
	}
	return nil
}
