// Package storedb opens the SQLite databases behind the rules store and the
// snapshot index: single connection, WAL mode, per-module migrations, and a
// pre-migration backup restored if a migration fails.
package storedb

import (
	"database/sql"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sys/unix"
	_ "modernc.org/sqlite"

	"github.com/toolgate-dev/toolgate/internal/errx"
)

type Migration struct {
	Version int
	Name    string
	SQL     string
}

type OpenOptions struct {
	Path       string
	Module     string
	Migrations []Migration
}

// Open opens (creating if needed) the database at opts.Path and brings the
// module's schema up to date. Initialization is serialized across processes
// by an flock sidecar so concurrent opens do not race migrations.
func Open(opts OpenOptions) (*sql.DB, error) {
	if opts.Path == "" {
		return nil, ErrDBPathRequired
	}
	if opts.Module == "" {
		return nil, ErrModuleRequired
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0700); err != nil {
		return nil, errx.Wrap(ErrOpenDB, err)
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, errx.Wrap(ErrOpenDB, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := withInitLock(opts.Path, func() error {
		if err := configure(db); err != nil {
			return err
		}
		return migrate(db, opts.Path, opts.Module, opts.Migrations)
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func configure(db *sql.DB) error {
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 15000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA journal_mode = WAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return errx.With(ErrConfigureDB, ": %s: %w", pragma, err)
		}
	}
	return nil
}

func migrate(db *sql.DB, dbPath, module string, migrations []Migration) error {
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS schema_migrations (
  module TEXT NOT NULL,
  version INTEGER NOT NULL,
  name TEXT NOT NULL,
  applied_at TEXT NOT NULL,
  PRIMARY KEY (module, version)
)`); err != nil {
		return errx.Wrap(ErrMigrationTable, err)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	seen := make(map[int]bool, len(migrations))
	for _, m := range migrations {
		if seen[m.Version] {
			return errx.With(ErrDuplicateMigration, ": module=%s version=%d", module, m.Version)
		}
		seen[m.Version] = true
	}

	applied, err := appliedVersions(db, module)
	if err != nil {
		return err
	}

	pending := make([]Migration, 0, len(migrations))
	for _, m := range migrations {
		if !applied[m.Version] {
			pending = append(pending, m)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	backupPath := dbPath + ".migrate.bak"
	if err := createBackup(db, backupPath); err != nil {
		return err
	}

	if applyErr := applyPending(db, module, pending); applyErr != nil {
		_ = db.Close()
		restoreErr := restoreFromBackup(dbPath, backupPath)
		removeErr := removeBackup(backupPath)
		return errors.Join(applyErr, restoreErr, removeErr)
	}
	return removeBackup(backupPath)
}

func appliedVersions(db *sql.DB, module string) (map[int]bool, error) {
	rows, err := db.Query(`SELECT version FROM schema_migrations WHERE module = ?`, module)
	if err != nil {
		return nil, errx.Wrap(ErrReadMigrations, err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, errx.Wrap(ErrReadMigrations, err)
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, errx.Wrap(ErrReadMigrations, err)
	}
	return applied, nil
}

// applyPending runs each migration in its own transaction and records it in
// schema_migrations. The caller restores the backup on any error.
func applyPending(db *sql.DB, module string, pending []Migration) error {
	for _, m := range pending {
		tx, err := db.Begin()
		if err != nil {
			return errx.With(ErrApplyMigration, ": begin %s/%d %s: %w", module, m.Version, m.Name, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			_ = tx.Rollback()
			return errx.With(ErrApplyMigration, ": %s/%d %s: %w", module, m.Version, m.Name, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_migrations(module, version, name, applied_at) VALUES (?, ?, ?, ?)`,
			module,
			m.Version,
			m.Name,
			time.Now().UTC().Format(time.RFC3339Nano),
		); err != nil {
			_ = tx.Rollback()
			return errx.With(ErrRecordMigration, ": %s/%d %s: %w", module, m.Version, m.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return errx.With(ErrCommitMigration, ": %s/%d %s: %w", module, m.Version, m.Name, err)
		}
	}
	return nil
}

func createBackup(db *sql.DB, backupPath string) error {
	if err := os.Remove(backupPath); err != nil && !os.IsNotExist(err) {
		return errx.Wrap(ErrCreateBackup, err)
	}
	escaped := strings.ReplaceAll(backupPath, "'", "''")
	if _, err := db.Exec("VACUUM INTO '" + escaped + "'"); err != nil {
		return errx.Wrap(ErrCreateBackup, err)
	}
	return nil
}

func removeBackup(backupPath string) error {
	if err := os.Remove(backupPath); err != nil && !os.IsNotExist(err) {
		return errx.Wrap(ErrRemoveBackup, err)
	}
	return nil
}

// restoreFromBackup replaces the database and any WAL sidecars with the
// pre-migration copy.
func restoreFromBackup(dbPath, backupPath string) error {
	for _, p := range []string{dbPath + "-wal", dbPath + "-shm", dbPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errx.Wrap(ErrRestoreBackup, err)
		}
	}

	src, err := os.Open(backupPath)
	if err != nil {
		return errx.Wrap(ErrRestoreBackup, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dbPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return errx.Wrap(ErrRestoreBackup, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return errx.Wrap(ErrRestoreBackup, err)
	}
	if err := dst.Close(); err != nil {
		return errx.Wrap(ErrRestoreBackup, err)
	}
	return nil
}

func withInitLock(dbPath string, fn func() error) error {
	lockFile, err := os.OpenFile(dbPath+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return errx.Wrap(ErrOpenInitLock, err)
	}
	defer lockFile.Close()

	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX); err != nil {
		return errx.Wrap(ErrAcquireInitLock, err)
	}

	fnErr := fn()

	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_UN); err != nil {
		return errors.Join(fnErr, errx.Wrap(ErrReleaseInitLock, err))
	}
	return fnErr
}
