package rules

import (
	"database/sql"
	"time"

	"github.com/toolgate-dev/toolgate/internal/errx"
	"github.com/toolgate-dev/toolgate/pkg/policy"
	"github.com/toolgate-dev/toolgate/pkg/storedb"
)

var migrations = []storedb.Migration{
	{
		Version: 1,
		Name:    "create_rules",
		SQL: `
CREATE TABLE rules (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  kind TEXT NOT NULL,
  pattern TEXT NOT NULL,
  scope TEXT NOT NULL DEFAULT '',
  exact INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL
)`,
	},
}

// Store persists rules across sessions. Inserts are append-only; seq
// gives each persisted rule a stable position in the evaluation order.
type Store struct {
	db *sql.DB
}

func OpenStore(dbPath string) (*Store, error) {
	db, err := storedb.Open(storedb.OpenOptions{
		Path:       dbPath,
		Module:     "rules",
		Migrations: migrations,
	})
	if err != nil {
		return nil, errx.Wrap(ErrOpenStore, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Append(r policy.Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	err := storedb.WithWriteRetry(func() error {
		_, err := s.db.Exec(
			`INSERT INTO rules(kind, pattern, scope, exact, created_at) VALUES (?, ?, ?, ?, ?)`,
			string(r.Kind),
			r.Pattern,
			r.Scope,
			boolToInt(r.Exact),
			r.CreatedAt.Format(time.RFC3339Nano),
		)
		return err
	})
	if err != nil {
		return errx.Wrap(ErrAppendRule, err)
	}
	return nil
}

// List returns the persisted rules oldest first.
func (s *Store) List() ([]policy.Rule, error) {
	rows, err := s.db.Query(`SELECT kind, pattern, scope, exact, created_at FROM rules ORDER BY seq ASC`)
	if err != nil {
		return nil, errx.Wrap(ErrListRules, err)
	}
	defer rows.Close()

	var out []policy.Rule
	for rows.Next() {
		var (
			kind      string
			pattern   string
			scope     string
			exact     int
			createdAt string
		)
		if err := rows.Scan(&kind, &pattern, &scope, &exact, &createdAt); err != nil {
			return nil, errx.Wrap(ErrListRules, err)
		}
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, errx.Wrap(ErrListRules, err)
		}
		out = append(out, policy.Rule{
			Kind:      policy.Kind(kind),
			Pattern:   pattern,
			Scope:     scope,
			Exact:     exact != 0,
			CreatedAt: ts,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errx.Wrap(ErrListRules, err)
	}
	return out, nil
}

// Clear removes every persisted rule.
func (s *Store) Clear() error {
	err := storedb.WithWriteRetry(func() error {
		_, err := s.db.Exec(`DELETE FROM rules`)
		return err
	})
	if err != nil {
		return errx.Wrap(ErrClearRules, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
