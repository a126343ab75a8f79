// Package offline is the device-side persistence for audits in progress: a draft store
// that survives restarts and a queue of photos waiting to be uploaded. Both live in one
// embedded SQLite file so the CLI needs no server to keep working.
package offline

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// DBFileName is the SQLite file created inside the state directory
const DBFileName = "audits.sqlite"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS drafts (
		audit_id   TEXT PRIMARY KEY,
		site_id    TEXT NOT NULL DEFAULT '',
		data       BLOB NOT NULL,
		updated_at INTEGER NOT NULL,
		seq        INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS media_queue (
		media_id     TEXT PRIMARY KEY,
		audit_id     TEXT NOT NULL,
		content_type TEXT NOT NULL,
		status       TEXT NOT NULL,
		data         BLOB NOT NULL,
		size         INTEGER NOT NULL,
		attempts     INTEGER NOT NULL DEFAULT 0,
		last_error   TEXT NOT NULL DEFAULT '',
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_media_queue_audit ON media_queue(audit_id, created_at)`,
}

// Store is the SQLite database shared by DraftStore and MediaQueue
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open opens or creates the database under stateDir
func Open(stateDir string) (*Store, error) {
	if stateDir == "" {
		stateDir = "."
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sqlx.Open("sqlite", filepath.Join(stateDir, DBFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to open local database: %w", err)
	}
	// One writer keeps SQLite from returning SQLITE_BUSY under concurrent saves.
	db.SetMaxOpenConns(1)

	for _, stmt := range append([]string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"}, schema...) {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize local database: %w", err)
		}
	}

	// State files created before drafts carried a sequence number
	if err := addColumnIfMissing(db, "drafts", "seq", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to upgrade local database: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

func addColumnIfMissing(db *sqlx.DB, table, column, decl string) error {
	var n int
	if err := db.Get(&n, `SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err := db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
