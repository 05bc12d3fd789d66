package audit

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_blobs (
	key        TEXT PRIMARY KEY,
	blob       BLOB NOT NULL,
	written_at TEXT NOT NULL
);
`

// SQLiteSink stores audit batches in a SQLite database.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLiteSink opens (or creates) the database at path. The parent
// directory is created with 0700.
func OpenSQLiteSink(path string) (*SQLiteSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("audit: create dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: create schema: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: chmod %s: %w", path, err)
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Write(key string, blob []byte) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO audit_blobs (key, blob, written_at) VALUES (?, ?, ?)`,
		key, blob, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting audit blob: %w", err)
	}
	return nil
}

func (s *SQLiteSink) ReadAll() (map[string][]byte, error) {
	rows, err := s.db.Query(`SELECT key, blob FROM audit_blobs`)
	if err != nil {
		return nil, fmt.Errorf("querying audit blobs: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var blob []byte
		if err := rows.Scan(&key, &blob); err != nil {
			return nil, fmt.Errorf("scanning audit blob: %w", err)
		}
		out[key] = blob
	}
	return out, rows.Err()
}

func (s *SQLiteSink) ListKeys(prefix string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT key FROM audit_blobs WHERE substr(key, 1, ?) = ? ORDER BY key ASC`,
		len(prefix), prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("listing audit keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scanning audit key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
