package cache

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps a SQLite database connection holding the persisted cache.
type DB struct {
	*sql.DB
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}

// Get implements KV.
func (db *DB) Get(key string) ([]byte, int64, bool, error) {
	var payload []byte
	var writtenAt int64
	err := db.QueryRow(`SELECT payload, written_at FROM cache_entries WHERE key = ?`, key).
		Scan(&payload, &writtenAt)
	if err == sql.ErrNoRows {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	return payload, writtenAt, true, nil
}

// Set implements KV (idempotent on key).
func (db *DB) Set(key string, payload []byte, writtenAt int64) error {
	_, err := db.Exec(`
		INSERT INTO cache_entries (key, payload, written_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			payload = excluded.payload,
			written_at = excluded.written_at`,
		key, payload, writtenAt)
	return err
}

// Delete implements KV.
func (db *DB) Delete(key string) error {
	_, err := db.Exec(`DELETE FROM cache_entries WHERE key = ?`, key)
	return err
}

// Entries implements KV.
func (db *DB) Entries() ([]EntryInfo, error) {
	rows, err := db.Query(`SELECT key, written_at, LENGTH(payload) FROM cache_entries`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []EntryInfo
	for rows.Next() {
		var e EntryInfo
		if err := rows.Scan(&e.Key, &e.WrittenAt, &e.Bytes); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats implements KV.
func (db *DB) Stats() (Stats, error) {
	var s Stats
	err := db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(LENGTH(payload)), 0) FROM cache_entries`).
		Scan(&s.Entries, &s.Bytes)
	if err != nil {
		return Stats{}, err
	}
	return s, nil
}
