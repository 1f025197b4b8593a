// Package tokenstore is the persistent, file-backed access-token database.
// Unlike credstore's in-memory session credentials, access tokens are
// issued out of band (an administration tool, not implemented here) and
// must survive a server restart.
package tokenstore

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const accessTokenLength = 124

// Entry is one row of the access-token table.
type Entry struct {
	EntryID           int64
	CreationTimestamp time.Time
	Enabled           bool
}

// Store is the persistent access-token table.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the access-token database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("tokenstore: create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("tokenstore: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("tokenstore: set WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS access_tokens (
			entry_id            INTEGER PRIMARY KEY AUTOINCREMENT,
			creation_timestamp   INTEGER NOT NULL,
			token_hash           TEXT NOT NULL UNIQUE,
			enabled              INTEGER NOT NULL DEFAULT 1
		)
	`)
	if err != nil {
		return fmt.Errorf("tokenstore: migrate: %w", err)
	}
	return nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

func hashHex(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// AddEntry generates and stores a fresh access token, enabled by default.
func (s *Store) AddEntry() (entryID int64, token string, err error) {
	raw := make([]byte, accessTokenLength)
	if _, err = rand.Read(raw); err != nil {
		return 0, "", fmt.Errorf("tokenstore: generate token: %w", err)
	}
	token = base64.RawURLEncoding.EncodeToString(raw)

	res, err := s.db.Exec(
		`INSERT INTO access_tokens (creation_timestamp, token_hash, enabled) VALUES (?, ?, 1)`,
		time.Now().Unix(), hashHex(token),
	)
	if err != nil {
		return 0, "", fmt.Errorf("tokenstore: insert: %w", err)
	}
	entryID, err = res.LastInsertId()
	if err != nil {
		return 0, "", fmt.Errorf("tokenstore: last insert id: %w", err)
	}
	return entryID, token, nil
}

// GetEntryID returns the entry for token, only if it exists and is enabled.
func (s *Store) GetEntryID(token string) (int64, bool, error) {
	var id int64
	var enabled bool
	err := s.db.QueryRow(
		`SELECT entry_id, enabled FROM access_tokens WHERE token_hash = ?`,
		hashHex(token),
	).Scan(&id, &enabled)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("tokenstore: lookup: %w", err)
	}
	if !enabled {
		return 0, false, nil
	}
	return id, true, nil
}

// EnableEntry / DisableEntry flip the enabled flag without deleting the row.
func (s *Store) EnableEntry(entryID int64) error {
	return s.setEnabled(entryID, true)
}

func (s *Store) DisableEntry(entryID int64) error {
	return s.setEnabled(entryID, false)
}

func (s *Store) setEnabled(entryID int64, enabled bool) error {
	if _, err := s.db.Exec(`UPDATE access_tokens SET enabled = ? WHERE entry_id = ?`, enabled, entryID); err != nil {
		return fmt.Errorf("tokenstore: update: %w", err)
	}
	return nil
}

// DeleteEntry permanently removes a token entry.
func (s *Store) DeleteEntry(entryID int64) error {
	if _, err := s.db.Exec(`DELETE FROM access_tokens WHERE entry_id = ?`, entryID); err != nil {
		return fmt.Errorf("tokenstore: delete: %w", err)
	}
	return nil
}

// ListEntries returns every stored entry.
func (s *Store) ListEntries() ([]Entry, error) {
	rows, err := s.db.Query(`SELECT entry_id, creation_timestamp, enabled FROM access_tokens`)
	if err != nil {
		return nil, fmt.Errorf("tokenstore: list: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts int64
		if err := rows.Scan(&e.EntryID, &ts, &e.Enabled); err != nil {
			return nil, fmt.Errorf("tokenstore: scan: %w", err)
		}
		e.CreationTimestamp = time.Unix(ts, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
