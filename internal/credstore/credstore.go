// Package credstore is the ephemeral, in-memory session-credential store.
// Each entry ties a container's UUID to a per-client access token handed
// out on CREATE and required back on DESTROY. The store never touches
// disk; it lives for the lifetime of the server process, backed by an
// in-memory SQLite database, the same pure-Go driver used by the
// persistent access-token store.
package credstore

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const clientTokenLength = 191 // matches the original's secrets.token_urlsafe(191)

// Entry is one row of the credential table.
type Entry struct {
	EntryID          int64
	CreationTimestamp time.Time
	ContainerUUIDHash string
	ClientTokenHash   string
}

// Store is the in-memory credential table.
type Store struct {
	db *sql.DB
}

// Open creates a fresh in-memory credential store.
func Open() (*Store, error) {
	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	if err != nil {
		return nil, fmt.Errorf("credstore: open: %w", err)
	}
	// A shared in-memory database is visible to one connection at a time
	// unless we pin the pool to exactly one connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS session_credentials (
			entry_id            INTEGER PRIMARY KEY AUTOINCREMENT,
			creation_timestamp   INTEGER NOT NULL,
			container_uuid_hash  TEXT NOT NULL,
			client_token_hash    TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("credstore: migrate: %w", err)
	}
	return nil
}

// Close closes the store. All entries are discarded.
func (s *Store) Close() error {
	return s.db.Close()
}

func hashHex(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// AddEntry creates a credential entry for containerUUID and returns a
// freshly generated, URL-safe client token. Only the SHA-256 hashes of the
// UUID and token are ever stored.
func (s *Store) AddEntry(containerUUID string) (entryID int64, createdAt time.Time, clientToken string, err error) {
	raw := make([]byte, clientTokenLength)
	if _, err = rand.Read(raw); err != nil {
		return 0, time.Time{}, "", fmt.Errorf("credstore: generate token: %w", err)
	}
	clientToken = base64.RawURLEncoding.EncodeToString(raw)
	createdAt = time.Now()

	res, err := s.db.Exec(
		`INSERT INTO session_credentials (creation_timestamp, container_uuid_hash, client_token_hash) VALUES (?, ?, ?)`,
		createdAt.Unix(), hashHex(containerUUID), hashHex(clientToken),
	)
	if err != nil {
		return 0, time.Time{}, "", fmt.Errorf("credstore: insert: %w", err)
	}
	entryID, err = res.LastInsertId()
	if err != nil {
		return 0, time.Time{}, "", fmt.Errorf("credstore: last insert id: %w", err)
	}
	return entryID, createdAt, clientToken, nil
}

// GetEntryID returns the entry matching both the container UUID and the
// client token, the authentication check performed on DESTROY.
func (s *Store) GetEntryID(containerUUID, clientToken string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRow(
		`SELECT entry_id FROM session_credentials WHERE container_uuid_hash = ? AND client_token_hash = ?`,
		hashHex(containerUUID), hashHex(clientToken),
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("credstore: lookup: %w", err)
	}
	return id, true, nil
}

// GetContainerUUIDEntryID returns the entry for a container UUID regardless
// of token, used by the reaper to find the credential row to delete once a
// domain has been reclaimed.
func (s *Store) GetContainerUUIDEntryID(containerUUID string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRow(
		`SELECT entry_id FROM session_credentials WHERE container_uuid_hash = ?`,
		hashHex(containerUUID),
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("credstore: lookup: %w", err)
	}
	return id, true, nil
}

// DeleteEntry removes a credential entry. Deleting an entry that does not
// exist is not an error.
func (s *Store) DeleteEntry(entryID int64) error {
	if _, err := s.db.Exec(`DELETE FROM session_credentials WHERE entry_id = ?`, entryID); err != nil {
		return fmt.Errorf("credstore: delete: %w", err)
	}
	return nil
}

// ListEntries returns every stored entry, for STAT reporting and tests.
func (s *Store) ListEntries() ([]Entry, error) {
	rows, err := s.db.Query(`SELECT entry_id, creation_timestamp, container_uuid_hash, client_token_hash FROM session_credentials`)
	if err != nil {
		return nil, fmt.Errorf("credstore: list: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts int64
		if err := rows.Scan(&e.EntryID, &ts, &e.ContainerUUIDHash, &e.ClientTokenHash); err != nil {
			return nil, fmt.Errorf("credstore: scan: %w", err)
		}
		e.CreationTimestamp = time.Unix(ts, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
