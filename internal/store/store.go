// Package store is the client's persistent blob store: one identity blob
// (possibly vault-locked) plus one serialized session blob per peer,
// backed by a local SQLite file.
package store

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

const (
	identityKey   = "identity"
	sessionPrefix = "session:"
)

// Store is a small keyed blob store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the blob store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open client store: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS blobs (
		key  TEXT PRIMARY KEY,
		data BLOB NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate client store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) put(key string, data []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO blobs (key, data) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET data = excluded.data`,
		key, data)
	return err
}

func (s *Store) get(key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM blobs WHERE key = ?`, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return data, err
}

// SaveIdentity stores the identity blob.
func (s *Store) SaveIdentity(blob []byte) error { return s.put(identityKey, blob) }

// LoadIdentity returns the identity blob, or nil when none exists.
func (s *Store) LoadIdentity() ([]byte, error) { return s.get(identityKey) }

// SaveSession stores the session blob for a peer.
func (s *Store) SaveSession(peer string, blob []byte) error {
	return s.put(sessionPrefix+peer, blob)
}

// LoadSession returns the session blob for a peer, or nil when none exists.
func (s *Store) LoadSession(peer string) ([]byte, error) {
	return s.get(sessionPrefix + peer)
}

// DeleteSession removes the session blob for a peer.
func (s *Store) DeleteSession(peer string) error {
	_, err := s.db.Exec(`DELETE FROM blobs WHERE key = ?`, sessionPrefix+peer)
	return err
}

// Peers lists every peer with a stored session.
func (s *Store) Peers() ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM blobs WHERE key LIKE ?`, sessionPrefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var peers []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		peers = append(peers, strings.TrimPrefix(key, sessionPrefix))
	}
	return peers, rows.Err()
}
