package relay

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"agentmesh/internal/username"
)

// UsernameEntry is a registered username's binding.
type UsernameEntry struct {
	NodeID       string
	PublicKeyB64 string
}

// ErrAlreadyTaken is returned when a username is bound to a different node.
var ErrAlreadyTaken = errors.New("relay: username already taken")

// ErrPermanentBinding is returned when a node with an existing username
// attempts to register a different one.
var ErrPermanentBinding = errors.New("relay: username binding is permanent")

// UsernameDirectory is a SQLite-backed, WAL-mode username directory that
// persists across relay restarts.
type UsernameDirectory struct {
	db *sql.DB
}

// OpenUsernameDirectory opens (or creates) usernames.db under dataDir, or an
// in-memory database when dataDir is empty.
func OpenUsernameDirectory(dataDir string) (*UsernameDirectory, error) {
	dsn := "file::memory:?cache=shared"
	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return nil, fmt.Errorf("relay: create data dir: %w", err)
		}
		dsn = filepath.Join(dataDir, "usernames.db")
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("relay: open username directory: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("relay: %s: %w", pragma, err)
		}
	}

	const schema = `
CREATE TABLE IF NOT EXISTS usernames (
	username   TEXT PRIMARY KEY NOT NULL,
	node_id    TEXT NOT NULL UNIQUE,
	public_key TEXT NOT NULL,
	created_at TEXT NOT NULL DEFAULT (datetime('now')),
	updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_usernames_node_id ON usernames(node_id);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("relay: create schema: %w", err)
	}

	return &UsernameDirectory{db: db}, nil
}

// Close releases the underlying database handle.
func (d *UsernameDirectory) Close() error {
	return d.db.Close()
}

// Register binds name to nodeID. Re-registering the same name by the same
// node is a no-op; any other name change for an already-bound node is
// rejected as a permanent-binding violation.
func (d *UsernameDirectory) Register(name, nodeID, publicKeyB64 string) error {
	normalized := strings.ToLower(name)
	if err := username.Validate(normalized); err != nil {
		return err
	}

	var existingForNode string
	err := d.db.QueryRow("SELECT username FROM usernames WHERE node_id = ?", nodeID).Scan(&existingForNode)
	switch {
	case err == nil:
		if existingForNode == normalized {
			return nil
		}
		return fmt.Errorf("%w: this identity already has username @%s", ErrPermanentBinding, existingForNode)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("relay: query existing binding: %w", err)
	}

	var existingNodeForName string
	err = d.db.QueryRow("SELECT node_id FROM usernames WHERE username = ?", normalized).Scan(&existingNodeForName)
	switch {
	case err == nil:
		return fmt.Errorf("%w: @%s", ErrAlreadyTaken, normalized)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("relay: query username owner: %w", err)
	}

	_, err = d.db.Exec("INSERT INTO usernames (username, node_id, public_key) VALUES (?, ?, ?)",
		normalized, nodeID, publicKeyB64)
	if err != nil {
		return fmt.Errorf("relay: insert username: %w", err)
	}
	return nil
}

// Lookup finds the entry bound to name, case-insensitively.
func (d *UsernameDirectory) Lookup(name string) (UsernameEntry, bool, error) {
	var entry UsernameEntry
	err := d.db.QueryRow("SELECT node_id, public_key FROM usernames WHERE username = ?", strings.ToLower(name)).
		Scan(&entry.NodeID, &entry.PublicKeyB64)
	switch {
	case err == nil:
		return entry, true, nil
	case errors.Is(err, sql.ErrNoRows):
		return UsernameEntry{}, false, nil
	default:
		return UsernameEntry{}, false, fmt.Errorf("relay: lookup username: %w", err)
	}
}

// LookupByNodeID finds the username bound to nodeID.
func (d *UsernameDirectory) LookupByNodeID(nodeID string) (string, bool, error) {
	var name string
	err := d.db.QueryRow("SELECT username FROM usernames WHERE node_id = ?", nodeID).Scan(&name)
	switch {
	case err == nil:
		return name, true, nil
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	default:
		return "", false, fmt.Errorf("relay: lookup node id: %w", err)
	}
}
