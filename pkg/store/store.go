// Package store persists messages and attachments in SQLite.
//
// A Store owns one database connection and serializes every operation on
// it, so the inbound decode path and UI queries can share a single handle.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrDuplicateMessage is returned when a message with the same
	// (timestamp, number, from_me, groupid) is already stored.
	ErrDuplicateMessage = errors.New("store: duplicate message")
	ErrNotFound         = errors.New("store: not found")
	ErrInvalidSelector  = errors.New("store: selector must name exactly one of number or group")
)

const MemoryPath = ":memory:"

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	timestamp        INTEGER NOT NULL,
	number           TEXT,
	from_me          INTEGER NOT NULL,
	is_read          INTEGER NOT NULL DEFAULT 0,
	attachments      TEXT,
	body             TEXT NOT NULL,
	groupid          TEXT,
	quote_timestamp  INTEGER,
	quote_author     TEXT,
	mentions         BLOB,
	mentions_start   BLOB,
	reaction_emojis  TEXT,
	reaction_authors TEXT
);

-- natural key; ifnull() so rows with NULL number or groupid still collide
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_natural_key
	ON messages(timestamp, ifnull(number, ''), from_me, ifnull(groupid, ''));
CREATE INDEX IF NOT EXISTS idx_messages_number ON messages(number, timestamp);
CREATE INDEX IF NOT EXISTS idx_messages_groupid ON messages(groupid, timestamp);

CREATE TABLE IF NOT EXISTS attachments (
	id           TEXT PRIMARY KEY,
	blurhash     TEXT,
	content_type TEXT NOT NULL,
	filename     TEXT
);
`

type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// Open opens or creates the database at path. MemoryPath gives a private
// in-memory database.
func Open(path string) (*Store, error) {
	dsn := MemoryPath
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection: an in-memory database lives and dies with it, and the
	// mutex below is the only writer discipline we rely on
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func isUniqueViolation(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		return serr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			serr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
