package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/multierr"
)

// DefaultDBFileName is the directory file name under a data dir.
const DefaultDBFileName = "discovery.db"

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS advertisements (
  peer_id      TEXT PRIMARY KEY,
  device_name  TEXT NOT NULL DEFAULT '',
  timestamp    INTEGER NOT NULL,
  network_type TEXT NOT NULL CHECK(network_type IN ('usb-tethering','local-wifi','internet')) DEFAULT 'internet'
);
CREATE INDEX IF NOT EXISTS idx_advertisements_timestamp
ON advertisements (timestamp DESC, peer_id);
`

// Store is the advertisement directory backed by one SQLite file. Every
// process that opens the same file shares the directory.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenPath opens the SQLite file at dbPath in WAL mode, creating parent
// directories and the schema as needed.
func OpenPath(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close truncates the WAL and closes the database. It is safe to call more
// than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	_, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);")
	err = multierr.Append(err, s.db.Close())
	s.db = nil
	return err
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= schemaVersion {
		return nil
	}
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d;", schemaVersion)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}
