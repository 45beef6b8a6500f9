// Package store is the SQLite facade for Mnemosyne: raw events, enrichment
// context, sessions, statistics, and retention maintenance. One connection,
// one mutex; the capture agent writes the same file from another process.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Store owns the SQLite connection. All repository operations are methods on
// Store and serialize through mu; cross-process contention is absorbed by
// busy_timeout.
type Store struct {
	db       *sql.DB
	mu       sync.Mutex
	dbPath   string
	readOnly bool
	logger   *zap.Logger
}

// Pragmas applied in order on connect. journal_mode=DELETE rather than WAL:
// the capture agent writes the same file from another process, possibly from
// a filesystem where WAL is unsafe.
var connectPragmas = []string{
	"PRAGMA busy_timeout=5000",
	"PRAGMA journal_mode=DELETE",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA mmap_size=268435456",
	"PRAGMA foreign_keys=ON",
}

// Open opens (and if needed creates) the database at path. readOnly opens an
// immutable connection for dashboard-style consumers.
func Open(path string, readOnly bool, logger *zap.Logger) (*Store, error) {
	dsn := path
	if readOnly {
		dsn = fmt.Sprintf("file:%s?mode=ro&immutable=1", path)
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single connection so pragmas hold for every statement.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dbPath: path, readOnly: readOnly, logger: logger.Named("store")}

	if !readOnly {
		for _, pragma := range connectPragmas {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
			}
		}
		if err := s.initialize(); err != nil {
			db.Close()
			return nil, err
		}
	}

	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	rawEventsTable := `
	CREATE TABLE IF NOT EXISTS raw_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_uuid TEXT,
		timestamp_utc TEXT,
		unix_time INTEGER NOT NULL,
		process_name TEXT NOT NULL,
		window_title TEXT,
		window_hwnd INTEGER,
		roi_left INTEGER,
		roi_top INTEGER,
		roi_right INTEGER,
		roi_bottom INTEGER,
		input_idle_ms INTEGER DEFAULT 0,
		input_intensity INTEGER DEFAULT 0,
		is_processed INTEGER DEFAULT 0,
		has_screenshot INTEGER DEFAULT 0,
		screenshot_hash TEXT,
		screenshot_path TEXT,
		vlm_description TEXT,
		user_intent TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_raw_events_pending ON raw_events(is_processed, unix_time);
	CREATE INDEX IF NOT EXISTS idx_raw_events_time ON raw_events(unix_time);
	`

	contextTable := `
	CREATE TABLE IF NOT EXISTS context_enrichment (
		event_id INTEGER PRIMARY KEY,
		accessibility_tree_json TEXT,
		ocr_content TEXT,
		vlm_description TEXT,
		user_intent TEXT,
		generated_wikilinks TEXT,
		generated_tags TEXT
	);
	`

	for _, table := range []string{rawEventsTable, contextTable} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return s.EnsureSessionsTable()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// FileSizeBytes returns the current size of the database file.
func (s *Store) FileSizeBytes() (int64, error) {
	info, err := os.Stat(s.dbPath)
	if err != nil {
		return 0, fmt.Errorf("failed to stat database: %w", err)
	}
	return info.Size(), nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
