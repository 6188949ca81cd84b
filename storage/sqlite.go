package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Logger is the subset of the logger used by the storage package.
type Logger interface {
	Error(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

const maxOpenConns = 5

// SQLiteStore implements every repository interface on a single SQLite
// database. Reads run concurrently under WAL; writes are gated by a
// semaphore sized to the connection pool.
type SQLiteStore struct {
	db       *sql.DB
	dbPath   string
	writeSem chan struct{}
	logger   Logger
}

// NewSQLiteStore opens (or creates) the database at dbPath and initializes
// the schema. An empty dbPath uses an in-memory database.
func NewSQLiteStore(dbPath string, logger Logger) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	if dbPath == ":memory:" {
		// A pooled in-memory database would open N independent databases.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 30000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	store := &SQLiteStore{
		db:       db,
		dbPath:   dbPath,
		writeSem: make(chan struct{}, maxOpenConns),
		logger:   logger,
	}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// acquireWrite serializes writers against the pool; reads are not gated.
func (s *SQLiteStore) acquireWrite(ctx context.Context) error {
	select {
	case s.writeSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteStore) releaseWrite() {
	<-s.writeSem
}

func (s *SQLiteStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	if err := s.acquireWrite(ctx); err != nil {
		return nil, err
	}
	defer s.releaseWrite()
	return s.db.ExecContext(ctx, query, args...)
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS printers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		host TEXT NOT NULL,
		port INTEGER NOT NULL DEFAULT 0,
		api_key TEXT NOT NULL DEFAULT '',
		access_code TEXT NOT NULL DEFAULT '',
		serial TEXT NOT NULL DEFAULT '',
		is_active INTEGER NOT NULL DEFAULT 1,
		last_status TEXT NOT NULL DEFAULT '',
		last_seen_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		printer_id TEXT NOT NULL,
		printer_type TEXT NOT NULL,
		job_name TEXT NOT NULL,
		filename TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		started_at TEXT,
		ended_at TEXT,
		estimated_duration_s INTEGER,
		actual_duration_s INTEGER,
		progress INTEGER NOT NULL DEFAULT 0,
		material_used_g REAL,
		material_cost REAL,
		power_cost REAL,
		is_business INTEGER NOT NULL DEFAULT 0,
		customer_info TEXT,
		notes TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_dedup
		ON jobs(printer_id, filename, started_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_printer ON jobs(printer_id);

	CREATE TABLE IF NOT EXISTS library_files (
		checksum TEXT PRIMARY KEY,
		filename TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		library_path TEXT NOT NULL,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		file_type TEXT NOT NULL DEFAULT 'other',
		status TEXT NOT NULL DEFAULT 'available',
		added_at TEXT NOT NULL,
		last_modified TEXT,
		last_analyzed TEXT,
		is_duplicate INTEGER NOT NULL DEFAULT 0,
		duplicate_of_checksum TEXT,
		thumbnail BLOB,
		thumbnail_width INTEGER NOT NULL DEFAULT 0,
		thumbnail_height INTEGER NOT NULL DEFAULT 0,
		metadata TEXT,
		search_index TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_files_status ON library_files(status);
	CREATE INDEX IF NOT EXISTS idx_files_type ON library_files(file_type);

	CREATE TABLE IF NOT EXISTS library_file_sources (
		checksum TEXT NOT NULL REFERENCES library_files(checksum) ON DELETE CASCADE,
		source_type TEXT NOT NULL,
		source_id TEXT NOT NULL,
		source_name TEXT NOT NULL DEFAULT '',
		original_path TEXT NOT NULL,
		manufacturer TEXT NOT NULL DEFAULT '',
		printer_model TEXT NOT NULL DEFAULT '',
		discovered_at TEXT NOT NULL,
		UNIQUE(checksum, source_type, source_id, original_path)
	);
	CREATE INDEX IF NOT EXISTS idx_sources_checksum ON library_file_sources(checksum);

	CREATE TABLE IF NOT EXISTS notification_channels (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		webhook_url TEXT NOT NULL,
		topic TEXT NOT NULL DEFAULT '',
		is_enabled INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS notification_subscriptions (
		channel_id TEXT NOT NULL REFERENCES notification_channels(id) ON DELETE CASCADE,
		event_type TEXT NOT NULL,
		UNIQUE(channel_id, event_type)
	);

	CREATE TABLE IF NOT EXISTS notification_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		channel_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		event_data TEXT,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_at ON notification_history(at);

	CREATE TABLE IF NOT EXISTS usage_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		payload TEXT,
		at TEXT NOT NULL,
		submitted INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_usage_at ON usage_events(at);

	CREATE TABLE IF NOT EXISTS usage_settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		printer_id TEXT NOT NULL,
		job_id TEXT NOT NULL DEFAULT '',
		filename TEXT NOT NULL,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		captured_at TEXT NOT NULL,
		is_valid INTEGER,
		validation_error TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_printer ON snapshots(printer_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Time columns are stored as RFC 3339 text in UTC.

const timeLayout = time.RFC3339Nano

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func fmtTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(timeLayout, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
