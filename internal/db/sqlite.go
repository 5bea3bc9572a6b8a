package db

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

var (
	db   *sql.DB
	once sync.Once
)

// InitDB opens the SQLite database at dbPath and applies schema migrations.
// Later calls return the same connection.
func InitDB(dbPath string) (*sql.DB, error) {
	var initErr error
	once.Do(func() {
		var err error
		db, err = open(dbPath + "?_foreign_keys=on&_busy_timeout=5000")
		if err != nil {
			initErr = err
			return
		}

		// SQLite serializes writers anyway; one connection keeps the
		// read-then-insert sequence assignment free of busy snapshots.
		db.SetMaxOpenConns(1)

		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			initErr = fmt.Errorf("failed to enable WAL mode: %w", err)
			return
		}
	})

	if initErr != nil {
		return nil, initErr
	}
	return db, nil
}

func open(dsn string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return conn, nil
}

// migrate applies every migration newer than the recorded schema version.
func migrate(conn *sql.DB) error {
	if _, err := conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying database migration", "version", i+1)
		if err := migrations[i](conn); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := conn.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}
	return nil
}

// migrateV1 creates sessions and their conversation history.
func migrateV1(conn *sql.DB) error {
	_, err := conn.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'active',
		display INTEGER,
		vnc_port INTEGER,
		metadata TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		metadata TEXT,
		created_at DATETIME NOT NULL,
		UNIQUE(session_id, seq)
	);
	`)
	return err
}

// migrateV2 adds the per-session agent update log.
func migrateV2(conn *sql.DB) error {
	_, err := conn.Exec(`
	CREATE TABLE IF NOT EXISTS agent_updates (
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		turn_id TEXT,
		kind TEXT NOT NULL,
		encoding TEXT NOT NULL,
		payload BLOB NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (session_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_agent_updates_turn ON agent_updates(session_id, turn_id);
	`)
	return err
}

// CloseDB closes the database connection.
func CloseDB() error {
	if db != nil {
		return db.Close()
	}
	return nil
}

// ResetDB resets the singleton for testing purposes.
func ResetDB() {
	if db != nil {
		db.Close()
	}
	once = sync.Once{}
	db = nil
}

// NewTestDB creates a fresh in-memory database, bypassing the singleton.
func NewTestDB() (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open test database: %w", err)
	}
	// Every pooled connection would otherwise see its own empty database.
	conn.SetMaxOpenConns(1)

	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return conn, nil
}
