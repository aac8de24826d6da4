// Package queue is the durable store for the sync engine: local file
// metadata, pending upload/download operations, and their grouping into
// queues. Operations live in arena-style tables keyed by generated ids;
// a queue is an ordered list of operation ids. The store holds no control
// flow; the sync controller owns all transitions.
package queue

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/TheMichaelB/stagesync/internal/events"
	"github.com/TheMichaelB/stagesync/internal/models"
)

// UploadBlockSize is the fixed byte range covered by one upload block.
const UploadBlockSize = 100 * 1024

// Queue roles. At most one queue is ever in RoleUploading.
const (
	RolePreparing = "preparing"
	RoleCommitted = "committed"
	RoleUploading = "uploading"
)

// Store is the sqlite-backed durable queue store.
type Store struct {
	db     *sql.DB
	logger *events.Logger
}

// Open opens (or creates) the store at dbPath. Use ":memory:" for tests.
func Open(dbPath string, logger *events.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000&_fk=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The engine is a single logical flow of control; one connection keeps
	// ":memory:" stores coherent as well.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		logger: logger.WithField("component", "queue_store"),
	}

	if err := s.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
    CREATE TABLE IF NOT EXISTS local_files (
        uuid TEXT PRIMARY KEY,
        remote_name TEXT NOT NULL,
        mime_type TEXT NOT NULL,
        app_metadata BLOB,
        local_version INTEGER,
        sync_state TEXT NOT NULL,
        deleted_on_server INTEGER NOT NULL DEFAULT 0
    );

    CREATE TABLE IF NOT EXISTS upload_queues (
        id TEXT PRIMARY KEY,
        role TEXT NOT NULL,
        seq INTEGER NOT NULL
    );

    CREATE TABLE IF NOT EXISTS upload_ops (
        id TEXT PRIMARY KEY,
        queue_id TEXT NOT NULL REFERENCES upload_queues(id) ON DELETE CASCADE,
        seq INTEGER NOT NULL,
        kind TEXT NOT NULL,
        file_uuid TEXT,
        stage TEXT,
        wrapup_stage TEXT,
        file_url TEXT,
        delete_after_upload INTEGER NOT NULL DEFAULT 0,
        undelete INTEGER NOT NULL DEFAULT 0
    );

    CREATE INDEX IF NOT EXISTS idx_upload_ops_queue ON upload_ops(queue_id, seq);
    CREATE INDEX IF NOT EXISTS idx_upload_ops_file ON upload_ops(file_uuid);

    CREATE TABLE IF NOT EXISTS upload_blocks (
        id TEXT PRIMARY KEY,
        op_id TEXT NOT NULL REFERENCES upload_ops(id) ON DELETE CASCADE,
        offset INTEGER NOT NULL,
        length INTEGER NOT NULL
    );

    CREATE TABLE IF NOT EXISTS download_ops (
        id TEXT PRIMARY KEY,
        seq INTEGER NOT NULL,
        kind TEXT NOT NULL,
        file_uuid TEXT,
        stage TEXT,
        startup_stage TEXT,
        server_version INTEGER NOT NULL DEFAULT 0,
        conflict_type TEXT,
        file_url TEXT
    );

    CREATE INDEX IF NOT EXISTS idx_download_ops_file ON download_ops(file_uuid);

    CREATE TABLE IF NOT EXISTS download_blocks (
        id TEXT PRIMARY KEY,
        op_id TEXT NOT NULL REFERENCES download_ops(id) ON DELETE CASCADE,
        offset INTEGER NOT NULL,
        length INTEGER NOT NULL
    );

    CREATE TABLE IF NOT EXISTS sync_meta (
        key TEXT PRIMARY KEY,
        value TEXT NOT NULL
    );

    CREATE TABLE IF NOT EXISTS schema_info (
        version INTEGER PRIMARY KEY
    );

    INSERT OR IGNORE INTO schema_info (version) VALUES (?);
    `

	if _, err := s.db.Exec(schema, schemaVersion); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := s.db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	return nil
}

const schemaVersion = 1

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Meta keys.
const (
	metaMode           = "mode"
	metaUploadOpID     = "upload_operation_id"
	metaDownloadOpID   = "download_operation_id"
	metaOperationCount = "operation_count"
)

func (s *Store) getMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM sync_meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query meta %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) setMeta(key, value string) error {
	_, err := s.db.Exec(`
        INSERT INTO sync_meta (key, value) VALUES (?, ?)
        ON CONFLICT(key) DO UPDATE SET value = excluded.value
    `, key, value)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

// Mode returns the persisted sync mode. A fresh store reports Idle.
func (s *Store) Mode() (models.SyncMode, error) {
	value, err := s.getMeta(metaMode)
	if err != nil {
		return models.SyncMode{}, err
	}
	return models.DecodeMode(value)
}

// SetMode persists the sync mode atomically with its encoding.
func (s *Store) SetMode(mode models.SyncMode) error {
	encoded, err := mode.Encode()
	if err != nil {
		return err
	}
	s.logger.WithField("mode", mode.String()).Debug("Persisting mode")
	return s.setMeta(metaMode, encoded)
}

// Direction selects which engine's operation-id slot to address.
type Direction string

const (
	Upload   Direction = "upload"
	Download Direction = "download"
)

func opIDKey(d Direction) string {
	if d == Download {
		return metaDownloadOpID
	}
	return metaUploadOpID
}

// OperationID returns the persisted server operation-id for a direction,
// or "" when none is recorded.
func (s *Store) OperationID(d Direction) (string, error) {
	return s.getMeta(opIDKey(d))
}

// SetOperationID records (or, with "", clears) the server operation-id.
func (s *Store) SetOperationID(d Direction, id string) error {
	return s.setMeta(opIDKey(d), id)
}

// OperationCount returns the last server-reported operation count.
func (s *Store) OperationCount() (int, error) {
	value, err := s.getMeta(metaOperationCount)
	if err != nil || value == "" {
		return 0, err
	}
	var count int
	if _, err := fmt.Sscanf(value, "%d", &count); err != nil {
		return 0, fmt.Errorf("parse operation count %q: %w", value, err)
	}
	return count, nil
}

// SetOperationCount records the server-reported operation count.
func (s *Store) SetOperationCount(count int) error {
	return s.setMeta(metaOperationCount, fmt.Sprintf("%d", count))
}

// Flush removes and deletes all queues and their operations. Local file
// metadata is kept. Used by the destructive local error-reset.
func (s *Store) Flush() error {
	s.logger.Info("Flushing all queues")

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		"DELETE FROM upload_blocks",
		"DELETE FROM upload_ops",
		"DELETE FROM upload_queues",
		"DELETE FROM download_blocks",
		"DELETE FROM download_ops",
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("flush: %w", err)
		}
	}
	if _, err := tx.Exec("DELETE FROM sync_meta WHERE key != ?", metaMode); err != nil {
		return fmt.Errorf("flush meta: %w", err)
	}
	return tx.Commit()
}
