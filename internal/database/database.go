package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

// DB is the sqlite-backed durable local store. It implements
// domain.LocalStore and domain.DeadLetterSink.
type DB struct {
	*sql.DB
	path   string
	logger *zerolog.Logger
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("local store initialized")
	return &DB{DB: db, path: path, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS local_store (
            user_id TEXT NOT NULL,
            key TEXT NOT NULL,
            value BLOB NOT NULL,
            updated_at DATETIME NOT NULL,
            PRIMARY KEY (user_id, key)
        )`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            op_id TEXT NOT NULL,
            user_id TEXT NOT NULL,
            target TEXT NOT NULL,
            kind TEXT NOT NULL,
            payload TEXT NOT NULL,
            enqueued_at DATETIME NOT NULL,
            attempts INTEGER NOT NULL,
            reason TEXT,
            dropped_at DATETIME NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS idx_dead_letters_user_id ON dead_letters(user_id)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// Path returns the path the database was opened with.
func (db *DB) Path() string {
	return db.path
}

// Get returns the stored value or nil when absent.
func (db *DB) Get(ctx context.Context, userID, key string) ([]byte, error) {
	var value []byte
	err := db.QueryRowContext(ctx,
		`SELECT value FROM local_store WHERE user_id = ? AND key = ?`, userID, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s: %w", userID, key, err)
	}
	return value, nil
}

// Set stores value, replacing any previous one.
func (db *DB) Set(ctx context.Context, userID, key string, value []byte) error {
	query := `INSERT INTO local_store (user_id, key, value, updated_at) VALUES (?, ?, ?, ?)
              ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := db.ExecContext(ctx, query, userID, key, value, time.Now()); err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", userID, key, err)
	}
	return nil
}

// Delete removes a key; missing keys are not an error.
func (db *DB) Delete(ctx context.Context, userID, key string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM local_store WHERE user_id = ? AND key = ?`, userID, key); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", userID, key, err)
	}
	return nil
}

// Keys lists the keys stored for a user.
func (db *DB) Keys(ctx context.Context, userID string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT key FROM local_store WHERE user_id = ? ORDER BY key`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
