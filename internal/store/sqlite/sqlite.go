// Package sqlite provides SQLite-backed implementations of the document and
// expiration stores, used for durability across restarts.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/openbenefits/cardlife/internal/store"
)

// Store implements store.DocumentStore and store.ExpirationStore on a single
// SQLite database file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and initializes the
// schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	// WAL mode for better concurrent access; SQLite works best with a
	// single writer.
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("path", path).Msg("Document store initialized")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			user_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			body TEXT NOT NULL,
			created_at INTEGER NOT NULL DEFAULT (unixepoch()),
			PRIMARY KEY (collection, user_id, version)
		);

		CREATE TABLE IF NOT EXISTS expirations (
			user_id TEXT PRIMARY KEY,
			expiration_date TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_expirations_date
		ON expirations(expiration_date);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) FindLastVersion(ctx context.Context, collection, userID string) (json.RawMessage, int64, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT version, body FROM documents
		WHERE collection = ? AND user_id = ?
		ORDER BY version DESC LIMIT 1
	`, collection, userID)

	var version int64
	var body string
	if err := row.Scan(&version, &body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, store.ErrNotFound
		}
		return nil, 0, fmt.Errorf("query last version: %w", err)
	}
	return json.RawMessage(body), version, nil
}

func (s *Store) FindAllVersions(ctx context.Context, collection, userID string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version FROM documents
		WHERE collection = ? AND user_id = ?
		ORDER BY version ASC
	`, collection, userID)
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()

	var versions []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (s *Store) CreateNewVersion(ctx context.Context, collection, userID string, body json.RawMessage, expectedLast int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var last sql.NullInt64
	row := tx.QueryRowContext(ctx, `
		SELECT MAX(version) FROM documents
		WHERE collection = ? AND user_id = ?
	`, collection, userID)
	if err := row.Scan(&last); err != nil {
		return 0, fmt.Errorf("query current version: %w", err)
	}
	if last.Int64 != expectedLast {
		return 0, store.ErrVersionConflict
	}

	next := expectedLast + 1
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (collection, user_id, version, body)
		VALUES (?, ?, ?, ?)
	`, collection, userID, next, string(body)); err != nil {
		return 0, fmt.Errorf("insert version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit version: %w", err)
	}
	return next, nil
}

func (s *Store) DeleteVersion(ctx context.Context, collection, userID string, version int64) error {
	// Deleting an absent version is success; delete is idempotent.
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM documents
		WHERE collection = ? AND user_id = ? AND version = ?
	`, collection, userID, version); err != nil {
		return fmt.Errorf("delete version: %w", err)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, rec store.ExpirationRecord) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO expirations (user_id, expiration_date)
		VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET expiration_date = excluded.expiration_date
	`, rec.UserID, rec.ExpirationDate); err != nil {
		return fmt.Errorf("insert expiration record: %w", err)
	}
	return nil
}

func (s *Store) FindByDate(ctx context.Context, date string) ([]store.ExpirationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, expiration_date FROM expirations
		WHERE expiration_date = ?
	`, date)
	if err != nil {
		return nil, fmt.Errorf("query expirations by date: %w", err)
	}
	defer rows.Close()

	var records []store.ExpirationRecord
	for rows.Next() {
		var rec store.ExpirationRecord
		if err := rows.Scan(&rec.UserID, &rec.ExpirationDate); err != nil {
			return nil, fmt.Errorf("scan expiration record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) Delete(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM expirations WHERE user_id = ?
	`, userID); err != nil {
		return fmt.Errorf("delete expiration record: %w", err)
	}
	return nil
}
