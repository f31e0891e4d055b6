package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// SQLiteJournal persists instance records and activity history in SQLite so
// orchestrations survive process restarts.
type SQLiteJournal struct {
	db *sql.DB
}

// OpenSQLiteJournal opens (creating if needed) the journal database at path.
func OpenSQLiteJournal(path string) (*SQLiteJournal, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	j := &SQLiteJournal{db: db}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}

	log.Info().Str("path", path).Msg("Workflow journal initialized")
	return j, nil
}

func (j *SQLiteJournal) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS instances (
			instance_id TEXT PRIMARY KEY,
			orchestrator TEXT NOT NULL,
			execution_id TEXT NOT NULL,
			input TEXT NOT NULL,
			status TEXT NOT NULL,
			output TEXT,
			terminate_reason TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_instances_status
		ON instances(status);

		CREATE TABLE IF NOT EXISTS events (
			instance_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			activity TEXT NOT NULL,
			result TEXT NOT NULL,
			recorded_at INTEGER NOT NULL,
			PRIMARY KEY (instance_id, idx)
		);
	`
	if _, err := j.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create journal schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

func (j *SQLiteJournal) SaveInstance(ctx context.Context, rec InstanceRecord) error {
	var output sql.NullString
	if rec.Output != nil {
		encoded, err := json.Marshal(rec.Output)
		if err != nil {
			return fmt.Errorf("encode instance output: %w", err)
		}
		output = sql.NullString{String: string(encoded), Valid: true}
	}
	if _, err := j.db.ExecContext(ctx, `
		INSERT INTO instances
			(instance_id, orchestrator, execution_id, input, status, output, terminate_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			orchestrator = excluded.orchestrator,
			execution_id = excluded.execution_id,
			input = excluded.input,
			status = excluded.status,
			output = excluded.output,
			terminate_reason = excluded.terminate_reason,
			updated_at = excluded.updated_at
	`, rec.InstanceID, rec.Orchestrator, rec.ExecutionID, string(rec.Input), string(rec.Status),
		output, rec.TerminateReason, rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli()); err != nil {
		return fmt.Errorf("save instance: %w", err)
	}
	return nil
}

func (j *SQLiteJournal) LoadInstance(ctx context.Context, instanceID string) (*InstanceRecord, error) {
	row := j.db.QueryRowContext(ctx, `
		SELECT instance_id, orchestrator, execution_id, input, status, output, terminate_reason, created_at, updated_at
		FROM instances WHERE instance_id = ?
	`, instanceID)
	rec, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (j *SQLiteJournal) ActiveInstances(ctx context.Context) ([]InstanceRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT instance_id, orchestrator, execution_id, input, status, output, terminate_reason, created_at, updated_at
		FROM instances WHERE status IN (?, ?)
	`, string(StatusRunning), string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("query active instances: %w", err)
	}
	defer rows.Close()

	var records []InstanceRecord
	for rows.Next() {
		rec, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*InstanceRecord, error) {
	var rec InstanceRecord
	var input, status string
	var output sql.NullString
	var createdAt, updatedAt int64
	if err := row.Scan(&rec.InstanceID, &rec.Orchestrator, &rec.ExecutionID, &input,
		&status, &output, &rec.TerminateReason, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rec.Input = json.RawMessage(input)
	rec.Status = RuntimeStatus(status)
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if output.Valid {
		var res Result
		if err := json.Unmarshal([]byte(output.String), &res); err != nil {
			return nil, fmt.Errorf("decode instance output: %w", err)
		}
		rec.Output = &res
	}
	return &rec, nil
}

func (j *SQLiteJournal) AppendEvent(ctx context.Context, instanceID string, ev Event) error {
	encoded, err := json.Marshal(ev.Result)
	if err != nil {
		return fmt.Errorf("encode event result: %w", err)
	}
	if _, err := j.db.ExecContext(ctx, `
		INSERT INTO events (instance_id, idx, activity, result, recorded_at)
		VALUES (?, ?, ?, ?, ?)
	`, instanceID, ev.Index, ev.Activity, string(encoded), ev.RecordedAt.UnixMilli()); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (j *SQLiteJournal) Events(ctx context.Context, instanceID string) ([]Event, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT idx, activity, result, recorded_at FROM events
		WHERE instance_id = ? ORDER BY idx ASC
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var result string
		var recordedAt int64
		if err := rows.Scan(&ev.Index, &ev.Activity, &result, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(result), &ev.Result); err != nil {
			return nil, fmt.Errorf("decode event result: %w", err)
		}
		ev.RecordedAt = time.UnixMilli(recordedAt).UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (j *SQLiteJournal) PurgeEvents(ctx context.Context, instanceID string) error {
	if _, err := j.db.ExecContext(ctx, `
		DELETE FROM events WHERE instance_id = ?
	`, instanceID); err != nil {
		return fmt.Errorf("purge events: %w", err)
	}
	return nil
}
