// Package checkpoint persists the task table in SQLite so that unfinished
// tasks survive a restart.
package checkpoint

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/otcheredev/dicom-gateway/internal/tasks"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped whenever schema.sql changes incompatibly.
const schemaVersion = 1

// ErrSchemaMismatch means the file was written by an incompatible version.
var ErrSchemaMismatch = errors.New("checkpoint schema version mismatch")

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Store is a tasks.Checkpoint backed by a SQLite file.
type Store struct {
	db   *sql.DB
	path string
}

var _ tasks.Checkpoint = (*Store)(nil)

// Open opens or creates the checkpoint database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Save replaces the whole table in one transaction; a single writer
	// connection keeps that serialized.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: %s has version %d, expected %d (delete the file to start over)",
			ErrSchemaMismatch, s.path, version, schemaVersion)
	}
	return nil
}

func (s *Store) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

// Save replaces the stored table with rows.
func (s *Store) Save(ctx context.Context, rows []tasks.Row) error {
	savedAt := time.Now().UTC().Format(time.RFC3339Nano)
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin save tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, "DELETE FROM task_rows"); err != nil {
			return fmt.Errorf("clear task rows: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO task_rows (
            task_id, type, level, patient_name, patient_id, study_instance_uid,
            study_date, study_time, series_instance_uid, series_number,
            description, imgs, modality, source, destination, started,
            status, progress, request, saved_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, r := range rows {
			req, err := json.Marshal(r.Request)
			if err != nil {
				return fmt.Errorf("encode request of task %d: %w", r.TaskID, err)
			}
			if _, err := stmt.ExecContext(ctx,
				r.TaskID, string(r.Type), string(r.Level), r.PatientName, r.PatientID, r.StudyInstanceUID,
				r.StudyDate, r.StudyTime, r.SeriesInstanceUID, r.SeriesNumber,
				r.Description, r.Imgs, r.Modality, r.Source, r.Destination, r.Started,
				string(r.Status), r.Progress, string(req), savedAt,
			); err != nil {
				return fmt.Errorf("insert task %d: %w", r.TaskID, err)
			}
		}
		return tx.Commit()
	})
}

// Load returns the stored rows ordered by task id.
func (s *Store) Load(ctx context.Context) ([]tasks.Row, error) {
	rs, err := s.db.QueryContext(ctx, `SELECT
            task_id, type, level, patient_name, patient_id, study_instance_uid,
            study_date, study_time, series_instance_uid, series_number,
            description, imgs, modality, source, destination, started,
            status, progress, request
        FROM task_rows ORDER BY task_id`)
	if err != nil {
		return nil, fmt.Errorf("query task rows: %w", err)
	}
	defer rs.Close()

	var out []tasks.Row
	for rs.Next() {
		var (
			r                  tasks.Row
			typ, level, status string
			req                string
		)
		if err := rs.Scan(
			&r.TaskID, &typ, &level, &r.PatientName, &r.PatientID, &r.StudyInstanceUID,
			&r.StudyDate, &r.StudyTime, &r.SeriesInstanceUID, &r.SeriesNumber,
			&r.Description, &r.Imgs, &r.Modality, &r.Source, &r.Destination, &r.Started,
			&status, &r.Progress, &req,
		); err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		r.Type, r.Level, r.Status = tasks.Type(typ), tasks.Level(level), tasks.Status(status)
		if err := json.Unmarshal([]byte(req), &r.Request); err != nil {
			return nil, fmt.Errorf("decode request of task %d: %w", r.TaskID, err)
		}
		out = append(out, r)
	}
	return out, rs.Err()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}
