package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"shuttle/internal/config"
	"shuttle/internal/logging"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped on schema changes. The journal is disposable, so a
// mismatch asks the user to delete the file rather than migrating.
const schemaVersion = 1

// ErrSchemaMismatch indicates the journal file was written by an
// incompatible version.
var ErrSchemaMismatch = errors.New("journal: schema version mismatch")

// Event is one recorded lifecycle event.
type Event struct {
	ID        int64
	TaskID    string
	Event     string
	Detail    string
	CreatedAt time.Time
}

// Store is the SQLite-backed event journal.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Open connects to the journal database, creating it and its schema when
// missing. The path comes from the journal config, defaulting to
// journal.db in the log directory.
func Open(cfg *config.Config, logger *slog.Logger) (*Store, error) {
	path := cfg.Journal.Path
	if path == "" {
		path = filepath.Join(cfg.Paths.LogDir, "journal.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path, logger: logging.WithComponent(logger, "journal")}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the journal file location.
func (s *Store) Path() string { return s.path }

// Record appends one event. Failures are logged and swallowed: the journal
// must never block or fail a queue operation.
func (s *Store) Record(ctx context.Context, taskID, event, detail string) {
	err := s.execWithRetry(ctx,
		"INSERT INTO events (task_id, event, detail, created_at) VALUES (?, ?, ?, ?)",
		taskID, event, detail, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		s.logger.Warn("journal write failed",
			logging.String(logging.FieldTaskID, taskID),
			logging.String(logging.FieldEventType, event),
			logging.Error(err),
		)
	}
}

// History returns the recorded events for one task, oldest first, capped at
// limit when limit is positive.
func (s *Store) History(ctx context.Context, taskID string, limit int) ([]Event, error) {
	query := "SELECT id, task_id, event, detail, created_at FROM events WHERE task_id = ? ORDER BY id"
	args := []any{taskID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryEvents(ctx, query, args...)
}

// Recent returns the newest events across all tasks, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryEvents(ctx,
		"SELECT id, task_id, event, detail, created_at FROM events ORDER BY id DESC LIMIT ?", limit)
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			event Event
			raw   string
		)
		if err := rows.Scan(&event.ID, &event.TaskID, &event.Event, &event.Detail, &raw); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		if ts, parseErr := time.Parse(time.RFC3339Nano, raw); parseErr == nil {
			event.CreatedAt = ts
		}
		events = append(events, event)
	}
	return events, rows.Err()
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
		return fmt.Errorf("%w: file has version %d, expected %d (delete %s to reset)",
			ErrSchemaMismatch, version, schemaVersion, s.path)
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
	return tx.Commit()
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

func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		_, lastErr = s.db.ExecContext(ctx, query, args...)
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
