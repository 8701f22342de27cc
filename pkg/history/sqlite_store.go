package history

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/openrollout/rollout/pkg/engine"
	"github.com/openrollout/rollout/pkg/workflow"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements engine.HistoryStore backed by a local SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration. Zero connection-pool values fall
// back to the defaults applied by NewSQLiteStore.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite history store instance. Call Init and
// Migrate before use.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Connection-level setting, re-applied explicitly.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate applies the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// SaveRun inserts or updates a run record by id.
func (s *SQLiteStore) SaveRun(ctx context.Context, record *engine.RunRecord) error {
	query := `
		INSERT INTO runs (id, workflow_name, status, started_at, completed_at, error, summary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			error = excluded.error,
			summary = excluded.summary,
			updated_at = CURRENT_TIMESTAMP
	`

	_, err := s.db.ExecContext(ctx, query,
		record.ID,
		record.WorkflowName,
		string(record.Status),
		record.StartedAt.UTC().Format(time.RFC3339Nano),
		formatTimePtr(record.CompletedAt),
		nullable(record.Error),
		nullable(record.Summary),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// GetRun retrieves a run record by id.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*engine.RunRecord, error) {
	query := `
		SELECT id, workflow_name, status, started_at, completed_at, error, summary
		FROM runs
		WHERE id = ?
	`

	var (
		record      engine.RunRecord
		status      string
		startedAt   string
		completedAt sql.NullString
		errMsg      sql.NullString
		summary     sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&record.ID,
		&record.WorkflowName,
		&status,
		&startedAt,
		&completedAt,
		&errMsg,
		&summary,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	record.Status = workflow.Status(status)
	record.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	if completedAt.Valid {
		t, perr := time.Parse(time.RFC3339Nano, completedAt.String)
		if perr == nil {
			record.CompletedAt = &t
		}
	}
	record.Error = errMsg.String
	record.Summary = summary.String
	return &record, nil
}

// ListRuns lists run records newest-first. A non-empty workflow name filters
// by workflow; limit <= 0 means no limit.
func (s *SQLiteStore) ListRuns(ctx context.Context, workflowName string, limit int) ([]*engine.RunRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT id, workflow_name, status, started_at, completed_at, error, summary
		FROM runs
		WHERE (? = '' OR workflow_name = ?)
		ORDER BY started_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, workflowName, workflowName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	records := []*engine.RunRecord{}
	for rows.Next() {
		var (
			record      engine.RunRecord
			status      string
			startedAt   string
			completedAt sql.NullString
			errMsg      sql.NullString
			summary     sql.NullString
		)
		if err := rows.Scan(
			&record.ID,
			&record.WorkflowName,
			&status,
			&startedAt,
			&completedAt,
			&errMsg,
			&summary,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		record.Status = workflow.Status(status)
		record.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		if completedAt.Valid {
			if t, perr := time.Parse(time.RFC3339Nano, completedAt.String); perr == nil {
				record.CompletedAt = &t
			}
		}
		record.Error = errMsg.String
		record.Summary = summary.String
		records = append(records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return records, nil
}

// AppendRollback appends one immutable rollback history entry. The full
// execution result is stored as JSON.
func (s *SQLiteStore) AppendRollback(ctx context.Context, entry *workflow.RollbackHistoryEntry) error {
	result, err := json.Marshal(entry.Result)
	if err != nil {
		return fmt.Errorf("failed to encode rollback result: %w", err)
	}

	query := `
		INSERT INTO rollbacks (id, workflow_name, trigger_kind, reason, strategy, result, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		entry.ID,
		entry.WorkflowName,
		string(entry.Trigger),
		entry.Reason,
		string(entry.Strategy),
		string(result),
		entry.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to append rollback entry: %w", err)
	}
	return nil
}

// ListRollbacks lists rollback entries newest-first. A non-empty workflow
// name filters by workflow.
func (s *SQLiteStore) ListRollbacks(ctx context.Context, workflowName string) ([]*workflow.RollbackHistoryEntry, error) {
	query := `
		SELECT id, workflow_name, trigger_kind, reason, strategy, result, timestamp
		FROM rollbacks
		WHERE (? = '' OR workflow_name = ?)
		ORDER BY timestamp DESC
	`

	rows, err := s.db.QueryContext(ctx, query, workflowName, workflowName)
	if err != nil {
		return nil, fmt.Errorf("failed to list rollbacks: %w", err)
	}
	defer rows.Close()

	entries := []*workflow.RollbackHistoryEntry{}
	for rows.Next() {
		var (
			entry     workflow.RollbackHistoryEntry
			trigger   string
			strategy  string
			result    string
			timestamp string
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.WorkflowName,
			&trigger,
			&entry.Reason,
			&strategy,
			&result,
			&timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan rollback entry: %w", err)
		}
		entry.Trigger = workflow.RollbackTrigger(trigger)
		entry.Strategy = workflow.RollbackStrategyType(strategy)
		if err := json.Unmarshal([]byte(result), &entry.Result); err != nil {
			return nil, fmt.Errorf("failed to decode rollback result: %w", err)
		}
		entry.Timestamp, _ = time.Parse(time.RFC3339Nano, timestamp)
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rollbacks: %w", err)
	}
	return entries, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := t.UTC().Format(time.RFC3339Nano)
	return &formatted
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
