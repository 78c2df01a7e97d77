package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/efargas/S7-Tools-sub002/internal/log"
	"github.com/efargas/S7-Tools-sub002/internal/model"
	"github.com/efargas/S7-Tools-sub002/internal/storage/sqlite/migrations"
)

// RepositoryConfig is the configuration for the SQLite task repository.
type RepositoryConfig struct {
	DBPath string
	Logger log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.DBPath == "" {
		return fmt.Errorf("db path is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.SQLite"})
	return nil
}

// Repository is a SQLite implementation of storage.TaskRepository used to
// keep task history across runs.
type Repository struct {
	db     *sql.DB
	logger log.Logger
}

// NewRepository creates a new SQLite repository.
func NewRepository(ctx context.Context, cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	dir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("could not create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	migrator, err := migrations.NewMigrator(db, cfg.Logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create migrator: %w", err)
	}
	if err := migrator.Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not run migrations: %w", err)
	}

	cfg.Logger.Debugf("SQLite repository initialized at %s", cfg.DBPath)

	return &Repository{db: db, logger: cfg.Logger}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error { return r.db.Close() }

// CreateTask creates a new task in the repository.
func (r *Repository) CreateTask(ctx context.Context, t model.TaskExecution) error {
	jobJSON, err := json.Marshal(t.Job)
	if err != nil {
		return fmt.Errorf("could not marshal job: %w", err)
	}
	progressData, err := marshalProgressData(t.ProgressData)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // Rollback is safe to call after Commit

	var maxSeq int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM tasks`).Scan(&maxSeq); err != nil {
		return fmt.Errorf("could not get max sequence: %w", err)
	}

	query := `
		INSERT INTO tasks (
			id, name, state,
			serial_device, tcp_port, modbus_address, job,
			scheduled_for, queued_at, started_at, completed_at,
			progress, current_operation, progress_data, failure_reason,
			sequence
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = tx.ExecContext(
		ctx,
		query,
		t.ID,
		t.Job.Name,
		t.State,
		t.Job.Serial.Device,
		t.Job.Bridge.TCPPort,
		t.Job.Power.Address,
		string(jobJSON),
		unixOrNil(t.ScheduledFor),
		unixOrNil(t.QueuedAt),
		unixOrNil(t.StartedAt),
		unixOrNil(t.CompletedAt),
		t.Progress,
		t.CurrentOperation,
		progressData,
		t.FailureReason,
		maxSeq+1,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: tasks.") {
			return fmt.Errorf("task already exists: %w", model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not insert task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("could not commit transaction: %w", err)
	}

	r.logger.Debugf("Created task in repository: %s", t.ID)
	return nil
}

// GetTask retrieves a task by ID.
func (r *Repository) GetTask(ctx context.Context, id string) (*model.TaskExecution, error) {
	query := taskSelect + ` WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)
	task, err := r.scanRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query task: %w", err)
	}

	return &task, nil
}

// UpdateTask updates an existing task.
func (r *Repository) UpdateTask(ctx context.Context, t model.TaskExecution) error {
	progressData, err := marshalProgressData(t.ProgressData)
	if err != nil {
		return err
	}

	query := `
		UPDATE tasks
		SET
			state = ?,
			scheduled_for = ?,
			queued_at = ?,
			started_at = ?,
			completed_at = ?,
			progress = ?,
			current_operation = ?,
			progress_data = ?,
			failure_reason = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(
		ctx,
		query,
		t.State,
		unixOrNil(t.ScheduledFor),
		unixOrNil(t.QueuedAt),
		unixOrNil(t.StartedAt),
		unixOrNil(t.CompletedAt),
		t.Progress,
		t.CurrentOperation,
		progressData,
		t.FailureReason,
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("could not update task: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("task %s: %w", t.ID, model.ErrNotFound)
	}

	return nil
}

// ListTasks returns all tasks in submission order.
func (r *Repository) ListTasks(ctx context.Context) ([]model.TaskExecution, error) {
	query := taskSelect + ` ORDER BY sequence ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("could not query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.TaskExecution
	for rows.Next() {
		task, err := r.scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return tasks, nil
}

const taskSelect = `
	SELECT
		id, state, job,
		scheduled_for, queued_at, started_at, completed_at,
		progress, current_operation, progress_data, failure_reason
	FROM tasks
`

type scanner interface {
	Scan(dest ...any) error
}

func (r *Repository) scanRow(s scanner) (model.TaskExecution, error) {
	var task model.TaskExecution
	var jobJSON, progressData string
	var scheduledFor, queuedAt, startedAt, completedAt sql.NullInt64

	err := s.Scan(
		&task.ID,
		&task.State,
		&jobJSON,
		&scheduledFor,
		&queuedAt,
		&startedAt,
		&completedAt,
		&task.Progress,
		&task.CurrentOperation,
		&progressData,
		&task.FailureReason,
	)
	if err != nil {
		return model.TaskExecution{}, err
	}

	if err := json.Unmarshal([]byte(jobJSON), &task.Job); err != nil {
		return model.TaskExecution{}, fmt.Errorf("could not unmarshal job: %w", err)
	}
	if err := json.Unmarshal([]byte(progressData), &task.ProgressData); err != nil {
		return model.TaskExecution{}, fmt.Errorf("could not unmarshal progress data: %w", err)
	}

	task.ScheduledFor = timeOrNil(scheduledFor)
	task.QueuedAt = timeOrNil(queuedAt)
	task.StartedAt = timeOrNil(startedAt)
	task.CompletedAt = timeOrNil(completedAt)
	task.ResourceKeys = task.Job.ResourceKeys()

	return task, nil
}

func marshalProgressData(data map[string]string) (string, error) {
	if data == nil {
		data = map[string]string{}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("could not marshal progress data: %w", err)
	}
	return string(b), nil
}

func unixOrNil(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	u := t.Unix()
	return &u
}

func timeOrNil(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}
