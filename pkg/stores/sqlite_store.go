package stores

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
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Sentinel errors returned by store operations.
var (
	// ErrNotFound is returned when no row matches the given keys.
	ErrNotFound = errors.New("not found")

	// ErrTerminalStep is returned when a step in a terminal state is asked
	// to transition to a different status within the same attempt.
	ErrTerminalStep = errors.New("step already in terminal state")
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	return &SQLiteStore{path: cfg.Path}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

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

// Migrate runs database migrations from the embedded filesystem.
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

// CreateBox inserts a new box row.
func (s *SQLiteStore) CreateBox(ctx context.Context, box *Box) error {
	now := time.Now().UTC()
	if box.CreatedAt.IsZero() {
		box.CreatedAt = now
	}
	box.UpdatedAt = now
	if box.Status == "" {
		box.Status = BoxStatusPending
	}
	if box.Attempt == 0 {
		box.Attempt = 1
	}

	query := `
		INSERT INTO boxes (id, name, user_id, status, instance_identity, instance_url, error_message, attempt, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		box.ID, box.Name, box.UserID, box.Status,
		box.InstanceIdentity, box.InstanceURL, box.ErrorMessage,
		box.Attempt, box.CreatedAt, box.UpdatedAt, box.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create box: %w", err)
	}

	return nil
}

// GetBox retrieves a box by ID.
func (s *SQLiteStore) GetBox(ctx context.Context, id string) (*Box, error) {
	query := `
		SELECT id, name, user_id, status, instance_identity, instance_url, error_message, attempt, created_at, updated_at, deleted_at
		FROM boxes
		WHERE id = ?
	`

	box := &Box{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&box.ID, &box.Name, &box.UserID, &box.Status,
		&box.InstanceIdentity, &box.InstanceURL, &box.ErrorMessage,
		&box.Attempt, &box.CreatedAt, &box.UpdatedAt, &box.DeletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("box %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get box: %w", err)
	}

	return box, nil
}

// SetBoxInstance records the provisioned instance identity and URL on the
// box row. This is the single source of truth for the instance identity;
// resumed deployments read it back from here.
func (s *SQLiteStore) SetBoxInstance(ctx context.Context, id, identity, url string) error {
	return s.updateBox(ctx, id, `instance_identity = ?, instance_url = ?`, identity, url)
}

// SetBoxError transitions the box to the error state with a message.
func (s *SQLiteStore) SetBoxError(ctx context.Context, id, message string) error {
	return s.updateBox(ctx, id, `status = ?, error_message = ?`, BoxStatusError, message)
}

// SetBoxDeploying transitions the box to deploying and records the attempt.
func (s *SQLiteStore) SetBoxDeploying(ctx context.Context, id string, attempt int) error {
	return s.updateBox(ctx, id, `status = ?, error_message = NULL, attempt = ?`, BoxStatusDeploying, attempt)
}

// MarkBoxRunning transitions the box to running. It is the only write path
// to the running state, so "running implies the health check passed" holds
// by construction.
func (s *SQLiteStore) MarkBoxRunning(ctx context.Context, id string) error {
	return s.updateBox(ctx, id, `status = ?, error_message = NULL`, BoxStatusRunning)
}

// MarkBoxDeleted soft-deletes the box.
func (s *SQLiteStore) MarkBoxDeleted(ctx context.Context, id string) error {
	return s.updateBox(ctx, id, `status = ?, deleted_at = ?`, BoxStatusDeleted, time.Now().UTC())
}

// updateBox applies a single-row update and maps zero affected rows to
// ErrNotFound.
func (s *SQLiteStore) updateBox(ctx context.Context, id, setClause string, args ...any) error {
	query := fmt.Sprintf(`UPDATE boxes SET %s, updated_at = ? WHERE id = ?`, setClause)
	args = append(args, time.Now().UTC(), id)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update box: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("box %s: %w", id, ErrNotFound)
	}

	return nil
}

// InitializeSteps inserts one pending row per phase and substep for the
// given attempt, substeps parented to their phase. Rows are ordered in
// document order so the earliest-ordered queries walk the intended
// sequence. Callers must not call it twice for the same (box, attempt);
// the unique index rejects the duplicates.
func (s *SQLiteStore) InitializeSteps(ctx context.Context, boxID string, attempt int, cfg StepConfig) ([]*DeployStep, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insert := `
		INSERT INTO deploy_steps (box_id, attempt, key, ord, parent_id, status, metadata)
		VALUES (?, ?, ?, ?, ?, ?, '{}')
	`

	steps := make([]*DeployStep, 0, len(cfg.Phases))
	ord := 0

	for _, phase := range cfg.Phases {
		res, err := tx.ExecContext(ctx, insert, boxID, attempt, phase, ord, nil, StepStatusPending)
		if err != nil {
			return nil, fmt.Errorf("failed to insert step %s: %w", phase, err)
		}
		parentID, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("failed to get step id: %w", err)
		}

		parent := &DeployStep{
			ID:      parentID,
			BoxID:   boxID,
			Attempt: attempt,
			Key:     phase,
			Order:   ord,
			Status:  StepStatusPending,
		}
		ord++

		for _, sub := range cfg.Substeps[phase] {
			res, err := tx.ExecContext(ctx, insert, boxID, attempt, sub, ord, parentID, StepStatusPending)
			if err != nil {
				return nil, fmt.Errorf("failed to insert substep %s: %w", sub, err)
			}
			childID, err := res.LastInsertId()
			if err != nil {
				return nil, fmt.Errorf("failed to get substep id: %w", err)
			}
			parent.Children = append(parent.Children, &DeployStep{
				ID:       childID,
				BoxID:    boxID,
				Attempt:  attempt,
				Key:      sub,
				Order:    ord,
				ParentID: &parentID,
				Status:   StepStatusPending,
			})
			ord++
		}

		steps = append(steps, parent)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit steps: %w", err)
	}

	return steps, nil
}

// UpdateStepStatus transitions one step. Running sets started_at, terminal
// statuses set completed_at, and both are sticky: repeating a transition
// never moves a timestamp that is already set. Metadata is merged key by
// key, never replaced wholesale. A step already in a terminal state
// accepts the same status again as a no-op and rejects everything else.
func (s *SQLiteStore) UpdateStepStatus(ctx context.Context, boxID string, attempt int, key string, status StepStatus, upd *StepUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	step, err := s.lockStep(ctx, tx, boxID, attempt, key, upd)
	if err != nil {
		return err
	}

	if step.Status.IsTerminal() && status != step.Status {
		return fmt.Errorf("step %s is %s: %w", key, step.Status, ErrTerminalStep)
	}

	metadata := step.Metadata
	if metadata == nil {
		metadata = make(map[string]any)
	}
	if upd != nil {
		for k, v := range upd.Metadata {
			metadata[k] = v
		}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal step metadata: %w", err)
	}

	now := time.Now().UTC()
	startedAt := step.StartedAt
	completedAt := step.CompletedAt
	if status == StepStatusRunning && startedAt == nil {
		startedAt = &now
	}
	if status.IsTerminal() && completedAt == nil {
		completedAt = &now
	}

	errMsg := step.ErrorMessage
	if upd != nil && upd.ErrorMessage != "" {
		errMsg = &upd.ErrorMessage
	}

	query := `
		UPDATE deploy_steps
		SET status = ?, started_at = ?, completed_at = ?, error_message = ?, metadata = ?
		WHERE id = ?
	`
	if _, err := tx.ExecContext(ctx, query, status, startedAt, completedAt, errMsg, string(metaJSON), step.ID); err != nil {
		return fmt.Errorf("failed to update step %s: %w", key, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit step update: %w", err)
	}

	return nil
}

// lockStep reads the step row inside the transaction, applying the
// optional parent filter.
func (s *SQLiteStore) lockStep(ctx context.Context, tx *sql.Tx, boxID string, attempt int, key string, upd *StepUpdate) (*DeployStep, error) {
	query := `
		SELECT s.id, s.status, s.started_at, s.completed_at, s.error_message, s.metadata
		FROM deploy_steps s
		WHERE s.box_id = ? AND s.attempt = ? AND s.key = ?
	`
	args := []any{boxID, attempt, key}

	if upd != nil && upd.ParentKey != "" {
		query += ` AND s.parent_id IN (
			SELECT p.id FROM deploy_steps p
			WHERE p.box_id = ? AND p.attempt = ? AND p.key = ? AND p.parent_id IS NULL
		)`
		args = append(args, boxID, attempt, upd.ParentKey)
	}

	step := &DeployStep{BoxID: boxID, Attempt: attempt, Key: key}
	var metaJSON string
	err := tx.QueryRowContext(ctx, query, args...).Scan(
		&step.ID, &step.Status, &step.StartedAt, &step.CompletedAt, &step.ErrorMessage, &metaJSON,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("step %s (box %s attempt %d): %w", key, boxID, attempt, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get step %s: %w", key, err)
	}

	if err := json.Unmarshal([]byte(metaJSON), &step.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode step metadata: %w", err)
	}

	return step, nil
}

// GetStep retrieves a single step by key.
func (s *SQLiteStore) GetStep(ctx context.Context, boxID string, attempt int, key string) (*DeployStep, error) {
	steps, err := s.querySteps(ctx, `box_id = ? AND attempt = ? AND key = ?`, boxID, attempt, key)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("step %s (box %s attempt %d): %w", key, boxID, attempt, ErrNotFound)
	}
	return steps[0], nil
}

// GetResumePoint returns the earliest-ordered failed step if one exists,
// else the earliest-ordered pending step, else nil when the attempt is
// fully resolved. This is an operator-facing pointer; the flow builder
// recomputes remaining work from the full step set instead.
func (s *SQLiteStore) GetResumePoint(ctx context.Context, boxID string, attempt int) (*DeployStep, error) {
	for _, status := range []StepStatus{StepStatusFailed, StepStatusPending} {
		steps, err := s.querySteps(ctx,
			`box_id = ? AND attempt = ? AND status = ? ORDER BY ord LIMIT 1`,
			boxID, attempt, status)
		if err != nil {
			return nil, err
		}
		if len(steps) > 0 {
			return steps[0], nil
		}
	}
	return nil, nil
}

// GetStepsTree returns the top-level steps for an attempt, each with its
// ordered children attached.
func (s *SQLiteStore) GetStepsTree(ctx context.Context, boxID string, attempt int) ([]*DeployStep, error) {
	steps, err := s.querySteps(ctx, `box_id = ? AND attempt = ? ORDER BY ord`, boxID, attempt)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]*DeployStep, len(steps))
	tree := make([]*DeployStep, 0, len(steps))
	for _, step := range steps {
		byID[step.ID] = step
		if step.ParentID == nil {
			tree = append(tree, step)
			continue
		}
		if parent, ok := byID[*step.ParentID]; ok {
			parent.Children = append(parent.Children, step)
		}
	}

	return tree, nil
}

// ResetFailedSteps clears every failed step of the attempt back to pending,
// wiping timestamps and error messages. Returns the number of rows reset.
func (s *SQLiteStore) ResetFailedSteps(ctx context.Context, boxID string, attempt int) (int64, error) {
	query := `
		UPDATE deploy_steps
		SET status = ?, started_at = NULL, completed_at = NULL, error_message = NULL
		WHERE box_id = ? AND attempt = ? AND status = ?
	`

	result, err := s.db.ExecContext(ctx, query, StepStatusPending, boxID, attempt, StepStatusFailed)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed steps: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// CompletedStepKeys returns the set of step keys (at any nesting level)
// that are completed for the attempt.
func (s *SQLiteStore) CompletedStepKeys(ctx context.Context, boxID string, attempt int) (map[string]bool, error) {
	steps, err := s.querySteps(ctx, `box_id = ? AND attempt = ? AND status = ?`, boxID, attempt, StepStatusCompleted)
	if err != nil {
		return nil, err
	}

	keys := make(map[string]bool, len(steps))
	for _, step := range steps {
		keys[step.Key] = true
	}
	return keys, nil
}

// querySteps runs a SELECT over deploy_steps with the given WHERE clause.
func (s *SQLiteStore) querySteps(ctx context.Context, where string, args ...any) ([]*DeployStep, error) {
	query := `
		SELECT id, box_id, attempt, key, ord, parent_id, status, started_at, completed_at, error_message, metadata
		FROM deploy_steps
		WHERE ` + where

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var steps []*DeployStep
	for rows.Next() {
		step := &DeployStep{}
		var metaJSON string
		if err := rows.Scan(
			&step.ID, &step.BoxID, &step.Attempt, &step.Key, &step.Order, &step.ParentID,
			&step.Status, &step.StartedAt, &step.CompletedAt, &step.ErrorMessage, &metaJSON,
		); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		if err := json.Unmarshal([]byte(metaJSON), &step.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode step metadata: %w", err)
		}
		steps = append(steps, step)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate steps: %w", err)
	}

	return steps, nil
}
