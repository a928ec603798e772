// ABOUTME: Task persistence with compare-and-swap status transitions
// ABOUTME: Implements create, claim, complete, complete-direct, fail and listings

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const taskColumns = `id, assigner_id, assignee_id, task_type, payload, status, result, error,
	created_at, claimed_at, completed_at, expires_at`

// CreateTask inserts a new pending task. ID and CreatedAt are filled in when empty.
// Returns ErrNotFound if the assignee is not in the agent directory.
func (s *SQLStore) CreateTask(ctx context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.Status == "" {
		task.Status = TaskStatusPending
	}
	payload := task.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	_, err := s.exec(ctx, `
		INSERT INTO tasks (id, assigner_id, assignee_id, task_type, payload, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		task.ID,
		task.AssignerID,
		task.AssigneeID,
		task.TaskType,
		string(payload),
		string(task.Status),
		formatTime(task.CreatedAt),
		formatTimePtr(task.ExpiresAt),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("assignee %s: %w", task.AssigneeID, ErrNotFound)
		}
		return fmt.Errorf("inserting task: %w", err)
	}

	s.logger.Debug("created task", "id", task.ID, "assignee", task.AssigneeID, "type", task.TaskType)
	return nil
}

// GetTask retrieves a task by ID.
// Returns ErrNotFound if the task doesn't exist.
func (s *SQLStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.queryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}
	return task, nil
}

// ClaimTask moves a task from pending to claimed.
func (s *SQLStore) ClaimTask(ctx context.Context, id string) (*Task, error) {
	now := formatTime(time.Now())
	ok, err := s.transition(ctx, `
		UPDATE tasks SET status = ?, claimed_at = ?
		WHERE id = ? AND status = ?
	`, TaskStatusClaimed, now, id, TaskStatusPending)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.rejected(ctx, id)
	}
	return s.GetTask(ctx, id)
}

// CompleteTask moves a task from claimed to completed, recording result.
func (s *SQLStore) CompleteTask(ctx context.Context, id string, result json.RawMessage) (*Task, error) {
	ok, err := s.completeClaimed(ctx, id, result)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.rejected(ctx, id)
	}
	return s.GetTask(ctx, id)
}

// CompleteTaskDirect completes a pending task in one step, stamping claimed_at
// as a claim would. A task that is already claimed is completed normally.
func (s *SQLStore) CompleteTaskDirect(ctx context.Context, id string, result json.RawMessage) (*Task, error) {
	now := formatTime(time.Now())
	ok, err := s.transition(ctx, `
		UPDATE tasks SET status = ?, result = ?, claimed_at = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`, TaskStatusCompleted, jsonValue(result), now, now, id, TaskStatusPending)
	if err != nil {
		return nil, err
	}
	if !ok {
		ok, err = s.completeClaimed(ctx, id, result)
		if err != nil {
			return nil, err
		}
	}
	if !ok {
		return nil, s.rejected(ctx, id)
	}
	return s.GetTask(ctx, id)
}

// FailTask moves a task from claimed to failed, recording the error value.
func (s *SQLStore) FailTask(ctx context.Context, id string, errValue json.RawMessage) (*Task, error) {
	ok, err := s.transition(ctx, `
		UPDATE tasks SET status = ?, error = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`, TaskStatusFailed, jsonValue(errValue), formatTime(time.Now()), id, TaskStatusClaimed)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.rejected(ctx, id)
	}
	return s.GetTask(ctx, id)
}

func (s *SQLStore) completeClaimed(ctx context.Context, id string, result json.RawMessage) (bool, error) {
	return s.transition(ctx, `
		UPDATE tasks SET status = ?, result = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`, TaskStatusCompleted, jsonValue(result), formatTime(time.Now()), id, TaskStatusClaimed)
}

// transition runs a conditional update and reports whether a row matched.
func (s *SQLStore) transition(ctx context.Context, query string, args ...any) (bool, error) {
	for i, a := range args {
		if st, ok := a.(TaskStatus); ok {
			args[i] = string(st)
		}
	}

	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("updating task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return n == 1, nil
}

// rejected explains why a transition matched no row.
func (s *SQLStore) rejected(ctx context.Context, id string) error {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	return &ConflictError{TaskID: id, Status: task.Status}
}

// ListTasksByAssignee returns the assignee's tasks oldest-first, optionally filtered by status.
func (s *SQLStore) ListTasksByAssignee(ctx context.Context, assigneeID string, statuses ...TaskStatus) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE assignee_id = ?`
	args := []any{assigneeID}
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` AND status IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY created_at ASC, id ASC`

	return s.listTasks(ctx, query, args...)
}

// ListTasksByAssigner returns tasks created by assignerID newest-first.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLStore) ListTasksByAssigner(ctx context.Context, assignerID string, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	return s.listTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE assigner_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, assignerID, limit)
}

func (s *SQLStore) listTasks(ctx context.Context, query string, args ...any) ([]*Task, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task rows: %w", err)
	}
	return tasks, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var payload, status, createdAt string
	var result, errValue, claimedAt, completedAt, expiresAt sql.NullString

	if err := row.Scan(
		&t.ID,
		&t.AssignerID,
		&t.AssigneeID,
		&t.TaskType,
		&payload,
		&status,
		&result,
		&errValue,
		&createdAt,
		&claimedAt,
		&completedAt,
		&expiresAt,
	); err != nil {
		return nil, err
	}

	t.Payload = json.RawMessage(payload)
	t.Status = TaskStatus(status)
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	if errValue.Valid {
		t.Error = json.RawMessage(errValue.String)
	}

	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if t.ClaimedAt, err = parseNullTime(claimedAt); err != nil {
		return nil, fmt.Errorf("parsing claimed_at: %w", err)
	}
	if t.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, fmt.Errorf("parsing completed_at: %w", err)
	}
	if t.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	return &t, nil
}

// jsonValue stores an absent value as JSON null so the column marks the write.
func jsonValue(v json.RawMessage) string {
	if len(v) == 0 {
		return "null"
	}
	return string(v)
}
