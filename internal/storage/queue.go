package storage

import (
	"database/sql"
	"fmt"
	"math"
	"time"
)

const defaultMaxAttempts = 3

const taskColumns = "id, user_input, agent_output, status, attempts, max_attempts, run_after, error_msg, created_at, updated_at, completed_at"

// EnqueueTask appends a new pending learning task for one
// conversational turn and returns its id. The row is durable before
// this returns; no model calls happen here, so the synchronous path
// never waits on LLM-bound work.
func (s *Store) EnqueueTask(userInput, agentOutput string) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		INSERT INTO task_queue (user_input, agent_output, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, 'pending', 0, ?, ?, ?, ?)`,
		userInput, agentOutput, defaultMaxAttempts, now, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("enqueueing task: %w", err)
	}
	return res.LastInsertId()
}

// FetchPendingTask atomically claims the oldest runnable pending task,
// transitioning it to processing in the same transaction. Returns nil
// when no task is runnable. Two concurrent callers can never claim the
// same task: the claim update is guarded on status = 'pending'.
func (s *Store) FetchPendingTask() (*Task, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	row := tx.QueryRow(`
		SELECT `+taskColumns+` FROM task_queue
		WHERE status = 'pending' AND run_after <= ?
		ORDER BY id ASC
		LIMIT 1`, now)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next task: %w", err)
	}

	res, err := tx.Exec(`UPDATE task_queue SET status = 'processing', updated_at = ? WHERE id = ? AND status = 'pending'`, now, t.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("claiming task %d: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking claimed rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	t.Status = TaskProcessing
	return &t, nil
}

// CompleteTask transitions a processing task to done. Returns
// ErrNotFound if the task does not exist or is not in processing state
// (completing a task you never claimed is a bug, not a no-op).
func (s *Store) CompleteTask(id int64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE task_queue SET status = 'done', updated_at = ?, completed_at = ?
		WHERE id = ? AND status = 'processing'`, now, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailTask records a failed attempt. Below the retry budget the task
// goes back to pending with exponential backoff; at the budget it
// becomes failed with the reason preserved for diagnosis. Failed tasks
// are never deleted.
func (s *Store) FailTask(id int64, reason string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM task_queue WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`
			UPDATE task_queue SET status = 'failed', attempts = ?, error_msg = ?, updated_at = ?, completed_at = ?
			WHERE id = ?`,
			attempts, reason, now.Format(time.RFC3339), now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`
			UPDATE task_queue SET status = 'pending', attempts = ?, error_msg = ?, run_after = ?, updated_at = ?
			WHERE id = ?`,
			attempts, reason, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

// RecoverStaleTasks re-queues every task left in processing state by an
// unclean shutdown, returning how many were recovered. Called once at
// worker startup; this is what makes delivery at-least-once rather than
// at-most-once.
func (s *Store) RecoverStaleTasks() (int, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE task_queue SET status = 'pending', run_after = ?, updated_at = ?
		WHERE status = 'processing'`, now, now)
	if err != nil {
		return 0, fmt.Errorf("recovering stale tasks: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// GetTask returns the task with the given id, or ErrNotFound.
func (s *Store) GetTask(id int64) (Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM task_queue WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return Task{}, ErrNotFound
	}
	return t, err
}

// ListTasks returns the most recent tasks (newest first), optionally
// filtered by status.
func (s *Store) ListTasks(status string, limit int) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM task_queue`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(row rowScanner) (Task, error) {
	var t Task
	var runAfter, createdAt, updatedAt string
	var completedAt sql.NullString
	err := row.Scan(&t.ID, &t.UserInput, &t.AgentOutput, &t.Status, &t.Attempts, &t.MaxAttempts,
		&runAfter, &t.ErrorMsg, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		return Task{}, err
	}
	if t.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return Task{}, fmt.Errorf("parsing run_after for task %d: %w", t.ID, err)
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Task{}, fmt.Errorf("parsing created_at for task %d: %w", t.ID, err)
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Task{}, fmt.Errorf("parsing updated_at for task %d: %w", t.ID, err)
	}
	if completedAt.Valid && completedAt.String != "" {
		if t.CompletedAt, err = time.Parse(time.RFC3339, completedAt.String); err != nil {
			return Task{}, fmt.Errorf("parsing completed_at for task %d: %w", t.ID, err)
		}
	}
	return t, nil
}
