package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultMaxAttempts = 5
	baseBackoff        = 2 * time.Second
	maxBackoff         = 5 * time.Minute
)

const jobColumns = `id, type, COALESCE(dedupe_key, ''), payload_json, status, attempts, max_attempts,
	run_after, created_at, updated_at, COALESCE(last_error, '')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var runAfter, createdAt, updatedAt string
	if err := row.Scan(&j.ID, &j.Type, &j.DedupeKey, &j.PayloadJSON, &j.Status, &j.Attempts,
		&j.MaxAttempts, &runAfter, &createdAt, &updatedAt, &j.LastError); err != nil {
		return Job{}, err
	}
	var err error
	if j.RunAfter, err = parseTime("run_after", runAfter); err != nil {
		return Job{}, err
	}
	if j.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Job{}, err
	}
	if j.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Job{}, err
	}
	return j, nil
}

// EnqueueJob adds a pending job. When the job carries a dedupe key and an
// active job of the same type already holds it, nothing is inserted and the
// existing job id is returned.
func (s *Store) EnqueueJob(job Job) (string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("beginning enqueue: %w", err)
	}
	defer tx.Rollback()

	if job.DedupeKey != "" {
		var existing string
		err := tx.QueryRow(`SELECT id FROM jobs WHERE type = ? AND dedupe_key = ? AND status IN ('pending', 'running')`,
			job.Type, job.DedupeKey).Scan(&existing)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("checking duplicate job: %w", err)
		}
	}

	now := s.timestamp()
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = formatTime(job.RunAfter)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	var dedupe any
	if job.DedupeKey != "" {
		dedupe = job.DedupeKey
	}
	if _, err := tx.Exec(`
		INSERT INTO jobs (id, type, dedupe_key, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, dedupe, job.PayloadJSON, maxAttempts, runAfter, now, now,
	); err != nil {
		return "", fmt.Errorf("inserting job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing enqueue: %w", err)
	}
	return job.ID, nil
}

// ClaimNextJob marks the oldest runnable job of the given types as running
// and returns it, or returns nil when there is none.
func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := s.timestamp()
	args := make([]any, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + strings.Repeat(",?", len(types)-1) + `)
		ORDER BY run_after, created_at
		LIMIT 1`

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim: %w", err)
	}
	defer tx.Rollback()

	j, err := scanJob(tx.QueryRow(query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		return nil, fmt.Errorf("marking job running: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = JobRunning
	j.UpdatedAt, _ = parseTime("updated_at", now)
	return &j, nil
}

func (s *Store) CompleteJob(id string) error {
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, s.timestamp(), id)
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

// FailJob records a failed attempt. The job is rescheduled with exponential
// backoff until it reaches max_attempts, then marked failed. A permanent
// failure skips the remaining attempts.
func (s *Store) FailJob(id, errMsg string, permanent bool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := s.now().UTC()
	attempts++
	if permanent || attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, formatTime(now), id)
	} else {
		_, err = tx.Exec(`UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, formatTime(now.Add(backoff(attempts))), formatTime(now), id)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

func backoff(attempts int) time.Duration {
	d := baseBackoff << (attempts - 1)
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}

// ListJobs returns jobs of a type, newest first. With no statuses given all
// jobs are returned.
func (s *Store) ListJobs(jobType string, statuses ...string) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE type = ?`
	args := []any{jobType}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(",?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
