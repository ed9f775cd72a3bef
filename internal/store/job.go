package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/chime/internal/model"
)

// JobStore is the durable timer registry. Rows are derived work, never a
// source of truth: a job says "run kind/key at this instant", and the handler
// re-reads authoritative state when it fires.
type JobStore struct {
	db *sql.DB
}

func NewJobStore(db *sql.DB) *JobStore {
	return &JobStore{db: db}
}

const jobCols = `id, kind, dedup_key, run_at, status, claimed_at, created_at`

func scanJob(scanner interface{ Scan(...any) error }) (*model.Job, error) {
	var j model.Job
	var claimedAt sql.NullTime
	err := scanner.Scan(&j.ID, &j.Kind, &j.DedupKey, &j.RunAt, &j.Status, &claimedAt, &j.CreatedAt)
	if err != nil {
		return nil, err
	}
	if claimedAt.Valid {
		j.ClaimedAt = &claimedAt.Time
	}
	return &j, nil
}

// Schedule registers or moves the single timer for kind/dedupKey. Scheduling
// over a running job resets it to pending, so a fire handler that reschedules
// its own reminder survives the runner's completion cleanup.
func (s *JobStore) Schedule(kind, dedupKey string, runAt time.Time) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO jobs (kind, dedup_key, run_at, status, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (kind, dedup_key) DO UPDATE SET
			run_at = excluded.run_at,
			status = ?,
			claimed_at = NULL`,
		kind, dedupKey, runAt.UTC(), model.JobPending, now, model.JobPending,
	)
	if err != nil {
		return fmt.Errorf("schedule job: %w", err)
	}
	return nil
}

// Get returns the job registered for kind/dedupKey, or nil.
func (s *JobStore) Get(kind, dedupKey string) (*model.Job, error) {
	row := s.db.QueryRow(
		`SELECT `+jobCols+` FROM jobs WHERE kind = ? AND dedup_key = ?`,
		kind, dedupKey,
	)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ClaimDue flips up to limit due pending jobs to running and returns them.
// The per-row conditional update makes concurrent claimers safe: each job
// goes to exactly one.
func (s *JobStore) ClaimDue(now time.Time, limit int) ([]model.Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT `+jobCols+` FROM jobs
		 WHERE status = ? AND run_at <= ?
		 ORDER BY run_at ASC LIMIT ?`,
		model.JobPending, now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select due jobs: %w", err)
	}

	var due []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan job: %w", err)
		}
		due = append(due, *j)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	claimedAt := now.UTC()
	var claimed []model.Job
	for _, j := range due {
		result, err := tx.Exec(
			`UPDATE jobs SET status = ?, claimed_at = ? WHERE id = ? AND status = ?`,
			model.JobRunning, claimedAt, j.ID, model.JobPending,
		)
		if err != nil {
			return nil, fmt.Errorf("claim job: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("rows affected: %w", err)
		}
		if n > 0 {
			j.Status = model.JobRunning
			j.ClaimedAt = &claimedAt
			claimed = append(claimed, j)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return claimed, nil
}

// Complete removes a finished job unless its handler rescheduled it back to
// pending mid-run.
func (s *JobStore) Complete(id int64) error {
	_, err := s.db.Exec(
		`DELETE FROM jobs WHERE id = ? AND status = ?`,
		id, model.JobRunning,
	)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// Retry sends a failed job back to pending to run again at the given instant.
func (s *JobStore) Retry(id int64, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE jobs SET status = ?, claimed_at = NULL, run_at = ? WHERE id = ?`,
		model.JobPending, at.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	return nil
}

// Cancel drops a pending timer. A job already claimed is left to its handler,
// which re-checks authoritative state before acting.
func (s *JobStore) Cancel(kind, dedupKey string) error {
	_, err := s.db.Exec(
		`DELETE FROM jobs WHERE kind = ? AND dedup_key = ? AND status = ?`,
		kind, dedupKey, model.JobPending,
	)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	return nil
}

// ReleaseStale returns jobs claimed before the cutoff to pending, recovering
// work orphaned by a crashed worker. Reports how many were released.
func (s *JobStore) ReleaseStale(before time.Time) (int64, error) {
	result, err := s.db.Exec(
		`UPDATE jobs SET status = ?, claimed_at = NULL WHERE status = ? AND claimed_at < ?`,
		model.JobPending, model.JobRunning, before.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("release stale jobs: %w", err)
	}
	return result.RowsAffected()
}
