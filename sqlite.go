package jobcoord

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements the Store interface using SQLite. It is the
// reference engine: ACID transactions shared by every producer and worker
// process pointed at the same database file. Claim exclusivity rests on a
// conditional UPDATE whose affected-row count detects a lost race, not on
// any external lock.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// claimAttempts bounds how many queue candidates FetchNextJob tries before
// reporting the queue empty, and how often a busy database is retried.
const claimAttempts = 5

// claimBackoff is the fixed delay between contention retries.
const claimBackoff = 10 * time.Millisecond

// NewSQLiteStore creates a new SQLite store. The database file is created
// if it doesn't exist. A busy timeout is set on the connection so contended
// operations block for a bounded interval instead of failing immediately
// or waiting forever.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	store := &SQLiteStore{db: db, logger: logger}

	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		job_id TEXT PRIMARY KEY,
		task_type TEXT NOT NULL,
		params BLOB,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		output BLOB,
		error_message TEXT,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		created_by TEXT,
		priority INTEGER NOT NULL DEFAULT 5
	);

	CREATE TABLE IF NOT EXISTS queue_entries (
		job_id TEXT NOT NULL UNIQUE,
		priority INTEGER NOT NULL,
		enqueued_at INTEGER NOT NULL,
		FOREIGN KEY (job_id) REFERENCES jobs(job_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_task_type ON jobs(task_type);
	CREATE INDEX IF NOT EXISTS idx_jobs_created_by ON jobs(created_by);
	CREATE INDEX IF NOT EXISTS idx_queue_order ON queue_entries(priority DESC, enqueued_at ASC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// AddJob inserts the job row and its queue entry in a single transaction.
func (s *SQLiteStore) AddJob(ctx context.Context, job *Job) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (job_id, task_type, params, status, progress, output, error_message,
		                  created_at, started_at, completed_at, retry_count, max_retries, created_by, priority)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.JobID, job.TaskType, job.Params, job.Status, job.Progress, job.Output,
		nullStr(job.ErrorMessage), job.CreatedAt, nullMs(job.StartedAt), nullMs(job.CompletedAt),
		job.RetryCount, job.MaxRetries, nullStr(job.CreatedBy), job.Priority)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateID, job.JobID)
		}
		return fmt.Errorf("failed to insert job: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO queue_entries (job_id, priority, enqueued_at)
		VALUES (?, ?, ?)
	`, job.JobID, job.Priority, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert queue entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	return scanJob(s.db.QueryRowContext(ctx, selectJobSQL+` WHERE job_id = ?`, jobID), jobID)
}

// UpdateJob applies a partial update inside a single transaction, enforcing
// the state machine and translating failure reports through the retry
// policy. A requeue re-inserts the queue entry with a fresh enqueued_at so
// the retried job rejoins the back of its priority class.
func (s *SQLiteStore) UpdateJob(ctx context.Context, jobID string, update JobUpdate) (*UpdateResult, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRowContext(ctx, selectJobSQL+` WHERE job_id = ?`, jobID), jobID)
	if err != nil {
		return nil, err
	}

	nowMs := time.Now().UnixMilli()
	requeued, err := applyUpdate(job, update, nowMs)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, progress = ?, output = ?, error_message = ?,
		    started_at = ?, completed_at = ?, retry_count = ?
		WHERE job_id = ?
	`, job.Status, job.Progress, job.Output, nullStr(job.ErrorMessage),
		nullMs(job.StartedAt), nullMs(job.CompletedAt), job.RetryCount, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}

	if requeued {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO queue_entries (job_id, priority, enqueued_at)
			VALUES (?, ?, ?)
		`, jobID, job.Priority, nowMs)
		if err != nil {
			return nil, fmt.Errorf("failed to requeue job: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return &UpdateResult{Job: job, Requeued: requeued}, nil
}

// FetchNextJob atomically claims the next eligible queued job. Candidate
// selection and the claim are separate steps, so the claim is a
// compare-and-swap: UPDATE ... WHERE status='queued' with the affected-row
// count deciding win or lose. A loser moves on to the next candidate.
func (s *SQLiteStore) FetchNextJob(ctx context.Context, taskTypes []string) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if len(taskTypes) == 0 {
		return nil, nil
	}

	query := `
		SELECT q.job_id
		FROM queue_entries q
		INNER JOIN jobs j ON j.job_id = q.job_id
		WHERE j.status = ? AND j.task_type IN (` + placeholders(len(taskTypes)) + `)
		ORDER BY q.priority DESC, q.enqueued_at ASC
		LIMIT 1
	`
	args := make([]interface{}, 0, 1+len(taskTypes))
	args = append(args, JobStatusQueued)
	for _, t := range taskTypes {
		args = append(args, t)
	}

	var busyErr error
	for attempt := 0; attempt < claimAttempts; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			time.Sleep(claimBackoff)
		}

		var jobID string
		err := s.db.QueryRowContext(ctx, query, args...).Scan(&jobID)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			if isBusy(err) {
				busyErr = err
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}

		job, err := s.ClaimJob(ctx, jobID)
		if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrNotFound) {
			// Lost the race to another claimer. Try the next candidate.
			s.logger.Debug("FetchNextJob: lost claim race", "jobID", jobID, "attempt", attempt)
			busyErr = nil
			continue
		}
		if err != nil {
			return nil, err
		}
		return job, nil
	}

	if busyErr != nil {
		return nil, fmt.Errorf("%w: contention persisted after %d attempts: %v", ErrStoreUnavailable, claimAttempts, busyErr)
	}
	return nil, nil
}

// ClaimJob claims one specific queued job via the conditional update.
func (s *SQLiteStore) ClaimJob(ctx context.Context, jobID string) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	nowMs := time.Now().UnixMilli()
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, started_at = ?, progress = 0
		WHERE job_id = ? AND status = ?
	`, JobStatusProcessing, nowMs, jobID, JobStatusQueued)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		// Either the job does not exist or it is no longer queued.
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE job_id = ?`, jobID).Scan(&status)
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to inspect job: %w", err)
		}
		return nil, fmt.Errorf("%w: job %s is %s, not queued", ErrInvalidTransition, jobID, status)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_entries WHERE job_id = ?`, jobID); err != nil {
		return nil, fmt.Errorf("failed to remove queue entry: %w", err)
	}

	job, err := scanJob(tx.QueryRowContext(ctx, selectJobSQL+` WHERE job_id = ?`, jobID), jobID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return job, nil
}

// DeleteJob removes the job and its queue entry, if any.
func (s *SQLiteStore) DeleteJob(ctx context.Context, jobID string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return nil
}

// ListJobs returns jobs matching the filter, newest first.
func (s *SQLiteStore) ListJobs(ctx context.Context, filter ListFilter) ([]*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	query := selectJobSQL + ` WHERE 1=1`
	args := make([]interface{}, 0, 3)
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.CreatedBy != "" {
		query += ` AND created_by = ?`
		args = append(args, filter.CreatedBy)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*Job, 0)
	for rows.Next() {
		job, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// RequeueOrphans returns all processing jobs to the queue, re-inserting
// their queue entries with a fresh enqueued_at.
func (s *SQLiteStore) RequeueOrphans(ctx context.Context) ([]string, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT job_id, priority FROM jobs WHERE status = ?`, JobStatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("failed to query processing jobs: %w", err)
	}

	type orphan struct {
		jobID    string
		priority int
	}
	orphans := make([]orphan, 0)
	for rows.Next() {
		var o orphan
		if err := rows.Scan(&o.jobID, &o.priority); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		orphans = append(orphans, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}

	if len(orphans) == 0 {
		return []string{}, nil
	}

	nowMs := time.Now().UnixMilli()
	jobIDs := make([]string, 0, len(orphans))
	for _, o := range orphans {
		_, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, progress = 0, started_at = NULL WHERE job_id = ? AND status = ?
		`, JobStatusQueued, o.jobID, JobStatusProcessing)
		if err != nil {
			return nil, fmt.Errorf("failed to requeue job %s: %w", o.jobID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO queue_entries (job_id, priority, enqueued_at) VALUES (?, ?, ?)
		`, o.jobID, o.priority, nowMs)
		if err != nil {
			return nil, fmt.Errorf("failed to re-insert queue entry for %s: %w", o.jobID, err)
		}
		jobIDs = append(jobIDs, o.jobID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return jobIDs, nil
}

const selectJobSQL = `
	SELECT job_id, task_type, params, status, progress, output, error_message,
	       created_at, started_at, completed_at, retry_count, max_retries, created_by, priority
	FROM jobs`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner, jobID string) (*Job, error) {
	job, err := scanJobRow(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return job, err
}

func scanJobRow(row rowScanner) (*Job, error) {
	job := &Job{}
	var startedAt, completedAt sql.NullInt64
	var errorMessage, createdBy sql.NullString

	err := row.Scan(
		&job.JobID, &job.TaskType, &job.Params, &job.Status, &job.Progress,
		&job.Output, &errorMessage, &job.CreatedAt, &startedAt, &completedAt,
		&job.RetryCount, &job.MaxRetries, &createdBy, &job.Priority,
	)
	if err != nil {
		return nil, err
	}

	if startedAt.Valid {
		job.StartedAt = startedAt.Int64
	}
	if completedAt.Valid {
		job.CompletedAt = completedAt.Int64
	}
	if errorMessage.Valid {
		job.ErrorMessage = errorMessage.String
	}
	if createdBy.Valid {
		job.CreatedBy = createdBy.String
	}
	return job, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullMs(ms int64) sql.NullInt64 {
	return sql.NullInt64{Int64: ms, Valid: ms != 0}
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return strings.Contains(err.Error(), "database is locked")
}

// placeholders generates a SQL placeholder list for IN clauses.
func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	result := "?"
	for i := 1; i < n; i++ {
		result += ", ?"
	}
	return result
}
