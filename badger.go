package jobcoord

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore implements the Store interface using BadgerDB. It provides
// an embedded key-value alternative to the SQLite engine for deployments
// where all producers and workers run inside one process. Claim exclusivity
// rests on Badger's serializable transactions: a conflicting commit fails
// with badger.ErrConflict, the key-value equivalent of a zero affected-row
// count.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewBadgerStore creates a new BadgerDB store. The database directory will
// be created if it doesn't exist.
// Note: BadgerDB uses its own logger interface, so its internal logging is disabled.
func NewBadgerStore(dbPath string, logger *slog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return &BadgerStore{db: db, logger: logger}, nil
}

// Close closes the database.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}

// key prefixes
const (
	keyPrefixJob   = "job:"
	keyPrefixQueue = "queue:"
)

func jobKey(jobID string) []byte {
	return []byte(keyPrefixJob + jobID)
}

// queueKey orders entries so that ascending iteration yields priority
// descending, then enqueued time ascending.
func queueKey(priority int, enqueuedAtMs int64, jobID string) []byte {
	key := make([]byte, 0, len(keyPrefixQueue)+4+8+len(jobID))
	key = append(key, []byte(keyPrefixQueue)...)
	prio := make([]byte, 4)
	binary.BigEndian.PutUint32(prio, uint32(int64(math.MaxInt32)-int64(priority)))
	key = append(key, prio...)
	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, uint64(enqueuedAtMs))
	key = append(key, ts...)
	key = append(key, []byte(jobID)...)
	return key
}

// retryUpdate retries a BadgerDB update on transaction conflicts, the lost
// claim race in this engine. Fixed delay, bounded attempts.
func (b *BadgerStore) retryUpdate(ctx context.Context, fn func(txn *badger.Txn) error) error {
	const maxConflictRetries = 50
	const conflictDelay = 1 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			time.Sleep(conflictDelay)
		}

		err := b.db.Update(fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, badger.ErrConflict) {
			lastErr = err
			b.logger.Debug("transaction conflict, retrying", "attempt", attempt+1)
			continue
		}
		return err
	}

	return fmt.Errorf("%w: transaction conflict after %d retries: %v", ErrStoreUnavailable, maxConflictRetries, lastErr)
}

func getJobTxn(txn *badger.Txn, jobID string) (*Job, error) {
	item, err := txn.Get(jobKey(jobID))
	if err == badger.ErrKeyNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job: %w", err)
	}

	job := &Job{}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, job)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return job, nil
}

func setJobTxn(txn *badger.Txn, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := txn.Set(jobKey(job.JobID), data); err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}
	return nil
}

// AddJob inserts the job and its queue index entry in one transaction.
func (b *BadgerStore) AddJob(ctx context.Context, job *Job) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(jobKey(job.JobID)); err == nil {
			return fmt.Errorf("%w: %s", ErrDuplicateID, job.JobID)
		} else if err != badger.ErrKeyNotFound {
			return fmt.Errorf("failed to check existing job: %w", err)
		}

		if err := setJobTxn(txn, job); err != nil {
			return err
		}
		if err := txn.Set(queueKey(job.Priority, job.CreatedAt, job.JobID), []byte(job.JobID)); err != nil {
			return fmt.Errorf("failed to index queue entry: %w", err)
		}
		return nil
	})
}

// GetJob retrieves a job by ID.
func (b *BadgerStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	var job *Job
	err = b.db.View(func(txn *badger.Txn) error {
		var err error
		job, err = getJobTxn(txn, jobID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// UpdateJob applies a partial update in one transaction, requeuing failed
// jobs with a fresh queue index entry when retries remain.
func (b *BadgerStore) UpdateJob(ctx context.Context, jobID string, update JobUpdate) (*UpdateResult, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	var result *UpdateResult
	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		job, err := getJobTxn(txn, jobID)
		if err != nil {
			return err
		}

		nowMs := time.Now().UnixMilli()
		requeued, err := applyUpdate(job, update, nowMs)
		if err != nil {
			return err
		}

		if err := setJobTxn(txn, job); err != nil {
			return err
		}
		if requeued {
			if err := txn.Set(queueKey(job.Priority, nowMs, jobID), []byte(jobID)); err != nil {
				return fmt.Errorf("failed to requeue job: %w", err)
			}
		}

		result = &UpdateResult{Job: job, Requeued: requeued}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// FetchNextJob iterates the queue index in claim order and claims the first
// eligible job inside a single transaction. Concurrent claimers conflict at
// commit and retry against the next candidate.
func (b *BadgerStore) FetchNextJob(ctx context.Context, taskTypes []string) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if len(taskTypes) == 0 {
		return nil, nil
	}

	typeSet := make(map[string]bool, len(taskTypes))
	for _, t := range taskTypes {
		typeSet[t] = true
	}

	var claimed *Job
	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		claimed = nil

		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(keyPrefixQueue)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var jobID string
			err := it.Item().Value(func(val []byte) error {
				jobID = string(val)
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to read queue entry: %w", err)
			}

			job, err := getJobTxn(txn, jobID)
			if errors.Is(err, ErrNotFound) {
				// Stale index entry; drop it and keep scanning.
				if err := txn.Delete(it.Item().KeyCopy(nil)); err != nil {
					return fmt.Errorf("failed to drop stale queue entry: %w", err)
				}
				continue
			}
			if err != nil {
				return err
			}
			if job.Status != JobStatusQueued || !typeSet[job.TaskType] {
				continue
			}

			job.Status = JobStatusProcessing
			job.StartedAt = time.Now().UnixMilli()
			job.Progress = 0
			if err := setJobTxn(txn, job); err != nil {
				return err
			}
			if err := txn.Delete(it.Item().KeyCopy(nil)); err != nil {
				return fmt.Errorf("failed to remove queue entry: %w", err)
			}
			claimed = job
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ClaimJob claims one specific queued job.
func (b *BadgerStore) ClaimJob(ctx context.Context, jobID string) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	var claimed *Job
	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		job, err := getJobTxn(txn, jobID)
		if err != nil {
			return err
		}
		if job.Status != JobStatusQueued {
			return fmt.Errorf("%w: job %s is %s, not queued", ErrInvalidTransition, jobID, job.Status)
		}

		if err := b.deleteQueueEntryTxn(txn, jobID); err != nil {
			return err
		}

		job.Status = JobStatusProcessing
		job.StartedAt = time.Now().UnixMilli()
		job.Progress = 0
		if err := setJobTxn(txn, job); err != nil {
			return err
		}
		claimed = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// deleteQueueEntryTxn removes any queue index entry pointing at jobID.
func (b *BadgerStore) deleteQueueEntryTxn(txn *badger.Txn, jobID string) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	prefix := []byte(keyPrefixQueue)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var entryJobID string
		err := it.Item().Value(func(val []byte) error {
			entryJobID = string(val)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to read queue entry: %w", err)
		}
		if entryJobID == jobID {
			if err := txn.Delete(it.Item().KeyCopy(nil)); err != nil {
				return fmt.Errorf("failed to remove queue entry: %w", err)
			}
			return nil
		}
	}
	return nil
}

// DeleteJob removes the job and its queue index entry.
func (b *BadgerStore) DeleteJob(ctx context.Context, jobID string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		if _, err := getJobTxn(txn, jobID); err != nil {
			return err
		}
		if err := txn.Delete(jobKey(jobID)); err != nil {
			return fmt.Errorf("failed to delete job: %w", err)
		}
		return b.deleteQueueEntryTxn(txn, jobID)
	})
}

// ListJobs scans all jobs and filters in memory; acceptable for the
// embedded engine's administrative queries.
func (b *BadgerStore) ListJobs(ctx context.Context, filter ListFilter) ([]*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0)
	err = b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(keyPrefixJob)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			job := &Job{}
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, job)
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal job: %w", err)
			}
			if filter.Status != "" && job.Status != filter.Status {
				continue
			}
			if filter.CreatedBy != "" && job.CreatedBy != filter.CreatedBy {
				continue
			}
			jobs = append(jobs, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt > jobs[j].CreatedAt
	})
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

// RequeueOrphans returns all processing jobs to the queue.
func (b *BadgerStore) RequeueOrphans(ctx context.Context) ([]string, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	var jobIDs []string
	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		jobIDs = jobIDs[:0]
		nowMs := time.Now().UnixMilli()

		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(keyPrefixJob)
		orphans := make([]*Job, 0)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			job := &Job{}
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, job)
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal job: %w", err)
			}
			if job.Status == JobStatusProcessing {
				orphans = append(orphans, job)
			}
		}

		for _, job := range orphans {
			job.Status = JobStatusQueued
			job.Progress = 0
			job.StartedAt = 0
			if err := setJobTxn(txn, job); err != nil {
				return err
			}
			if err := txn.Set(queueKey(job.Priority, nowMs, job.JobID), []byte(job.JobID)); err != nil {
				return fmt.Errorf("failed to re-index queue entry: %w", err)
			}
			jobIDs = append(jobIDs, job.JobID)
		}
		sort.Strings(jobIDs)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if jobIDs == nil {
		jobIDs = []string{}
	}
	return jobIDs, nil
}
