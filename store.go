package jobcoord

import (
	"context"
	"errors"
)

// Sentinel errors returned by Store implementations. Callers match them
// with errors.Is.
var (
	// ErrDuplicateID is returned by AddJob when the job ID already exists.
	// Producers should treat it as "already submitted", not a fatal error.
	ErrDuplicateID = errors.New("job ID already exists")

	// ErrNotFound is returned when no job with the given ID exists.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when an update would violate the
	// job state machine. The job is left unchanged.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrStoreUnavailable is returned when the backing store is unreachable
	// or contention could not be resolved within the bounded retry budget.
	// Workers observing it should back off and retry polling.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// UpdateResult reports what a partial update did, so the caller can emit
// the matching broadcast event without re-reading the store.
type UpdateResult struct {
	Job      *Job
	Requeued bool // the failure report was translated into a retry requeue
}

// ListFilter narrows ListJobs results. Zero values match everything.
type ListFilter struct {
	Status    JobStatus
	CreatedBy string
	Limit     int
}

// Store is the durable storage engine owning Job and QueueEntry state.
// Implementations must be safe for concurrent use from multiple goroutines,
// and FetchNextJob must guarantee that a queued job is claimed by exactly
// one caller across any number of concurrent processes.
type Store interface {
	// AddJob inserts the job together with its queue entry in a single
	// transaction. Returns ErrDuplicateID if the job ID already exists.
	// The write is durable and visible to subsequent reads immediately.
	AddJob(ctx context.Context, job *Job) error

	// GetJob retrieves a job by ID. Pure read, no side effects.
	GetJob(ctx context.Context, jobID string) (*Job, error)

	// UpdateJob applies the supplied fields. Transitions into completed or
	// error are rejected with ErrInvalidTransition unless the job is
	// currently processing; updates to terminal jobs are always rejected.
	// A failure report (Status=error) with retries remaining is translated
	// into a requeue: retry count incremented, progress reset, error
	// message recorded, and a fresh queue entry inserted.
	UpdateJob(ctx context.Context, jobID string, update JobUpdate) (*UpdateResult, error)

	// FetchNextJob atomically claims the highest-priority queued job whose
	// task type is in taskTypes: status set to processing, StartedAt set,
	// queue entry removed, all indivisibly. Candidates are ordered by
	// priority descending then enqueued time ascending. Returns (nil, nil)
	// when no eligible job exists; this is an expected outcome under
	// polling, not an error.
	FetchNextJob(ctx context.Context, taskTypes []string) (*Job, error)

	// ClaimJob atomically claims one specific queued job. Same conditional
	// transition as FetchNextJob, for entry points that are handed a job ID.
	// Returns ErrInvalidTransition if the job is not queued.
	ClaimJob(ctx context.Context, jobID string) (*Job, error)

	// DeleteJob removes the job and any queue entry. Administrative
	// operation; emits no lifecycle event.
	DeleteJob(ctx context.Context, jobID string) error

	// ListJobs returns jobs matching the filter, newest first.
	ListJobs(ctx context.Context, filter ListFilter) ([]*Job, error)

	// RequeueOrphans returns all processing jobs to the queue. Recovery
	// helper for operators restarting after a crash left claimed jobs
	// behind; never invoked implicitly. Returns the requeued job IDs.
	RequeueOrphans(ctx context.Context) ([]string, error)

	// Close releases the store connection.
	Close() error
}
