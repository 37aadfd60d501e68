// Package jobcoord provides the shared job coordination core used by
// independent producer and worker processes. Jobs are handed off through a
// durable, concurrently-accessed store with atomic claiming, and every
// lifecycle transition is broadcast to interested observers in real time.
//
// The package supports:
//   - Multiple store implementations (SQLite, BadgerDB, in-memory)
//   - Exactly-one-claimer semantics via optimistic locking
//   - Transient-failure retries with bounded retry counts
//   - Best-effort MQTT event broadcasting with a no-op variant
//   - Retained worker-presence messages with last-will crash detection
//
// Example usage:
//
//	store, _ := jobcoord.NewSQLiteStore("./jobs.db", logger)
//	coord := jobcoord.NewCoordinator(store, jobcoord.NewNoopBroadcaster(), logger)
//	defer coord.Close()
//
//	job := &jobcoord.Job{
//	    JobID:    jobcoord.NewJobID(),
//	    TaskType: "image_resize",
//	    Params:   []byte(`{"width": 100, "height": 100}`),
//	}
//	coord.AddJob(ctx, job, "user123", 5)
package jobcoord

import (
	"github.com/google/uuid"
)

// JobStatus represents the status of a job in the coordination store.
type JobStatus string

const (
	// JobStatusQueued indicates the job is waiting to be claimed by a worker.
	JobStatusQueued JobStatus = "queued"
	// JobStatusProcessing indicates the job has been claimed and is being processed.
	JobStatusProcessing JobStatus = "processing"
	// JobStatusCompleted indicates the job finished successfully (terminal).
	JobStatusCompleted JobStatus = "completed"
	// JobStatusError indicates the job failed with no retries remaining (terminal).
	JobStatusError JobStatus = "error"
)

// IsTerminal reports whether s is a terminal status. Terminal jobs reject
// all further updates.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusError
}

// DefaultPriority is assigned to jobs enqueued without an explicit priority.
// Higher priorities are claimed first.
const DefaultPriority = 5

// DefaultMaxRetries is the number of times a failed job is returned to the
// queue before it is finalized as error.
const DefaultMaxRetries = 3

// Job is the durable record of a unit of compute work.
//
// The legal status transition graph is exactly:
//
//	queued → processing → {completed, queued (retry), error}
//
// Stores reject every other transition with ErrInvalidTransition.
// All timestamps are Unix epoch milliseconds; zero means not set.
type Job struct {
	JobID        string    // Unique identifier, immutable after creation
	TaskType     string    // Worker capability tag selecting who may claim this job
	Params       []byte    // Opaque serialized payload (producer-defined schema), immutable
	Status       JobStatus // Current lifecycle status
	Progress     int       // 0-100, non-decreasing while processing, reset to 0 on requeue
	Output       []byte    // Opaque serialized result, set only on completion
	ErrorMessage string    // Set when a processing attempt fails, cleared on retry
	CreatedAt    int64     // When the job was created (ms)
	StartedAt    int64     // When the job was last claimed (ms); updated on re-claim after retry
	CompletedAt  int64     // When the job reached a terminal status (ms)
	RetryCount   int       // Number of failed attempts that were requeued
	MaxRetries   int       // Retry budget; once exhausted a failure is terminal
	CreatedBy    string    // Optional attribution, immutable
	Priority     int       // Claim ordering, higher first
}

// QueueEntry is the secondary index row ordering queued jobs for claiming.
// One active entry exists per job while it is queued; the entry is removed
// atomically with the claim transition and re-inserted with a fresh
// EnqueuedAt when a failed job is requeued, so retried jobs rejoin at the
// back of their priority class.
type QueueEntry struct {
	JobID      string
	Priority   int
	EnqueuedAt int64 // ms, FIFO tie-break within equal priority
}

// JobUpdate describes a partial update to a job. Only non-nil fields are
// applied. A Status of JobStatusError is interpreted as a failure report:
// the store either requeues the job or finalizes it depending on the retry
// budget (see RetryDecision).
type JobUpdate struct {
	Status       *JobStatus
	Progress     *int
	Output       []byte
	ErrorMessage *string
}

// NewJobID returns a fresh opaque job identifier.
func NewJobID() string {
	return uuid.NewString()
}

// prepareJob normalizes a caller-supplied job for insertion: forces the
// initial status, zeroes worker-owned fields, and applies defaults.
func prepareJob(job *Job, createdBy string, priority int, nowMs int64) *Job {
	prepared := *job
	prepared.Status = JobStatusQueued
	prepared.Progress = 0
	prepared.Output = nil
	prepared.ErrorMessage = ""
	prepared.StartedAt = 0
	prepared.CompletedAt = 0
	prepared.RetryCount = 0
	if prepared.MaxRetries <= 0 {
		prepared.MaxRetries = DefaultMaxRetries
	}
	if prepared.CreatedAt == 0 {
		prepared.CreatedAt = nowMs
	}
	prepared.CreatedBy = createdBy
	prepared.Priority = priority
	return &prepared
}
