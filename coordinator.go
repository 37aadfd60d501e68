package jobcoord

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Coordinator is the facade producers and workers talk to. It pairs a
// Store with a Broadcaster so every successful mutation emits the
// matching lifecycle event. Store failures are returned to the caller;
// broadcast failures never are.
type Coordinator struct {
	store       Store
	broadcaster Broadcaster
	logger      *slog.Logger
}

// NewCoordinator wires a store and a broadcaster together. A nil
// broadcaster is replaced with the no-op variant.
func NewCoordinator(store Store, broadcaster Broadcaster, logger *slog.Logger) *Coordinator {
	if broadcaster == nil {
		broadcaster = NewNoopBroadcaster()
	}
	return &Coordinator{
		store:       store,
		broadcaster: broadcaster,
		logger:      logger,
	}
}

// Store exposes the underlying store for callers needing direct access.
func (c *Coordinator) Store() Store {
	return c.store
}

// AddJob normalizes and persists a new job, then emits a created event.
// The caller keeps ownership of job; the stored copy is returned.
// Priority values <= 0 fall back to DefaultPriority.
func (c *Coordinator) AddJob(ctx context.Context, job *Job, createdBy string, priority int) (*Job, error) {
	if job.JobID == "" {
		job.JobID = NewJobID()
	}
	if priority <= 0 {
		priority = DefaultPriority
	}
	prepared := prepareJob(job, createdBy, priority, time.Now().UnixMilli())
	if err := c.store.AddJob(ctx, prepared); err != nil {
		return nil, fmt.Errorf("failed to add job %s: %w", prepared.JobID, err)
	}
	c.logger.Info("job added", "job_id", prepared.JobID, "task_type", prepared.TaskType, "priority", prepared.Priority)
	c.broadcaster.PublishEvent(EventCreated, prepared.JobID, map[string]interface{}{
		"task_type": prepared.TaskType,
		"priority":  prepared.Priority,
	})
	return prepared, nil
}

// GetJob retrieves a job by ID.
func (c *Coordinator) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return c.store.GetJob(ctx, jobID)
}

// UpdateJob applies a partial update and emits the event matching what
// the store actually did: progress for progress-only updates, completed
// for successful completion, failed for a failure report whether it was
// requeued or finalized.
func (c *Coordinator) UpdateJob(ctx context.Context, jobID string, update JobUpdate) (*UpdateResult, error) {
	result, err := c.store.UpdateJob(ctx, jobID, update)
	if err != nil {
		return nil, err
	}
	c.emitUpdateEvent(jobID, update, result)
	return result, nil
}

func (c *Coordinator) emitUpdateEvent(jobID string, update JobUpdate, result *UpdateResult) {
	job := result.Job
	switch {
	case update.Status != nil && *update.Status == JobStatusCompleted:
		c.logger.Info("job completed", "job_id", jobID)
		c.broadcaster.PublishEvent(EventCompleted, jobID, map[string]interface{}{
			"task_type": job.TaskType,
		})
	case update.Status != nil && *update.Status == JobStatusError:
		c.logger.Warn("job failed", "job_id", jobID,
			"retry_count", job.RetryCount, "requeued", result.Requeued,
			"error", job.ErrorMessage)
		c.broadcaster.PublishEvent(EventFailed, jobID, map[string]interface{}{
			"task_type":   job.TaskType,
			"error":       job.ErrorMessage,
			"retry_count": job.RetryCount,
			"will_retry":  result.Requeued,
		})
	case update.Progress != nil:
		c.broadcaster.PublishEvent(EventProgress, jobID, map[string]interface{}{
			"progress": job.Progress,
		})
	}
}

// FetchNextJob claims the next eligible queued job and emits a started
// event. Returns (nil, nil) when the queue has nothing eligible.
func (c *Coordinator) FetchNextJob(ctx context.Context, taskTypes []string) (*Job, error) {
	job, err := c.store.FetchNextJob(ctx, taskTypes)
	if err != nil || job == nil {
		return job, err
	}
	c.emitStarted(job)
	return job, nil
}

// ClaimJob claims one specific queued job and emits a started event.
func (c *Coordinator) ClaimJob(ctx context.Context, jobID string) (*Job, error) {
	job, err := c.store.ClaimJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	c.emitStarted(job)
	return job, nil
}

func (c *Coordinator) emitStarted(job *Job) {
	c.logger.Info("job claimed", "job_id", job.JobID, "task_type", job.TaskType, "retry_count", job.RetryCount)
	c.broadcaster.PublishEvent(EventStarted, job.JobID, map[string]interface{}{
		"task_type":   job.TaskType,
		"retry_count": job.RetryCount,
	})
}

// DeleteJob removes a job. Administrative operation, no event emitted.
func (c *Coordinator) DeleteJob(ctx context.Context, jobID string) error {
	return c.store.DeleteJob(ctx, jobID)
}

// ListJobs returns jobs matching the filter, newest first.
func (c *Coordinator) ListJobs(ctx context.Context, filter ListFilter) ([]*Job, error) {
	return c.store.ListJobs(ctx, filter)
}

// RequeueOrphans returns all processing jobs to the queue. Operator
// recovery helper for jobs stranded by crashed workers.
func (c *Coordinator) RequeueOrphans(ctx context.Context) ([]string, error) {
	ids, err := c.store.RequeueOrphans(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		c.logger.Info("orphaned jobs requeued", "count", len(ids))
	}
	return ids, nil
}

// Close shuts down the broadcaster and releases the store.
func (c *Coordinator) Close() error {
	c.broadcaster.Shutdown()
	return c.store.Close()
}
