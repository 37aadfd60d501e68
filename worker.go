package jobcoord

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Processor is the function a worker runs for each claimed job. It
// receives the job and a progress callback reporting 0-100. The returned
// bytes become the job output on success; a non-nil error is reported as
// a failure and routed through the retry policy.
type Processor func(ctx context.Context, job *Job, reportProgress func(int)) ([]byte, error)

// Worker polls the store for eligible jobs and runs them through a
// Processor. While running it maintains a retained presence message on
// the broadcaster and registers a last-will so observers learn about
// crashes without polling.
type Worker struct {
	coord       *Coordinator
	broadcaster Broadcaster
	processor   Processor
	config      *Config
	logger      *slog.Logger
	stopCh      chan struct{}
	doneCh      chan struct{}
}

// NewWorker creates a worker around an existing coordinator. The
// broadcaster should be the same instance the coordinator publishes
// events through, so presence and lifecycle share one connection.
func NewWorker(coord *Coordinator, broadcaster Broadcaster, processor Processor, config *Config, logger *slog.Logger) *Worker {
	if broadcaster == nil {
		broadcaster = NewNoopBroadcaster()
	}
	return &Worker{
		coord:       coord,
		broadcaster: broadcaster,
		processor:   processor,
		config:      config,
		logger:      logger,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start registers the last-will, publishes the retained presence message
// and launches the polling and heartbeat loops. It returns immediately;
// the worker runs until Stop is called or ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	topic := w.config.WorkerTopic(w.config.WorkerID)

	// The will must be registered before the first publish forces a
	// connection, otherwise the broker never learns about it.
	will, err := w.presencePayload("offline")
	if err != nil {
		return fmt.Errorf("failed to build will payload: %w", err)
	}
	w.broadcaster.SetWill(topic, will)

	online, err := w.presencePayload("online")
	if err != nil {
		return fmt.Errorf("failed to build presence payload: %w", err)
	}
	w.broadcaster.PublishRetained(topic, online)

	w.logger.Info("worker started",
		"worker_id", w.config.WorkerID,
		"task_types", w.config.TaskTypes,
		"poll_interval", w.config.PollInterval)

	go w.heartbeatLoop(ctx)
	go w.pollLoop(ctx)

	return nil
}

// Stop shuts the worker down gracefully: it stops polling, waits for an
// in-flight job to finish and clears the retained presence message so
// observers see a clean departure rather than a crash.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
	w.broadcaster.ClearRetained(w.config.WorkerTopic(w.config.WorkerID))
	w.logger.Info("worker stopped", "worker_id", w.config.WorkerID)
}

// RunJob claims and processes one specific job, bypassing the polling
// loop. Entry point for invocations that are handed a job ID directly.
func (w *Worker) RunJob(ctx context.Context, jobID string) error {
	job, err := w.coord.ClaimJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to claim job %s: %w", jobID, err)
	}
	w.runJob(ctx, job)
	return nil
}

func (w *Worker) pollLoop(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollOnce(ctx)
		}
	}
}

// pollOnce drains the queue: it keeps claiming until no eligible job
// remains, so a burst of submissions does not wait one poll interval
// per job.
func (w *Worker) pollOnce(ctx context.Context) {
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.coord.FetchNextJob(ctx, w.config.TaskTypes)
		if err != nil {
			w.logger.Error("failed to fetch next job", "error", err)
			return
		}
		if job == nil {
			return
		}
		w.runJob(ctx, job)
	}
}

func (w *Worker) runJob(ctx context.Context, job *Job) {
	w.logger.Info("processing job", "job_id", job.JobID, "task_type", job.TaskType, "retry_count", job.RetryCount)

	reportProgress := func(progress int) {
		update := JobUpdate{Progress: &progress}
		if _, err := w.coord.UpdateJob(ctx, job.JobID, update); err != nil {
			w.logger.Warn("failed to report progress", "job_id", job.JobID, "error", err)
		}
	}

	output, err := w.processor(ctx, job, reportProgress)
	if err != nil {
		w.reportFailure(ctx, job, err)
		return
	}

	status := JobStatusCompleted
	update := JobUpdate{Status: &status, Output: output}
	if _, updateErr := w.coord.UpdateJob(ctx, job.JobID, update); updateErr != nil {
		w.logger.Error("failed to report completion", "job_id", job.JobID, "error", updateErr)
	}
}

func (w *Worker) reportFailure(ctx context.Context, job *Job, procErr error) {
	status := JobStatusError
	message := procErr.Error()
	update := JobUpdate{Status: &status, ErrorMessage: &message}
	result, err := w.coord.UpdateJob(ctx, job.JobID, update)
	if err != nil {
		w.logger.Error("failed to report failure", "job_id", job.JobID, "error", err)
		return
	}
	if result.Requeued {
		w.logger.Warn("job requeued for retry",
			"job_id", job.JobID, "retry_count", result.Job.RetryCount, "error", message)
	} else {
		w.logger.Error("job failed permanently",
			"job_id", job.JobID, "retry_count", result.Job.RetryCount, "error", message)
	}
}

// heartbeatLoop republishes the retained presence message so observers
// can distinguish a live worker from a stale retained message after a
// broker restart.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	topic := w.config.WorkerTopic(w.config.WorkerID)
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := w.presencePayload("online")
			if err != nil {
				continue
			}
			w.broadcaster.PublishRetained(topic, payload)
		}
	}
}

func (w *Worker) presencePayload(status string) ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"worker_id":  w.config.WorkerID,
		"status":     status,
		"task_types": w.config.TaskTypes,
		"timestamp":  time.Now().UnixMilli(),
	})
}
