package jobcoord

import "fmt"

// applyUpdate validates a partial update against the job state machine and
// mutates job in place. It returns whether the update was a failure report
// translated into a retry requeue. All stores funnel UpdateJob through this
// helper so the transition rules cannot drift between engines; callers
// persist the mutated job (and queue entry, when requeued=true) in the same
// transaction that loaded it.
func applyUpdate(job *Job, update JobUpdate, nowMs int64) (requeued bool, err error) {
	if update.Status == nil && update.Progress == nil && update.Output == nil && update.ErrorMessage == nil {
		return false, fmt.Errorf("%w: empty update", ErrInvalidTransition)
	}
	if job.Status.IsTerminal() {
		return false, fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, job.JobID, job.Status)
	}

	if update.Status != nil {
		switch *update.Status {
		case JobStatusCompleted:
			if job.Status != JobStatusProcessing {
				return false, fmt.Errorf("%w: cannot complete job %s in status %s", ErrInvalidTransition, job.JobID, job.Status)
			}
			job.Status = JobStatusCompleted
			job.Progress = 100
			job.CompletedAt = nowMs
			if update.Output != nil {
				job.Output = update.Output
			}
		case JobStatusError:
			if job.Status != JobStatusProcessing {
				return false, fmt.Errorf("%w: cannot fail job %s in status %s", ErrInvalidTransition, job.JobID, job.Status)
			}
			errMsg := "processing failed"
			if update.ErrorMessage != nil {
				errMsg = *update.ErrorMessage
			}
			switch DecideRetry(job.RetryCount, job.MaxRetries) {
			case RetryRequeue:
				job.Status = JobStatusQueued
				job.RetryCount++
				job.Progress = 0
				job.StartedAt = 0
				job.ErrorMessage = errMsg
				requeued = true
			case RetryFinalize:
				job.Status = JobStatusError
				job.ErrorMessage = errMsg
				job.CompletedAt = nowMs
			}
		default:
			// queued and processing are reachable only through the retry
			// path and the claim path respectively, never by direct update.
			return false, fmt.Errorf("%w: cannot set job %s to %s directly", ErrInvalidTransition, job.JobID, *update.Status)
		}
		return requeued, nil
	}

	// Field-only update on a non-terminal job.
	if update.Progress != nil {
		if job.Status != JobStatusProcessing {
			return false, fmt.Errorf("%w: progress update on job %s in status %s", ErrInvalidTransition, job.JobID, job.Status)
		}
		p := *update.Progress
		if p < 0 || p > 100 {
			return false, fmt.Errorf("progress must be in [0,100], got %d", p)
		}
		// Non-decreasing while processing; stale lower values are ignored.
		if p > job.Progress {
			job.Progress = p
		}
	}
	if update.Output != nil {
		job.Output = update.Output
	}
	if update.ErrorMessage != nil {
		job.ErrorMessage = *update.ErrorMessage
	}
	return false, nil
}
