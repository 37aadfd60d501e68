package jobcoord

// RetryDecision is the outcome of the retry policy for a reported failure.
type RetryDecision int

const (
	// RetryRequeue returns the job to the queue for another attempt.
	RetryRequeue RetryDecision = iota
	// RetryFinalize terminates the job as error.
	RetryFinalize
)

// DecideRetry is the retry policy applied when a processing attempt fails:
// requeue while the retry budget lasts, finalize once it is exhausted.
// Deterministic and side-effect free; stores invoke it inside the same
// transaction as the status transition so a job is never observable in a
// state that is neither processing, queued, nor error.
func DecideRetry(retryCount, maxRetries int) RetryDecision {
	if retryCount < maxRetries {
		return RetryRequeue
	}
	return RetryFinalize
}
