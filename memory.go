package jobcoord

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements the Store interface using in-memory maps. It uses
// a single mutex for thread-safety and is suitable for tests and embedded
// single-process setups. State does not survive a restart.
type MemoryStore struct {
	mu     sync.RWMutex
	jobs   map[string]*Job
	queue  map[string]*QueueEntry // jobID -> active queue entry
	closed bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:  make(map[string]*Job),
		queue: make(map[string]*QueueEntry),
	}
}

// Close closes the store and prevents further operations.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemoryStore) ensureOpenLocked() error {
	if m.closed {
		return fmt.Errorf("%w: store is closed", ErrStoreUnavailable)
	}
	return nil
}

// AddJob inserts the job and its queue entry atomically under the lock.
func (m *MemoryStore) AddJob(ctx context.Context, job *Job) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureOpenLocked(); err != nil {
		return err
	}
	if _, exists := m.jobs[job.JobID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, job.JobID)
	}

	stored := *job
	m.jobs[job.JobID] = &stored
	m.queue[job.JobID] = &QueueEntry{
		JobID:      job.JobID,
		Priority:   job.Priority,
		EnqueuedAt: job.CreatedAt,
	}
	return nil
}

// GetJob retrieves a copy of the job by ID.
func (m *MemoryStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.ensureOpenLocked(); err != nil {
		return nil, err
	}
	job, exists := m.jobs[jobID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	copied := *job
	return &copied, nil
}

// UpdateJob applies a partial update under the lock.
func (m *MemoryStore) UpdateJob(ctx context.Context, jobID string, update JobUpdate) (*UpdateResult, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureOpenLocked(); err != nil {
		return nil, err
	}
	job, exists := m.jobs[jobID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}

	nowMs := time.Now().UnixMilli()
	candidate := *job
	requeued, err := applyUpdate(&candidate, update, nowMs)
	if err != nil {
		return nil, err
	}

	*job = candidate
	if requeued {
		m.queue[jobID] = &QueueEntry{JobID: jobID, Priority: job.Priority, EnqueuedAt: nowMs}
	}

	copied := *job
	return &UpdateResult{Job: &copied, Requeued: requeued}, nil
}

// FetchNextJob claims the highest-priority eligible queued job. The single
// mutex makes the select-and-claim indivisible within this process.
func (m *MemoryStore) FetchNextJob(ctx context.Context, taskTypes []string) (*Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	if len(taskTypes) == 0 {
		return nil, nil
	}

	typeSet := make(map[string]bool, len(taskTypes))
	for _, t := range taskTypes {
		typeSet[t] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureOpenLocked(); err != nil {
		return nil, err
	}

	candidates := make([]*QueueEntry, 0, len(m.queue))
	for _, entry := range m.queue {
		job, exists := m.jobs[entry.JobID]
		if !exists || job.Status != JobStatusQueued || !typeSet[job.TaskType] {
			continue
		}
		candidates = append(candidates, entry)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].EnqueuedAt < candidates[j].EnqueuedAt
	})

	return m.claimLocked(candidates[0].JobID), nil
}

// ClaimJob claims one specific queued job.
func (m *MemoryStore) ClaimJob(ctx context.Context, jobID string) (*Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureOpenLocked(); err != nil {
		return nil, err
	}
	job, exists := m.jobs[jobID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if job.Status != JobStatusQueued {
		return nil, fmt.Errorf("%w: job %s is %s, not queued", ErrInvalidTransition, jobID, job.Status)
	}
	return m.claimLocked(jobID), nil
}

func (m *MemoryStore) claimLocked(jobID string) *Job {
	job := m.jobs[jobID]
	job.Status = JobStatusProcessing
	job.StartedAt = time.Now().UnixMilli()
	job.Progress = 0
	delete(m.queue, jobID)
	copied := *job
	return &copied
}

// DeleteJob removes the job and its queue entry.
func (m *MemoryStore) DeleteJob(ctx context.Context, jobID string) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureOpenLocked(); err != nil {
		return err
	}
	if _, exists := m.jobs[jobID]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	delete(m.jobs, jobID)
	delete(m.queue, jobID)
	return nil
}

// ListJobs returns jobs matching the filter, newest first.
func (m *MemoryStore) ListJobs(ctx context.Context, filter ListFilter) ([]*Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.ensureOpenLocked(); err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0)
	for _, job := range m.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.CreatedBy != "" && job.CreatedBy != filter.CreatedBy {
			continue
		}
		copied := *job
		jobs = append(jobs, &copied)
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
func (m *MemoryStore) RequeueOrphans(ctx context.Context) ([]string, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureOpenLocked(); err != nil {
		return nil, err
	}

	nowMs := time.Now().UnixMilli()
	jobIDs := make([]string, 0)
	for _, job := range m.jobs {
		if job.Status != JobStatusProcessing {
			continue
		}
		job.Status = JobStatusQueued
		job.Progress = 0
		job.StartedAt = 0
		m.queue[job.JobID] = &QueueEntry{JobID: job.JobID, Priority: job.Priority, EnqueuedAt: nowMs}
		jobIDs = append(jobIDs, job.JobID)
	}
	sort.Strings(jobIDs)
	return jobIDs, nil
}
