package jobcoord_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dvkhr/jobcoord"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// testLogger creates a logger for tests (only errors are shown)
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// newTestJob builds a fully populated queued job ready for AddJob.
func newTestJob(id, taskType string, priority int) *jobcoord.Job {
	return &jobcoord.Job{
		JobID:      id,
		TaskType:   taskType,
		Params:     []byte(`{"input":"test"}`),
		Status:     jobcoord.JobStatusQueued,
		CreatedAt:  time.Now().UnixMilli(),
		MaxRetries: jobcoord.DefaultMaxRetries,
		CreatedBy:  "tester",
		Priority:   priority,
	}
}

// StoreTestSuite runs the shared contract tests against a Store implementation
func StoreTestSuite(storeFactory func() (jobcoord.Store, func())) {
	var store jobcoord.Store
	var cleanup func()
	var ctx context.Context

	BeforeEach(func() {
		store, cleanup = storeFactory()
		ctx = context.Background()
	})

	AfterEach(func() {
		if cleanup != nil {
			cleanup()
		}
	})

	// claimed puts a job into processing state and returns it.
	claimed := func(id string) *jobcoord.Job {
		job := newTestJob(id, "test", jobcoord.DefaultPriority)
		Expect(store.AddJob(ctx, job)).To(Succeed())
		fetched, err := store.ClaimJob(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		return fetched
	}

	Describe("AddJob", func() {
		It("should add a job and retrieve it", func() {
			job := newTestJob("job-1", "image_resize", 5)
			Expect(store.AddJob(ctx, job)).To(Succeed())

			retrieved, err := store.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(retrieved.JobID).To(Equal("job-1"))
			Expect(retrieved.TaskType).To(Equal("image_resize"))
			Expect(retrieved.Params).To(Equal([]byte(`{"input":"test"}`)))
			Expect(retrieved.Status).To(Equal(jobcoord.JobStatusQueued))
			Expect(retrieved.Priority).To(Equal(5))
			Expect(retrieved.MaxRetries).To(Equal(3))
			Expect(retrieved.CreatedBy).To(Equal("tester"))
			Expect(retrieved.StartedAt).To(BeZero())
			Expect(retrieved.CompletedAt).To(BeZero())
		})

		It("should return ErrDuplicateID for duplicate job ID", func() {
			job := newTestJob("job-1", "test", 5)
			Expect(store.AddJob(ctx, job)).To(Succeed())

			err := store.AddJob(ctx, job)
			Expect(err).To(MatchError(jobcoord.ErrDuplicateID))
		})

		It("should handle context cancellation", func() {
			cancelCtx, cancel := context.WithCancel(ctx)
			cancel()

			err := store.AddJob(cancelCtx, newTestJob("job-1", "test", 5))
			Expect(err).To(Equal(context.Canceled))
		})
	})

	Describe("GetJob", func() {
		It("should return ErrNotFound for unknown job ID", func() {
			_, err := store.GetJob(ctx, "does-not-exist")
			Expect(err).To(MatchError(jobcoord.ErrNotFound))
		})
	})

	Describe("FetchNextJob", func() {
		It("should claim a queued job atomically", func() {
			job := newTestJob("job-1", "test", 5)
			Expect(store.AddJob(ctx, job)).To(Succeed())

			fetched, err := store.FetchNextJob(ctx, []string{"test"})
			Expect(err).NotTo(HaveOccurred())
			Expect(fetched).NotTo(BeNil())
			Expect(fetched.JobID).To(Equal("job-1"))
			Expect(fetched.Status).To(Equal(jobcoord.JobStatusProcessing))
			Expect(fetched.StartedAt).NotTo(BeZero())
		})

		It("should return nil without error when no job is available", func() {
			fetched, err := store.FetchNextJob(ctx, []string{"test"})
			Expect(err).NotTo(HaveOccurred())
			Expect(fetched).To(BeNil())
		})

		It("should only claim jobs of supported task types", func() {
			Expect(store.AddJob(ctx, newTestJob("job-video", "video_transcode", 5))).To(Succeed())

			fetched, err := store.FetchNextJob(ctx, []string{"image_resize"})
			Expect(err).NotTo(HaveOccurred())
			Expect(fetched).To(BeNil())

			fetched, err = store.FetchNextJob(ctx, []string{"image_resize", "video_transcode"})
			Expect(err).NotTo(HaveOccurred())
			Expect(fetched).NotTo(BeNil())
			Expect(fetched.JobID).To(Equal("job-video"))
		})

		It("should claim higher priority jobs first", func() {
			base := time.Now().UnixMilli()
			for i, priority := range []int{1, 5, 3} {
				job := newTestJob(fmt.Sprintf("job-p%d", priority), "test", priority)
				job.CreatedAt = base + int64(i)
				Expect(store.AddJob(ctx, job)).To(Succeed())
			}

			var order []string
			for i := 0; i < 3; i++ {
				fetched, err := store.FetchNextJob(ctx, []string{"test"})
				Expect(err).NotTo(HaveOccurred())
				Expect(fetched).NotTo(BeNil())
				order = append(order, fetched.JobID)
			}
			Expect(order).To(Equal([]string{"job-p5", "job-p3", "job-p1"}))
		})

		It("should break priority ties by enqueue time (FIFO)", func() {
			base := time.Now().UnixMilli()
			for i := 0; i < 3; i++ {
				job := newTestJob(fmt.Sprintf("job-%d", i), "test", 5)
				job.CreatedAt = base + int64(i*10)
				Expect(store.AddJob(ctx, job)).To(Succeed())
			}

			var order []string
			for i := 0; i < 3; i++ {
				fetched, err := store.FetchNextJob(ctx, []string{"test"})
				Expect(err).NotTo(HaveOccurred())
				Expect(fetched).NotTo(BeNil())
				order = append(order, fetched.JobID)
			}
			Expect(order).To(Equal([]string{"job-0", "job-1", "job-2"}))
		})

		It("should hand a single job to exactly one of many concurrent claimers", func() {
			Expect(store.AddJob(ctx, newTestJob("job-contended", "test", 5))).To(Succeed())

			const claimers = 8
			var wg sync.WaitGroup
			winners := make(chan string, claimers)

			for i := 0; i < claimers; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					fetched, err := store.FetchNextJob(ctx, []string{"test"})
					Expect(err).NotTo(HaveOccurred())
					if fetched != nil {
						winners <- fetched.JobID
					}
				}()
			}
			wg.Wait()
			close(winners)

			var won []string
			for id := range winners {
				won = append(won, id)
			}
			Expect(won).To(HaveLen(1))
			Expect(won[0]).To(Equal("job-contended"))
		})

		It("should not hand out a job twice even after it completes", func() {
			Expect(store.AddJob(ctx, newTestJob("job-once", "test", 5))).To(Succeed())

			fetched, err := store.FetchNextJob(ctx, []string{"test"})
			Expect(err).NotTo(HaveOccurred())
			Expect(fetched).NotTo(BeNil())

			status := jobcoord.JobStatusCompleted
			_, err = store.UpdateJob(ctx, "job-once", jobcoord.JobUpdate{Status: &status, Output: []byte("done")})
			Expect(err).NotTo(HaveOccurred())

			fetched, err = store.FetchNextJob(ctx, []string{"test"})
			Expect(err).NotTo(HaveOccurred())
			Expect(fetched).To(BeNil())
		})
	})

	Describe("ClaimJob", func() {
		It("should claim a specific queued job", func() {
			Expect(store.AddJob(ctx, newTestJob("job-1", "test", 5))).To(Succeed())

			job, err := store.ClaimJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Status).To(Equal(jobcoord.JobStatusProcessing))
			Expect(job.StartedAt).NotTo(BeZero())
		})

		It("should return ErrNotFound for unknown job", func() {
			_, err := store.ClaimJob(ctx, "missing")
			Expect(err).To(MatchError(jobcoord.ErrNotFound))
		})

		It("should reject claiming a job that is not queued", func() {
			claimed("job-1")

			_, err := store.ClaimJob(ctx, "job-1")
			Expect(err).To(MatchError(jobcoord.ErrInvalidTransition))
		})

		It("should let exactly one of many concurrent claimers win", func() {
			Expect(store.AddJob(ctx, newTestJob("job-race", "test", 5))).To(Succeed())

			const claimers = 8
			var wg sync.WaitGroup
			wins := make(chan struct{}, claimers)

			for i := 0; i < claimers; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					if _, err := store.ClaimJob(ctx, "job-race"); err == nil {
						wins <- struct{}{}
					}
				}()
			}
			wg.Wait()
			close(wins)

			Expect(wins).To(HaveLen(1))
		})
	})

	Describe("UpdateJob", func() {
		It("should update progress on a processing job", func() {
			claimed("job-1")

			progress := 42
			result, err := store.UpdateJob(ctx, "job-1", jobcoord.JobUpdate{Progress: &progress})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Job.Progress).To(Equal(42))
			Expect(result.Requeued).To(BeFalse())
		})

		It("should ignore stale decreasing progress values", func() {
			claimed("job-1")

			for _, p := range []int{60, 30} {
				progress := p
				_, err := store.UpdateJob(ctx, "job-1", jobcoord.JobUpdate{Progress: &progress})
				Expect(err).NotTo(HaveOccurred())
			}

			job, err := store.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Progress).To(Equal(60))
		})

		It("should reject out-of-range progress", func() {
			claimed("job-1")

			progress := 150
			_, err := store.UpdateJob(ctx, "job-1", jobcoord.JobUpdate{Progress: &progress})
			Expect(err).To(HaveOccurred())
		})

		It("should reject progress updates on a queued job", func() {
			Expect(store.AddJob(ctx, newTestJob("job-1", "test", 5))).To(Succeed())

			progress := 10
			_, err := store.UpdateJob(ctx, "job-1", jobcoord.JobUpdate{Progress: &progress})
			Expect(err).To(MatchError(jobcoord.ErrInvalidTransition))
		})

		It("should complete a processing job", func() {
			claimed("job-1")

			status := jobcoord.JobStatusCompleted
			result, err := store.UpdateJob(ctx, "job-1", jobcoord.JobUpdate{
				Status: &status,
				Output: []byte(`{"url":"result.png"}`),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Job.Status).To(Equal(jobcoord.JobStatusCompleted))
			Expect(result.Job.Progress).To(Equal(100))
			Expect(result.Job.Output).To(Equal([]byte(`{"url":"result.png"}`)))
			Expect(result.Job.CompletedAt).NotTo(BeZero())
		})

		It("should reject completing a queued job", func() {
			Expect(store.AddJob(ctx, newTestJob("job-1", "test", 5))).To(Succeed())

			status := jobcoord.JobStatusCompleted
			_, err := store.UpdateJob(ctx, "job-1", jobcoord.JobUpdate{Status: &status})
			Expect(err).To(MatchError(jobcoord.ErrInvalidTransition))
		})

		It("should requeue a failed job while retries remain", func() {
			claimed("job-1")

			status := jobcoord.JobStatusError
			message := "transient failure"
			result, err := store.UpdateJob(ctx, "job-1", jobcoord.JobUpdate{
				Status:       &status,
				ErrorMessage: &message,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Requeued).To(BeTrue())
			Expect(result.Job.Status).To(Equal(jobcoord.JobStatusQueued))
			Expect(result.Job.RetryCount).To(Equal(1))
			Expect(result.Job.Progress).To(BeZero())
			Expect(result.Job.ErrorMessage).To(Equal("transient failure"))

			// The requeued job must be claimable again.
			fetched, err := store.FetchNextJob(ctx, []string{"test"})
			Expect(err).NotTo(HaveOccurred())
			Expect(fetched).NotTo(BeNil())
			Expect(fetched.JobID).To(Equal("job-1"))
			Expect(fetched.RetryCount).To(Equal(1))
		})

		It("should finalize as error once the retry budget is exhausted", func() {
			job := newTestJob("job-1", "test", 5)
			job.MaxRetries = 2
			Expect(store.AddJob(ctx, job)).To(Succeed())

			status := jobcoord.JobStatusError
			message := "persistent failure"
			for attempt := 0; attempt < 3; attempt++ {
				fetched, err := store.FetchNextJob(ctx, []string{"test"})
				Expect(err).NotTo(HaveOccurred())
				Expect(fetched).NotTo(BeNil())

				result, err := store.UpdateJob(ctx, "job-1", jobcoord.JobUpdate{
					Status:       &status,
					ErrorMessage: &message,
				})
				Expect(err).NotTo(HaveOccurred())
				if attempt < 2 {
					Expect(result.Requeued).To(BeTrue())
				} else {
					Expect(result.Requeued).To(BeFalse())
					Expect(result.Job.Status).To(Equal(jobcoord.JobStatusError))
					Expect(result.Job.RetryCount).To(Equal(2))
					Expect(result.Job.CompletedAt).NotTo(BeZero())
				}
			}

			fetched, err := store.FetchNextJob(ctx, []string{"test"})
			Expect(err).NotTo(HaveOccurred())
			Expect(fetched).To(BeNil())
		})

		It("should requeue retried jobs behind newer jobs of the same priority", func() {
			first := newTestJob("job-first", "test", 5)
			first.CreatedAt = time.Now().UnixMilli() - 1000
			Expect(store.AddJob(ctx, first)).To(Succeed())
			Expect(store.AddJob(ctx, newTestJob("job-second", "test", 5))).To(Succeed())

			fetched, err := store.FetchNextJob(ctx, []string{"test"})
			Expect(err).NotTo(HaveOccurred())
			Expect(fetched.JobID).To(Equal("job-first"))

			status := jobcoord.JobStatusError
			message := "retry me"
			result, err := store.UpdateJob(ctx, "job-first", jobcoord.JobUpdate{
				Status:       &status,
				ErrorMessage: &message,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Requeued).To(BeTrue())

			fetched, err = store.FetchNextJob(ctx, []string{"test"})
			Expect(err).NotTo(HaveOccurred())
			Expect(fetched.JobID).To(Equal("job-second"))

			fetched, err = store.FetchNextJob(ctx, []string{"test"})
			Expect(err).NotTo(HaveOccurred())
			Expect(fetched.JobID).To(Equal("job-first"))
		})

		It("should reject all updates to a terminal job", func() {
			claimed("job-1")

			status := jobcoord.JobStatusCompleted
			_, err := store.UpdateJob(ctx, "job-1", jobcoord.JobUpdate{Status: &status})
			Expect(err).NotTo(HaveOccurred())

			progress := 10
			_, err = store.UpdateJob(ctx, "job-1", jobcoord.JobUpdate{Progress: &progress})
			Expect(err).To(MatchError(jobcoord.ErrInvalidTransition))

			failed := jobcoord.JobStatusError
			_, err = store.UpdateJob(ctx, "job-1", jobcoord.JobUpdate{Status: &failed})
			Expect(err).To(MatchError(jobcoord.ErrInvalidTransition))
		})

		It("should reject direct transitions to queued or processing", func() {
			claimed("job-1")

			for _, target := range []jobcoord.JobStatus{jobcoord.JobStatusQueued, jobcoord.JobStatusProcessing} {
				status := target
				_, err := store.UpdateJob(ctx, "job-1", jobcoord.JobUpdate{Status: &status})
				Expect(err).To(MatchError(jobcoord.ErrInvalidTransition))
			}
		})

		It("should reject an empty update", func() {
			claimed("job-1")

			_, err := store.UpdateJob(ctx, "job-1", jobcoord.JobUpdate{})
			Expect(err).To(MatchError(jobcoord.ErrInvalidTransition))
		})

		It("should return ErrNotFound for unknown job", func() {
			progress := 10
			_, err := store.UpdateJob(ctx, "missing", jobcoord.JobUpdate{Progress: &progress})
			Expect(err).To(MatchError(jobcoord.ErrNotFound))
		})
	})

	Describe("DeleteJob", func() {
		It("should delete a job and its queue entry", func() {
			Expect(store.AddJob(ctx, newTestJob("job-1", "test", 5))).To(Succeed())
			Expect(store.DeleteJob(ctx, "job-1")).To(Succeed())

			_, err := store.GetJob(ctx, "job-1")
			Expect(err).To(MatchError(jobcoord.ErrNotFound))

			fetched, err := store.FetchNextJob(ctx, []string{"test"})
			Expect(err).NotTo(HaveOccurred())
			Expect(fetched).To(BeNil())
		})

		It("should return ErrNotFound for unknown job", func() {
			err := store.DeleteJob(ctx, "missing")
			Expect(err).To(MatchError(jobcoord.ErrNotFound))
		})
	})

	Describe("ListJobs", func() {
		It("should list jobs newest first", func() {
			base := time.Now().UnixMilli()
			for i := 0; i < 3; i++ {
				job := newTestJob(fmt.Sprintf("job-%d", i), "test", 5)
				job.CreatedAt = base + int64(i*10)
				Expect(store.AddJob(ctx, job)).To(Succeed())
			}

			jobs, err := store.ListJobs(ctx, jobcoord.ListFilter{})
			Expect(err).NotTo(HaveOccurred())
			Expect(jobs).To(HaveLen(3))
			Expect(jobs[0].JobID).To(Equal("job-2"))
			Expect(jobs[2].JobID).To(Equal("job-0"))
		})

		It("should filter by status", func() {
			Expect(store.AddJob(ctx, newTestJob("job-queued", "test", 5))).To(Succeed())
			claimed("job-processing")

			jobs, err := store.ListJobs(ctx, jobcoord.ListFilter{Status: jobcoord.JobStatusProcessing})
			Expect(err).NotTo(HaveOccurred())
			Expect(jobs).To(HaveLen(1))
			Expect(jobs[0].JobID).To(Equal("job-processing"))
		})

		It("should filter by creator", func() {
			mine := newTestJob("job-mine", "test", 5)
			mine.CreatedBy = "alice"
			Expect(store.AddJob(ctx, mine)).To(Succeed())
			Expect(store.AddJob(ctx, newTestJob("job-other", "test", 5))).To(Succeed())

			jobs, err := store.ListJobs(ctx, jobcoord.ListFilter{CreatedBy: "alice"})
			Expect(err).NotTo(HaveOccurred())
			Expect(jobs).To(HaveLen(1))
			Expect(jobs[0].JobID).To(Equal("job-mine"))
		})

		It("should respect the limit", func() {
			for i := 0; i < 5; i++ {
				Expect(store.AddJob(ctx, newTestJob(fmt.Sprintf("job-%d", i), "test", 5))).To(Succeed())
			}

			jobs, err := store.ListJobs(ctx, jobcoord.ListFilter{Limit: 2})
			Expect(err).NotTo(HaveOccurred())
			Expect(jobs).To(HaveLen(2))
		})
	})

	Describe("RequeueOrphans", func() {
		It("should return processing jobs to the queue", func() {
			claimed("job-orphan")

			ids, err := store.RequeueOrphans(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(ids).To(Equal([]string{"job-orphan"}))

			job, err := store.GetJob(ctx, "job-orphan")
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Status).To(Equal(jobcoord.JobStatusQueued))

			fetched, err := store.FetchNextJob(ctx, []string{"test"})
			Expect(err).NotTo(HaveOccurred())
			Expect(fetched).NotTo(BeNil())
			Expect(fetched.JobID).To(Equal("job-orphan"))
		})

		It("should not touch queued or terminal jobs", func() {
			Expect(store.AddJob(ctx, newTestJob("job-queued", "test", 5))).To(Succeed())
			claimed("job-done")
			status := jobcoord.JobStatusCompleted
			_, err := store.UpdateJob(ctx, "job-done", jobcoord.JobUpdate{Status: &status})
			Expect(err).NotTo(HaveOccurred())

			ids, err := store.RequeueOrphans(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(ids).To(BeEmpty())
		})
	})

	Describe("full lifecycle", func() {
		It("should run add, fetch, progress, complete end to end", func() {
			job := newTestJob("job-e2e", "image_resize", 7)
			Expect(store.AddJob(ctx, job)).To(Succeed())

			fetched, err := store.FetchNextJob(ctx, []string{"image_resize"})
			Expect(err).NotTo(HaveOccurred())
			Expect(fetched.JobID).To(Equal("job-e2e"))

			for _, p := range []int{25, 50, 75} {
				progress := p
				_, err = store.UpdateJob(ctx, "job-e2e", jobcoord.JobUpdate{Progress: &progress})
				Expect(err).NotTo(HaveOccurred())
			}

			status := jobcoord.JobStatusCompleted
			result, err := store.UpdateJob(ctx, "job-e2e", jobcoord.JobUpdate{
				Status: &status,
				Output: []byte(`{"url":"out.png"}`),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Job.Status).To(Equal(jobcoord.JobStatusCompleted))
			Expect(result.Job.Progress).To(Equal(100))

			final, err := store.GetJob(ctx, "job-e2e")
			Expect(err).NotTo(HaveOccurred())
			Expect(final.Status).To(Equal(jobcoord.JobStatusCompleted))
			Expect(final.Output).To(Equal([]byte(`{"url":"out.png"}`)))
		})
	})
}
