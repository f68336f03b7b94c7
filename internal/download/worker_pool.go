package download

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/flacbridge/flacbridge-go/internal/provider"
)

// Job is one queued download.
type Job struct {
	ID      string
	Service Service
	Request provider.DownloadRequest

	ctx    context.Context
	cancel context.CancelFunc
}

// JobResult reports the outcome of one job.
type JobResult struct {
	JobID   string
	Service Service
	Result  provider.Result
	Err     error
}

// JobHandler executes one job and returns the download result.
type JobHandler func(ctx context.Context, job *Job) (provider.Result, error)

// WorkerPool fans queued jobs out to a fixed set of workers. Each job
// runs under its own cancellable context derived from the pool's.
type WorkerPool struct {
	maxWorkers int
	jobs       chan *Job
	results    chan *JobResult
	queuedJobs sync.Map
	activeJobs sync.Map
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	handler    JobHandler
	logger     *zap.Logger
	mu         sync.RWMutex
	started    bool
}

// NewWorkerPool creates a pool. maxWorkers defaults to 4.
func NewWorkerPool(maxWorkers int, handler JobHandler, logger *zap.Logger) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WorkerPool{
		maxWorkers: maxWorkers,
		jobs:       make(chan *Job, 1024),
		results:    make(chan *JobResult, maxWorkers*10),
		handler:    handler,
		logger:     logger,
	}
}

// Start spawns the workers.
func (wp *WorkerPool) Start(ctx context.Context) error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.started {
		return fmt.Errorf("worker pool already started")
	}
	if wp.handler == nil {
		return fmt.Errorf("job handler not set")
	}

	wp.ctx, wp.cancel = context.WithCancel(ctx)

	for i := 0; i < wp.maxWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}

	wp.started = true
	return nil
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	for {
		select {
		case <-wp.ctx.Done():
			wp.logger.Debug("worker shutting down", zap.Int("worker", id))
			return
		case job, ok := <-wp.jobs:
			if !ok {
				return
			}
			wp.processJob(job)
		}
	}
}

func (wp *WorkerPool) processJob(job *Job) {
	wp.queuedJobs.Delete(job.ID)

	if job.ctx == nil {
		job.ctx, job.cancel = context.WithCancel(wp.ctx)
	}
	defer job.cancel()

	// Cancelled while still queued: report without running the handler.
	if err := job.ctx.Err(); err != nil {
		select {
		case wp.results <- &JobResult{JobID: job.ID, Service: job.Service, Err: err}:
		case <-wp.ctx.Done():
		}
		return
	}

	wp.activeJobs.Store(job.ID, job)
	defer wp.activeJobs.Delete(job.ID)

	result, err := wp.handler(job.ctx, job)

	select {
	case wp.results <- &JobResult{JobID: job.ID, Service: job.Service, Result: result, Err: err}:
	case <-wp.ctx.Done():
	}
}

// Submit queues a job. The job gets its cancellable context and is
// tracked here, so CancelJob reaches it even while it waits in the
// queue. The read lock is held across the send: Stop cannot close the
// queue under a concurrent Submit.
func (wp *WorkerPool) Submit(job *Job) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if !wp.started {
		return fmt.Errorf("worker pool not started")
	}

	job.ctx, job.cancel = context.WithCancel(wp.ctx)
	wp.queuedJobs.Store(job.ID, job)

	select {
	case wp.jobs <- job:
		return nil
	case <-wp.ctx.Done():
		wp.queuedJobs.Delete(job.ID)
		return fmt.Errorf("worker pool is shutting down")
	}
}

// Stop cancels active jobs and waits for the workers to drain.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if !wp.started {
		wp.mu.Unlock()
		return
	}
	wp.started = false

	wp.activeJobs.Range(func(_, value interface{}) bool {
		if job, ok := value.(*Job); ok && job.cancel != nil {
			job.cancel()
		}
		return true
	})

	wp.cancel()
	// No Submit can be sending here: it needs the read lock and
	// re-checks started.
	close(wp.jobs)
	wp.mu.Unlock()

	wp.wg.Wait()
	close(wp.results)
}

// Results returns the results channel. It closes when the pool stops.
func (wp *WorkerPool) Results() <-chan *JobResult {
	return wp.results
}

// CancelJob cancels one job, whether it is executing or still queued.
func (wp *WorkerPool) CancelJob(jobID string) error {
	if value, ok := wp.activeJobs.Load(jobID); ok {
		if job, ok := value.(*Job); ok && job.cancel != nil {
			job.cancel()
		}
		return nil
	}
	if value, ok := wp.queuedJobs.Load(jobID); ok {
		if job, ok := value.(*Job); ok && job.cancel != nil {
			job.cancel()
		}
		return nil
	}
	return fmt.Errorf("job not found: %s", jobID)
}

// CancelAll cancels every active and queued job and drains the queue.
func (wp *WorkerPool) CancelAll() {
	wp.activeJobs.Range(func(_, value interface{}) bool {
		if job, ok := value.(*Job); ok && job.cancel != nil {
			job.cancel()
		}
		return true
	})
	wp.queuedJobs.Range(func(_, value interface{}) bool {
		if job, ok := value.(*Job); ok && job.cancel != nil {
			job.cancel()
		}
		return true
	})

	drained := 0
	for {
		select {
		case job := <-wp.jobs:
			wp.queuedJobs.Delete(job.ID)
			if job.cancel != nil {
				job.cancel()
			}
			drained++
		default:
			if drained > 0 {
				wp.logger.Info("drained pending jobs", zap.Int("count", drained))
			}
			return
		}
	}
}

// ActiveJobCount returns how many jobs are executing right now.
func (wp *WorkerPool) ActiveJobCount() int {
	count := 0
	wp.activeJobs.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

// IsJobActive reports whether a job is currently executing.
func (wp *WorkerPool) IsJobActive(jobID string) bool {
	_, ok := wp.activeJobs.Load(jobID)
	return ok
}
