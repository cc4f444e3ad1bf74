// Package jobs runs background work for the platform. Every task is executed on behalf of
// exactly one organization: workers own a tenancy.Slot that is set for the duration of a
// task and restored afterwards, so a reused worker never carries the previous task's tenant.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/obcms/obcms-core/internal/db/models"
	"github.com/obcms/obcms-core/internal/safego"
	"github.com/obcms/obcms-core/internal/telemetry"
	"github.com/obcms/obcms-core/internal/tenancy"
)

// ErrPoolStopped is returned by Submit once Stop has been called
var ErrPoolStopped = errors.New("worker pool stopped")

// Task outcomes, used as the outcome label of jobs_tasks_total
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
	OutcomePanic = "panic"
)

// Task is one unit of background work
type Task struct {
	// Job names the job the task belongs to, e.g. "archive_events"
	Job string
	// Org is the organization the task runs for; nil runs it with no tenant
	Org *models.Organization
	Run func(ctx context.Context) error
	// Done, when set, receives the task result (a *safego.PanicError on panic)
	Done func(err error)
}

// WorkerPool runs tasks on a fixed number of goroutines
type WorkerPool struct {
	size  int
	tasks chan Task
	wg    sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewWorkerPool creates a pool of size workers with a queue of queueSize pending tasks
func NewWorkerPool(size, queueSize int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &WorkerPool{
		size:  size,
		tasks: make(chan Task, queueSize),
	}
}

// Start launches the workers. Tasks run with a context derived from ctx.
func (p *WorkerPool) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	slog.Info("worker pool started", "workers", p.size)
}

// Submit queues task, blocking while the queue is full
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}
	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop stops accepting tasks, waits for queued ones to finish and cancels the task context
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
	if p.cancel != nil {
		p.cancel()
	}
	slog.Info("worker pool stopped")
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	slot := tenancy.NewSlot()
	for task := range p.tasks {
		p.run(slot, task)
	}
}

func (p *WorkerPool) run(slot *tenancy.Slot, task Task) {
	start := time.Now()
	var taskErr error
	panicErr := safego.Call(task.Job, func() {
		taskErr = tenancy.Run(p.ctx, slot, task.Org, task.Run)
	})

	outcome := OutcomeOK
	switch {
	case panicErr != nil:
		outcome = OutcomePanic
		taskErr = panicErr
	case taskErr != nil:
		outcome = OutcomeError
	}
	telemetry.JobTasksTotal.WithLabelValues(task.Job, outcome).Inc()

	org := ""
	if task.Org != nil {
		org = task.Org.Code
	}
	if taskErr != nil {
		slog.Error("background task failed", "job", task.Job, "org", org, "outcome", outcome, "error", taskErr)
	} else {
		slog.Debug("background task done", "job", task.Job, "org", org, "duration", time.Since(start))
	}

	if task.Done != nil {
		task.Done(taskErr)
	}
}
