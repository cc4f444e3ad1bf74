package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/obcms/obcms-core/internal/db/models"
)

// JobArchiveEvents is the job name of the event archiver tasks
const JobArchiveEvents = "archive_events"

// OrganizationLister lists the organizations a job fans out to; satisfied by
// *repositories.OrganizationRepository
type OrganizationLister interface {
	ListActive(ctx context.Context) ([]*models.Organization, error)
}

// PastEventArchiver marks the organization's past coordination events as completed; satisfied
// by *services.RecordService
type PastEventArchiver interface {
	ArchivePastEvents(ctx context.Context, cutoff time.Time) (int, error)
}

// EventArchiver periodically completes coordination events that have ended. It submits one
// task per active organization with the coordination capability; each task runs under
// that organization, so its writes go through the scoped collection and invalidate only
// that organization's derived views.
type EventArchiver struct {
	orgs     OrganizationLister
	events   PastEventArchiver
	pool     *WorkerPool
	interval time.Duration
	now      func() time.Time
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewEventArchiver creates the archiver job
func NewEventArchiver(orgs OrganizationLister, events PastEventArchiver, pool *WorkerPool, interval time.Duration) *EventArchiver {
	if interval <= 0 {
		interval = time.Hour
	}
	return &EventArchiver{
		orgs:     orgs,
		events:   events,
		pool:     pool,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		stopChan: make(chan struct{}),
	}
}

// Start runs the archiver immediately and then on every interval until ctx is cancelled
// or Stop is called
func (a *EventArchiver) Start(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	slog.Info("event archiver started", "interval", a.interval)
	a.runLogged(ctx)

	for {
		select {
		case <-ticker.C:
			a.runLogged(ctx)
		case <-a.stopChan:
			slog.Info("event archiver stopped")
			return
		case <-ctx.Done():
			slog.Info("event archiver context cancelled")
			return
		}
	}
}

// Stop ends the loop started by Start
func (a *EventArchiver) Stop() {
	a.stopOnce.Do(func() { close(a.stopChan) })
}

func (a *EventArchiver) runLogged(ctx context.Context) {
	n, err := a.RunOnce(ctx)
	if err != nil {
		slog.Error("event archiver run finished with errors", "archived", n, "error", err)
		return
	}
	slog.Info("event archiver run finished", "archived", n)
}

// RunOnce archives the events of every organization that ended before now and waits for
// the tasks to finish. Returns the number of events archived and the combined task errors.
func (a *EventArchiver) RunOnce(ctx context.Context) (int, error) {
	orgs, err := a.orgs.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list organizations: %w", err)
	}
	cutoff := a.now()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		total  int
		result *multierror.Error
	)
	for _, org := range orgs {
		if !org.Can(models.CapabilityCoordination) {
			continue
		}
		org := org
		var archived int
		wg.Add(1)
		task := Task{
			Job: JobArchiveEvents,
			Org: org,
			Run: func(ctx context.Context) error {
				n, err := a.events.ArchivePastEvents(ctx, cutoff)
				archived = n
				return err
			},
			Done: func(err error) {
				mu.Lock()
				total += archived
				if err != nil {
					result = multierror.Append(result, fmt.Errorf("%s: %w", org.Code, err))
				}
				mu.Unlock()
				wg.Done()
			},
		}
		if err := a.pool.Submit(ctx, task); err != nil {
			wg.Done()
			mu.Lock()
			result = multierror.Append(result, fmt.Errorf("%s: %w", org.Code, err))
			mu.Unlock()
			break
		}
	}
	wg.Wait()
	return total, result.ErrorOrNil()
}
