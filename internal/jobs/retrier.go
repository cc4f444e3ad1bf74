package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// PendingRetrier is satisfied by *cache.Engine
type PendingRetrier interface {
	RetryPending(ctx context.Context) error
}

// InvalidationRetrier re-applies cache invalidations that could not reach the store.
// Until it succeeds, reads of the affected families bypass the cache in this process.
type InvalidationRetrier struct {
	engine   PendingRetrier
	interval time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewInvalidationRetrier creates the retrier
func NewInvalidationRetrier(engine PendingRetrier, interval time.Duration) *InvalidationRetrier {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &InvalidationRetrier{
		engine:   engine,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start retries on every interval until ctx is cancelled or Stop is called
func (r *InvalidationRetrier) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.RunOnce(ctx)
		case <-r.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce retries every pending invalidation once
func (r *InvalidationRetrier) RunOnce(ctx context.Context) {
	if err := r.engine.RetryPending(ctx); err != nil {
		slog.Warn("cache invalidations still pending", "error", err)
	}
}

// Stop ends the loop started by Start
func (r *InvalidationRetrier) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
}
