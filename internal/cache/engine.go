package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/go-multierror"

	"github.com/obcms/obcms-core/internal/telemetry"
)

// Options configures an Engine
type Options struct {
	// Prefix namespaces every key, e.g. "obcms"
	Prefix string
	// DefaultTTL applies to entries written with a zero Request.TTL
	DefaultTTL time.Duration
	// InvalidateMaxTries bounds the attempts of one generation increment
	InvalidateMaxTries uint
	// InvalidateInitialBackoff is the first retry delay; later delays grow exponentially
	InvalidateInitialBackoff time.Duration
	// InvalidateMaxElapsed bounds the total time spent retrying one increment
	InvalidateMaxElapsed time.Duration
	// EagerRetryInterval is the minimum gap between pending-invalidation attempts made on
	// the read path. Reads try pending bumps once per interval so other processes sharing
	// the store stop serving stale entries as soon as it recovers.
	EagerRetryInterval time.Duration
}

// DefaultOptions returns the options used when none are configured
func DefaultOptions() Options {
	return Options{
		Prefix:                   "obcms",
		DefaultTTL:               5 * time.Minute,
		InvalidateMaxTries:       3,
		InvalidateInitialBackoff: 50 * time.Millisecond,
		InvalidateMaxElapsed:     2 * time.Second,
		EagerRetryInterval:       time.Second,
	}
}

// PendingInvalidation is an invalidation that could not reach the store
type PendingInvalidation struct {
	Family Family
	Org    string
	Sub    string
}

// Engine reads and invalidates generation-versioned cache entries
type Engine struct {
	store Store
	keys  keyspace
	opts  Options

	mu      sync.Mutex
	pending map[PendingInvalidation]struct{}
	// lastEager holds the unix nanos of the last read-path attempt or pending failure
	lastEager atomic.Int64
	eagerBusy atomic.Bool
}

// NewEngine creates an engine over store
func NewEngine(store Store, opts Options) *Engine {
	def := DefaultOptions()
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = def.DefaultTTL
	}
	if opts.InvalidateMaxTries == 0 {
		opts.InvalidateMaxTries = def.InvalidateMaxTries
	}
	if opts.InvalidateInitialBackoff <= 0 {
		opts.InvalidateInitialBackoff = def.InvalidateInitialBackoff
	}
	if opts.InvalidateMaxElapsed <= 0 {
		opts.InvalidateMaxElapsed = def.InvalidateMaxElapsed
	}
	if opts.EagerRetryInterval <= 0 {
		opts.EagerRetryInterval = def.EagerRetryInterval
	}
	return &Engine{
		store:   store,
		keys:    keyspace{prefix: opts.Prefix},
		opts:    opts,
		pending: make(map[PendingInvalidation]struct{}),
	}
}

// Ping reports whether the backing store is reachable
func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}

// Generation returns the current generation of (family, org). A counter that was never
// incremented is 0.
func (e *Engine) Generation(ctx context.Context, family Family, org string) (int64, error) {
	return e.readCounter(ctx, e.keys.generation(family, org))
}

// SubGeneration returns the current generation of one sub-key (e.g. a user) of (family, org)
func (e *Engine) SubGeneration(ctx context.Context, family Family, org, sub string) (int64, error) {
	return e.readCounter(ctx, e.keys.subGeneration(family, org, sub))
}

func (e *Engine) readCounter(ctx context.Context, key string) (int64, error) {
	raw, ok, err := e.store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: corrupt generation at %s: %v", ErrCacheStoreUnavailable, key, err)
	}
	return n, nil
}

// Invalidate makes every entry of (family, org) and every all-organizations entry of
// family unobservable to later reads. It performs two atomic increments and never
// enumerates keys.
//
// When the store stays unreachable after retrying, the pair is recorded as pending:
// reads of the family bypass the cache in this process until RetryPending succeeds.
// The returned error wraps ErrCacheStoreUnavailable; callers on a write path log it
// and carry on, since the write itself has already been committed.
func (e *Engine) Invalidate(ctx context.Context, family Family, org string) error {
	return e.invalidate(ctx, PendingInvalidation{Family: family, Org: org})
}

// InvalidateSub invalidates the entries of a single sub-key of (family, org) only
func (e *Engine) InvalidateSub(ctx context.Context, family Family, org, sub string) error {
	return e.invalidate(ctx, PendingInvalidation{Family: family, Org: org, Sub: sub})
}

// InvalidateAll invalidates several families of one organization. Every family is
// attempted; failures are combined into one error.
func (e *Engine) InvalidateAll(ctx context.Context, org string, families ...Family) error {
	var result *multierror.Error
	for _, family := range families {
		if err := e.Invalidate(ctx, family, org); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// keysFor lists the generation counters one invalidation increments
func (e *Engine) keysFor(p PendingInvalidation) []string {
	if p.Sub != "" {
		return []string{e.keys.subGeneration(p.Family, p.Org, p.Sub)}
	}
	keys := []string{e.keys.generation(p.Family, p.Org)}
	if p.Org != AllOrganizations {
		keys = append(keys, e.keys.generation(p.Family, AllOrganizations))
	}
	return keys
}

func (e *Engine) invalidate(ctx context.Context, p PendingInvalidation) error {
	var result *multierror.Error
	for _, key := range e.keysFor(p) {
		if err := e.incrWithRetry(ctx, p.Family, key); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		e.markPending(p)
		telemetry.CacheInvalidationsTotal.WithLabelValues(string(p.Family), "failed").Inc()
		slog.Warn("cache invalidation failed, family bypassed until retried",
			"family", p.Family, "org", p.Org, "sub", p.Sub, "error", err)
		return fmt.Errorf("failed to invalidate %s for %s: %w", p.Family, p.Org, err)
	}
	telemetry.CacheInvalidationsTotal.WithLabelValues(string(p.Family), "ok").Inc()
	return nil
}

func (e *Engine) incrWithRetry(ctx context.Context, family Family, key string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.InvalidateInitialBackoff

	attempts := 0
	_, err := backoff.Retry(ctx, func() (int64, error) {
		attempts++
		n, err := e.store.Incr(ctx, key)
		if err != nil && !errors.Is(err, ErrCacheStoreUnavailable) {
			return 0, backoff.Permanent(err)
		}
		return n, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(e.opts.InvalidateMaxTries),
		backoff.WithMaxElapsedTime(e.opts.InvalidateMaxElapsed),
	)
	if err == nil && attempts > 1 {
		telemetry.CacheInvalidationsTotal.WithLabelValues(string(family), "retried").Inc()
	}
	if err != nil && !errors.Is(err, ErrCacheStoreUnavailable) {
		err = fmt.Errorf("%w: %v", ErrCacheStoreUnavailable, err)
	}
	return err
}

func (e *Engine) markPending(p PendingInvalidation) {
	e.mu.Lock()
	e.pending[p] = struct{}{}
	n := len(e.pending)
	e.mu.Unlock()
	e.lastEager.Store(time.Now().UnixNano())
	telemetry.CachePendingInvalidations.Set(float64(n))
}

func (e *Engine) clearPending(p PendingInvalidation) {
	e.mu.Lock()
	delete(e.pending, p)
	n := len(e.pending)
	e.mu.Unlock()
	telemetry.CachePendingInvalidations.Set(float64(n))
	slog.Info("pending cache invalidation applied", "family", p.Family, "org", p.Org, "sub", p.Sub)
}

func (e *Engine) hasPending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending) > 0
}

// eagerRetry makes one un-retried attempt at every pending invalidation, at most once per
// EagerRetryInterval and never concurrently with itself. It runs on the read path so a
// recovered store gets the missing bumps without waiting for the background retrier.
func (e *Engine) eagerRetry(ctx context.Context) {
	if !e.hasPending() {
		return
	}
	now := time.Now().UnixNano()
	if now-e.lastEager.Load() < int64(e.opts.EagerRetryInterval) {
		return
	}
	if !e.eagerBusy.CompareAndSwap(false, true) {
		return
	}
	defer e.eagerBusy.Store(false)
	e.lastEager.Store(now)

	for _, p := range e.Pending() {
		ok := true
		for _, key := range e.keysFor(p) {
			if _, err := e.store.Incr(ctx, key); err != nil {
				ok = false
				break
			}
		}
		if !ok {
			// store still down, leave the rest for the retrier
			return
		}
		telemetry.CacheInvalidationsTotal.WithLabelValues(string(p.Family), "retried").Inc()
		e.clearPending(p)
	}
}

// bypass reports whether reads of (family, org) must skip the cache because an
// invalidation for them has not reached the store yet.
func (e *Engine) bypass(family Family, org string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for p := range e.pending {
		if p.Family != family {
			continue
		}
		// A lost org-level bump also leaves the all-organizations counter stale.
		if p.Org == org || (org == AllOrganizations && p.Sub == "") {
			return true
		}
	}
	return false
}

// Pending returns the invalidations waiting to be retried, sorted for stable output
func (e *Engine) Pending() []PendingInvalidation {
	e.mu.Lock()
	out := make([]PendingInvalidation, 0, len(e.pending))
	for p := range e.pending {
		out = append(out, p)
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Family != out[j].Family {
			return out[i].Family < out[j].Family
		}
		if out[i].Org != out[j].Org {
			return out[i].Org < out[j].Org
		}
		return out[i].Sub < out[j].Sub
	})
	return out
}

// RetryPending re-attempts every pending invalidation once and clears those that
// succeed. Returns the combined error of those still pending.
func (e *Engine) RetryPending(ctx context.Context) error {
	var result *multierror.Error
	for _, p := range e.Pending() {
		if err := e.invalidate(ctx, p); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		e.clearPending(p)
	}
	return result.ErrorOrNil()
}

// Request describes one read-through lookup
type Request struct {
	Family Family
	// Org is the organization token, see OrgToken
	Org string
	// Sub optionally narrows the entry to one sub-key (e.g. a user id) with its own counter
	Sub    string
	Params Params
	// TTL of the entry; 0 uses the engine default
	TTL time.Duration
}

// ReadThrough returns the cached value for req or, on a miss, the result of compute,
// which is then stored under the current generation. Store failures never fail the
// read: the value is computed directly and not cached. Compute errors are returned
// as-is and never cached.
func ReadThrough[T any](ctx context.Context, e *Engine, req Request, compute func(ctx context.Context) (T, error)) (T, error) {
	family := string(req.Family)

	e.eagerRetry(ctx)
	if e.bypass(req.Family, req.Org) {
		telemetry.CacheRequestsTotal.WithLabelValues(family, telemetry.CacheBypass).Inc()
		return compute(ctx)
	}

	key, err := e.entryKey(ctx, req)
	if err != nil {
		e.degraded(req, "resolve generation", err)
		return compute(ctx)
	}

	raw, ok, err := e.store.Get(ctx, key)
	if err != nil {
		e.degraded(req, "get entry", err)
		return compute(ctx)
	}
	if ok {
		var cached T
		err := json.Unmarshal(raw, &cached)
		if err == nil {
			telemetry.CacheRequestsTotal.WithLabelValues(family, telemetry.CacheHit).Inc()
			return cached, nil
		}
		slog.Warn("discarding undecodable cache entry", "family", family, "key", key, "error", err)
	}

	telemetry.CacheRequestsTotal.WithLabelValues(family, telemetry.CacheMiss).Inc()
	value, err := compute(ctx)
	if err != nil {
		return value, err
	}

	payload, err := json.Marshal(value)
	if err != nil {
		slog.Warn("cache value not encodable, returning uncached", "family", family, "error", err)
		return value, nil
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = e.opts.DefaultTTL
	}
	if err := e.store.Set(ctx, key, payload, ttl); err != nil {
		e.degraded(req, "set entry", err)
	}
	return value, nil
}

func (e *Engine) entryKey(ctx context.Context, req Request) (string, error) {
	hash, err := req.Params.Hash()
	if err != nil {
		return "", err
	}
	gen, err := e.Generation(ctx, req.Family, req.Org)
	if err != nil {
		return "", err
	}
	var subGen int64
	if req.Sub != "" {
		subGen, err = e.SubGeneration(ctx, req.Family, req.Org, req.Sub)
		if err != nil {
			return "", err
		}
	}
	return e.keys.entry(req.Family, req.Org, gen, req.Sub, subGen, hash), nil
}

func (e *Engine) degraded(req Request, op string, err error) {
	telemetry.CacheRequestsTotal.WithLabelValues(string(req.Family), telemetry.CacheError).Inc()
	slog.Warn("cache degraded, serving uncached result",
		"family", req.Family, "org", req.Org, "op", op, "error", err)
}
