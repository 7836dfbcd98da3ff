// Package cache implements the refreshing cache every external trust,
// revocation and rule data source is built on.
//
// A Cache holds one externally sourced value. Reads are served from memory
// while the value is younger than RefreshInterval. Stale values trigger a
// refresh that is single-flight per Cache: concurrent callers share one
// in-flight fetch, and a caller that cancels its context stops waiting
// without aborting the fetch for the others. Successful refreshes are
// persisted and then published atomically.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"hcert/internal/platform/logger"
	"hcert/internal/platform/metrics"
	"hcert/internal/platform/tracer"
	"hcert/internal/sentinel"

	"golang.org/x/sync/singleflight"
)

const (
	refreshKey = "refresh"
	loadKey    = "load"

	defaultRefreshInterval = time.Hour
	defaultRefreshTimeout  = 2 * time.Minute
)

// Entry is a published value together with the instant it was fetched.
type Entry[T any] struct {
	Value     T         `json:"value"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// Source fetches fresh values from the authority server.
type Source[T any] interface {
	// Name identifies the source in logs, metrics and the durable store.
	Name() string
	// Fetch retrieves a complete new value.
	Fetch(ctx context.Context) (T, error)
	// Timestamp returns the value's own last-update instant, or the zero time.
	Timestamp(value T) time.Time
}

// Persistence stores the last published entry durably.
type Persistence[T any] interface {
	// Load returns the stored entry or sentinel.ErrNotFound.
	Load(ctx context.Context) (Entry[T], error)
	Save(ctx context.Context, entry Entry[T]) error
	Discard(ctx context.Context) error
}

// Config controls freshness and refresh behaviour.
type Config struct {
	// RefreshInterval is the soft TTL of the in-memory value.
	RefreshInterval time.Duration
	// MinRefreshInterval is the floor between two refresh attempts.
	MinRefreshInterval time.Duration
	// UseStaleWhileRefreshing returns a stale value immediately while the
	// refresh runs in the background.
	UseStaleWhileRefreshing bool
	// ReloadFromStoreWhenExpired re-reads the durable store before fetching,
	// adopting a record another process refreshed in the meantime.
	ReloadFromStoreWhenExpired bool
	// MaxDurableAge is the hard TTL after which a value is no longer usable.
	// Zero disables the limit.
	MaxDurableAge time.Duration
	// RefreshTimeout bounds one detached refresh operation.
	RefreshTimeout time.Duration
}

// RefreshError reports a failed refresh of a named source. It matches
// sentinel.ErrUnavailable as well as the underlying cause.
type RefreshError struct {
	Source string
	Err    error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refresh %s: %v", e.Source, e.Err)
}

func (e *RefreshError) Unwrap() []error {
	return []error{sentinel.ErrUnavailable, e.Err}
}

// Info is a read-only status snapshot used by health and admin endpoints.
type Info struct {
	Name          string    `json:"name"`
	HasValue      bool      `json:"hasValue"`
	Fresh         bool      `json:"fresh"`
	FetchedAt     time.Time `json:"fetchedAt,omitzero"`
	DataTimestamp time.Time `json:"dataTimestamp,omitzero"`
	LastAttempt   time.Time `json:"lastAttempt,omitzero"`
	LastError     string    `json:"lastError,omitempty"`
}

// Managed is the type-erased view of a Cache used by workers and handlers.
type Managed interface {
	Name() string
	Status() Info
	// Trigger performs a forced refresh, coalescing with any in-flight one.
	Trigger(ctx context.Context) error
}

// Cache is a single-flight, stale-while-revalidate, durably backed value.
type Cache[T any] struct {
	name    string
	source  Source[T]
	store   Persistence[T]
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  tracer.Tracer

	group singleflight.Group

	mu          sync.RWMutex
	current     *Entry[T]
	storeLoaded bool
	lastAttempt time.Time
	lastErr     error
}

// Option configures a Cache.
type Option[T any] func(*Cache[T])

// WithPersistence backs the cache with a durable store.
func WithPersistence[T any](p Persistence[T]) Option[T] {
	return func(c *Cache[T]) {
		c.store = p
	}
}

// WithLogger sets the logger used for refresh diagnostics.
func WithLogger[T any](l *slog.Logger) Option[T] {
	return func(c *Cache[T]) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records refresh metrics.
func WithMetrics[T any](m *metrics.Metrics) Option[T] {
	return func(c *Cache[T]) {
		c.metrics = m
	}
}

// WithTracer traces refresh operations.
func WithTracer[T any](t tracer.Tracer) Option[T] {
	return func(c *Cache[T]) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithNow overrides the clock.
func WithNow[T any](now func() time.Time) Option[T] {
	return func(c *Cache[T]) {
		if now != nil {
			c.now = now
		}
	}
}

// New constructs a Cache over source.
func New[T any](source Source[T], cfg Config, opts ...Option[T]) *Cache[T] {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = defaultRefreshTimeout
	}
	c := &Cache[T]{
		name:   source.Name(),
		source: source,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.Discard(),
		tracer: tracer.NewNoop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Name returns the source name.
func (c *Cache[T]) Name() string {
	return c.name
}

// Get returns the current value, refreshing it when required.
//
// A stale value is returned instead of an error whenever the refresh fails
// and the stale value is still within MaxDurableAge. An error is returned
// only when no usable value exists at all.
func (c *Cache[T]) Get(ctx context.Context) (T, error) {
	var zero T
	now := c.now()

	entry, ok := c.snapshot()
	if !ok {
		if loaded, found := c.loadFromStore(ctx, now); found {
			return loaded.Value, nil
		}
	}
	if ok && c.isFresh(entry, now) {
		return entry.Value, nil
	}
	usable := ok && c.isUsable(entry, now)

	if c.withinDebounce(now) {
		if usable {
			c.metrics.RecordStaleServed(c.name)
			return entry.Value, nil
		}
		if err := c.lastError(); err != nil {
			return zero, err
		}
	}

	ch := c.group.DoChan(refreshKey, c.refreshFunc(ctx, false))
	if usable && c.cfg.UseStaleWhileRefreshing {
		c.metrics.RecordStaleServed(c.name)
		return entry.Value, nil
	}

	select {
	case res := <-ch:
		if res.Err == nil {
			return res.Val.(Entry[T]).Value, nil
		}
		if usable {
			c.metrics.RecordStaleServed(c.name)
			c.logger.WarnContext(ctx, "serving stale value after failed refresh",
				"source", c.name, "error", res.Err)
			return entry.Value, nil
		}
		return zero, res.Err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Refresh forces a refresh, bypassing freshness and debounce checks while
// still coalescing with an in-flight refresh.
//
// A failed refresh always returns its error. When a value within
// MaxDurableAge exists it is returned alongside the error, so callers may
// keep serving it.
func (c *Cache[T]) Refresh(ctx context.Context) (T, error) {
	var zero T
	ch := c.group.DoChan(refreshKey, c.refreshFunc(ctx, true))
	select {
	case res := <-ch:
		if res.Err != nil {
			if e, ok := c.snapshot(); ok && c.isUsable(e, c.now()) {
				c.metrics.RecordStaleServed(c.name)
				return e.Value, res.Err
			}
			return zero, res.Err
		}
		return res.Val.(Entry[T]).Value, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Trigger implements Managed.
func (c *Cache[T]) Trigger(ctx context.Context) error {
	_, err := c.Refresh(ctx)
	return err
}

// Peek returns the in-memory entry without any I/O.
func (c *Cache[T]) Peek() (Entry[T], bool) {
	return c.snapshot()
}

// Status implements Managed.
func (c *Cache[T]) Status() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info := Info{Name: c.name, LastAttempt: c.lastAttempt}
	if c.lastErr != nil {
		info.LastError = c.lastErr.Error()
	}
	if c.current != nil {
		info.HasValue = true
		info.FetchedAt = c.current.FetchedAt
		info.DataTimestamp = c.source.Timestamp(c.current.Value)
		info.Fresh = c.isFresh(*c.current, c.now())
	}
	return info
}

func (c *Cache[T]) snapshot() (Entry[T], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return Entry[T]{}, false
	}
	return *c.current, true
}

func (c *Cache[T]) isFresh(e Entry[T], now time.Time) bool {
	return now.Sub(e.FetchedAt) < c.cfg.RefreshInterval
}

func (c *Cache[T]) isUsable(e Entry[T], now time.Time) bool {
	return c.cfg.MaxDurableAge <= 0 || now.Sub(e.FetchedAt) <= c.cfg.MaxDurableAge
}

func (c *Cache[T]) withinDebounce(now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.lastAttempt.IsZero() && now.Sub(c.lastAttempt) < c.cfg.MinRefreshInterval
}

func (c *Cache[T]) lastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// publish swaps in e unless a newer entry is already current.
func (c *Cache[T]) publish(e Entry[T]) Entry[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil && c.current.FetchedAt.After(e.FetchedAt) {
		return *c.current
	}
	c.current = &e
	return e
}

// loadFromStore adopts the durable record on first use. It is attempted once
// per instance unless ReloadFromStoreWhenExpired allows re-reading.
func (c *Cache[T]) loadFromStore(ctx context.Context, now time.Time) (Entry[T], bool) {
	if c.store == nil {
		return Entry[T]{}, false
	}
	c.mu.RLock()
	attempted := c.storeLoaded
	c.mu.RUnlock()
	if attempted && !c.cfg.ReloadFromStoreWhenExpired {
		return Entry[T]{}, false
	}

	v, _, _ := c.group.Do(loadKey, func() (any, error) {
		c.mu.Lock()
		c.storeLoaded = true
		c.mu.Unlock()
		entry, ok := c.readStore(ctx, now)
		if !ok {
			return nil, nil
		}
		return c.publish(entry), nil
	})
	entry, ok := v.(Entry[T])
	return entry, ok
}

// readStore reads and age-checks the durable record. Corrupt or expired
// records are reported as absent; expired ones are discarded.
func (c *Cache[T]) readStore(ctx context.Context, now time.Time) (Entry[T], bool) {
	entry, err := c.store.Load(ctx)
	if err != nil {
		if !errors.Is(err, sentinel.ErrNotFound) {
			c.logger.WarnContext(ctx, "ignoring unreadable durable record", "source", c.name, "error", err)
		}
		return Entry[T]{}, false
	}
	if c.cfg.MaxDurableAge > 0 && now.Sub(entry.FetchedAt) > c.cfg.MaxDurableAge {
		c.logger.InfoContext(ctx, "discarding expired durable record",
			"source", c.name, "fetched_at", entry.FetchedAt)
		if err := c.store.Discard(ctx); err != nil {
			c.logger.WarnContext(ctx, "discard durable record failed", "source", c.name, "error", err)
		}
		return Entry[T]{}, false
	}
	return entry, true
}

func (c *Cache[T]) refreshFunc(ctx context.Context, force bool) func() (any, error) {
	return func() (any, error) {
		// The refresh is shared: it must outlive the caller that started it.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.RefreshTimeout)
		defer cancel()
		return c.refresh(rctx, force)
	}
}

func (c *Cache[T]) refresh(ctx context.Context, force bool) (Entry[T], error) {
	start := c.now()

	if !force {
		// A refresh may have completed between the caller's read and joining
		// the flight; do not fetch twice.
		if e, ok := c.snapshot(); ok && c.isFresh(e, start) {
			return e, nil
		}
		if c.withinDebounce(start) {
			if e, ok := c.snapshot(); ok && c.isUsable(e, start) {
				return e, nil
			}
			if err := c.lastError(); err != nil {
				return Entry[T]{}, err
			}
		}
	}

	c.mu.Lock()
	c.lastAttempt = start
	c.mu.Unlock()

	ctx, span := c.tracer.Start(ctx, tracer.SpanCacheRefresh, tracer.String(tracer.AttrSource, c.name))

	if !force && c.store != nil && c.cfg.ReloadFromStoreWhenExpired {
		if e, ok := c.readStore(ctx, start); ok && c.isFresh(e, start) {
			published := c.publish(e)
			c.clearError()
			c.logger.DebugContext(ctx, "adopted durable record refreshed elsewhere", "source", c.name)
			span.End(nil)
			return published, nil
		}
	}

	value, err := c.source.Fetch(ctx)
	c.metrics.RecordRefresh(c.name, err, c.now().Sub(start))
	if err != nil {
		rerr := &RefreshError{Source: c.name, Err: err}
		c.mu.Lock()
		c.lastErr = rerr
		c.mu.Unlock()
		c.logger.WarnContext(ctx, "refresh failed", "source", c.name, "error", err)
		span.End(err)
		return Entry[T]{}, rerr
	}

	entry := Entry[T]{Value: value, FetchedAt: c.now()}
	if c.store != nil {
		if err := c.store.Save(ctx, entry); err != nil {
			c.logger.WarnContext(ctx, "persisting refreshed value failed", "source", c.name, "error", err)
		}
	}
	published := c.publish(entry)
	c.clearError()
	if ts := c.source.Timestamp(value); !ts.IsZero() {
		c.metrics.SetValueAge(c.name, entry.FetchedAt.Sub(ts))
	}
	c.logger.InfoContext(ctx, "refresh completed", "source", c.name)
	span.End(nil)
	return published, nil
}

func (c *Cache[T]) clearError() {
	c.mu.Lock()
	c.lastErr = nil
	c.mu.Unlock()
}

var _ Managed = (*Cache[struct{}])(nil)
