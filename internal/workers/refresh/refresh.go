// Package refresh periodically forces a refresh of every registered cache
// so request paths rarely pay for a fetch.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"hcert/internal/cache"
)

// Result summarizes one refresh round.
type Result struct {
	Refreshed []string
	Failed    map[string]error
}

// Worker refreshes sources on a ticker.
type Worker struct {
	sources     []cache.Managed
	interval    time.Duration
	concurrency int
	eager       bool
	logger      *slog.Logger
}

type Option func(*Worker)

// WithInterval overrides the refresh interval when greater than zero.
func WithInterval(interval time.Duration) Option {
	return func(w *Worker) {
		if interval > 0 {
			w.interval = interval
		}
	}
}

// WithConcurrency caps how many sources refresh at once.
func WithConcurrency(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithEagerStart runs one round immediately when Start is called.
func WithEagerStart(eager bool) Option {
	return func(w *Worker) {
		w.eager = eager
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func New(sources []cache.Managed, opts ...Option) (*Worker, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("at least one source is required")
	}
	w := &Worker{
		sources:     sources,
		interval:    15 * time.Minute,
		concurrency: 4,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w, nil
}

// Start runs refresh rounds until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	if w.eager {
		w.round(ctx)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.round(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Worker) round(ctx context.Context) {
	res, err := w.RunOnce(ctx)
	if err != nil {
		w.logger.WarnContext(ctx, "cache refresh round had failures",
			"refreshed", len(res.Refreshed),
			"failed", len(res.Failed),
			"error", err,
		)
		return
	}
	w.logger.DebugContext(ctx, "cache refresh round complete", "refreshed", len(res.Refreshed))
}

// RunOnce refreshes every source. A failing source does not stop the others;
// failures are joined into the returned error. Refreshed keeps registration
// order.
func (w *Worker) RunOnce(ctx context.Context) (Result, error) {
	errs := make([]error, len(w.sources))

	var g errgroup.Group
	g.SetLimit(w.concurrency)
	for i, src := range w.sources {
		g.Go(func() error {
			errs[i] = src.Trigger(ctx)
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Failed: make(map[string]error)}
	var joined []error
	for i, src := range w.sources {
		if errs[i] != nil {
			res.Failed[src.Name()] = errs[i]
			joined = append(joined, fmt.Errorf("%s: %w", src.Name(), errs[i]))
			continue
		}
		res.Refreshed = append(res.Refreshed, src.Name())
	}
	return res, errors.Join(joined...)
}
