// Package controller owns the state of one catalog screen: the active filter
// criteria and the product list shown for them. Every state change happens on
// a single loop goroutine; fetches run in their own goroutines and report back
// to the loop, where a per-fetch token decides whether the outcome is still
// wanted.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/utafrali/catalog-screen/internal/catalog"
	"github.com/utafrali/catalog-screen/internal/query"
	"github.com/utafrali/catalog-screen/pkg/logger"
)

var (
	// ErrNotMounted is returned by edits issued before Mount.
	ErrNotMounted = errors.New("screen not mounted")
	// ErrAlreadyMounted is returned by a second Mount; the page URL is read
	// exactly once.
	ErrAlreadyMounted = errors.New("screen already mounted")
	// ErrClosed is returned by every call after Close.
	ErrClosed = errors.New("screen closed")
)

// Renderer is notified on the controller loop after every visible change.
// Implementations must not block and must not call back into the controller.
type Renderer interface {
	Render(s Snapshot)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(s Snapshot)

// Render calls fn.
func (fn RendererFunc) Render(s Snapshot) {
	fn(s)
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithReporter replaces the default log-and-count failure reporter.
func WithReporter(r Reporter) Option {
	return func(c *Controller) { c.reporter = r }
}

// WithRenderer registers the presentation callback.
func WithRenderer(r Renderer) Option {
	return func(c *Controller) { c.renderer = r }
}

// WithFailurePolicy sets what a failed current fetch does to the display.
func WithFailurePolicy(p FailurePolicy) Option {
	return func(c *Controller) { c.policy = p }
}

// WithScreenID tags logs, reports and snapshots with id.
func WithScreenID(id string) Option {
	return func(c *Controller) { c.screenID = id }
}

// Controller is the catalog screen state machine. It is safe for concurrent
// use.
type Controller struct {
	fetcher  catalog.Fetcher
	reporter Reporter
	renderer Renderer
	logger   *slog.Logger
	policy   FailurePolicy
	screenID string

	cmds      chan func()
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	// Owned by the loop goroutine.
	mounted  bool
	criteria query.Criteria
	display  DisplayState
	current  Token
	stats    Stats

	mu        sync.RWMutex
	published Snapshot
	pubStats  Stats
}

// New creates a controller and starts its loop. The screen stays idle until
// Mount.
func New(fetcher catalog.Fetcher, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		fetcher: fetcher,
		logger:  slog.Default(),
		policy:  PolicyKeepLoading,
		cmds:    make(chan func()),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("screen_id", c.screenID))
	if c.reporter == nil {
		c.reporter = NewLogReporter(c.logger)
	}
	c.published = c.snapshot()

	go c.run()
	return c
}

func (c *Controller) run() {
	defer close(c.done)
	for {
		select {
		case fn := <-c.cmds:
			fn()
		case <-c.ctx.Done():
			return
		}
	}
}

// do runs fn on the loop and waits for it to finish.
func (c *Controller) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case c.cmds <- func() { fn(); close(finished) }:
	case <-c.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// post hands fn to the loop without waiting. It is dropped once the
// controller is closed.
func (c *Controller) post(fn func()) {
	select {
	case c.cmds <- fn:
	case <-c.ctx.Done():
	}
}

// Mount reads the page query once, sets the criteria from it and issues the
// initial fetch. The fetch is issued even when no facet is set.
func (c *Controller) Mount(ctx context.Context, values url.Values) (Snapshot, error) {
	var (
		snap Snapshot
		err  error
	)
	if doErr := c.do(ctx, func() {
		if c.mounted {
			err = ErrAlreadyMounted
			snap = c.snapshot()
			return
		}
		c.mounted = true
		c.criteria = query.Decode(values)
		logger.WithContext(ctx, c.logger).InfoContext(ctx, "screen mounted",
			slog.String("query", query.Encode(c.criteria)),
		)
		c.issue(ctx)
		snap = c.snapshot()
	}); doErr != nil {
		return Snapshot{}, doErr
	}
	return snap, err
}

// Apply merges patch into the active criteria. An empty value clears its
// facet. When the result equals the active criteria nothing happens and
// changed is false.
func (c *Controller) Apply(ctx context.Context, patch query.Patch) (Snapshot, bool, error) {
	return c.change(ctx, func(cur query.Criteria) query.Criteria {
		return cur.Merge(patch)
	})
}

// Replace sets the active criteria wholesale, with the same equality
// short-circuit as Apply.
func (c *Controller) Replace(ctx context.Context, next query.Criteria) (Snapshot, bool, error) {
	return c.change(ctx, func(query.Criteria) query.Criteria {
		return next
	})
}

func (c *Controller) change(ctx context.Context, edit func(query.Criteria) query.Criteria) (Snapshot, bool, error) {
	var (
		snap    Snapshot
		changed bool
		err     error
	)
	if doErr := c.do(ctx, func() {
		if !c.mounted {
			err = ErrNotMounted
			return
		}
		next := edit(c.criteria)
		if next.Equal(c.criteria) {
			snap = c.snapshot()
			return
		}
		changed = true
		c.criteria = next
		c.issue(ctx)
		snap = c.snapshot()
	}); doErr != nil {
		return Snapshot{}, false, doErr
	}
	return snap, changed, err
}

// Retry issues a fresh fetch for the unchanged criteria. Any outstanding
// fetch becomes stale.
func (c *Controller) Retry(ctx context.Context) (Snapshot, error) {
	var (
		snap Snapshot
		err  error
	)
	if doErr := c.do(ctx, func() {
		if !c.mounted {
			err = ErrNotMounted
			return
		}
		c.issue(ctx)
		snap = c.snapshot()
	}); doErr != nil {
		return Snapshot{}, doErr
	}
	return snap, err
}

// Snapshot returns the latest published state without going through the loop.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.published
}

// Stats returns the fetch counters.
func (c *Controller) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pubStats
}

// Done is closed once the controller loop has stopped.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Close stops the loop and cancels outstanding fetches. Their outcomes are
// dropped. Close is idempotent.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.done
		c.logger.Debug("screen closed")
	})
}

// issue starts a fetch for the active criteria under a new token. Must run on
// the loop.
func (c *Controller) issue(ctx context.Context) {
	c.current++
	token := c.current
	criteria := c.criteria
	c.display = DisplayState{Phase: PhaseLoading}
	c.stats.Issued++
	fetchesIssuedTotal.Inc()
	c.publish()

	fctx := c.fetchContext(ctx)
	logger.WithContext(fctx, c.logger).DebugContext(fctx, "fetch issued",
		slog.Uint64("token", uint64(token)),
		slog.String("query", query.Encode(criteria)),
	)

	go func() {
		products, err := c.fetcher.Fetch(fctx, criteria)
		c.post(func() { c.resolve(fctx, token, products, err) })
	}()
}

// fetchContext detaches a fetch from the request that caused it. The fetch
// lives as long as the controller but keeps the caller's trace and
// correlation id.
func (c *Controller) fetchContext(ctx context.Context) context.Context {
	fctx := trace.ContextWithSpanContext(c.ctx, trace.SpanContextFromContext(ctx))
	if id := logger.CorrelationIDFromContext(ctx); id != "" {
		fctx = logger.WithCorrelationID(fctx, id)
	}
	if c.screenID != "" {
		fctx = logger.WithScreenID(fctx, c.screenID)
	}
	return fctx
}

// resolve applies a fetch outcome if its token is still current. Must run on
// the loop.
func (c *Controller) resolve(ctx context.Context, token Token, products []catalog.Product, err error) {
	if token != c.current {
		c.stats.Stale++
		fetchResultsTotal.WithLabelValues("stale").Inc()
		logger.WithContext(ctx, c.logger).DebugContext(ctx, "stale fetch discarded",
			slog.Uint64("token", uint64(token)),
			slog.Uint64("current", uint64(c.current)),
		)
		c.publishStats()
		return
	}

	if err != nil {
		c.stats.Failed++
		fetchResultsTotal.WithLabelValues("failed").Inc()
		c.reporter.ReportFailure(ctx, Failure{
			ScreenID: c.screenID,
			Token:    token,
			Criteria: c.criteria,
			Err:      err,
		})
		if c.policy == PolicySurfaceFailure {
			c.display = DisplayState{Phase: PhaseFailed, Err: err}
			c.publish()
			return
		}
		c.publishStats()
		return
	}

	if products == nil {
		products = []catalog.Product{}
	}
	c.stats.Applied++
	fetchResultsTotal.WithLabelValues("applied").Inc()
	c.display = DisplayState{Phase: PhaseReady, Products: products}
	c.publish()
}

func (c *Controller) snapshot() Snapshot {
	return Snapshot{
		ScreenID: c.screenID,
		Mounted:  c.mounted,
		Criteria: c.criteria,
		Query:    query.Encode(c.criteria),
		Display:  c.display,
		Token:    c.current,
	}
}

// publish makes the loop state visible to readers and notifies the renderer.
func (c *Controller) publish() {
	snap := c.snapshot()
	c.mu.Lock()
	c.published = snap
	c.pubStats = c.stats
	c.mu.Unlock()

	if c.renderer != nil {
		c.renderer.Render(snap)
	}
}

func (c *Controller) publishStats() {
	c.mu.Lock()
	c.pubStats = c.stats
	c.mu.Unlock()
}
