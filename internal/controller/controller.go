// Package controller drives the overlay: it owns the dataset variant and the
// reviews-count mode, starts and supersedes fetch sessions, and pushes the
// filtered collection to the renderer.
//
// Every session carries a model.SessionToken. Any state change that must
// invalidate running work bumps the token generation first; fetchers and
// the accumulator compare their captured token against Live() before they
// return or write anything.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/google/uuid"

	"github.com/mohammed-shakir/listing-overlay/internal/core/model"
	"github.com/mohammed-shakir/listing-overlay/internal/dataset"
	"github.com/mohammed-shakir/listing-overlay/internal/fetchevents"
	"github.com/mohammed-shakir/listing-overlay/internal/filter"
	"github.com/mohammed-shakir/listing-overlay/internal/render"
	"github.com/mohammed-shakir/listing-overlay/internal/upstream"
)

var (
	ErrNotDefaultVariant = errors.New("controller: fetch sequences only run in the default variant")
	ErrNotInternal       = errors.New("controller: staff groups require the internal variant")
	ErrUnknownGroup      = errors.New("controller: unknown staff group")
	ErrNoViewport        = errors.New("controller: no viewport yet")
)

type Fetcher interface {
	FetchPage(ctx context.Context, loc model.Location, page int, token model.SessionToken) []model.Listing
}

type Staff interface {
	StaffGroups(ctx context.Context) ([]upstream.StaffGroup, error)
	PropertyDetails(ctx context.Context, codes []string) ([]model.Listing, error)
}

type CellMapper interface {
	CellFor(loc model.Location, res int) (string, error)
}

// Timer is the part of *time.Timer the debouncer needs.
type Timer interface {
	Stop() bool
}

type Options struct {
	Pages          int
	BatchSize      int
	Debounce       time.Duration
	MinFetchZoom   float64
	SnapshotMaxAge time.Duration
	GroupCacheSize int
	Offset         float64
	ViewportRes    int
	// SettleDelay is waited after a reviews-mode switch before refetching.
	SettleDelay time.Duration

	Logger    *slog.Logger
	Now       func() time.Time
	AfterFunc func(d time.Duration, f func()) Timer
	Sleep     func(ctx context.Context, d time.Duration) error
}

func (o *Options) defaults() {
	if o.Pages <= 0 {
		o.Pages = 6
	}
	if o.Debounce <= 0 {
		o.Debounce = 300 * time.Millisecond
	}
	if o.MinFetchZoom <= 0 {
		o.MinFetchZoom = 10
	}
	if o.SnapshotMaxAge <= 0 {
		o.SnapshotMaxAge = 5 * time.Minute
	}
	if o.GroupCacheSize <= 0 {
		o.GroupCacheSize = 20
	}
	if o.ViewportRes <= 0 {
		o.ViewportRes = 7
	}
	if o.SettleDelay < 0 {
		o.SettleDelay = 0
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.AfterFunc == nil {
		o.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if o.Sleep == nil {
		o.Sleep = sleepCtx
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// snapshot remembers a variant's dataset together with the reviews mode it
// was fetched under; a snapshot only comes back under the same mode.
type snapshot struct {
	data  dataset.Snapshot
	mode  model.ReviewsCountMode
	taken time.Time
}

type viewport struct {
	center model.Location
	zoom   float64
}

type Controller struct {
	log    *slog.Logger
	opts   Options
	fetch  Fetcher
	staff  Staff
	sink   render.Sink
	cells  CellMapper
	events fetchevents.Sink
	acc    *dataset.Accumulator
	groups *lru.Cache[string, []model.Listing]

	base   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	live   atomic.Pointer[model.SessionToken]
	render sync.Mutex

	mu         sync.Mutex
	gen        uint64
	variant    model.DatasetVariant
	mode       model.ReviewsCountMode
	preds      filter.Predicates
	cancel     context.CancelFunc
	fetching   bool
	view       *viewport
	viewCell   string
	pending    *viewport
	debounce   Timer
	snapshots  map[model.DatasetVariant]snapshot
	staffList  []upstream.StaffGroup
	staffReady bool
	selected   string
}

type Deps struct {
	Fetcher Fetcher
	Staff   Staff
	Sink    render.Sink
	Cells   CellMapper
	Events  fetchevents.Sink
}

func New(deps Deps, opts Options) *Controller {
	opts.defaults()
	if deps.Events == nil {
		deps.Events = fetchevents.Noop{}
	}
	if deps.Sink == nil {
		deps.Sink = render.NewLatest()
	}
	groups, _ := lru.New[string, []model.Listing](opts.GroupCacheSize)
	base, stop := context.WithCancel(context.Background())
	c := &Controller{
		log:       opts.Logger,
		opts:      opts,
		fetch:     deps.Fetcher,
		staff:     deps.Staff,
		sink:      deps.Sink,
		cells:     deps.Cells,
		events:    deps.Events,
		groups:    groups,
		base:      base,
		stop:      stop,
		variant:   model.VariantDefault,
		mode:      model.ModeCurrent,
		preds:     filter.Defaults(),
		snapshots: map[model.DatasetVariant]snapshot{},
	}
	c.acc = dataset.New(dataset.Options{
		BatchSize: opts.BatchSize,
		Offset:    opts.Offset,
		Live:      c.Live,
		OnUpdate:  func(*model.FeatureCollection, bool) { c.refresh() },
	})
	c.publishLocked()
	c.sink.EnsureLayer()
	c.refresh()
	return c
}

// Live returns the token of the session allowed to write right now.
func (c *Controller) Live() model.SessionToken {
	return *c.live.Load()
}

func (c *Controller) publishLocked() model.SessionToken {
	t := model.SessionToken{Generation: c.gen, Variant: c.variant, Mode: c.mode, ID: uuid.NewString()}
	c.live.Store(&t)
	return t
}

// supersedeLocked cancels in-flight work and issues a new token together
// with the context the new session runs under.
func (c *Controller) supersedeLocked() (context.Context, context.CancelFunc, model.SessionToken) {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.gen++
	tok := c.publishLocked()
	ctx, cancel := context.WithCancel(c.base)
	c.cancel = cancel
	return ctx, cancel, tok
}

// finishSession clears the fetching flag if tok is still the live session.
func (c *Controller) finishSession(tok model.SessionToken, cancel context.CancelFunc) {
	c.mu.Lock()
	if c.gen == tok.Generation {
		c.fetching = false
		c.cancel = nil
	}
	c.mu.Unlock()
	cancel()
}

// Collection is the unfiltered dataset.
func (c *Controller) Collection() *model.FeatureCollection { return c.acc.Collection() }

// Visible is the dataset filtered by the current predicates.
func (c *Controller) Visible() *model.FeatureCollection {
	c.mu.Lock()
	p := c.preds
	c.mu.Unlock()
	return filter.Compute(c.acc.Collection(), p)
}

// refresh recomputes the filtered view and hands it to the renderer. The
// render lock keeps the last SetData consistent with the last mutation.
func (c *Controller) refresh() {
	c.render.Lock()
	defer c.render.Unlock()
	c.sink.SetData(c.Visible())
}

// Wait blocks until background sessions have finished.
func (c *Controller) Wait() { c.wg.Wait() }

// Close cancels all sessions and pending debounced moves.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.debounce != nil {
		c.debounce.Stop()
	}
	c.mu.Unlock()
	c.stop()
	c.wg.Wait()
}

func (c *Controller) goBackground(f func(ctx context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		f(c.base)
	}()
}

// SwitchReviewsCountMode clears the dataset and refetches the current
// viewport under the new mode after a short settle delay. In the internal
// variant the mode is only recorded: staff-group data has no reviews axis,
// and the default variant picks the mode up when it is shown again.
func (c *Controller) SwitchReviewsCountMode(ctx context.Context, mode model.ReviewsCountMode) error {
	mode, err := model.ParseReviewsCountMode(string(mode))
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.mode == mode {
		c.mu.Unlock()
		return nil
	}
	c.mode = mode
	if c.variant != model.VariantDefault {
		c.mu.Unlock()
		c.log.InfoContext(ctx, "reviews count mode recorded for the default variant", "mode", mode)
		return nil
	}
	cancel := c.swapLocked(func(tok model.SessionToken) error { return c.acc.Reset(tok) })
	c.mu.Unlock()
	cancel()

	c.refresh()
	c.log.InfoContext(ctx, "reviews count mode switched", "mode", mode)

	c.goBackground(func(bg context.Context) {
		if err := c.opts.Sleep(bg, c.opts.SettleDelay); err != nil {
			return
		}
		c.mu.Lock()
		proceed := c.mode == mode && c.variant == model.VariantDefault && c.view != nil
		var loc model.Location
		if proceed {
			loc = c.view.center
		}
		c.mu.Unlock()
		if !proceed {
			return
		}
		if _, err := c.RunFetchSequence(bg, loc); err != nil && !errors.Is(err, dataset.ErrSuperseded) {
			c.log.DebugContext(bg, "refetch after mode switch ended", "err", err)
		}
	})
	return nil
}

// swapLocked supersedes the running session and replaces the dataset under
// the new token before c.mu is released, so overlapping switches apply
// their dataset changes in the order they took the lock. The returned
// cancel stops the superseded session and must be called after unlocking.
func (c *Controller) swapLocked(replace func(tok model.SessionToken) error) context.CancelFunc {
	_, cancel, tok := c.supersedeLocked()
	c.cancel = nil
	c.fetching = false
	if err := replace(tok); err != nil {
		c.log.Error("dataset swap rejected a fresh token", "session", tok.String(), "err", err)
	}
	return cancel
}

// SwitchDatasetVariant snapshots the outgoing dataset and either restores a
// fresh snapshot of the target or loads it anew.
func (c *Controller) SwitchDatasetVariant(ctx context.Context, target model.DatasetVariant) error {
	target, err := model.ParseDatasetVariant(string(target))
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.variant == target {
		c.mu.Unlock()
		return nil
	}
	outgoing := c.variant
	if snap := c.acc.Snapshot(); !snap.Empty() {
		c.storeSnapshotLocked(outgoing, snap)
	}
	c.variant = target
	restored := false
	cancel := c.swapLocked(func(tok model.SessionToken) error {
		if s, ok := c.freshSnapshotLocked(target); ok {
			if err := c.acc.Restore(tok, s.data); err != nil {
				return err
			}
			restored = true
			return nil
		}
		return c.acc.Reset(tok)
	})
	var loc *model.Location
	if c.view != nil {
		l := c.view.center
		loc = &l
	}
	c.mu.Unlock()
	cancel()

	c.refresh()
	c.log.InfoContext(ctx, "dataset variant switched", "from", outgoing, "to", target)
	if target == model.VariantDefault {
		c.groups.Purge()
	}
	if restored {
		c.log.InfoContext(ctx, "dataset restored from snapshot", "variant", target, "features", c.acc.Len())
		return nil
	}

	if target == model.VariantInternal {
		return c.enterInternal(ctx)
	}
	if loc != nil {
		c.goBackground(func(bg context.Context) {
			if _, err := c.RunFetchSequence(bg, *loc); err != nil && !errors.Is(err, dataset.ErrSuperseded) {
				c.log.DebugContext(bg, "refetch after variant switch ended", "err", err)
			}
		})
	}
	return nil
}

// storeSnapshotLocked records the dataset as belonging to v under the
// current reviews mode. c.mu must be held so the mode cannot change between
// the data and its label.
func (c *Controller) storeSnapshotLocked(v model.DatasetVariant, s dataset.Snapshot) {
	c.snapshots[v] = snapshot{data: s, mode: c.mode, taken: c.opts.Now()}
}

// freshSnapshotLocked returns v's snapshot when it is young enough and, for
// the default variant, was taken under the current reviews mode.
func (c *Controller) freshSnapshotLocked(v model.DatasetVariant) (snapshot, bool) {
	s, ok := c.snapshots[v]
	switch {
	case !ok || s.data.Empty():
		return snapshot{}, false
	case c.opts.Now().Sub(s.taken) >= c.opts.SnapshotMaxAge:
		return snapshot{}, false
	case v == model.VariantDefault && s.mode != c.mode:
		return snapshot{}, false
	}
	return s, true
}

// enterInternal loads the staff groups once and shows the selected (or
// first) group.
func (c *Controller) enterInternal(ctx context.Context) error {
	groups, err := c.StaffGroups(ctx)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		return nil
	}
	c.mu.Lock()
	id := c.selected
	c.mu.Unlock()
	if id == "" {
		id = groups[0].ID
	}
	return c.SelectStaffGroup(ctx, id)
}
