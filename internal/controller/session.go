package controller

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/mohammed-shakir/listing-overlay/internal/cache/keys"
	"github.com/mohammed-shakir/listing-overlay/internal/core/model"
	"github.com/mohammed-shakir/listing-overlay/internal/core/observability"
	"github.com/mohammed-shakir/listing-overlay/internal/dataset"
	"github.com/mohammed-shakir/listing-overlay/internal/fetchevents"
	"github.com/mohammed-shakir/listing-overlay/internal/logger"
)

// Result summarises one fetch sequence.
type Result struct {
	Pages     int // pages that returned listings
	Added     int
	Completed bool
}

// RunFetchSequence supersedes any running session and fetches every page
// for loc in order, merging each into the dataset. It returns
// dataset.ErrSuperseded when a newer session or a canceled ctx stopped it.
func (c *Controller) RunFetchSequence(ctx context.Context, loc model.Location) (Result, error) {
	return c.runSequence(ctx, loc, false)
}

func (c *Controller) runSequence(ctx context.Context, loc model.Location, reset bool) (Result, error) {
	if !loc.Valid() {
		return Result{}, fmt.Errorf("invalid location %s", loc)
	}
	c.mu.Lock()
	if c.variant != model.VariantDefault {
		c.mu.Unlock()
		return Result{}, ErrNotDefaultVariant
	}
	sctx, cancel, tok := c.supersedeLocked()
	c.fetching = true
	c.trackViewLocked(loc)
	c.mu.Unlock()

	unlink := context.AfterFunc(ctx, cancel)
	defer unlink()
	defer c.finishSession(tok, cancel)

	sctx = logger.WithSession(sctx, tok.ID, tok.Variant.String(), string(tok.Mode))
	start := c.opts.Now()
	if reset {
		if err := c.acc.Reset(tok); err != nil {
			return c.endSequence(sctx, tok, loc, Result{}, start, err)
		}
	}
	c.refresh()

	res := Result{}
	for page := range c.opts.Pages {
		if err := c.checkLive(sctx, tok); err != nil {
			return c.endSequence(sctx, tok, loc, res, start, err)
		}
		listings := c.fetch.FetchPage(sctx, loc, page, tok)
		if len(listings) == 0 {
			continue
		}
		if err := c.checkLive(sctx, tok); err != nil {
			return c.endSequence(sctx, tok, loc, res, start, err)
		}
		n, err := c.acc.MergePage(sctx, tok, listings)
		res.Pages++
		res.Added += n
		if err != nil {
			return c.endSequence(sctx, tok, loc, res, start, err)
		}
	}
	res.Completed = true
	c.mu.Lock()
	if c.Live().Equal(tok) {
		if snap := c.acc.Snapshot(); !snap.Empty() {
			c.storeSnapshotLocked(model.VariantDefault, snap)
		}
	}
	c.mu.Unlock()
	return c.endSequence(sctx, tok, loc, res, start, nil)
}

func (c *Controller) checkLive(ctx context.Context, tok model.SessionToken) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", dataset.ErrSuperseded, err)
	}
	if !c.Live().Equal(tok) {
		return dataset.ErrSuperseded
	}
	return nil
}

func (c *Controller) endSequence(ctx context.Context, tok model.SessionToken, loc model.Location, res Result, start time.Time, err error) (Result, error) {
	outcome := "completed"
	if err != nil {
		outcome = "superseded"
	}
	observability.IncSession(outcome)
	c.log.DebugContext(ctx, "fetch sequence ended",
		"outcome", outcome, "pages", res.Pages, "added", res.Added, "features", c.acc.Len())
	c.events.Publish(fetchevents.Event{
		Session:    tok.ID,
		Lat:        loc.Lat,
		Lng:        loc.Lng,
		Bucket:     keys.BucketOf(keys.Page(loc, 0, tok.Mode)),
		Variant:    string(tok.Variant),
		Mode:       string(tok.Mode),
		Pages:      res.Pages,
		Added:      res.Added,
		Outcome:    outcome,
		DurationMS: c.opts.Now().Sub(start).Milliseconds(),
		TS:         c.opts.Now(),
	})
	return res, err
}

func (c *Controller) trackViewLocked(loc model.Location) {
	if c.view == nil {
		c.view = &viewport{}
	}
	c.view.center = loc
	if c.cells == nil {
		return
	}
	cell, err := c.cells.CellFor(loc, c.opts.ViewportRes)
	if err != nil {
		c.log.Debug("viewport cell lookup failed", "loc", loc.String(), "err", err)
		return
	}
	c.viewCell = cell
}

// OnViewportMove records the viewport and schedules a debounced fetch. Only
// the last move within the debounce window fires.
func (c *Controller) OnViewportMove(loc model.Location, zoom float64) error {
	if !loc.Valid() {
		return fmt.Errorf("invalid location %s", loc)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = &viewport{center: loc, zoom: zoom}
	if c.debounce != nil {
		c.debounce.Stop()
	}
	c.debounce = c.opts.AfterFunc(c.opts.Debounce, c.fireMove)
	return nil
}

func (c *Controller) fireMove() {
	c.mu.Lock()
	mv := c.pending
	c.pending = nil
	if mv == nil {
		c.mu.Unlock()
		return
	}
	c.view = &viewport{center: mv.center, zoom: mv.zoom}
	variant := c.variant
	c.mu.Unlock()

	switch {
	case variant != model.VariantDefault:
		c.log.Debug("viewport move ignored in internal variant")
	case mv.zoom <= c.opts.MinFetchZoom:
		c.log.Debug("zoom too low for fetching", "zoom", mv.zoom, "min", c.opts.MinFetchZoom)
	default:
		c.goBackground(func(bg context.Context) {
			if _, err := c.RunFetchSequence(bg, mv.center); err != nil && !errors.Is(err, dataset.ErrSuperseded) {
				c.log.Warn("viewport fetch failed", "err", err)
			}
		})
	}
}

// CellsInvalidated reloads the current viewport when one of cells covers
// it. It reports whether a reload was started.
func (c *Controller) CellsInvalidated(cells ...string) bool {
	c.mu.Lock()
	cell := c.viewCell
	ok := cell != "" && slices.Contains(cells, cell) && c.variant == model.VariantDefault && c.view != nil
	var loc model.Location
	if ok {
		loc = c.view.center
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	c.log.Info("visible area invalidated, reloading", "cell", cell)
	c.goBackground(func(bg context.Context) {
		if _, err := c.runSequence(bg, loc, true); err != nil && !errors.Is(err, dataset.ErrSuperseded) {
			c.log.Warn("reload after invalidation failed", "err", err)
		}
	})
	return true
}
