package controller

import (
	"fmt"

	"github.com/mohammed-shakir/listing-overlay/internal/core/model"
	"github.com/mohammed-shakir/listing-overlay/internal/dataset"
	"github.com/mohammed-shakir/listing-overlay/internal/filter"
)

func (c *Controller) Predicates() filter.Predicates {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preds
}

// SetFilters replaces every predicate at once.
func (c *Controller) SetFilters(p filter.Predicates) error {
	return c.updatePredicates(func(cur *filter.Predicates) { *cur = p })
}

func (c *Controller) SetMetric(m model.Metric) error {
	return c.updatePredicates(func(p *filter.Predicates) { p.Metric = m })
}

func (c *Controller) SetRatingRange(lo, hi float64) error {
	return c.updatePredicates(func(p *filter.Predicates) { p.MinRating, p.MaxRating = lo, hi })
}

func (c *Controller) SetBedroom(b filter.Bedroom) error {
	return c.updatePredicates(func(p *filter.Predicates) { p.Bedroom = b })
}

func (c *Controller) SetCountRange(lo, hi int) error {
	return c.updatePredicates(func(p *filter.Predicates) { p.MinCount, p.MaxCount = lo, hi })
}

func (c *Controller) updatePredicates(mut func(*filter.Predicates)) error {
	c.mu.Lock()
	next := c.preds
	mut(&next)
	if err := next.Validate(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.preds = next
	c.mu.Unlock()
	c.refresh()
	return nil
}

// SetOffset resizes every footprint in place.
func (c *Controller) SetOffset(offset float64) error {
	if offset < 0 || offset > dataset.MaxOffset {
		return fmt.Errorf("offset %g outside [0, %g]", offset, dataset.MaxOffset)
	}
	c.acc.RegeneratePolygons(offset)
	c.refresh()
	return nil
}

type Filters struct {
	Metric    model.Metric `json:"metric"`
	MinRating float64      `json:"minRating"`
	MaxRating float64      `json:"maxRating"`
	Bedroom   string       `json:"bedroom"`
	MinCount  int          `json:"minCount"`
	MaxCount  int          `json:"maxCount"`
}

type State struct {
	Variant       model.DatasetVariant   `json:"variant"`
	Mode          model.ReviewsCountMode `json:"mode"`
	Generation    uint64                 `json:"generation"`
	Session       string                 `json:"session"`
	Fetching      bool                   `json:"fetching"`
	Center        *model.Location        `json:"center,omitempty"`
	Zoom          float64                `json:"zoom"`
	ViewCell      string                 `json:"viewCell,omitempty"`
	Features      int                    `json:"features"`
	Visible       int                    `json:"visible"`
	Offset        float64                `json:"offset"`
	Filters       Filters                `json:"filters"`
	SelectedGroup string                 `json:"selectedGroup,omitempty"`
	CachedGroups  int                    `json:"cachedGroups"`
}

func (c *Controller) State() State {
	c.mu.Lock()
	st := State{
		Variant:       c.variant,
		Mode:          c.mode,
		Generation:    c.gen,
		Session:       c.Live().ID,
		Fetching:      c.fetching,
		ViewCell:      c.viewCell,
		SelectedGroup: c.selected,
		Filters: Filters{
			Metric:    c.preds.Metric,
			MinRating: c.preds.MinRating,
			MaxRating: c.preds.MaxRating,
			Bedroom:   c.preds.Bedroom.String(),
			MinCount:  c.preds.MinCount,
			MaxCount:  c.preds.MaxCount,
		},
	}
	if c.view != nil {
		center := c.view.center
		st.Center = &center
		st.Zoom = c.view.zoom
	}
	c.mu.Unlock()

	st.Features = c.acc.Len()
	st.Visible = len(c.Visible().Features)
	st.Offset = c.acc.Offset()
	st.CachedGroups = c.groups.Len()
	return st
}
