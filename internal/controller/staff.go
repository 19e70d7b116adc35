package controller

import (
	"context"
	"fmt"
	"slices"

	"github.com/mohammed-shakir/listing-overlay/internal/cache/keys"
	"github.com/mohammed-shakir/listing-overlay/internal/core/model"
	"github.com/mohammed-shakir/listing-overlay/internal/dataset"
	"github.com/mohammed-shakir/listing-overlay/internal/upstream"
)

// StaffGroups loads the staff groups on first use and serves them from
// memory afterwards.
func (c *Controller) StaffGroups(ctx context.Context) ([]upstream.StaffGroup, error) {
	c.mu.Lock()
	if c.staffReady {
		out := slices.Clone(c.staffList)
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()

	if c.staff == nil {
		return nil, fmt.Errorf("staff groups: no staff source configured")
	}
	groups, err := c.staff.StaffGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("load staff groups: %w", err)
	}
	c.mu.Lock()
	c.staffList = groups
	c.staffReady = true
	c.mu.Unlock()
	c.log.InfoContext(ctx, "staff groups loaded", "count", len(groups))
	return slices.Clone(groups), nil
}

// SelectStaffGroup replaces the dataset with the properties of one group.
// Property details are cached per group code list.
func (c *Controller) SelectStaffGroup(ctx context.Context, id string) error {
	groups, err := c.StaffGroups(ctx)
	if err != nil {
		return err
	}
	i := slices.IndexFunc(groups, func(g upstream.StaffGroup) bool { return g.ID == id })
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrUnknownGroup, id)
	}
	g := groups[i]

	c.mu.Lock()
	if c.variant != model.VariantInternal {
		c.mu.Unlock()
		return ErrNotInternal
	}
	c.selected = g.ID
	sctx, cancel, tok := c.supersedeLocked()
	c.fetching = true
	resetErr := c.acc.Reset(tok)
	c.mu.Unlock()

	unlink := context.AfterFunc(ctx, cancel)
	defer unlink()
	defer c.finishSession(tok, cancel)

	if resetErr != nil {
		return resetErr
	}
	c.refresh()
	if len(g.Properties) == 0 {
		c.log.InfoContext(ctx, "staff group has no properties", "group", g.ID)
		return nil
	}

	key := keys.Group(g.ID, g.Properties)
	listings, ok := c.groups.Get(key)
	if !ok {
		listings, err = c.staff.PropertyDetails(sctx, g.Properties)
		if err != nil {
			if sctx.Err() != nil {
				return fmt.Errorf("%w: %w", dataset.ErrSuperseded, sctx.Err())
			}
			return fmt.Errorf("load staff group %s: %w", g.ID, err)
		}
		c.groups.Add(key, listings)
	}
	n, err := c.acc.MergePage(sctx, tok, listings)
	if err != nil {
		return err
	}
	c.log.InfoContext(ctx, "staff group shown", "group", g.ID, "name", g.Name, "features", n, "cached", ok)
	return nil
}
