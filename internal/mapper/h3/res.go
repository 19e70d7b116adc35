package h3mapper

import (
	"fmt"
	"slices"

	h3 "github.com/uber/h3-go/v4"
)

// maxExpand bounds ToChildren: one res-7 cell is 7^3 = 343 res-10 cells.
const maxExpand = 3

// relevel parses cell and checks that target is a legal resolution.
func relevel(cell string, target int) (h3.Cell, int, error) {
	if err := validateRes(target); err != nil {
		return 0, 0, err
	}
	c, err := parseCell(cell)
	if err != nil {
		return 0, 0, err
	}
	return c, c.Resolution(), nil
}

func (m *Mapper) ToParent(cell string, parentRes int) (string, error) {
	c, cur, err := relevel(cell, parentRes)
	switch {
	case err != nil:
		return "", err
	case parentRes > cur:
		return "", fmt.Errorf("cannot coarsen %s from res %d to finer res %d", cell, cur, parentRes)
	case parentRes == cur:
		return cell, nil
	}
	p, err := c.Parent(parentRes)
	if err != nil {
		return "", fmt.Errorf("h3 parent of %s: %w", cell, err)
	}
	return p.String(), nil
}

// ToChildren returns the sorted children of cell at childRes.
func (m *Mapper) ToChildren(cell string, childRes int) ([]string, error) {
	c, cur, err := relevel(cell, childRes)
	switch {
	case err != nil:
		return nil, err
	case childRes < cur:
		return nil, fmt.Errorf("cannot refine %s from res %d to coarser res %d", cell, cur, childRes)
	case childRes == cur:
		return []string{cell}, nil
	case childRes-cur > maxExpand:
		return nil, fmt.Errorf("cell %s at res %d is too coarse to expand to res %d", cell, cur, childRes)
	}
	kids, err := c.Children(childRes)
	if err != nil {
		return nil, fmt.Errorf("h3 children of %s: %w", cell, err)
	}
	out := make([]string, len(kids))
	for i, k := range kids {
		out[i] = k.String()
	}
	slices.Sort(out)
	return out, nil
}
