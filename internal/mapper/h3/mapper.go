// Package h3mapper maps viewport centres and invalidation areas onto H3 cells
// and onto the 2-decimal location buckets used by page cache keys.
package h3mapper

import (
	"errors"
	"fmt"
	"sort"

	h3 "github.com/uber/h3-go/v4"

	"github.com/mohammed-shakir/listing-overlay/internal/core/model"
)

type Mapper struct{}

func New() *Mapper { return &Mapper{} }

// CellFor returns the cell containing loc at res.
func (m *Mapper) CellFor(loc model.Location, res int) (string, error) {
	if err := validateRes(res); err != nil {
		return "", err
	}
	if !loc.Valid() {
		return "", fmt.Errorf("invalid location %s", loc)
	}
	c, err := h3.LatLngToCell(h3.NewLatLng(loc.Lat, loc.Lng), res)
	if err != nil {
		return "", fmt.Errorf("h3 cell: %w", err)
	}
	return c.String(), nil
}

func (m *Mapper) CellsForBBox(bb model.BBox, res int) ([]string, error) {
	if err := validateRes(res); err != nil {
		return nil, err
	}
	if !bb.Valid() {
		return nil, fmt.Errorf("invalid bbox %+v", bb)
	}
	outer := h3.GeoLoop{
		{Lat: bb.Y1, Lng: bb.X1},
		{Lat: bb.Y1, Lng: bb.X2},
		{Lat: bb.Y2, Lng: bb.X2},
		{Lat: bb.Y2, Lng: bb.X1},
	}
	return polyfill(outer, res)
}

// BucketsForBBox lists every location bucket touched by bb: centres of the
// covering cells plus the corners and the centre of bb itself, so boxes
// smaller than a cell still resolve.
func (m *Mapper) BucketsForBBox(bb model.BBox, res int) ([]model.Location, error) {
	cells, err := m.CellsForBBox(bb, res)
	if err != nil {
		return nil, err
	}
	locs, err := centres(cells)
	if err != nil {
		return nil, err
	}
	locs = append(locs, bb.Corners()...)
	locs = append(locs, bb.Center())
	return uniqueBuckets(locs), nil
}

// BucketsForCells resolves cells of any resolution to the buckets of their
// centres at res.
func (m *Mapper) BucketsForCells(cells []string, res int) ([]model.Location, error) {
	norm, err := m.Normalize(cells, res)
	if err != nil {
		return nil, err
	}
	locs, err := centres(norm)
	if err != nil {
		return nil, err
	}
	return uniqueBuckets(locs), nil
}

// Normalize brings cells to res: finer cells move up to their parent,
// coarser cells expand into their children.
func (m *Mapper) Normalize(cells []string, res int) ([]string, error) {
	if err := validateRes(res); err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var out []string
	add := func(c string) {
		if _, ok := seen[c]; !ok {
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	for _, s := range cells {
		c, err := parseCell(s)
		if err != nil {
			return nil, err
		}
		switch r := c.Resolution(); {
		case r == res:
			add(s)
		case r > res:
			p, err := m.ToParent(s, res)
			if err != nil {
				return nil, err
			}
			add(p)
		default:
			kids, err := m.ToChildren(s, res)
			if err != nil {
				return nil, err
			}
			for _, k := range kids {
				add(k)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func validateRes(res int) error {
	if res < 0 || res > 15 {
		return fmt.Errorf("invalid H3 resolution %d (must be 0..15)", res)
	}
	return nil
}

func parseCell(s string) (h3.Cell, error) {
	var c h3.Cell
	if err := c.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("parse cell %q: %w", s, err)
	}
	if !c.IsValid() {
		return 0, fmt.Errorf("invalid h3 cell %q", s)
	}
	return c, nil
}

func centres(cells []string) ([]model.Location, error) {
	out := make([]model.Location, 0, len(cells))
	for _, s := range cells {
		c, err := parseCell(s)
		if err != nil {
			return nil, err
		}
		ll, err := c.LatLng()
		if err != nil {
			return nil, fmt.Errorf("cell centre %s: %w", s, err)
		}
		out = append(out, model.Location{Lat: ll.Lat, Lng: ll.Lng})
	}
	return out, nil
}

// uniqueBuckets rounds to the bucket grid and sorts by lat, then lng.
func uniqueBuckets(locs []model.Location) []model.Location {
	seen := make(map[model.Location]struct{}, len(locs))
	out := make([]model.Location, 0, len(locs))
	for _, l := range locs {
		b := l.Bucket()
		if _, ok := seen[b]; ok {
			continue
		}
		seen[b] = struct{}{}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Lat != out[j].Lat {
			return out[i].Lat < out[j].Lat
		}
		return out[i].Lng < out[j].Lng
	})
	return out
}

// polyfill returns unique cells sorted for determinism.
func polyfill(outer h3.GeoLoop, res int) ([]string, error) {
	if len(outer) < 4 {
		return nil, errors.New("outer ring has < 4 vertices")
	}
	indexes, err := h3.PolygonToCells(h3.GeoPolygon{GeoLoop: outer}, res)
	if err != nil {
		return nil, fmt.Errorf("h3 polyfill: %w", err)
	}
	out := make([]string, 0, len(indexes))
	seen := make(map[string]struct{}, len(indexes))
	for _, idx := range indexes {
		s := idx.String()
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}
