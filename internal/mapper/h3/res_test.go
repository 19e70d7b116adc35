package h3mapper

import (
	"reflect"
	"slices"
	"sort"
	"testing"

	h3 "github.com/uber/h3-go/v4"
)

func cellAt(t *testing.T, lat, lng float64, res int) string {
	t.Helper()
	c, err := h3.LatLngToCell(h3.NewLatLng(lat, lng), res)
	if err != nil {
		t.Fatalf("LatLngToCell: %v", err)
	}
	return c.String()
}

func TestHierarchy_RoundTrip_ParentChildren(t *testing.T) {
	m := New()
	cell := cellAt(t, 41.3874, 2.1686, 8)

	parent, err := m.ToParent(cell, 7)
	if err != nil {
		t.Fatalf("ToParent: %v", err)
	}
	children, err := m.ToChildren(parent, 8)
	if err != nil {
		t.Fatalf("ToChildren: %v", err)
	}
	if !contains(children, cell) {
		t.Fatalf("children of %s at res 8 do not include %s", parent, cell)
	}
	if !sort.StringsAreSorted(children) {
		t.Fatalf("children must be sorted")
	}
}

func TestHierarchy_SameResAndDeterminism(t *testing.T) {
	m := New()
	cell := cellAt(t, 48.8566, 2.3522, 7)

	if p, err := m.ToParent(cell, 7); err != nil || p != cell {
		t.Fatalf("ToParent same-res = %s, %v", p, err)
	}
	if kids, err := m.ToChildren(cell, 7); err != nil || len(kids) != 1 || kids[0] != cell {
		t.Fatalf("ToChildren same-res = %v, %v", kids, err)
	}
	k1, _ := m.ToChildren(cell, 8)
	k2, _ := m.ToChildren(cell, 8)
	if !reflect.DeepEqual(k1, k2) {
		t.Fatalf("expected identical children for repeated calls")
	}
}

func TestHierarchy_BadTransitions(t *testing.T) {
	m := New()
	cell := cellAt(t, 52.3676, 4.9041, 9)

	if _, err := m.ToParent(cell, 10); err == nil {
		t.Fatalf("expected error for parentRes > current res")
	}
	if _, err := m.ToChildren(cell, 8); err == nil {
		t.Fatalf("expected error for childRes < current res")
	}
	if _, err := m.ToChildren(cell, 13); err == nil {
		t.Fatalf("expected error when expanding more than three levels")
	}
}

func contains(xs []string, v string) bool {
	return slices.Contains(xs, v)
}
