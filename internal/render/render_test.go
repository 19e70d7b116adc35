package render

import (
	"testing"

	"github.com/mohammed-shakir/listing-overlay/internal/core/model"
)

func TestLatest(t *testing.T) {
	l := NewLatest()
	fc, v := l.Current()
	if fc == nil || len(fc.Features) != 0 || v != 0 {
		t.Fatalf("initial = %v, %d", fc, v)
	}
	if l.LayerReady() {
		t.Fatal("layer should not exist before EnsureLayer")
	}
	l.EnsureLayer()
	l.EnsureLayer()
	if !l.LayerReady() {
		t.Fatal("layer missing after EnsureLayer")
	}

	want := model.NewFeatureCollection([]model.Feature{{Type: "Feature"}})
	l.SetData(want)
	l.SetData(want)
	got, v := l.Current()
	if got != want || v != 2 {
		t.Fatalf("got %p v=%d, want %p v=2", got, v, want)
	}

	l.SetData(nil)
	got, _ = l.Current()
	if got == nil || len(got.Features) != 0 {
		t.Fatal("nil data should become an empty collection")
	}
}
