package filter

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/mohammed-shakir/listing-overlay/internal/core/model"
)

func feat(id string, review *float64, bedroom, count *int) model.Feature {
	return model.Feature{Properties: model.Properties{
		ID: model.ListingID(id), Review: review, Cleanliness: review, Bedroom: bedroom, ReviewsCount: count,
	}}
}

func idsOf(fc *model.FeatureCollection) []string {
	out := []string{}
	for _, f := range fc.Features {
		out = append(out, string(f.Properties.ID))
	}
	return out
}

var sample = model.NewFeatureCollection([]model.Feature{
	feat("a", model.Float(4.9), model.Int(1), model.Int(10)),
	feat("b", model.Float(3.5), model.Int(3), model.Int(300)),
	feat("c", nil, model.Int(7), nil),
	feat("d", model.Float(4.2), model.Int(0), model.Int(0)),
	feat("e", model.Float(5), nil, model.Int(12000)),
})

func TestDefaultsReturnSamePointer(t *testing.T) {
	p := Defaults()
	if got := Compute(sample, p); got != sample {
		t.Fatal("default predicates must return the input collection")
	}
	p.Metric = model.MetricValue
	if got := Compute(sample, p); got != sample {
		t.Fatal("metric selection alone must not filter")
	}
}

func TestCompute(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Predicates)
		want   []string
	}{
		{"rating", func(p *Predicates) { p.MinRating = 4 }, []string{"a", "d", "e"}},
		{"rating upper", func(p *Predicates) { p.MaxRating = 4 }, []string{"b"}},
		{"rating metric", func(p *Predicates) { p.Metric = model.MetricAccuracy; p.MinRating = 1 }, []string{}},
		{"bedroom exact", func(p *Predicates) { p.Bedroom = Bedroom{N: 3} }, []string{"b"}},
		{"bedroom or more", func(p *Predicates) { p.Bedroom = Bedroom{N: 6, OrMore: true} }, []string{"c"}},
		{"bedroom one or more drops zero and missing", func(p *Predicates) { p.Bedroom = Bedroom{N: 1, OrMore: true} }, []string{"a", "b", "c"}},
		{"count", func(p *Predicates) { p.MaxCount = 500 }, []string{"a", "b", "d"}},
		{"count lower", func(p *Predicates) { p.MinCount = 11 }, []string{"b"}},
		{"conjunction", func(p *Predicates) { p.MinRating = 3; p.MinCount = 100 }, []string{"b"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := Defaults()
			tc.mutate(&p)
			got := Compute(sample, p)
			if got == sample {
				t.Fatal("active predicate must produce a new collection")
			}
			if diff := cmp.Diff(tc.want, idsOf(got)); diff != "" {
				t.Fatalf("ids (-want +got):\n%s", diff)
			}
		})
	}
	if len(sample.Features) != 5 {
		t.Fatal("input collection was modified")
	}
}

func TestZeroBedroomAlwaysExcluded(t *testing.T) {
	fc := model.NewFeatureCollection([]model.Feature{feat("z", model.Float(4), model.Int(0), model.Int(5))})
	for _, b := range []Bedroom{{N: 1}, {N: 1, OrMore: true}, {N: 6, OrMore: true}} {
		p := Defaults()
		p.Bedroom = b
		if n := len(Compute(fc, p).Features); n != 0 {
			t.Fatalf("bedroom %s kept a zero-bedroom listing", b)
		}
	}
}

func TestNilCollection(t *testing.T) {
	got := Compute(nil, Defaults())
	if got == nil || len(got.Features) != 0 {
		t.Fatalf("got %#v", got)
	}
}

func TestParseBedroom(t *testing.T) {
	good := map[string]Bedroom{"": {}, "all": {}, "ALL": {}, "2": {N: 2}, "6+": {N: 6, OrMore: true}, " 3+ ": {N: 3, OrMore: true}}
	for in, want := range good {
		got, err := ParseBedroom(in)
		if err != nil || got != want {
			t.Errorf("ParseBedroom(%q) = %+v, %v", in, got, err)
		}
	}
	for _, in := range []string{"0", "-1", "x", "+", "2++"} {
		if _, err := ParseBedroom(in); err == nil {
			t.Errorf("ParseBedroom(%q) should fail", in)
		}
	}
	if s := (Bedroom{N: 6, OrMore: true}).String(); s != "6+" {
		t.Errorf("String = %q", s)
	}
}

func TestValidate(t *testing.T) {
	p := Defaults()
	if err := p.Validate(); err != nil {
		t.Fatal(err)
	}
	p.MinRating, p.MaxRating = 4, 3
	if p.Validate() == nil {
		t.Fatal("inverted rating range accepted")
	}
	p = Defaults()
	p.Metric = "stars"
	if p.Validate() == nil {
		t.Fatal("unknown metric accepted")
	}
}
