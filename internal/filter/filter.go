// Package filter derives the visible feature collection from the dataset.
package filter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/listing-overlay/internal/core/model"
)

const (
	DefaultMinRating = 0.0
	DefaultMaxRating = 5.0
	DefaultMinCount  = 0
	DefaultMaxCount  = 10000
)

// Bedroom is either "all" (zero value), an exact count, or "N or more".
type Bedroom struct {
	N      int
	OrMore bool
}

func (b Bedroom) All() bool { return b.N <= 0 }

func (b Bedroom) String() string {
	switch {
	case b.All():
		return "all"
	case b.OrMore:
		return strconv.Itoa(b.N) + "+"
	default:
		return strconv.Itoa(b.N)
	}
}

func (b Bedroom) matches(v *int) bool {
	if v == nil || *v == 0 {
		return false
	}
	if b.OrMore {
		return *v >= b.N
	}
	return *v == b.N
}

// ParseBedroom accepts "all", "", a positive count such as "3", or "6+".
func ParseBedroom(s string) (Bedroom, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == "all" {
		return Bedroom{}, nil
	}
	orMore := strings.HasSuffix(s, "+")
	n, err := strconv.Atoi(strings.TrimSuffix(s, "+"))
	if err != nil || n <= 0 {
		return Bedroom{}, fmt.Errorf("invalid bedroom filter %q", s)
	}
	return Bedroom{N: n, OrMore: orMore}, nil
}

type Predicates struct {
	Metric    model.Metric
	MinRating float64
	MaxRating float64
	Bedroom   Bedroom
	MinCount  int
	MaxCount  int
}

func Defaults() Predicates {
	return Predicates{
		Metric:    model.MetricReview,
		MinRating: DefaultMinRating,
		MaxRating: DefaultMaxRating,
		MinCount:  DefaultMinCount,
		MaxCount:  DefaultMaxCount,
	}
}

func (p Predicates) ratingActive() bool {
	return p.MinRating != DefaultMinRating || p.MaxRating != DefaultMaxRating
}

func (p Predicates) countActive() bool {
	return p.MinCount != DefaultMinCount || p.MaxCount != DefaultMaxCount
}

// IsDefault reports whether no predicate narrows the dataset. The selected
// metric alone does not.
func (p Predicates) IsDefault() bool {
	return !p.ratingActive() && p.Bedroom.All() && !p.countActive()
}

// Validate checks ranges coming from user input.
func (p Predicates) Validate() error {
	if _, err := model.ParseMetric(string(p.Metric)); err != nil {
		return err
	}
	if p.MinRating < 0 || p.MaxRating > 5 || p.MinRating > p.MaxRating {
		return fmt.Errorf("rating range [%g, %g] must lie within [0, 5]", p.MinRating, p.MaxRating)
	}
	if p.MinCount < 0 || p.MinCount > p.MaxCount {
		return fmt.Errorf("count range [%d, %d] is invalid", p.MinCount, p.MaxCount)
	}
	return nil
}

// Compute returns fc itself when every predicate is at its default, and a
// new collection holding the features matching all active predicates
// otherwise. fc is never modified.
func Compute(fc *model.FeatureCollection, p Predicates) *model.FeatureCollection {
	if fc == nil {
		return model.NewFeatureCollection(nil)
	}
	if p.IsDefault() {
		return fc
	}
	rating, bedroom, count := p.ratingActive(), !p.Bedroom.All(), p.countActive()
	out := make([]model.Feature, 0, len(fc.Features)/2)
	for _, f := range fc.Features {
		if rating {
			v := f.Properties.Metric(p.Metric)
			if v == nil || *v < p.MinRating || *v > p.MaxRating {
				continue
			}
		}
		if bedroom && !p.Bedroom.matches(f.Properties.Bedroom) {
			continue
		}
		if count {
			v := f.Properties.ReviewsCount
			if v == nil || *v < p.MinCount || *v > p.MaxCount {
				continue
			}
		}
		out = append(out, f)
	}
	return model.NewFeatureCollection(out)
}
