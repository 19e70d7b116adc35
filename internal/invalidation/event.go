// Package invalidation defines the events that evict cached listing pages.
package invalidation

import (
	"fmt"
	"strings"
	"time"

	"github.com/mohammed-shakir/listing-overlay/internal/core/model"
)

// Event names the area whose listings changed. Exactly one of Key, BBox,
// Point or H3Cells selects it. Seq, when set, is a per-area monotonic
// version; replays with a Seq at or below the last applied one are ignored.
type Event struct {
	Version int                      `json:"version"`
	Op      string                   `json:"op"`
	TS      time.Time                `json:"ts"`
	Source  string                   `json:"source,omitempty"`
	Seq     uint64                   `json:"seq,omitempty"`
	Key     string                   `json:"key,omitempty"`
	BBox    *BBox                    `json:"bbox,omitempty"`
	Point   *model.Location          `json:"point,omitempty"`
	H3Cells []string                 `json:"h3_cells,omitempty"`
	Modes   []model.ReviewsCountMode `json:"modes,omitempty"`
}

type BBox struct {
	X1   float64 `json:"x1"`
	Y1   float64 `json:"y1"`
	X2   float64 `json:"x2"`
	Y2   float64 `json:"y2"`
	SRID string  `json:"srid,omitempty"`
}

func (b BBox) Model() model.BBox {
	return model.BBox{X1: b.X1, Y1: b.Y1, X2: b.X2, Y2: b.Y2}
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return fmt.Errorf("version must be 1")
	}
	switch e.Op {
	case "insert", "update", "delete", "invalidate":
	default:
		return fmt.Errorf("op must be insert|update|delete|invalidate")
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}

	selectors := 0
	if strings.TrimSpace(e.Key) != "" {
		selectors++
	}
	if e.BBox != nil {
		selectors++
	}
	if e.Point != nil {
		selectors++
	}
	if len(e.H3Cells) > 0 {
		selectors++
	}
	if selectors != 1 {
		return fmt.Errorf("exactly one of key, bbox, point or h3_cells is required")
	}

	for _, m := range e.Modes {
		if _, err := model.ParseReviewsCountMode(string(m)); err != nil || m == "" {
			return fmt.Errorf("modes: invalid mode %q", m)
		}
	}

	switch {
	case e.BBox != nil:
		if srid := e.BBox.SRID; srid != "" && srid != "EPSG:4326" {
			return fmt.Errorf("bbox.srid must be EPSG:4326")
		}
		if !e.BBox.Model().Valid() {
			return fmt.Errorf("bbox must lie in EPSG:4326 bounds and satisfy x2>x1 and y2>y1")
		}
	case e.Point != nil:
		if !e.Point.Valid() {
			return fmt.Errorf("point out of range")
		}
	}
	return nil
}

// EffectiveModes defaults to every mode when none are listed.
func (e Event) EffectiveModes() []model.ReviewsCountMode {
	if len(e.Modes) == 0 {
		return model.AllModes
	}
	return e.Modes
}
