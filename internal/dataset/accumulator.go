// Package dataset owns the canonical feature collection built from fetched
// listings.
//
// Writers append in batches under a mutex; readers get an immutable
// collection published after every batch, so they never observe a half
// merged batch.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/mohammed-shakir/listing-overlay/internal/core/model"
	"github.com/mohammed-shakir/listing-overlay/internal/core/observability"
)

const (
	DefaultBatchSize = 500
	DefaultOffset    = 0.0003
	MaxOffset        = 0.001
)

// ErrSuperseded stops a merge whose session is no longer live.
var ErrSuperseded = errors.New("dataset: session superseded")

// UpdateFunc receives the published collection after each merged batch.
type UpdateFunc func(fc *model.FeatureCollection, final bool)

type Options struct {
	BatchSize int
	Offset    float64
	// Live reports the current session; nil accepts every token.
	Live     func() model.SessionToken
	OnUpdate UpdateFunc
}

type Accumulator struct {
	batch    int
	live     func() model.SessionToken
	onUpdate UpdateFunc

	mu       sync.Mutex
	features []model.Feature
	seen     map[model.ListingID]struct{}
	offset   float64

	published atomic.Pointer[model.FeatureCollection]
}

func New(opts Options) *Accumulator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Offset <= 0 || opts.Offset > MaxOffset {
		opts.Offset = DefaultOffset
	}
	a := &Accumulator{
		batch:    opts.BatchSize,
		live:     opts.Live,
		onUpdate: opts.OnUpdate,
		seen:     map[model.ListingID]struct{}{},
		offset:   opts.Offset,
	}
	a.publishLocked()
	return a
}

// Collection returns the latest published collection. Callers must not
// mutate it.
func (a *Accumulator) Collection() *model.FeatureCollection {
	return a.published.Load()
}

func (a *Accumulator) Len() int {
	return len(a.published.Load().Features)
}

func (a *Accumulator) Offset() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.offset
}

// Reset drops every feature and forgets every seen id. It fails with
// ErrSuperseded, leaving the dataset untouched, when token is not live.
func (a *Accumulator) Reset(token model.SessionToken) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.liveLocked(token) {
		return ErrSuperseded
	}
	a.features = nil
	a.seen = map[model.ListingID]struct{}{}
	a.publishLocked()
	return nil
}

// liveLocked is checked under a.mu so no write lands after the token that
// issued it was superseded.
func (a *Accumulator) liveLocked(token model.SessionToken) bool {
	return a.live == nil || a.live().Equal(token)
}

// MergePage appends features for listings not seen before and reports how
// many were added. Work is split into batches; the session is re-checked
// before each one, and a superseded session stops with ErrSuperseded while
// keeping the batches already merged.
func (a *Accumulator) MergePage(ctx context.Context, token model.SessionToken, listings []model.Listing) (int, error) {
	added := 0
	for start := 0; start < len(listings); start += a.batch {
		if err := ctx.Err(); err != nil {
			return added, fmt.Errorf("%w: %w", ErrSuperseded, err)
		}
		end := min(start+a.batch, len(listings))
		n, fc, err := a.mergeBatch(token, listings[start:end])
		added += n
		if err != nil {
			return added, err
		}
		final := end == len(listings)
		if a.onUpdate != nil {
			a.onUpdate(fc, final)
		}
		if !final {
			runtime.Gosched()
		}
	}
	return added, nil
}

func (a *Accumulator) mergeBatch(token model.SessionToken, batch []model.Listing) (int, *model.FeatureCollection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.liveLocked(token) {
		return 0, nil, ErrSuperseded
	}
	n := 0
	for _, l := range batch {
		if l.ID == "" {
			continue
		}
		if _, dup := a.seen[l.ID]; dup {
			continue
		}
		a.seen[l.ID] = struct{}{}
		a.features = append(a.features, model.NewFeature(l, a.offset))
		n++
	}
	return n, a.publishLocked(), nil
}

// RegeneratePolygons rebuilds every footprint around its centroid with the
// new offset. Features and ids are otherwise untouched.
func (a *Accumulator) RegeneratePolygons(offset float64) {
	a.mu.Lock()
	a.offset = offset
	next := make([]model.Feature, len(a.features))
	for i, f := range a.features {
		f.Geometry = model.SquareAround(f.Centroid.Lng, f.Centroid.Lat, offset)
		next[i] = f
	}
	a.features = next
	a.publishLocked()
	a.mu.Unlock()
}

// Snapshot is a detached copy of the dataset.
type Snapshot struct {
	Features []model.Feature
	Offset   float64
}

func (s Snapshot) Empty() bool { return len(s.Features) == 0 }

func (a *Accumulator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{Features: append([]model.Feature(nil), a.features...), Offset: a.offset}
}

// Restore replaces the dataset with s, re-deriving geometry when the offset
// changed since the snapshot was taken. Like Reset it is a no-op returning
// ErrSuperseded for a stale token.
func (a *Accumulator) Restore(token model.SessionToken, s Snapshot) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.liveLocked(token) {
		return ErrSuperseded
	}
	a.features = make([]model.Feature, 0, len(s.Features))
	a.seen = make(map[model.ListingID]struct{}, len(s.Features))
	for _, f := range s.Features {
		if _, dup := a.seen[f.Properties.ID]; dup {
			continue
		}
		if s.Offset != a.offset {
			f.Geometry = model.SquareAround(f.Centroid.Lng, f.Centroid.Lat, a.offset)
		}
		a.seen[f.Properties.ID] = struct{}{}
		a.features = append(a.features, f)
	}
	a.publishLocked()
	return nil
}

// publishLocked exposes the current prefix. Elements below len are never
// written again: appends go past it and rewrites allocate a new slice.
func (a *Accumulator) publishLocked() *model.FeatureCollection {
	fc := model.NewFeatureCollection(a.features[:len(a.features):len(a.features)])
	a.published.Store(fc)
	observability.SetDatasetFeatures(len(a.features))
	return fc
}
