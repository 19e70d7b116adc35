// Package render holds the consumer side of the overlay: whatever draws the
// filtered collection.
package render

import (
	"sync"

	"github.com/mohammed-shakir/listing-overlay/internal/core/model"
	"github.com/mohammed-shakir/listing-overlay/internal/core/observability"
)

// Sink receives every visible collection. EnsureLayer must be idempotent.
type Sink interface {
	EnsureLayer()
	SetData(fc *model.FeatureCollection)
}

// Latest keeps the most recent collection for the HTTP overlay endpoint.
type Latest struct {
	mu      sync.RWMutex
	layer   bool
	fc      *model.FeatureCollection
	version uint64
}

var _ Sink = (*Latest)(nil)

func NewLatest() *Latest {
	return &Latest{fc: model.NewFeatureCollection(nil)}
}

func (l *Latest) EnsureLayer() {
	l.mu.Lock()
	l.layer = true
	l.mu.Unlock()
}

func (l *Latest) SetData(fc *model.FeatureCollection) {
	if fc == nil {
		fc = model.NewFeatureCollection(nil)
	}
	l.mu.Lock()
	l.fc = fc
	l.version++
	l.mu.Unlock()
	observability.SetVisibleFeatures(len(fc.Features))
}

// Current returns the last collection and a version that changes on every
// SetData.
func (l *Latest) Current() (*model.FeatureCollection, uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.fc, l.version
}

func (l *Latest) LayerReady() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.layer
}
