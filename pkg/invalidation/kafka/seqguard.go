package kafka

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// seqGuard drops replayed or reordered events. It tracks the highest
// applied seq per bucket (or per literal page key) in a bounded LRU, so a
// bucket that falls out of the window is treated as never seen.
type seqGuard struct {
	mu   sync.Mutex
	high *lru.Cache[string, uint64]
}

func newSeqGuard(window int) *seqGuard {
	if window <= 0 {
		window = 4096
	}
	high, _ := lru.New[string, uint64](window)
	return &seqGuard{high: high}
}

// admit records seq for key and reports whether it advances the high mark.
// Unversioned events (seq 0) are always admitted and leave the mark alone.
func (g *seqGuard) admit(key string, seq uint64) bool {
	if seq == 0 {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	prev, seen := g.high.Peek(key)
	if seen && seq <= prev {
		g.high.Get(key)
		return false
	}
	g.high.Add(key, seq)
	return true
}
